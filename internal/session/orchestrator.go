package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Shimano02/Iida-clinic/internal/audio"
	"github.com/Shimano02/Iida-clinic/internal/backend"
	"github.com/Shimano02/Iida-clinic/internal/config"
	"github.com/Shimano02/Iida-clinic/internal/eventstore"
	"github.com/Shimano02/Iida-clinic/internal/protocol"
	"github.com/Shimano02/Iida-clinic/internal/recording"
	"github.com/Shimano02/Iida-clinic/internal/records"
	"github.com/Shimano02/Iida-clinic/internal/stt"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrNoAudioCaptured      = errors.New("no audio captured")
	ErrBackendSubmission    = errors.New("backend submission failed")
	ErrStoreSave            = errors.New("record save failed")
	ErrExport               = errors.New("record export failed")
	ErrNoRecord             = errors.New("no record")
	ErrProcessingInProgress = errors.New("processing already in progress")
)

// User-facing notices.
const (
	msgRecordingStarted      = "録音を開始しました"
	msgRecordingStopped      = "録音を停止しました"
	msgPermissionDenied      = "マイクへのアクセスが拒否されました"
	msgMicrophoneUnavailable = "マイクを使用できません"
	msgNoAudio               = "音声データがありません"
	msgProcessing            = "音声を処理中..."
	msgProcessingFailed      = "音声処理中にエラーが発生しました"
	msgNoRecord              = "保存する医療記録がありません"
	msgSaved                 = "医療記録が保存されました"
	msgSaveFailed            = "記録保存中にエラーが発生しました"
	msgExported              = "Excelファイルを作成しました"
	msgExportFailed          = "エクスポート中にエラーが発生しました"
	msgRecognizerDisabled    = "この環境ではリアルタイム音声認識がサポートされていません"
)

// Visualizer follows the live stream while recording.
type Visualizer interface {
	Activate(stream audio.Stream) error
	Deactivate()
}

type RecordStore interface {
	Save(ctx context.Context, rec records.Record) (int64, error)
	List(ctx context.Context, ids ...int64) ([]records.Record, error)
	Export(ctx context.Context, ids ...int64) ([]byte, error)
}

type Timeline interface {
	BeginSession(ctx context.Context, sessionID, patientID string) error
	Append(ctx context.Context, evt eventstore.Event) error
}

// Publisher fans status out to watchers.
type Publisher interface {
	PublishJSON(subject string, v any) error
}

// Deps are the collaborators an Orchestrator coordinates. Visualizer,
// Timeline and Publisher are optional. A nil Recognizer means live
// transcription is unsupported.
type Deps struct {
	Controller  *recording.Controller
	Recognizer  stt.Recognizer
	Visualizer  Visualizer
	Backend     backend.Transcriber
	Store       RecordStore
	Timeline    Timeline
	Publisher   Publisher
	LoopOptions []stt.LoopOption
}

// Orchestrator wires the recording controller to the live transcript, the
// waveform and the transcription backend, and holds the editable record.
type Orchestrator struct {
	cfg        config.SessionConfig
	controller *recording.Controller
	loop       *stt.Loop
	visualizer Visualizer
	backend    backend.Transcriber
	store      RecordStore
	timeline   Timeline
	publisher  Publisher
	log        *slog.Logger
	tracer     trace.Tracer
	clock      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	sessionID  string
	patient    backend.Patient
	record     *records.Record
	confidence float64
	processing bool
	message    protocol.Message

	submissions metric.Int64Counter
	saves       metric.Int64Counter
	exports     metric.Int64Counter
	latency     metric.Float64Histogram
}

func New(parent context.Context, cfg config.SessionConfig, rcfg config.RecognizerConfig, deps Deps, log *slog.Logger) *Orchestrator {
	ctx, cancel := context.WithCancel(parent)
	o := &Orchestrator{
		cfg:        cfg,
		controller: deps.Controller,
		visualizer: deps.Visualizer,
		backend:    deps.Backend,
		store:      deps.Store,
		timeline:   deps.Timeline,
		publisher:  deps.Publisher,
		log:        log.With(slog.String("component", "session")),
		tracer:     otel.Tracer("github.com/Shimano02/Iida-clinic/session"),
		clock:      time.Now,
		ctx:        ctx,
		cancel:     cancel,
		sessionID:  uuid.NewString(),
		patient: backend.Patient{
			Name:   cfg.Patient.Name,
			ID:     cfg.Patient.ID,
			Age:    cfg.Patient.Age,
			Gender: cfg.Patient.Gender,
		},
	}
	loopOpts := append([]stt.LoopOption{
		stt.OnUpdate(func(stt.Transcript) { o.publishStatus() }),
		stt.OnFinal(o.finalUpdated),
	}, deps.LoopOptions...)
	o.loop = stt.NewLoop(rcfg, deps.Recognizer, log, loopOpts...)
	if !o.loop.Supported() {
		o.log.Info("live transcript disabled", slogError(stt.ErrUnsupported))
		o.message = protocol.Message{Kind: protocol.MessageKindInfo, Text: msgRecognizerDisabled}
	}
	o.initMetrics()
	o.controller.Subscribe(o.onTransition)
	return o
}

func (o *Orchestrator) initMetrics() {
	meter := otel.Meter("github.com/Shimano02/Iida-clinic/session")
	var err error
	if o.submissions, err = meter.Int64Counter("karte.backend.submissions", metric.WithDescription("Audio submissions to the transcription backend")); err != nil {
		o.log.Warn("failed to create metric", slogError(err))
	}
	if o.saves, err = meter.Int64Counter("karte.records.saves", metric.WithDescription("Record save attempts")); err != nil {
		o.log.Warn("failed to create metric", slogError(err))
	}
	if o.exports, err = meter.Int64Counter("karte.records.exports", metric.WithDescription("Spreadsheet exports")); err != nil {
		o.log.Warn("failed to create metric", slogError(err))
	}
	if o.latency, err = meter.Float64Histogram("karte.backend.latency", metric.WithDescription("Backend processing latency"), metric.WithUnit("s")); err != nil {
		o.log.Warn("failed to create metric", slogError(err))
	}
}

// Start runs the transcription loop until Close.
func (o *Orchestrator) Start() {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.loop.Run(o.ctx)
	}()
}

// Close tears down the session, releasing the microphone if still recording.
func (o *Orchestrator) Close() {
	if err := o.controller.Close(); err != nil {
		o.log.Warn("recording teardown failed", slogError(err))
	}
	if o.visualizer != nil {
		o.visualizer.Deactivate()
	}
	o.cancel()
	o.wg.Wait()
}

func (o *Orchestrator) Healthy() bool {
	return o.ctx.Err() == nil
}

// Loop exposes the live transcription loop.
func (o *Orchestrator) Loop() *stt.Loop { return o.loop }

func (o *Orchestrator) onTransition(t recording.Transition) {
	switch {
	case t.To == recording.Recording:
		o.mu.Lock()
		o.sessionID = uuid.NewString()
		sessionID, patientID := o.sessionID, o.patient.ID
		o.message = protocol.Message{Kind: protocol.MessageKindInfo, Text: msgRecordingStarted}
		o.mu.Unlock()

		o.loop.SetRecording(true, t.Stream)
		if o.visualizer != nil {
			if err := o.visualizer.Activate(t.Stream); err != nil {
				o.log.Warn("waveform unavailable", slogError(err))
			}
		}
		if o.timeline != nil {
			if err := o.timeline.BeginSession(o.ctx, sessionID, patientID); err != nil {
				o.log.Warn("timeline session failed", slogError(err))
			}
		}
		o.appendTimeline(eventstore.TypeRecordingStarted, "", map[string]any{"stream": t.Stream.ID()})

	case t.From == recording.Recording:
		o.loop.SetRecording(false, nil)
		if o.visualizer != nil {
			o.visualizer.Deactivate()
		}
		if t.To != recording.Stopped {
			o.appendTimeline(eventstore.TypeRecordingReset, "", map[string]any{"reason": "teardown"})
			break
		}
		o.setMessage(protocol.MessageKindSuccess, msgRecordingStopped)
		o.appendTimeline(eventstore.TypeRecordingStopped, "", map[string]any{
			"bytes":       t.Artifact.Size(),
			"duration_ms": t.Artifact.Duration.Milliseconds(),
		})
		if o.cfg.AutoProcess && t.Artifact.Size() > 0 {
			o.wg.Add(1)
			go func() {
				defer o.wg.Done()
				if _, err := o.ProcessAudio(o.ctx); err != nil {
					o.log.Warn("automatic processing failed", slogError(err))
				}
			}()
		}

	case t.From == recording.Stopped && t.To == recording.Idle:
		o.appendTimeline(eventstore.TypeRecordingReset, "", nil)
	}
	o.publishStatus()
}

func (o *Orchestrator) finalUpdated(text string) {
	o.mu.Lock()
	sessionID := o.sessionID
	o.mu.Unlock()
	o.publish(protocol.SubjectTranscript, protocol.Transcript{
		SessionID: sessionID,
		Text:      text,
		Timestamp: o.clock().UTC(),
	})
	o.appendTimeline(eventstore.TypeTranscriptFinal, "", map[string]any{"text": text})
}

// StartRecording asks for the microphone and begins a new recording.
func (o *Orchestrator) StartRecording(ctx context.Context) error {
	err := o.controller.Start(ctx)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, audio.ErrPermissionDenied):
		o.setMessage(protocol.MessageKindError, msgPermissionDenied)
		o.appendTimeline(eventstore.TypeRecordingDenied, "", map[string]any{"error": err.Error()})
		o.publishStatus()
	case errors.Is(err, recording.ErrAlreadyRecording), errors.Is(err, recording.ErrStartCancelled):
	default:
		o.setMessage(protocol.MessageKindError, msgMicrophoneUnavailable)
		o.publishStatus()
	}
	return err
}

func (o *Orchestrator) StopRecording() error {
	return o.controller.Stop()
}

// Reset discards a stopped recording. The live transcript is kept until the
// next recording starts.
func (o *Orchestrator) Reset() {
	o.controller.Reset()
}

// ProcessAudio submits the finished recording with the current patient data
// and replaces the record on success. On failure the previous record is kept.
func (o *Orchestrator) ProcessAudio(ctx context.Context) (backend.Result, error) {
	artifact := o.controller.Artifact()
	if artifact.Size() == 0 {
		o.setMessage(protocol.MessageKindError, msgNoAudio)
		o.publishStatus()
		return backend.Result{}, ErrNoAudioCaptured
	}

	o.mu.Lock()
	if o.processing {
		o.mu.Unlock()
		return backend.Result{}, ErrProcessingInProgress
	}
	o.processing = true
	patient := o.patient
	o.message = protocol.Message{Kind: protocol.MessageKindInfo, Text: msgProcessing}
	o.mu.Unlock()
	o.publishStatus()

	ctx, span := o.tracer.Start(ctx, "session.process_audio", trace.WithAttributes(
		attribute.Int("audio.bytes", artifact.Size()),
		attribute.String("patient.id", patient.ID),
	))
	defer span.End()
	traceID := traceIDOf(span)
	o.appendTimeline(eventstore.TypeProcessingStarted, traceID, map[string]any{"bytes": artifact.Size()})

	started := o.clock()
	res, err := o.backend.Process(ctx, backend.Submission{Artifact: artifact, Patient: patient})
	elapsed := o.clock().Sub(started)
	if o.latency != nil {
		o.latency.Record(ctx, elapsed.Seconds())
	}

	o.mu.Lock()
	o.processing = false
	if err != nil {
		o.message = protocol.Message{Kind: protocol.MessageKindError, Text: msgProcessingFailed}
		o.mu.Unlock()
		span.RecordError(err)
		span.SetStatus(codes.Error, "backend submission failed")
		o.count(o.submissions, ctx, "failure")
		o.appendTimeline(eventstore.TypeProcessingFailed, traceID, map[string]any{"error": err.Error()})
		o.publishStatus()
		return backend.Result{}, fmt.Errorf("%w: %w", ErrBackendSubmission, err)
	}
	rec := res.Record
	o.record = &rec
	o.confidence = res.Confidence
	o.message = protocol.Message{
		Kind: protocol.MessageKindSuccess,
		Text: fmt.Sprintf("音声処理が完了しました（信頼度: %.1f%%）", res.Confidence*100),
	}
	o.mu.Unlock()

	o.count(o.submissions, ctx, "success")
	o.appendTimeline(eventstore.TypeProcessingSucceeded, traceID, map[string]any{
		"confidence":         res.Confidence,
		"processing_time_ms": res.ProcessingTime.Milliseconds(),
	})
	o.log.Info("record generated", slog.Float64("confidence", res.Confidence), slog.Duration("elapsed", elapsed))
	o.publishStatus()
	return res, nil
}

func (o *Orchestrator) Patient() backend.Patient {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.patient
}

func (o *Orchestrator) SetPatient(p backend.Patient) {
	o.mu.Lock()
	o.patient = p
	o.mu.Unlock()
	o.publishStatus()
}

// Record returns a copy of the editable record.
func (o *Orchestrator) Record() (records.Record, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.record == nil {
		return records.Record{}, false
	}
	return *o.record, true
}

// UpdateRecord edits one field locally; nothing is stored until SaveRecord.
func (o *Orchestrator) UpdateRecord(field, value string) error {
	o.mu.Lock()
	if o.record == nil {
		o.mu.Unlock()
		return ErrNoRecord
	}
	if err := o.record.Set(field, value); err != nil {
		o.mu.Unlock()
		return err
	}
	o.mu.Unlock()
	o.publishStatus()
	return nil
}

// SaveRecord stores the current record and returns its id.
func (o *Orchestrator) SaveRecord(ctx context.Context) (int64, error) {
	rec, ok := o.Record()
	if !ok {
		o.setMessage(protocol.MessageKindError, msgNoRecord)
		o.publishStatus()
		return 0, ErrNoRecord
	}
	ctx, span := o.tracer.Start(ctx, "session.save_record")
	defer span.End()

	id, err := o.store.Save(ctx, rec)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "save failed")
		o.count(o.saves, ctx, "failure")
		o.setMessage(protocol.MessageKindError, msgSaveFailed)
		o.publishStatus()
		return 0, fmt.Errorf("%w: %w", ErrStoreSave, err)
	}
	o.count(o.saves, ctx, "success")
	o.setMessage(protocol.MessageKindSuccess, msgSaved)
	o.appendTimeline(eventstore.TypeRecordSaved, traceIDOf(span), map[string]any{"record_id": id})
	o.publishStatus()
	return id, nil
}

func (o *Orchestrator) ListRecords(ctx context.Context) ([]records.Record, error) {
	return o.store.List(ctx)
}

// ExportRecords renders the selected records (all when ids is empty) as a
// spreadsheet and returns it with its download file name.
func (o *Orchestrator) ExportRecords(ctx context.Context, ids []int64) ([]byte, string, error) {
	ctx, span := o.tracer.Start(ctx, "session.export_records", trace.WithAttributes(attribute.Int("records.selected", len(ids))))
	defer span.End()

	data, err := o.store.Export(ctx, ids...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "export failed")
		o.count(o.exports, ctx, "failure")
		o.setMessage(protocol.MessageKindError, msgExportFailed)
		o.publishStatus()
		return nil, "", fmt.Errorf("%w: %w", ErrExport, err)
	}
	o.count(o.exports, ctx, "success")
	o.setMessage(protocol.MessageKindSuccess, msgExported)
	o.appendTimeline(eventstore.TypeRecordsExported, traceIDOf(span), map[string]any{"ids": ids, "bytes": len(data)})
	o.publishStatus()
	return data, records.ExportFileName(o.clock()), nil
}

// Snapshot is the current view of the session.
func (o *Orchestrator) Snapshot() protocol.Status {
	transcript := o.loop.Transcript()
	elapsed := o.controller.Elapsed()
	state := o.controller.State()
	audioBytes := o.controller.Artifact().Size()

	o.mu.Lock()
	defer o.mu.Unlock()
	status := protocol.Status{
		SessionID:           o.sessionID,
		State:               state.String(),
		ElapsedSeconds:      elapsed,
		Elapsed:             FormatElapsed(elapsed),
		TranscriptFinal:     transcript.Final,
		TranscriptInterim:   transcript.Interim,
		RecognizerSupported: o.loop.Supported(),
		AudioBytes:          audioBytes,
		Processing:          o.processing,
		Patient: protocol.Patient{
			Name:   o.patient.Name,
			ID:     o.patient.ID,
			Age:    o.patient.Age,
			Gender: o.patient.Gender,
		},
		Confidence: o.confidence,
		Message:    o.message,
		Timestamp:  o.clock().UTC(),
	}
	if o.record != nil {
		rec := *o.record
		status.Record = &rec
	}
	return status
}

// FormatElapsed renders whole seconds as MM:SS.
func FormatElapsed(seconds int) string {
	return fmt.Sprintf("%02d:%02d", seconds/60, seconds%60)
}

func (o *Orchestrator) setMessage(kind, text string) {
	o.mu.Lock()
	o.message = protocol.Message{Kind: kind, Text: text}
	o.mu.Unlock()
}

func (o *Orchestrator) publishStatus() {
	if o.publisher == nil {
		return
	}
	o.publish(protocol.SubjectSessionStatus, o.Snapshot())
}

func (o *Orchestrator) publish(subject string, v any) {
	if o.publisher == nil {
		return
	}
	if err := o.publisher.PublishJSON(subject, v); err != nil {
		o.log.Warn("failed to publish", slog.String("subject", subject), slogError(err))
	}
}

func (o *Orchestrator) appendTimeline(typ, traceID string, payload map[string]any) {
	if o.timeline == nil {
		return
	}
	o.mu.Lock()
	sessionID := o.sessionID
	o.mu.Unlock()

	var data []byte
	if payload != nil {
		var err error
		if data, err = json.Marshal(payload); err != nil {
			o.log.Warn("failed to encode timeline payload", slogError(err))
		}
	}
	evt := eventstore.Event{SessionID: sessionID, TraceID: traceID, Type: typ, Payload: data}
	if err := o.timeline.Append(o.ctx, evt); err != nil {
		o.log.Warn("failed to append timeline event", slog.String("type", typ), slogError(err))
	}
}

func (o *Orchestrator) count(c metric.Int64Counter, ctx context.Context, outcome string) {
	if c == nil {
		return
	}
	c.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func traceIDOf(span trace.Span) string {
	sc := span.SpanContext()
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
