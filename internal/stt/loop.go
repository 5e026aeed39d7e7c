package stt

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Shimano02/Iida-clinic/internal/audio"
	"github.com/Shimano02/Iida-clinic/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type itemKind int

const (
	itemRecording itemKind = iota
	itemEvent
	itemRestart
	itemBarrier
)

type item struct {
	kind      itemKind
	phase     uint64
	event     SpeechEvent
	recording bool
	stream    audio.Stream
	done      chan struct{}
}

// AfterFunc schedules f after d and returns a function that cancels it.
type AfterFunc func(d time.Duration, f func()) (cancel func() bool)

func timeAfter(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// Loop keeps a live transcript for the duration of a recording, restarting the
// recognizer whenever it ends on its own. Every input (recognizer events,
// recording toggles, restart timers) goes through a single queue and is
// applied one at a time by Run.
type Loop struct {
	opts         Options
	restartDelay time.Duration
	recognizer   Recognizer
	log          *slog.Logger
	after        AfterFunc
	onUpdate     func(Transcript)
	onFinal      func(string)

	queue chan item
	done  chan struct{}

	// owned by the Run goroutine
	recording      bool
	phase          uint64
	restartPending bool
	cancelRestart  func() bool
	detach         func()
	halt           chan struct{}

	// mirrors phase for emitters running outside Run
	current atomic.Uint64

	mu         sync.RWMutex
	transcript Transcript
	active     bool

	restarts metric.Int64Counter
	errors   metric.Int64Counter
}

type LoopOption func(*Loop)

func WithAfterFunc(after AfterFunc) LoopOption {
	return func(l *Loop) { l.after = after }
}

// OnUpdate is called from the loop goroutine whenever the transcript changes.
func OnUpdate(fn func(Transcript)) LoopOption {
	return func(l *Loop) { l.onUpdate = fn }
}

// OnFinal is called with the cumulative final text each time it grows.
func OnFinal(fn func(string)) LoopOption {
	return func(l *Loop) { l.onFinal = fn }
}

// NewLoop builds a loop around recognizer. A nil recognizer means the platform
// has no speech recognition; the loop then stays inert.
func NewLoop(cfg config.RecognizerConfig, recognizer Recognizer, log *slog.Logger, opts ...LoopOption) *Loop {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 64
	}
	l := &Loop{
		opts: Options{
			Continuous:     cfg.Continuous,
			InterimResults: cfg.InterimResults,
			Language:       cfg.Language,
		},
		restartDelay: time.Duration(cfg.RestartDelayMS) * time.Millisecond,
		recognizer:   recognizer,
		log:          log.With(slog.String("component", "live-transcription")),
		after:        timeAfter,
		queue:        make(chan item, queueSize),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	meter := otel.Meter("github.com/Shimano02/Iida-clinic/stt")
	var err error
	if l.restarts, err = meter.Int64Counter("karte.recognizer.restarts", metric.WithDescription("Recognizer restarts after an early end")); err != nil {
		l.log.Warn("failed to create metric", slogError(err))
	}
	if l.errors, err = meter.Int64Counter("karte.recognizer.errors", metric.WithDescription("Transient recognizer errors")); err != nil {
		l.log.Warn("failed to create metric", slogError(err))
	}
	if recognizer == nil {
		l.log.Info("speech recognition unsupported; live transcript disabled")
	}
	return l
}

func (l *Loop) Supported() bool { return l.recognizer != nil }

// Active reports whether the loop is currently following a recording.
func (l *Loop) Active() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.active
}

func (l *Loop) Transcript() Transcript {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.transcript
}

// Run consumes the queue until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	defer close(l.done)
	for {
		select {
		case <-ctx.Done():
			l.deactivate()
			return
		case it := <-l.queue:
			l.handle(it)
		}
	}
}

// SetRecording follows the recording flag. stream may be nil; when set and the
// recognizer is an AudioSink, fragments are forwarded to it read-only.
func (l *Loop) SetRecording(recording bool, stream audio.Stream) {
	if !l.Supported() {
		return
	}
	l.enqueue(item{kind: itemRecording, recording: recording, stream: stream})
}

// Sync blocks until everything queued before the call has been applied.
func (l *Loop) Sync() {
	done := make(chan struct{})
	l.enqueue(item{kind: itemBarrier, done: done})
	select {
	case <-done:
	case <-l.done:
	}
}

func (l *Loop) enqueue(it item) {
	select {
	case l.queue <- it:
	case <-l.done:
	}
}

// emitFor binds an emitter to the current phase. Deactivating the phase
// releases emitters blocked on a full queue before the recognizer is stopped.
func (l *Loop) emitFor(phase uint64) func(SpeechEvent) {
	halt := l.halt
	return func(ev SpeechEvent) {
		if l.current.Load() != phase {
			return
		}
		select {
		case l.queue <- item{kind: itemEvent, phase: phase, event: ev}:
		case <-halt:
		case <-l.done:
		}
	}
}

func (l *Loop) handle(it item) {
	switch it.kind {
	case itemRecording:
		if it.recording {
			l.activate(it.stream)
		} else {
			l.deactivate()
		}
	case itemEvent:
		if !l.recording || it.phase != l.phase {
			return
		}
		l.apply(it.event)
	case itemRestart:
		if !l.recording || it.phase != l.phase || !l.restartPending {
			return
		}
		l.restartPending = false
		l.cancelRestart = nil
		if l.restarts != nil {
			l.restarts.Add(context.Background(), 1)
		}
		l.log.Debug("restarting speech recognition")
		l.startRecognizer()
	case itemBarrier:
		close(it.done)
	}
}

func (l *Loop) activate(stream audio.Stream) {
	if l.recording {
		return
	}
	l.recording = true
	l.phase++
	l.current.Store(l.phase)
	l.halt = make(chan struct{})
	l.setTranscript(Transcript{}, true)

	opts := l.opts
	if sink, ok := l.recognizer.(AudioSink); ok && stream != nil {
		format := stream.Format()
		opts.SampleRate = format.SampleRate
		opts.Channels = format.Channels
		l.detach = stream.Observe(sink.WriteAudio)
	}
	l.opts = opts
	l.startRecognizer()
}

func (l *Loop) deactivate() {
	if !l.recording {
		return
	}
	l.recording = false
	l.phase++
	l.current.Store(l.phase)
	if l.cancelRestart != nil {
		l.cancelRestart()
		l.cancelRestart = nil
	}
	l.restartPending = false
	if l.detach != nil {
		l.detach()
		l.detach = nil
	}
	close(l.halt)
	l.halt = nil
	if err := l.recognizer.Stop(); err != nil {
		l.log.Debug("speech recognition stop failed", slogError(err))
	}
	l.mu.Lock()
	l.active = false
	l.mu.Unlock()
}

func (l *Loop) apply(ev SpeechEvent) {
	switch ev.Kind {
	case EventInterim:
		t := l.Transcript()
		t.Interim = ev.Text
		l.setTranscript(t, true)
	case EventFinal:
		t := l.Transcript()
		t.Final += ev.Text
		t.Interim = ""
		l.setTranscript(t, true)
		if l.onFinal != nil {
			l.onFinal(t.Final)
		}
	case EventError:
		if l.errors != nil {
			l.errors.Add(context.Background(), 1)
		}
		err := ev.Err
		if err == nil {
			err = ErrTransient
		}
		l.log.Warn("speech recognition error", slogError(err))
	case EventEnded:
		if l.restartPending {
			return
		}
		l.restartPending = true
		phase := l.phase
		l.cancelRestart = l.after(l.restartDelay, func() {
			l.enqueue(item{kind: itemRestart, phase: phase})
		})
	}
}

func (l *Loop) startRecognizer() {
	if err := l.recognizer.Start(l.opts, l.emitFor(l.phase)); err != nil {
		l.log.Warn("failed to start speech recognition", slogError(err))
	}
}

func (l *Loop) setTranscript(t Transcript, active bool) {
	l.mu.Lock()
	l.transcript = t
	l.active = active
	l.mu.Unlock()
	if l.onUpdate != nil {
		l.onUpdate(t)
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
