package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Shimano02/Iida-clinic/internal/backend"
	"github.com/Shimano02/Iida-clinic/internal/bus"
	"github.com/Shimano02/Iida-clinic/internal/protocol"
	"github.com/Shimano02/Iida-clinic/internal/records"
	"github.com/nats-io/nats.go"
)

// Session is the consultation surface driven over the bus.
type Session interface {
	StartRecording(ctx context.Context) error
	StopRecording() error
	Reset()
	ProcessAudio(ctx context.Context) (backend.Result, error)
	Patient() backend.Patient
	SetPatient(p backend.Patient)
	UpdateRecord(field, value string) error
	SaveRecord(ctx context.Context) (int64, error)
	ListRecords(ctx context.Context) ([]records.Record, error)
	ExportRecords(ctx context.Context, ids []int64) ([]byte, string, error)
	Snapshot() protocol.Status
}

// Directory lists the runtimes heard on the bus.
type Directory interface {
	Runtimes() []protocol.Runtime
}

type Option func(*Service)

func WithDirectory(d Directory) Option {
	return func(s *Service) { s.directory = d }
}

type handler func(ctx context.Context, data []byte) (protocol.Reply, error)

// Service answers control requests on karte.ctrl.* with a protocol.Reply.
type Service struct {
	bus       *bus.Client
	session   Session
	directory Directory
	logger    *slog.Logger
	sub       *nats.Subscription
	handlers  map[string]handler
	patientMu sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func NewService(parent context.Context, busClient *bus.Client, session Session, logger *slog.Logger, opts ...Option) *Service {
	ctx, cancel := context.WithCancel(parent)
	s := &Service{
		bus:     busClient,
		session: session,
		logger:  logger.With(slog.String("component", "control")),
		ctx:     ctx,
		cancel:  cancel,
	}
	s.handlers = map[string]handler{
		protocol.SubjectStart:    s.handleStart,
		protocol.SubjectStop:     s.handleStop,
		protocol.SubjectReset:    s.handleReset,
		protocol.SubjectProcess:  s.handleProcess,
		protocol.SubjectSave:     s.handleSave,
		protocol.SubjectExport:   s.handleExport,
		protocol.SubjectPatient:  s.handlePatient,
		protocol.SubjectRecord:   s.handleRecord,
		protocol.SubjectStatus:   s.handleStatus,
		protocol.SubjectRecords:  s.handleRecords,
		protocol.SubjectRuntimes: s.handleRuntimes,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Start() error {
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectControlPrefix+".>", s.dispatch)
	if err != nil {
		return fmt.Errorf("subscribe control: %w", err)
	}
	s.sub = sub
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return s.sub != nil && s.sub.IsValid()
}

func (s *Service) dispatch(msg *nats.Msg) {
	h, ok := s.handlers[msg.Subject]
	if !ok {
		s.respond(msg, protocol.Reply{}, fmt.Errorf("unknown control subject %q", msg.Subject))
		return
	}
	// Submissions may block for the whole backend timeout.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, protocol.DefaultRequestTimeout)
		defer cancel()
		reply, err := h(ctx, msg.Data)
		s.respond(msg, reply, err)
	}()
}

func (s *Service) respond(msg *nats.Msg, reply protocol.Reply, err error) {
	if err != nil {
		s.logger.Info("control request failed", slog.String("subject", msg.Subject), slogError(err))
		reply.OK = false
		reply.Error = err.Error()
	} else {
		reply.OK = true
	}
	if reply.Status == nil {
		status := s.session.Snapshot()
		reply.Status = &status
	}
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		s.logger.Warn("failed to encode control reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to respond", slog.String("subject", msg.Subject), slogError(err))
	}
}

func (s *Service) handleStart(ctx context.Context, _ []byte) (protocol.Reply, error) {
	return protocol.Reply{}, s.session.StartRecording(ctx)
}

func (s *Service) handleStop(context.Context, []byte) (protocol.Reply, error) {
	return protocol.Reply{}, s.session.StopRecording()
}

func (s *Service) handleReset(context.Context, []byte) (protocol.Reply, error) {
	s.session.Reset()
	return protocol.Reply{}, nil
}

func (s *Service) handleProcess(ctx context.Context, _ []byte) (protocol.Reply, error) {
	_, err := s.session.ProcessAudio(ctx)
	return protocol.Reply{}, err
}

func (s *Service) handleSave(ctx context.Context, _ []byte) (protocol.Reply, error) {
	id, err := s.session.SaveRecord(ctx)
	return protocol.Reply{RecordID: id}, err
}

func (s *Service) handleExport(ctx context.Context, data []byte) (protocol.Reply, error) {
	var req protocol.ExportRequest
	if err := decode(data, &req); err != nil {
		return protocol.Reply{}, err
	}
	xlsx, name, err := s.session.ExportRecords(ctx, req.IDs)
	if err != nil {
		return protocol.Reply{}, err
	}
	return protocol.Reply{FileName: name, Data: xlsx}, nil
}

func (s *Service) handlePatient(_ context.Context, data []byte) (protocol.Reply, error) {
	var edit protocol.PatientEdit
	if err := decode(data, &edit); err != nil {
		return protocol.Reply{}, err
	}
	s.patientMu.Lock()
	defer s.patientMu.Unlock()
	s.session.SetPatient(mergePatient(s.session.Patient(), edit))
	return protocol.Reply{}, nil
}

func mergePatient(p backend.Patient, edit protocol.PatientEdit) backend.Patient {
	if edit.Name != nil {
		p.Name = *edit.Name
	}
	if edit.ID != nil {
		p.ID = *edit.ID
	}
	if edit.Age != nil {
		p.Age = *edit.Age
	}
	if edit.Gender != nil {
		p.Gender = *edit.Gender
	}
	return p
}

func (s *Service) handleRecord(_ context.Context, data []byte) (protocol.Reply, error) {
	var edit protocol.RecordEdit
	if err := decode(data, &edit); err != nil {
		return protocol.Reply{}, err
	}
	return protocol.Reply{}, s.session.UpdateRecord(edit.Field, edit.Value)
}

func (s *Service) handleStatus(context.Context, []byte) (protocol.Reply, error) {
	return protocol.Reply{}, nil
}

func (s *Service) handleRecords(ctx context.Context, _ []byte) (protocol.Reply, error) {
	recs, err := s.session.ListRecords(ctx)
	return protocol.Reply{Records: recs}, err
}

func (s *Service) handleRuntimes(context.Context, []byte) (protocol.Reply, error) {
	if s.directory == nil {
		return protocol.Reply{}, nil
	}
	return protocol.Reply{Runtimes: s.directory.Runtimes()}, nil
}

func decode(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
