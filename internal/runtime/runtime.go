package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Shimano02/Iida-clinic/internal/bus"
	"github.com/Shimano02/Iida-clinic/internal/capability"
	"github.com/Shimano02/Iida-clinic/internal/config"
	"github.com/Shimano02/Iida-clinic/internal/control"
	"github.com/Shimano02/Iida-clinic/internal/eventstore"
	"github.com/Shimano02/Iida-clinic/internal/natsserver"
	"github.com/Shimano02/Iida-clinic/internal/protocol"
	"github.com/Shimano02/Iida-clinic/internal/records"
	"github.com/Shimano02/Iida-clinic/internal/session"
	"github.com/Shimano02/Iida-clinic/internal/waveform"
)

// transcriptRetention bounds how long the transcript stream keeps updates.
const transcriptRetention = 24 * time.Hour

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	metrics     http.Handler
	ready       atomic.Bool
	wg          sync.WaitGroup

	nats     *natsserver.EmbeddedServer
	bus      *bus.Client
	events   *eventstore.Store
	records  *records.Store
	session  *session.Orchestrator
	control  *control.Service
	registry *capability.Registry
	waveform *waveform.ImageSurface
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	r.metrics = metricsHandler

	if err := r.startComponents(ctx); err != nil {
		r.stopComponents()
		r.shutdownTelemetry()
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	r.stopComponents()
	r.shutdownTelemetry()
	return nil
}

func (r *Runtime) shutdownTelemetry() {
	if r.tracerClose == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.tracerClose(ctx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
}

func (r *Runtime) startComponents(ctx context.Context) error {
	busCfg := r.cfg.Bus
	ns, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return err
	}
	r.nats = ns
	if ns != nil {
		busCfg.Servers = []string{ns.ClientURL()}
	}

	r.bus, err = bus.Connect(ctx, busCfg, r.cfg.RuntimeName, r.logger)
	if err != nil {
		return err
	}
	if err := r.bus.EnsureStream(protocol.StreamTranscripts, transcriptRetention, protocol.SubjectTranscript); err != nil {
		r.logger.Warn("transcript stream unavailable", slog.String("error", err.Error()))
	}

	r.events, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.records, err = records.Open(ctx, r.cfg.Records, r.logger)
	if err != nil {
		return fmt.Errorf("open record store: %w", err)
	}

	deps, surface, err := buildSession(r.cfg, r.bus, r.events, r.records, r.logger)
	if err != nil {
		return err
	}
	r.waveform = surface
	r.session = session.New(ctx, r.cfg.Session, r.cfg.Recognizer, deps, r.logger)
	r.session.Start()

	r.registry, err = capability.NewRegistry(ctx, r.cfg.RuntimeName, capability.FromConfig(r.cfg), r.cfg.Presence, r.bus, r.logger)
	if err != nil {
		return err
	}

	r.control = control.NewService(ctx, r.bus, r.session, r.logger, control.WithDirectory(r.registry))
	if err := r.control.Start(); err != nil {
		return err
	}
	return nil
}

func (r *Runtime) stopComponents() {
	if r.control != nil {
		r.control.Close()
	}
	if r.registry != nil {
		r.registry.Close()
	}
	if r.session != nil {
		r.session.Close()
	}
	if r.records != nil {
		if err := r.records.Close(); err != nil {
			r.logger.Warn("record store close failed", slog.String("error", err.Error()))
		}
	}
	if r.events != nil {
		if err := r.events.Close(); err != nil {
			r.logger.Warn("event store close failed", slog.String("error", err.Error()))
		}
	}
	r.bus.Close()
	r.nats.Shutdown()
}

func (r *Runtime) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/waveform.png", r.handleWaveform)
	if r.metrics != nil {
		mux.Handle("/metrics", r.metrics)
	}
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.bus.Healthy() && r.control.Healthy() && r.session.Healthy() && r.registry.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleWaveform(w http.ResponseWriter, _ *http.Request) {
	if r.waveform == nil {
		http.Error(w, "waveform disabled", http.StatusNotFound)
		return
	}
	data, err := r.waveform.PNG()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(data)
}
