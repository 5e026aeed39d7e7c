package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/Shimano02/Iida-clinic/internal/bus"
	"github.com/Shimano02/Iida-clinic/internal/config"
	"github.com/Shimano02/Iida-clinic/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type announceMessage struct {
	RuntimeID    string                `json:"runtime_id"`
	Capabilities []protocol.Capability `json:"capabilities"`
	Timestamp    time.Time             `json:"timestamp"`
}

type heartbeatMessage struct {
	RuntimeID string    `json:"runtime_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Registry announces this runtime's capabilities and tracks every runtime
// heard on the bus.
type Registry struct {
	id        string
	caps      []protocol.Capability
	cfg       config.PresenceConfig
	log       *slog.Logger
	bus       *bus.Client
	mu        sync.RWMutex
	runtimes  map[string]*protocol.Runtime
	heartbeat *time.Ticker
	cancel    context.CancelFunc
	subs      []*nats.Subscription
	meter     metric.Meter
}

func NewRegistry(ctx context.Context, id string, caps []protocol.Capability, cfg config.PresenceConfig, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		id:       id,
		caps:     caps,
		cfg:      cfg,
		log:      log.With(slog.String("component", "capability-registry")),
		bus:      busClient,
		runtimes: make(map[string]*protocol.Runtime),
		meter:    otel.Meter("github.com/Shimano02/Iida-clinic/capability"),
		cancel:   cancel,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := r.subscribe(); err != nil {
		r.cancel()
		return nil, err
	}

	r.heartbeat = time.NewTicker(time.Duration(cfg.HeartbeatIntervalMS) * time.Millisecond)
	go r.runHeartbeat(ctx)
	go r.monitorHealth(ctx)

	if err := r.announce(); err != nil {
		r.log.Warn("failed to announce runtime", slog.String("error", err.Error()))
	}

	return r, nil
}

func (r *Registry) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.heartbeat != nil {
		r.heartbeat.Stop()
	}
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	announceSub, err := conn.Subscribe(protocol.SubjectRuntimeAnnounce, r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(protocol.SubjectRuntimeHeartbeat+".*", r.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)

	return nil
}

func (r *Registry) runHeartbeat(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.heartbeat.C:
			if err := r.publishHeartbeat(); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Registry) monitorHealth(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.evaluateHealth(now)
		}
	}
}

func (r *Registry) announce() error {
	msg := announceMessage{
		RuntimeID:    r.id,
		Capabilities: r.caps,
		Timestamp:    time.Now().UTC(),
	}
	if err := r.bus.PublishJSON(protocol.SubjectRuntimeAnnounce, msg); err != nil {
		return err
	}
	r.update(msg.RuntimeID, msg.Capabilities, msg.Timestamp)
	return nil
}

func (r *Registry) publishHeartbeat() error {
	msg := heartbeatMessage{
		RuntimeID: r.id,
		Timestamp: time.Now().UTC(),
	}
	return r.bus.PublishJSON(protocol.SubjectRuntimeHeartbeat+"."+r.id, msg)
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var announcement announceMessage
	if err := json.Unmarshal(msg.Data, &announcement); err != nil {
		r.log.Warn("invalid announce message", slog.String("error", err.Error()))
		return
	}
	if announcement.Timestamp.IsZero() {
		announcement.Timestamp = time.Now().UTC()
	}
	r.update(announcement.RuntimeID, announcement.Capabilities, announcement.Timestamp)
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb heartbeatMessage
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		r.log.Warn("invalid heartbeat message", slog.String("error", err.Error()))
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = time.Now().UTC()
	}
	r.update(hb.RuntimeID, nil, hb.Timestamp)
}

func (r *Registry) update(id string, caps []protocol.Capability, timestamp time.Time) {
	if id == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	rt, ok := r.runtimes[id]
	if !ok {
		rt = &protocol.Runtime{ID: id}
		r.runtimes[id] = rt
	}
	if len(caps) > 0 {
		rt.Capabilities = caps
	}
	if timestamp.After(rt.LastSeen) {
		rt.LastSeen = timestamp
	}
	rt.Healthy = true
}

func (r *Registry) evaluateHealth(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeoutMS) * time.Millisecond
	for _, rt := range r.runtimes {
		if now.Sub(rt.LastSeen) > timeout {
			rt.Healthy = false
		}
	}
}

func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rt, ok := r.runtimes[r.id]
	return ok && rt.Healthy
}

// Runtimes lists every known runtime ordered by id.
func (r *Registry) Runtimes() []protocol.Runtime {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]protocol.Runtime, 0, len(r.runtimes))
	for _, rt := range r.runtimes {
		out = append(out, *rt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) initMetrics() error {
	if r.meter == nil {
		return nil
	}
	gauge, err := r.meter.Int64ObservableGauge("karte.runtimes.known", metric.WithDescription("Number of known runtimes"))
	if err != nil {
		return err
	}
	capGauge, err := r.meter.Int64ObservableGauge("karte.capabilities.total", metric.WithDescription("Total advertised capabilities"))
	if err != nil {
		return err
	}
	_, err = r.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		runtimes, caps := r.snapshotCounts()
		obs.ObserveInt64(gauge, runtimes)
		obs.ObserveInt64(capGauge, caps)
		return nil
	}, gauge, capGauge)
	return err
}

func (r *Registry) snapshotCounts() (int64, int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var runtimes, caps int64
	for _, rt := range r.runtimes {
		runtimes++
		caps += int64(len(rt.Capabilities))
	}
	return runtimes, caps
}

// FromConfig describes what a runtime built from cfg can do.
func FromConfig(cfg config.Config) []protocol.Capability {
	caps := []protocol.Capability{{
		Name: "capture",
		Attributes: map[string]string{
			"source":      cfg.Capture.Source,
			"sample_rate": strconv.Itoa(cfg.Capture.SampleRate),
			"channels":    strconv.Itoa(cfg.Capture.Channels),
		},
	}}
	if cfg.Recognizer.Enabled {
		caps = append(caps, protocol.Capability{
			Name: "live-transcript",
			Attributes: map[string]string{
				"mode":     cfg.Recognizer.Mode,
				"language": cfg.Recognizer.Language,
			},
		})
	}
	if cfg.Waveform.Enabled {
		caps = append(caps, protocol.Capability{
			Name: "waveform",
			Attributes: map[string]string{
				"fft_size":       strconv.Itoa(cfg.Waveform.FFTSize),
				"publish_frames": strconv.FormatBool(cfg.Waveform.PublishFrames),
			},
		})
	}
	caps = append(caps,
		protocol.Capability{Name: "medical-record", Attributes: map[string]string{"backend": cfg.Backend.Mode}},
		protocol.Capability{Name: "export", Attributes: map[string]string{"format": "xlsx"}},
	)
	return caps
}

// WithCapability keeps runtimes advertising name.
func WithCapability(name string) func(protocol.Runtime) bool {
	return func(rt protocol.Runtime) bool {
		for _, c := range rt.Capabilities {
			if c.Name == name {
				return true
			}
		}
		return false
	}
}
