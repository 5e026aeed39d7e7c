package recording

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Shimano02/Iida-clinic/internal/audio"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type State int

const (
	Idle State = iota
	Recording
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Recording:
		return "recording"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	ErrAlreadyRecording = errors.New("recording already in progress")
	ErrStartCancelled   = errors.New("recording start cancelled")
)

// Transition is delivered to subscribers after every state change. Stream is
// set on entry to Recording, Artifact on entry to Stopped.
type Transition struct {
	From     State
	To       State
	Stream   audio.Stream
	Artifact *audio.Artifact
}

// Controller is the recording state machine. It exclusively owns the stream
// acquired from the source for the lifetime of one Recording phase.
type Controller struct {
	source    audio.Source
	log       *slog.Logger
	tick      time.Duration
	clock     func() time.Time
	listeners []func(Transition)

	mu        sync.Mutex
	state     State
	gen       uint64
	pending   bool
	stream    audio.Stream
	unobserve func()
	chunks    [][]byte
	artifact  *audio.Artifact
	startedAt time.Time
	elapsed   int
	stopTick  context.CancelFunc

	// serializes transitions with their delivery; taken before mu
	emitMu sync.Mutex

	started   metric.Int64Counter
	fragments metric.Int64Counter
	sizes     metric.Int64Histogram
}

type Option func(*Controller)

// WithElapsedTick overrides the one second elapsed-time counter interval.
func WithElapsedTick(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.tick = d
		}
	}
}

func WithClock(clock func() time.Time) Option {
	return func(c *Controller) { c.clock = clock }
}

func NewController(source audio.Source, log *slog.Logger, opts ...Option) *Controller {
	c := &Controller{
		source: source,
		log:    log.With(slog.String("component", "recording")),
		tick:   time.Second,
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.initMetrics()
	return c
}

func (c *Controller) initMetrics() {
	meter := otel.Meter("github.com/Shimano02/Iida-clinic/recording")
	var err error
	if c.started, err = meter.Int64Counter("karte.recordings.started", metric.WithDescription("Recordings entered")); err != nil {
		c.log.Warn("failed to create metric", slogError(err))
	}
	if c.fragments, err = meter.Int64Counter("karte.recording.fragments", metric.WithDescription("Audio fragments accumulated")); err != nil {
		c.log.Warn("failed to create metric", slogError(err))
	}
	if c.sizes, err = meter.Int64Histogram("karte.recording.bytes", metric.WithDescription("Final audio artifact size"), metric.WithUnit("By")); err != nil {
		c.log.Warn("failed to create metric", slogError(err))
	}
}

// Subscribe registers fn for every transition. Not safe to call concurrently with Start/Stop.
func (c *Controller) Subscribe(fn func(Transition)) {
	c.listeners = append(c.listeners, fn)
}

// Start requests the microphone and enters Recording. Stopped is treated as Idle.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state == Recording || c.pending {
		c.mu.Unlock()
		return ErrAlreadyRecording
	}
	c.gen++
	gen := c.gen
	c.pending = true
	c.mu.Unlock()

	stream, err := c.source.Acquire(ctx)

	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	c.mu.Lock()
	if c.gen != gen || !c.pending {
		c.mu.Unlock()
		if err == nil {
			c.releaseStream(stream)
		}
		c.log.Info("recording start cancelled before microphone was granted")
		return ErrStartCancelled
	}
	c.pending = false
	if err != nil {
		c.mu.Unlock()
		if errors.Is(err, audio.ErrPermissionDenied) {
			c.log.Warn("microphone access denied", slogError(err))
			return err
		}
		c.log.Warn("failed to acquire microphone", slogError(err))
		return fmt.Errorf("acquire microphone: %w", err)
	}

	from := c.state
	c.state = Recording
	c.stream = stream
	c.chunks = make([][]byte, 0, 64)
	c.artifact = nil
	c.startedAt = c.clock()
	c.elapsed = 0
	tickCtx, stopTick := context.WithCancel(context.Background())
	c.stopTick = stopTick
	c.unobserve = stream.Observe(func(fragment []byte) { c.appendFragment(gen, fragment) })
	c.mu.Unlock()

	go c.runElapsed(tickCtx, gen)
	if c.started != nil {
		c.started.Add(context.Background(), 1)
	}
	c.log.Info("recording started", slog.String("stream", stream.ID()))
	c.notify(Transition{From: from, To: Recording, Stream: stream})
	return nil
}

func (c *Controller) appendFragment(gen uint64, fragment []byte) {
	if len(fragment) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Recording || c.gen != gen {
		return
	}
	c.chunks = append(c.chunks, append([]byte(nil), fragment...))
	if c.fragments != nil {
		c.fragments.Add(context.Background(), 1)
	}
}

func (c *Controller) runElapsed(ctx context.Context, gen uint64) {
	ticker := time.NewTicker(c.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			if c.state == Recording && c.gen == gen {
				c.elapsed++
			}
			c.mu.Unlock()
		}
	}
}

// Stop finalizes the recording. Outside Recording it only cancels a pending Start.
func (c *Controller) Stop() error {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	c.mu.Lock()
	if c.state != Recording {
		if c.pending {
			c.pending = false
			c.gen++
		}
		c.mu.Unlock()
		return nil
	}

	data := audio.Concat(c.chunks)
	format := c.stream.Format()
	artifact := &audio.Artifact{
		Data:       data,
		Format:     format,
		MIMEType:   audio.MIMETypePCM,
		RecordedAt: c.startedAt,
		Duration:   format.Duration(len(data)),
	}
	stream := c.detachLocked()
	c.artifact = artifact
	c.state = Stopped
	c.mu.Unlock()

	c.releaseStream(stream)
	if c.sizes != nil {
		c.sizes.Record(context.Background(), int64(len(data)))
	}
	c.log.Info("recording stopped", slog.Int("bytes", len(data)), slog.Duration("duration", artifact.Duration))
	c.notify(Transition{From: Recording, To: Stopped, Artifact: artifact})
	return nil
}

// Reset discards a stopped recording and returns to Idle.
func (c *Controller) Reset() {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	c.mu.Lock()
	if c.state != Stopped {
		c.mu.Unlock()
		return
	}
	c.state = Idle
	c.artifact = nil
	c.chunks = nil
	c.mu.Unlock()
	c.notify(Transition{From: Stopped, To: Idle})
}

// Close tears the controller down, releasing the stream if still recording.
func (c *Controller) Close() error {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	c.mu.Lock()
	if c.pending {
		c.pending = false
		c.gen++
	}
	if c.state != Recording {
		c.mu.Unlock()
		return nil
	}
	stream := c.detachLocked()
	c.chunks = nil
	c.state = Idle
	c.mu.Unlock()

	c.releaseStream(stream)
	c.log.Info("recording discarded on teardown")
	c.notify(Transition{From: Recording, To: Idle})
	return nil
}

// detachLocked drops every reference to the current stream; c.mu must be held.
func (c *Controller) detachLocked() audio.Stream {
	if c.unobserve != nil {
		c.unobserve()
		c.unobserve = nil
	}
	if c.stopTick != nil {
		c.stopTick()
		c.stopTick = nil
	}
	stream := c.stream
	c.stream = nil
	c.gen++
	return stream
}

func (c *Controller) releaseStream(stream audio.Stream) {
	if stream == nil {
		return
	}
	if err := c.source.Release(stream); err != nil {
		c.log.Warn("failed to release audio stream", slogError(err))
	}
}

// notify delivers t in transition order; c.emitMu must be held and c.mu must not.
func (c *Controller) notify(t Transition) {
	for _, fn := range c.listeners {
		fn(t)
	}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Elapsed returns whole seconds counted since the current or last recording started.
func (c *Controller) Elapsed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.elapsed
}

func (c *Controller) StartedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startedAt
}

// Artifact returns the finalized audio; nil unless the state is Stopped.
func (c *Controller) Artifact() *audio.Artifact {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.artifact
}

// Stream returns the live stream while recording.
func (c *Controller) Stream() audio.Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream
}

// FragmentCount reports accumulated fragments of the current recording.
func (c *Controller) FragmentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.chunks)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
