package waveform

import (
	"context"
	"fmt"
	"image/color"
	"log/slog"
	"sync"

	"github.com/Shimano02/Iida-clinic/internal/audio"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// FrequencySource is the analysis node the renderer pulls samples from.
type FrequencySource interface {
	FrequencyBinCount() int
	ByteFrequencyData(dst []uint8)
	Close() error
}

// AnalyserFactory attaches a frequency tap to a live stream.
type AnalyserFactory func(stream audio.Stream, fftSize int) (FrequencySource, error)

func defaultAnalyser(stream audio.Stream, fftSize int) (FrequencySource, error) {
	return audio.NewAnalyser(stream, fftSize)
}

// Renderer repaints a bar chart of the live spectrum once per frame while a
// recording is active. It observes the stream through its own analyser and
// never stops the stream itself.
type Renderer struct {
	surface     Surface
	scheduler   Scheduler
	fftSize     int
	newAnalyser AnalyserFactory
	sink        func([]uint8)
	log         *slog.Logger
	frames      metric.Int64Counter

	mu       sync.Mutex
	gen      uint64
	active   bool
	analyser FrequencySource
	cancel   func()
	sample   []uint8
}

type Option func(*Renderer)

func WithScheduler(s Scheduler) Option {
	return func(r *Renderer) { r.scheduler = s }
}

func WithAnalyserFactory(f AnalyserFactory) Option {
	return func(r *Renderer) { r.newAnalyser = f }
}

// WithSampleSink receives a copy of every sample that was drawn.
func WithSampleSink(fn func([]uint8)) Option {
	return func(r *Renderer) { r.sink = fn }
}

func NewRenderer(surface Surface, fftSize int, log *slog.Logger, opts ...Option) *Renderer {
	r := &Renderer{
		surface:     surface,
		scheduler:   TimerScheduler{},
		fftSize:     fftSize,
		newAnalyser: defaultAnalyser,
		log:         log.With(slog.String("component", "waveform")),
	}
	for _, opt := range opts {
		opt(r)
	}
	frames, err := otel.Meter("github.com/Shimano02/Iida-clinic/waveform").Int64Counter("karte.waveform.frames",
		metric.WithDescription("Waveform frames drawn"))
	if err != nil {
		r.log.Warn("failed to create metric", slog.String("error", err.Error()))
	}
	r.frames = frames
	return r
}

// Activate attaches to stream and schedules the first frame. A nil stream
// deactivates instead.
func (r *Renderer) Activate(stream audio.Stream) error {
	if stream == nil {
		r.Deactivate()
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.teardownLocked()

	analyser, err := r.newAnalyser(stream, r.fftSize)
	if err != nil {
		return fmt.Errorf("attach analyser: %w", err)
	}
	r.gen++
	r.active = true
	r.analyser = analyser
	r.sample = make([]uint8, analyser.FrequencyBinCount())
	gen := r.gen
	r.cancel = r.scheduler.Schedule(func() { r.frame(gen) })
	return nil
}

// Deactivate cancels the scheduled frame and closes the analyser. Safe to
// call when nothing is active.
func (r *Renderer) Deactivate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.teardownLocked()
}

func (r *Renderer) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

func (r *Renderer) teardownLocked() {
	if !r.active && r.analyser == nil {
		return
	}
	r.active = false
	r.gen++
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	if r.analyser != nil {
		if err := r.analyser.Close(); err != nil {
			r.log.Debug("analyser close failed", slog.String("error", err.Error()))
		}
		r.analyser = nil
	}
	r.sample = nil
}

func (r *Renderer) frame(gen uint64) {
	r.mu.Lock()
	if !r.active || gen != r.gen {
		r.mu.Unlock()
		return
	}
	r.analyser.ByteFrequencyData(r.sample)
	Draw(r.surface, r.sample)
	var out []uint8
	if r.sink != nil {
		out = append([]uint8(nil), r.sample...)
	}
	r.cancel = r.scheduler.Schedule(func() { r.frame(gen) })
	r.mu.Unlock()

	if r.frames != nil {
		r.frames.Add(context.Background(), 1)
	}
	if out != nil {
		r.sink(out)
	}
}

// Draw paints one frequency sample as bars and presents the frame.
func Draw(surface Surface, sample []uint8) {
	width, height := surface.Size()
	surface.Clear(background)
	if len(sample) > 0 {
		barWidth := float64(width) / float64(len(sample)) * 2.5
		x := 0.0
		for _, v := range sample {
			barHeight := float64(v) / 255 * float64(height)
			surface.FillRect(x, float64(height)-barHeight, barWidth, barHeight, barColor(barHeight))
			x += barWidth + 1
		}
	}
	surface.Present()
}

func barColor(barHeight float64) color.RGBA {
	red := barHeight + 100
	if red > 255 {
		red = 255
	}
	return color.RGBA{R: uint8(red), G: 50, B: 50, A: 255}
}
