package runtime

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/Shimano02/Iida-clinic/internal/audio"
	"github.com/Shimano02/Iida-clinic/internal/backend"
	"github.com/Shimano02/Iida-clinic/internal/bus"
	"github.com/Shimano02/Iida-clinic/internal/config"
	"github.com/Shimano02/Iida-clinic/internal/eventstore"
	"github.com/Shimano02/Iida-clinic/internal/protocol"
	"github.com/Shimano02/Iida-clinic/internal/recording"
	"github.com/Shimano02/Iida-clinic/internal/records"
	"github.com/Shimano02/Iida-clinic/internal/session"
	"github.com/Shimano02/Iida-clinic/internal/stt"
	"github.com/Shimano02/Iida-clinic/internal/waveform"
)

// newSource picks the microphone stand-in.
func newSource(cfg config.CaptureConfig) (audio.Source, error) {
	frame := time.Duration(cfg.FrameDurationMS) * time.Millisecond
	switch cfg.Source {
	case "", "synthetic":
		return audio.NewSyntheticSource(audio.PCM16(cfg.SampleRate, cfg.Channels), frame, cfg.ToneHz), nil
	case "wav":
		return audio.NewWAVSource(cfg.WAVPath, frame), nil
	default:
		return nil, fmt.Errorf("unknown capture source %q", cfg.Source)
	}
}

// buildSession assembles the orchestrator's collaborators. The returned
// surface is nil when the waveform is disabled.
func buildSession(cfg config.Config, busClient *bus.Client, events *eventstore.Store, store *records.Store, logger *slog.Logger) (session.Deps, *waveform.ImageSurface, error) {
	source, err := newSource(cfg.Capture)
	if err != nil {
		return session.Deps{}, nil, err
	}
	recognizer, err := stt.NewRecognizer(cfg.Recognizer, logger)
	if err != nil {
		return session.Deps{}, nil, fmt.Errorf("create recognizer: %w", err)
	}
	transcriber, err := backend.New(cfg.Backend, logger)
	if err != nil {
		return session.Deps{}, nil, fmt.Errorf("create backend: %w", err)
	}

	deps := session.Deps{
		Controller: recording.NewController(source, logger,
			recording.WithElapsedTick(time.Duration(cfg.Capture.ElapsedTickMS)*time.Millisecond)),
		Recognizer: recognizer,
		Backend:    transcriber,
	}
	// typed nils must not leak into the interfaces
	if store != nil {
		deps.Store = store
	}
	if events != nil {
		deps.Timeline = events
	}
	if busClient != nil {
		deps.Publisher = busClient
	}

	var surface *waveform.ImageSurface
	if cfg.Waveform.Enabled {
		surface = waveform.NewImageSurface(cfg.Waveform.Width, cfg.Waveform.Height)
		opts := []waveform.Option{
			waveform.WithScheduler(waveform.TimerScheduler{
				Interval: time.Duration(cfg.Waveform.FrameIntervalMS) * time.Millisecond,
			}),
		}
		if cfg.Waveform.PublishFrames && busClient != nil {
			opts = append(opts, waveform.WithSampleSink(frameSink(busClient, logger)))
		}
		deps.Visualizer = waveform.NewRenderer(surface, cfg.Waveform.FFTSize, logger, opts...)
	}
	return deps, surface, nil
}

func frameSink(busClient *bus.Client, logger *slog.Logger) func([]uint8) {
	return func(bins []uint8) {
		frame := protocol.WaveformFrame{Bins: bins, Timestamp: time.Now().UTC()}
		if err := busClient.PublishJSON(protocol.SubjectWaveformFrame, frame); err != nil {
			logger.Debug("waveform frame dropped", slog.String("error", err.Error()))
		}
	}
}
