package stt

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/Shimano02/Iida-clinic/internal/config"
)

var (
	// ErrUnsupported marks a platform without a speech recognition capability.
	ErrUnsupported = errors.New("speech recognition not supported")
	// ErrTransient wraps recognizer Error events; these never abort a recording.
	ErrTransient = errors.New("transient recognizer error")
)

type EventKind int

const (
	EventInterim EventKind = iota
	EventFinal
	EventError
	EventEnded
)

func (k EventKind) String() string {
	switch k {
	case EventInterim:
		return "interim"
	case EventFinal:
		return "final"
	case EventError:
		return "error"
	case EventEnded:
		return "ended"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// SpeechEvent is one recognizer callback.
type SpeechEvent struct {
	Kind EventKind
	Text string
	Err  error
}

func Interim(text string) SpeechEvent { return SpeechEvent{Kind: EventInterim, Text: text} }
func Final(text string) SpeechEvent   { return SpeechEvent{Kind: EventFinal, Text: text} }
func Ended() SpeechEvent              { return SpeechEvent{Kind: EventEnded} }

func Error(kind string) SpeechEvent {
	return SpeechEvent{Kind: EventError, Err: fmt.Errorf("%w: %s", ErrTransient, kind)}
}

// Options configures one recognizer session.
type Options struct {
	Continuous     bool
	InterimResults bool
	Language       string
	SampleRate     int
	Channels       int
}

// Recognizer abstracts a speech recognition capability that may end its own
// session at any time (reported as an Ended event). Start and Stop must
// tolerate being called when already started or stopped.
type Recognizer interface {
	Start(opts Options, emit func(SpeechEvent)) error
	Stop() error
}

// AudioSink is implemented by recognizers that need the captured audio pushed
// to them rather than reading the microphone themselves.
type AudioSink interface {
	WriteAudio(fragment []byte)
}

// NewRecognizer builds the recognizer selected by cfg. A disabled recognizer
// yields (nil, nil), which callers treat as an unsupported platform.
func NewRecognizer(cfg config.RecognizerConfig, log *slog.Logger) (Recognizer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch cfg.Mode {
	case "", "mock":
		return NewMockRecognizer(0), nil
	case "exec":
		return NewExecRecognizer(cfg.Command, log)
	case "websocket":
		return NewWebsocketRecognizer(cfg.Endpoint, cfg.APIKey, log)
	default:
		return nil, fmt.Errorf("unsupported recognizer mode %q", cfg.Mode)
	}
}
