package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/Shimano02/Iida-clinic/internal/audio"
	"github.com/Shimano02/Iida-clinic/internal/config"
	"github.com/Shimano02/Iida-clinic/internal/records"
)

// UploadName is the file name the recorded audio is submitted under.
const UploadName = "recording.wav"

var ErrNoArtifact = errors.New("submission has no audio")

// Patient is the metadata sent along with the recording.
type Patient struct {
	Name   string `json:"name"`
	ID     string `json:"patient_id"`
	Age    string `json:"age"`
	Gender string `json:"gender"`
}

type Submission struct {
	Artifact *audio.Artifact
	Patient  Patient
}

// Result is a structured record plus the backend's confidence in [0,1].
type Result struct {
	Record         records.Record
	Confidence     float64
	ProcessingTime time.Duration
}

// Transcriber turns a recorded consultation into a structured record.
type Transcriber interface {
	Process(ctx context.Context, sub Submission) (Result, error)
}

func New(cfg config.BackendConfig, log *slog.Logger) (Transcriber, error) {
	client := &http.Client{Timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond}
	log = log.With(slog.String("component", "backend"), slog.String("mode", cfg.Mode))
	switch cfg.Mode {
	case "", "mock":
		return NewMock(), nil
	case "service":
		return NewService(cfg.Endpoint, client, log), nil
	case "dify":
		return NewDify(cfg, client, log), nil
	default:
		return nil, fmt.Errorf("unsupported backend mode %q", cfg.Mode)
	}
}

func wavPayload(sub Submission) ([]byte, error) {
	if sub.Artifact == nil || sub.Artifact.Size() == 0 {
		return nil, ErrNoArtifact
	}
	return audio.WAVArtifact(sub.Artifact)
}

func clip(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
