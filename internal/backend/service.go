package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/Shimano02/Iida-clinic/internal/records"
)

// Service submits recordings to a records API as multipart form uploads.
type Service struct {
	endpoint string
	client   *http.Client
	log      *slog.Logger
}

type serviceResponse struct {
	Success         bool           `json:"success"`
	MedicalRecord   records.Record `json:"medical_record"`
	ConfidenceScore float64        `json:"confidence_score"`
	ProcessingTime  float64        `json:"processing_time"`
}

func NewService(endpoint string, client *http.Client, log *slog.Logger) *Service {
	return &Service{endpoint: strings.TrimRight(endpoint, "/"), client: client, log: log}
}

func (s *Service) Process(ctx context.Context, sub Submission) (Result, error) {
	wav, err := wavPayload(sub)
	if err != nil {
		return Result{}, err
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := writeFile(mw, "audio_file", UploadName, wav); err != nil {
		return Result{}, err
	}
	fields := []struct{ name, value string }{
		{"patient_name", sub.Patient.Name},
		{"patient_id", sub.Patient.ID},
		{"patient_age", sub.Patient.Age},
		{"patient_gender", sub.Patient.Gender},
	}
	for _, f := range fields {
		if err := mw.WriteField(f.name, f.value); err != nil {
			return Result{}, fmt.Errorf("write field %s: %w", f.name, err)
		}
	}
	if err := mw.Close(); err != nil {
		return Result{}, fmt.Errorf("close multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint+"/api/process-audio", &body)
	if err != nil {
		return Result{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	started := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("submit audio: %w", err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("process audio failed: status %d: %s", resp.StatusCode, clip(payload, 200))
	}

	var out serviceResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		return Result{}, fmt.Errorf("decode response: %w", err)
	}
	s.log.Info("audio processed",
		slog.Float64("confidence", out.ConfidenceScore),
		slog.Duration("elapsed", time.Since(started)))
	return Result{
		Record:         out.MedicalRecord,
		Confidence:     out.ConfidenceScore,
		ProcessingTime: time.Duration(out.ProcessingTime * float64(time.Second)),
	}, nil
}

func writeFile(mw *multipart.Writer, field, name string, data []byte) error {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, name))
	h.Set("Content-Type", "audio/wav")
	part, err := mw.CreatePart(h)
	if err != nil {
		return fmt.Errorf("create %s part: %w", field, err)
	}
	if _, err := part.Write(data); err != nil {
		return fmt.Errorf("write %s part: %w", field, err)
	}
	return nil
}
