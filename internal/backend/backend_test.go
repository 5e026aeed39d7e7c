package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Shimano02/Iida-clinic/internal/audio"
	"github.com/Shimano02/Iida-clinic/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSubmission() Submission {
	return Submission{
		Artifact: &audio.Artifact{
			Data:     make([]byte, 3200),
			Format:   audio.PCM16(16000, 1),
			MIMEType: audio.MIMETypePCM,
		},
		Patient: Patient{Name: "田中太郎", ID: "P-2025-001", Age: "45", Gender: "男性"},
	}
}

func TestMockUsesPatientID(t *testing.T) {
	res, err := NewMock().Process(context.Background(), testSubmission())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Record.PatientID != "P-2025-001" {
		t.Fatalf("unexpected patient id %q", res.Record.PatientID)
	}
	if res.Confidence != 0.85 {
		t.Fatalf("unexpected confidence %v", res.Confidence)
	}
}

func TestMockRejectsEmptySubmission(t *testing.T) {
	if _, err := NewMock().Process(context.Background(), Submission{}); !errors.Is(err, ErrNoArtifact) {
		t.Fatalf("expected ErrNoArtifact, got %v", err)
	}
}

func TestServiceSubmitsMultipart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/process-audio" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		file, header, err := r.FormFile("audio_file")
		if err != nil {
			t.Errorf("missing audio_file: %v", err)
			http.Error(w, "no file", http.StatusBadRequest)
			return
		}
		defer file.Close()
		data, _ := io.ReadAll(file)
		if header.Filename != "recording.wav" || !strings.HasPrefix(string(data), "RIFF") {
			t.Errorf("unexpected upload %q (%d bytes)", header.Filename, len(data))
		}
		if r.FormValue("patient_name") != "田中太郎" || r.FormValue("patient_id") != "P-2025-001" ||
			r.FormValue("patient_age") != "45" || r.FormValue("patient_gender") != "男性" {
			t.Errorf("unexpected patient fields %v", r.MultipartForm.Value)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"medical_record": map[string]string{
				"patient_id":        "P-2025-001",
				"consultation_date": "2025-06-01 10:00",
				"diagnosis":         "逆流性食道炎",
			},
			"confidence_score": 0.92,
			"processing_time":  1.5,
		})
	}))
	defer srv.Close()

	svc := NewService(srv.URL+"/", srv.Client(), newLogger())
	res, err := svc.Process(context.Background(), testSubmission())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Record.Diagnosis != "逆流性食道炎" || res.Confidence != 0.92 {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.ProcessingTime != 1500*time.Millisecond {
		t.Fatalf("unexpected processing time %s", res.ProcessingTime)
	}
}

func TestServiceErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"detail":"音声処理中にエラーが発生しました"}`, http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewService(srv.URL, srv.Client(), newLogger()).Process(context.Background(), testSubmission())
	if err == nil || !strings.Contains(err.Error(), "status 500") {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestDifyUploadThenWorkflow(t *testing.T) {
	var calls []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.URL.Path)
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("missing bearer token on %s", r.URL.Path)
		}
		switch r.URL.Path {
		case "/v1/files/upload":
			if err := r.ParseMultipartForm(1 << 20); err != nil {
				t.Errorf("parse upload: %v", err)
			}
			if r.FormValue("user") != "medical-system" {
				t.Errorf("unexpected user %q", r.FormValue("user"))
			}
			w.WriteHeader(http.StatusCreated)
			_, _ = io.WriteString(w, `{"id":"file-123"}`)
		case "/v1/workflows/run":
			var body struct {
				Inputs       map[string]string `json:"inputs"`
				ResponseMode string            `json:"response_mode"`
				User         string            `json:"user"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				t.Errorf("decode workflow: %v", err)
			}
			if body.Inputs["audio_file_id"] != "file-123" || body.ResponseMode != "blocking" {
				t.Errorf("unexpected workflow request %+v", body)
			}
			if !strings.Contains(body.Inputs["prompt"], "氏名: 田中太郎") {
				t.Errorf("prompt missing patient name")
			}
			_, _ = io.WriteString(w, `{"data":{"status":"succeeded","outputs":{"structured_output":{
				"subjective":"胸やけ","objective":"腹部平坦","assessment":"逆流性食道炎","plan":"PPI処方"}}}}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	d := NewDify(config.BackendConfig{Endpoint: srv.URL + "/v1", APIKey: "secret"}, srv.Client(), newLogger())
	d.clock = func() time.Time { return time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC) }
	res, err := d.Process(context.Background(), testSubmission())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(calls) != 2 || calls[0] != "/v1/files/upload" || calls[1] != "/v1/workflows/run" {
		t.Fatalf("unexpected call order %v", calls)
	}
	rec := res.Record
	if rec.ChiefComplaint != "胸やけ" || rec.PhysicalExamination != "腹部平坦" ||
		rec.Diagnosis != "逆流性食道炎" || rec.Prescription != "PPI処方" || rec.Guidance != "PPI処方" {
		t.Fatalf("unexpected SOAP mapping %+v", rec)
	}
	if rec.ConsultationDate != "2025-06-01 09:30" {
		t.Fatalf("unexpected consultation date %q", rec.ConsultationDate)
	}
	if res.Confidence != 0.85 {
		t.Fatalf("unexpected confidence %v", res.Confidence)
	}
}

func TestDifyUploadFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	d := NewDify(config.BackendConfig{Endpoint: srv.URL, APIKey: "k"}, srv.Client(), newLogger())
	if _, err := d.Process(context.Background(), testSubmission()); err == nil || !strings.Contains(err.Error(), "file upload failed") {
		t.Fatalf("expected upload failure, got %v", err)
	}
}

func TestPromptDefaultsUnknownFields(t *testing.T) {
	p, err := Prompt(Patient{Name: "佐藤花子"})
	if err != nil {
		t.Fatalf("prompt: %v", err)
	}
	if !strings.Contains(p, "氏名: 佐藤花子") || !strings.Contains(p, "年齢: 不明") {
		t.Fatalf("unexpected prompt %q", p)
	}
}

func TestNewSelectsMode(t *testing.T) {
	cfg := config.BackendConfig{Mode: "service", Endpoint: "http://localhost:8000", TimeoutMS: 1000}
	tr, err := New(cfg, newLogger())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, ok := tr.(*Service); !ok {
		t.Fatalf("expected *Service, got %T", tr)
	}
	cfg.Mode = "grpc"
	if _, err := New(cfg, newLogger()); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}
