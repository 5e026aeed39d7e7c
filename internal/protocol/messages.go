package protocol

import (
	"time"

	"github.com/Shimano02/Iida-clinic/internal/records"
)

const (
	SubjectControlPrefix = "karte.ctrl"
	SubjectStart         = "karte.ctrl.start"
	SubjectStop          = "karte.ctrl.stop"
	SubjectReset         = "karte.ctrl.reset"
	SubjectProcess       = "karte.ctrl.process"
	SubjectSave          = "karte.ctrl.save"
	SubjectExport        = "karte.ctrl.export"
	SubjectPatient       = "karte.ctrl.patient"
	SubjectRecord        = "karte.ctrl.record"
	SubjectStatus        = "karte.ctrl.status"
	SubjectRecords       = "karte.ctrl.records"
	SubjectRuntimes      = "karte.ctrl.runtimes"

	SubjectRuntimeAnnounce  = "karte.runtime.announce"
	SubjectRuntimeHeartbeat = "karte.runtime.heartbeat"

	SubjectSessionStatus = "karte.session.status"
	SubjectTranscript    = "karte.transcript.final"
	SubjectWaveformFrame = "karte.waveform.frame"

	// StreamTranscripts retains transcript updates for late subscribers.
	StreamTranscripts = "KARTE_TRANSCRIPTS"
)

const (
	MessageKindInfo    = "info"
	MessageKindSuccess = "success"
	MessageKindError   = "error"
)

// DefaultRequestTimeout covers a blocking backend submission.
const DefaultRequestTimeout = 90 * time.Second

// Patient mirrors the patient form.
type Patient struct {
	Name   string `json:"name"`
	ID     string `json:"patient_id"`
	Age    string `json:"age"`
	Gender string `json:"gender"`
}

// PatientEdit changes only the patient fields that are set; nil keeps the
// current value.
type PatientEdit struct {
	Name   *string `json:"name,omitempty"`
	ID     *string `json:"patient_id,omitempty"`
	Age    *string `json:"age,omitempty"`
	Gender *string `json:"gender,omitempty"`
}

// Message is the last user-facing notice.
type Message struct {
	Kind string `json:"kind"`
	Text string `json:"text"`
}

// Status is the session snapshot fanned out on every change.
type Status struct {
	SessionID           string          `json:"session_id"`
	State               string          `json:"state"`
	ElapsedSeconds      int             `json:"elapsed_seconds"`
	Elapsed             string          `json:"elapsed"`
	TranscriptFinal     string          `json:"transcript_final"`
	TranscriptInterim   string          `json:"transcript_interim"`
	RecognizerSupported bool            `json:"recognizer_supported"`
	AudioBytes          int             `json:"audio_bytes"`
	Processing          bool            `json:"processing"`
	Patient             Patient         `json:"patient"`
	Record              *records.Record `json:"record,omitempty"`
	Confidence          float64         `json:"confidence"`
	Message             Message         `json:"message"`
	Timestamp           time.Time       `json:"timestamp"`
}

// Transcript carries the cumulative final text after each Final event.
type Transcript struct {
	SessionID string    `json:"session_id"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// WaveformFrame is one frequency sample (0-255 per bin).
type WaveformFrame struct {
	Bins      []uint8   `json:"bins"`
	Timestamp time.Time `json:"timestamp"`
}

// RecordEdit changes one record field locally.
type RecordEdit struct {
	Field string `json:"field"`
	Value string `json:"value"`
}

// ExportRequest selects records by id; empty means all.
type ExportRequest struct {
	IDs []int64 `json:"ids,omitempty"`
}

// Reply is the envelope for every control request.
type Reply struct {
	OK       bool             `json:"ok"`
	Error    string           `json:"error,omitempty"`
	Status   *Status          `json:"status,omitempty"`
	RecordID int64            `json:"record_id,omitempty"`
	FileName string           `json:"file_name,omitempty"`
	Data     []byte           `json:"data,omitempty"`
	Records  []records.Record `json:"records,omitempty"`
	Runtimes []Runtime        `json:"runtimes,omitempty"`
}

// Capability is one feature a runtime advertises, e.g. live transcription.
type Capability struct {
	Name       string            `json:"name"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Runtime is a daemon seen on the bus.
type Runtime struct {
	ID           string       `json:"id"`
	Capabilities []Capability `json:"capabilities"`
	LastSeen     time.Time    `json:"last_seen"`
	Healthy      bool         `json:"healthy"`
}
