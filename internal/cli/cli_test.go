package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Shimano02/Iida-clinic/internal/protocol"
	"github.com/Shimano02/Iida-clinic/internal/records"
)

type fakeClient struct {
	requests map[string]any
	replies  map[string]protocol.Reply
	replay   [][]byte
	closed   int
}

func (f *fakeClient) RequestJSON(_ context.Context, subject string, req, resp any) error {
	if f.requests == nil {
		f.requests = make(map[string]any)
	}
	f.requests[subject] = req
	reply, ok := f.replies[subject]
	if !ok {
		reply = protocol.Reply{OK: true, Status: &protocol.Status{State: "idle", Elapsed: "00:00", RecognizerSupported: true}}
	}
	data, err := json.Marshal(reply)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, resp)
}

func (f *fakeClient) Replay(context.Context, string, int) ([][]byte, error) { return f.replay, nil }

func (f *fakeClient) Subscribe(string, func([]byte)) (func() error, error) {
	return func() error { return nil }, nil
}

func (f *fakeClient) Close() { f.closed++ }

func run(t *testing.T, client *fakeClient, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	deps := &Dependencies{
		Out:     &out,
		Timeout: time.Second,
		Connect: func(context.Context, string) (Client, error) { return client, nil },
	}
	cmd := NewRootCmd(deps)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestStartPrintsStatus(t *testing.T) {
	client := &fakeClient{replies: map[string]protocol.Reply{
		protocol.SubjectStart: {OK: true, Status: &protocol.Status{
			State:   "recording",
			Elapsed: "00:03",
			Message: protocol.Message{Kind: protocol.MessageKindInfo, Text: "録音を開始しました"},
		}},
	}}
	out, err := run(t, client, "start")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if !strings.Contains(out, "recording") || !strings.Contains(out, "00:03") || !strings.Contains(out, "録音を開始しました") {
		t.Fatalf("unexpected output:\n%s", out)
	}
	if client.closed != 1 {
		t.Fatalf("expected client closed, got %d", client.closed)
	}
}

func TestFailedReplyReturnsError(t *testing.T) {
	client := &fakeClient{replies: map[string]protocol.Reply{
		protocol.SubjectProcess: {Error: "no audio captured", Status: &protocol.Status{
			State:   "idle",
			Message: protocol.Message{Kind: protocol.MessageKindError, Text: "音声データがありません"},
		}},
	}}
	out, err := run(t, client, "process")
	if err == nil || err.Error() != "no audio captured" {
		t.Fatalf("expected reply error, got %v", err)
	}
	if !strings.Contains(out, "音声データがありません") {
		t.Fatalf("expected message in output:\n%s", out)
	}
}

func TestPatientFlags(t *testing.T) {
	client := &fakeClient{}
	if _, err := run(t, client, "patient", "--name", "田中太郎", "--id", "P-2025-001", "--age", "45", "--gender", "男性"); err != nil {
		t.Fatalf("patient: %v", err)
	}
	p, ok := client.requests[protocol.SubjectPatient].(protocol.PatientEdit)
	if !ok || p.Name == nil || *p.Name != "田中太郎" || p.ID == nil || *p.ID != "P-2025-001" || p.Gender == nil || *p.Gender != "男性" {
		t.Fatalf("unexpected patient request %#v", client.requests[protocol.SubjectPatient])
	}
}

func TestPatientSendsOnlyGivenFlags(t *testing.T) {
	client := &fakeClient{}
	if _, err := run(t, client, "patient", "--age", "46"); err != nil {
		t.Fatalf("patient: %v", err)
	}
	p := client.requests[protocol.SubjectPatient].(protocol.PatientEdit)
	if p.Age == nil || *p.Age != "46" {
		t.Fatalf("expected age edit, got %#v", p)
	}
	if p.Name != nil || p.ID != nil || p.Gender != nil {
		t.Fatalf("unset flags must not be sent: %#v", p)
	}

	if _, err := run(t, &fakeClient{}, "patient"); err == nil {
		t.Fatal("expected error without any patient flag")
	}
}

func TestRecordRejectsUnknownFieldLocally(t *testing.T) {
	client := &fakeClient{}
	if _, err := run(t, client, "record", "billing", "x"); err == nil {
		t.Fatal("expected unknown field error")
	}
	if _, sent := client.requests[protocol.SubjectRecord]; sent {
		t.Fatal("unknown field should not reach the daemon")
	}
	if _, err := run(t, client, "record", "diagnosis", "片頭痛"); err != nil {
		t.Fatalf("record: %v", err)
	}
	edit := client.requests[protocol.SubjectRecord].(protocol.RecordEdit)
	if edit.Field != "diagnosis" || edit.Value != "片頭痛" {
		t.Fatalf("unexpected edit %+v", edit)
	}
}

func TestExportWritesWorkbook(t *testing.T) {
	dir := t.TempDir()
	client := &fakeClient{replies: map[string]protocol.Reply{
		protocol.SubjectExport: {OK: true, FileName: "medical_records_2025-06-01.xlsx", Data: []byte("PK\x03\x04")},
	}}
	out, err := run(t, client, "export", "--dir", dir, "1", "4")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	req := client.requests[protocol.SubjectExport].(protocol.ExportRequest)
	if len(req.IDs) != 2 || req.IDs[1] != 4 {
		t.Fatalf("unexpected ids %v", req.IDs)
	}
	data, err := os.ReadFile(filepath.Join(dir, "medical_records_2025-06-01.xlsx"))
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	if string(data) != "PK\x03\x04" {
		t.Fatalf("unexpected workbook bytes %q", data)
	}
	if !strings.Contains(out, "exported") {
		t.Fatalf("unexpected output %q", out)
	}

	if _, err := run(t, client, "export", "abc"); err == nil {
		t.Fatal("expected invalid id error")
	}
}

func TestRecordsTable(t *testing.T) {
	client := &fakeClient{replies: map[string]protocol.Reply{
		protocol.SubjectRecords: {OK: true, Records: []records.Record{
			{ID: 7, PatientID: "P001", ConsultationDate: "2025-06-01 09:00", Diagnosis: "急性胃腸炎\n経過観察"},
		}},
	}}
	out, err := run(t, client, "records")
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	if !strings.Contains(out, "P001") || !strings.Contains(out, "急性胃腸炎 経過観察") {
		t.Fatalf("unexpected table:\n%s", out)
	}
}

func TestTranscriptReplay(t *testing.T) {
	first, _ := json.Marshal(protocol.Transcript{Text: "頭痛があります。", Timestamp: time.Now()})
	second, _ := json.Marshal(protocol.Transcript{Text: "頭痛があります。熱もあります。", Timestamp: time.Now()})
	client := &fakeClient{replay: [][]byte{first, []byte("garbage"), second}}
	out, err := run(t, client, "transcript")
	if err != nil {
		t.Fatalf("transcript: %v", err)
	}
	if strings.Count(out, "頭痛があります。") != 2 || !strings.Contains(out, "熱もあります。") {
		t.Fatalf("unexpected transcript output:\n%s", out)
	}
}

func TestFormatterStatusShowsRecord(t *testing.T) {
	var buf bytes.Buffer
	rec := records.Record{PatientID: "P001", Diagnosis: "急性胃腸炎"}
	NewFormatter(&buf).Status(protocol.Status{
		State:               "stopped",
		Elapsed:             "01:05",
		RecognizerSupported: true,
		TranscriptFinal:     "お腹が痛いです。",
		TranscriptInterim:   "昨日から",
		Record:              &rec,
		Confidence:          0.85,
	})
	out := buf.String()
	for _, want := range []string{"01:05", "お腹が痛いです。昨日から", "85.0%", "診断:", "急性胃腸炎", "備考: -"} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in:\n%s", want, out)
		}
	}
}

func TestWatchViewDrawsFrames(t *testing.T) {
	var buf bytes.Buffer
	v := &watchView{formatter: NewFormatter(&buf), out: &buf}
	v.onFrame([]byte(`{"bins":"/w=="}`))
	if buf.Len() != 0 {
		t.Fatal("frames without a surface should be ignored")
	}
	v.onStatus([]byte(`{"state":"recording","elapsed":"00:01"}`))
	if !strings.Contains(buf.String(), "recording") {
		t.Fatalf("expected status redraw, got %q", buf.String())
	}
}

func TestDoctorListsCapabilities(t *testing.T) {
	client := &fakeClient{replies: map[string]protocol.Reply{
		protocol.SubjectRuntimes: {OK: true, Runtimes: []protocol.Runtime{{
			ID:      "karte-runtime",
			Healthy: true,
			Capabilities: []protocol.Capability{
				{Name: "capture", Attributes: map[string]string{"source": "wav", "channels": "1"}},
				{Name: "medical-record", Attributes: map[string]string{"backend": "dify"}},
			},
		}}},
	}}
	out, err := run(t, client, "doctor")
	if err != nil {
		t.Fatalf("doctor: %v", err)
	}
	for _, want := range []string{"✓ karte-runtime", "capture: channels=1 source=wav", "✗   live-transcript: not available", "backend=dify"} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in:\n%s", want, out)
		}
	}
}
