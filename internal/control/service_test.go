package control

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Shimano02/Iida-clinic/internal/backend"
	"github.com/Shimano02/Iida-clinic/internal/bus"
	"github.com/Shimano02/Iida-clinic/internal/config"
	"github.com/Shimano02/Iida-clinic/internal/natsserver"
	"github.com/Shimano02/Iida-clinic/internal/protocol"
	"github.com/Shimano02/Iida-clinic/internal/records"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeSession struct {
	mu       sync.Mutex
	calls    []string
	patient  backend.Patient
	edit     [2]string
	startErr error
	ids      []int64
}

func (f *fakeSession) note(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeSession) StartRecording(context.Context) error {
	f.note("start")
	return f.startErr
}

func (f *fakeSession) StopRecording() error { f.note("stop"); return nil }
func (f *fakeSession) Reset()               { f.note("reset") }

func (f *fakeSession) ProcessAudio(context.Context) (backend.Result, error) {
	f.note("process")
	return backend.Result{}, errors.New("no audio captured")
}

func (f *fakeSession) Patient() backend.Patient {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.patient
}

func (f *fakeSession) SetPatient(p backend.Patient) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.patient = p
}

func (f *fakeSession) UpdateRecord(field, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edit = [2]string{field, value}
	return nil
}

func (f *fakeSession) SaveRecord(context.Context) (int64, error) { return 42, nil }

func (f *fakeSession) ListRecords(context.Context) ([]records.Record, error) {
	return []records.Record{{ID: 1, Diagnosis: "感冒"}}, nil
}

func (f *fakeSession) ExportRecords(_ context.Context, ids []int64) ([]byte, string, error) {
	f.mu.Lock()
	f.ids = ids
	f.mu.Unlock()
	return []byte("PK"), "medical_records_2025-06-01.xlsx", nil
}

func (f *fakeSession) Snapshot() protocol.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return protocol.Status{State: "idle", Elapsed: "00:00", Patient: protocol.Patient{Name: f.patient.Name, ID: f.patient.ID}}
}

func startControl(t *testing.T, session Session) *bus.Client {
	t.Helper()
	log := testLogger()
	ns, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, log)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(ns.Shutdown)

	cfg := config.BusConfig{Servers: []string{ns.ClientURL()}, ConnectTimeout: 2000}
	serverBus, err := bus.Connect(context.Background(), cfg, "control-test", log)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(serverBus.Close)

	svc := NewService(context.Background(), serverBus, session, log)
	if err := svc.Start(); err != nil {
		t.Fatalf("start control: %v", err)
	}
	t.Cleanup(svc.Close)
	if !svc.Healthy() {
		t.Fatal("expected healthy service")
	}
	if err := serverBus.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	client, err := bus.Connect(context.Background(), cfg, "control-client", log)
	if err != nil {
		t.Fatalf("connect client: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func request(t *testing.T, client *bus.Client, subject string, req any) protocol.Reply {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var reply protocol.Reply
	if err := client.RequestJSON(ctx, subject, req, &reply); err != nil {
		t.Fatalf("request %s: %v", subject, err)
	}
	return reply
}

func TestRecordingCommands(t *testing.T) {
	session := &fakeSession{}
	client := startControl(t, session)

	for _, subject := range []string{protocol.SubjectStart, protocol.SubjectStop, protocol.SubjectReset} {
		reply := request(t, client, subject, struct{}{})
		if !reply.OK {
			t.Fatalf("%s failed: %s", subject, reply.Error)
		}
		if reply.Status == nil || reply.Status.State != "idle" {
			t.Fatalf("%s: expected status snapshot, got %+v", subject, reply.Status)
		}
	}
	session.mu.Lock()
	defer session.mu.Unlock()
	if strings.Join(session.calls, ",") != "start,stop,reset" {
		t.Fatalf("unexpected calls %v", session.calls)
	}
}

func TestErrorsAreReported(t *testing.T) {
	session := &fakeSession{startErr: errors.New("microphone permission denied")}
	client := startControl(t, session)

	reply := request(t, client, protocol.SubjectStart, nil)
	if reply.OK || reply.Error != "microphone permission denied" {
		t.Fatalf("expected start error, got %+v", reply)
	}
	reply = request(t, client, protocol.SubjectProcess, nil)
	if reply.OK || !strings.Contains(reply.Error, "no audio") {
		t.Fatalf("expected process error, got %+v", reply)
	}
}

func TestPatientAndRecordEdits(t *testing.T) {
	session := &fakeSession{}
	client := startControl(t, session)

	reply := request(t, client, protocol.SubjectPatient, patientEdit("田中太郎", "P-2025-001", "45", "男性"))
	if !reply.OK || reply.Status.Patient.Name != "田中太郎" {
		t.Fatalf("unexpected patient reply %+v", reply)
	}
	reply = request(t, client, protocol.SubjectRecord, protocol.RecordEdit{Field: "diagnosis", Value: "片頭痛"})
	if !reply.OK {
		t.Fatalf("record edit failed: %s", reply.Error)
	}
	session.mu.Lock()
	defer session.mu.Unlock()
	if session.patient.Gender != "男性" || session.edit != [2]string{"diagnosis", "片頭痛"} {
		t.Fatalf("unexpected session state %+v %v", session.patient, session.edit)
	}
}

func patientEdit(name, id, age, gender string) protocol.PatientEdit {
	return protocol.PatientEdit{Name: &name, ID: &id, Age: &age, Gender: &gender}
}

func TestPatientEditKeepsUnsetFields(t *testing.T) {
	session := &fakeSession{}
	client := startControl(t, session)

	if reply := request(t, client, protocol.SubjectPatient, patientEdit("田中太郎", "P-2025-001", "45", "男性")); !reply.OK {
		t.Fatalf("patient set failed: %s", reply.Error)
	}
	age := "46"
	if reply := request(t, client, protocol.SubjectPatient, protocol.PatientEdit{Age: &age}); !reply.OK {
		t.Fatalf("patient edit failed: %s", reply.Error)
	}

	got := session.Patient()
	want := backend.Patient{Name: "田中太郎", ID: "P-2025-001", Age: "46", Gender: "男性"}
	if got != want {
		t.Fatalf("expected %+v, got %+v", want, got)
	}

	// an explicit empty value still clears the field
	empty := ""
	if reply := request(t, client, protocol.SubjectPatient, protocol.PatientEdit{Gender: &empty}); !reply.OK {
		t.Fatalf("patient clear failed: %s", reply.Error)
	}
	if got := session.Patient(); got.Gender != "" || got.Name != "田中太郎" {
		t.Fatalf("unexpected patient after clear %+v", got)
	}
}

func TestSaveListExport(t *testing.T) {
	session := &fakeSession{}
	client := startControl(t, session)

	if reply := request(t, client, protocol.SubjectSave, nil); reply.RecordID != 42 {
		t.Fatalf("expected record id 42, got %+v", reply)
	}
	if reply := request(t, client, protocol.SubjectRecords, nil); len(reply.Records) != 1 || reply.Records[0].Diagnosis != "感冒" {
		t.Fatalf("unexpected records %+v", reply.Records)
	}
	reply := request(t, client, protocol.SubjectExport, protocol.ExportRequest{IDs: []int64{1, 3}})
	if string(reply.Data) != "PK" || reply.FileName != "medical_records_2025-06-01.xlsx" {
		t.Fatalf("unexpected export reply %+v", reply)
	}
	session.mu.Lock()
	defer session.mu.Unlock()
	if len(session.ids) != 2 || session.ids[1] != 3 {
		t.Fatalf("unexpected export ids %v", session.ids)
	}
}

func TestUnknownSubject(t *testing.T) {
	client := startControl(t, &fakeSession{})
	reply := request(t, client, protocol.SubjectControlPrefix+".dance", nil)
	if reply.OK || !strings.Contains(reply.Error, "unknown control subject") {
		t.Fatalf("expected unknown subject error, got %+v", reply)
	}
}

type fakeDirectory []protocol.Runtime

func (d fakeDirectory) Runtimes() []protocol.Runtime { return d }

func TestRuntimesRequest(t *testing.T) {
	log := testLogger()
	ns, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, log)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(ns.Shutdown)
	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{ns.ClientURL()}, ConnectTimeout: 2000}, "control-test", log)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)

	dir := fakeDirectory{{ID: "room-a", Healthy: true, Capabilities: []protocol.Capability{{Name: "waveform"}}}}
	svc := NewService(context.Background(), client, &fakeSession{}, log, WithDirectory(dir))
	if err := svc.Start(); err != nil {
		t.Fatalf("start control: %v", err)
	}
	t.Cleanup(svc.Close)

	reply := request(t, client, protocol.SubjectRuntimes, nil)
	if !reply.OK || len(reply.Runtimes) != 1 || reply.Runtimes[0].ID != "room-a" {
		t.Fatalf("unexpected runtimes reply %+v", reply)
	}
}
