package eventstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/Shimano02/Iida-clinic/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	es, err := Open(ctx, config.EventStoreConfig{RetentionMode: "ephemeral"}, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	if err := es.BeginSession(ctx, "s", "P-1"); err != nil {
		t.Fatalf("begin session: %v", err)
	}
	if err := es.Append(ctx, Event{SessionID: "s", Type: TypeRecordingStarted}); err != nil {
		t.Fatalf("append: %v", err)
	}
	events, err := es.Events(ctx, "s", 10)
	if err != nil || events != nil {
		t.Fatalf("ephemeral store should keep nothing, got %v, %v", events, err)
	}
}

func TestAppendAndQuery(t *testing.T) {
	cfg := config.EventStoreConfig{Path: filepath.Join(t.TempDir(), "events.db"), RetentionMode: "session"}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	ctx := context.Background()
	sessionID := "session-123"
	if err := es.BeginSession(ctx, sessionID, "P-2025-001"); err != nil {
		t.Fatalf("begin session: %v", err)
	}
	for _, typ := range []string{TypeRecordingStarted, TypeTranscriptFinal, TypeRecordingStopped} {
		if err := es.Append(ctx, Event{SessionID: sessionID, Type: typ, Payload: []byte(typ)}); err != nil {
			t.Fatalf("append event: %v", err)
		}
	}
	events, err := es.Events(ctx, sessionID, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].Type != TypeRecordingStarted || events[2].Type != TypeRecordingStopped {
		t.Fatalf("unexpected order: %s ... %s", events[0].Type, events[2].Type)
	}
	if string(events[1].Payload) != TypeTranscriptFinal {
		t.Fatalf("unexpected payload: %s", events[1].Payload)
	}

	sessions, err := es.Sessions(ctx, 10)
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].PatientID != "P-2025-001" {
		t.Fatalf("unexpected sessions %+v", sessions)
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	cfg := config.EventStoreConfig{Path: filepath.Join(t.TempDir(), "events.db"), RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	ctx := context.Background()

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.BeginSession(ctx, "old-session", "P-1"); err != nil {
		t.Fatalf("begin session: %v", err)
	}
	if err := es.Append(ctx, Event{SessionID: "old-session", Type: TypeRecordingStarted}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.BeginSession(ctx, "new-session", "P-2"); err != nil {
		t.Fatalf("begin session: %v", err)
	}
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := es.Events(ctx, "old-session", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old session pruned")
	}
	sessions, err := es.Sessions(ctx, 10)
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].SessionID != "new-session" {
		t.Fatalf("unexpected sessions after prune %+v", sessions)
	}
}
