package capability

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/Shimano02/Iida-clinic/internal/bus"
	"github.com/Shimano02/Iida-clinic/internal/config"
	"github.com/Shimano02/Iida-clinic/internal/natsserver"
	"github.com/Shimano02/Iida-clinic/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func connect(t *testing.T) *bus.Client {
	t.Helper()
	ns, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, testLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(ns.Shutdown)
	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{ns.ClientURL()}, ConnectTimeout: 2000}, "registry-test", testLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func presence() config.PresenceConfig {
	return config.PresenceConfig{HeartbeatIntervalMS: 50, HeartbeatTimeoutMS: 200}
}

func TestRegistryAnnouncesItself(t *testing.T) {
	client := connect(t)
	caps := FromConfig(config.Default())
	reg, err := NewRegistry(context.Background(), "exam-room-1", caps, presence(), client, testLogger())
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	defer reg.Close()

	if !reg.Healthy() {
		t.Fatal("expected local runtime healthy after announce")
	}
	runtimes := reg.Runtimes()
	if len(runtimes) != 1 || runtimes[0].ID != "exam-room-1" {
		t.Fatalf("unexpected runtimes %+v", runtimes)
	}
	if !WithCapability("live-transcript")(runtimes[0]) {
		t.Fatalf("expected live-transcript capability, got %+v", runtimes[0].Capabilities)
	}
}

func TestRegistryTracksPeers(t *testing.T) {
	client := connect(t)
	a, err := NewRegistry(context.Background(), "room-a", FromConfig(config.Default()), presence(), client, testLogger())
	if err != nil {
		t.Fatalf("registry a: %v", err)
	}
	defer a.Close()
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	b, err := NewRegistry(context.Background(), "room-b", nil, presence(), client, testLogger())
	if err != nil {
		t.Fatalf("registry b: %v", err)
	}
	defer b.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(a.Runtimes()) == 2 && len(b.Runtimes()) == 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := a.Runtimes(); len(got) != 2 || got[1].ID != "room-b" {
		t.Fatalf("room-a did not see room-b: %+v", got)
	}
	if got := b.Runtimes(); len(got) != 2 || got[0].ID != "room-a" {
		t.Fatalf("room-b did not learn room-a from heartbeats: %+v", got)
	}
}

func TestEvaluateHealthMarksStaleRuntimes(t *testing.T) {
	r := &Registry{id: "self", cfg: presence(), runtimes: make(map[string]*protocol.Runtime)}
	now := time.Now()
	r.update("self", nil, now)
	r.update("old", nil, now.Add(-time.Second))

	r.evaluateHealth(now)
	for _, rt := range r.Runtimes() {
		switch rt.ID {
		case "self":
			if !rt.Healthy {
				t.Fatal("fresh runtime should stay healthy")
			}
		case "old":
			if rt.Healthy {
				t.Fatal("stale runtime should be unhealthy")
			}
		}
	}
	r.update("old", nil, now)
	if rts := r.Runtimes(); !rts[0].Healthy {
		t.Fatal("heartbeat should restore health")
	}
}

func TestFromConfigReflectsToggles(t *testing.T) {
	cfg := config.Default()
	cfg.Recognizer.Enabled = false
	cfg.Waveform.Enabled = false
	caps := FromConfig(cfg)
	rt := protocol.Runtime{Capabilities: caps}
	if WithCapability("live-transcript")(rt) || WithCapability("waveform")(rt) {
		t.Fatalf("disabled features advertised: %+v", caps)
	}
	if !WithCapability("medical-record")(rt) || caps[0].Attributes["source"] != "synthetic" {
		t.Fatalf("unexpected capabilities %+v", caps)
	}
}
