package stt

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type eventLog struct {
	events chan SpeechEvent
}

func newEventLog() *eventLog {
	return &eventLog{events: make(chan SpeechEvent, 32)}
}

func (l *eventLog) emit(ev SpeechEvent) { l.events <- ev }

// untilEnded collects events until Ended arrives.
func (l *eventLog) untilEnded(t *testing.T) []SpeechEvent {
	t.Helper()
	var got []SpeechEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-l.events:
			got = append(got, ev)
			if ev.Kind == EventEnded {
				return got
			}
		case <-timeout:
			t.Fatalf("recognizer never ended, got %v", describe(got))
		}
	}
}

// drained returns what was emitted so far without waiting.
func (l *eventLog) drained() []SpeechEvent {
	var got []SpeechEvent
	for {
		select {
		case ev := <-l.events:
			got = append(got, ev)
		default:
			return got
		}
	}
}

func describe(events []SpeechEvent) []string {
	out := make([]string, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Kind.String()+":"+ev.Text)
	}
	return out
}

func expectEvents(t *testing.T, got []SpeechEvent, want ...string) {
	t.Helper()
	desc := describe(got)
	if strings.Join(desc, "|") != strings.Join(want, "|") {
		t.Fatalf("unexpected events %q, want %q", desc, want)
	}
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	path := filepath.Join(t.TempDir(), "recognizer.sh")
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatal(err)
	}
	return "sh " + path
}

func TestExecRecognizerMapsLinesAndEndsOnExit(t *testing.T) {
	command := writeScript(t, `printf '%s\n' \
  '{"type":"interim","text":"こんにち"}' \
  'not json' \
  '{"type":"final","text":"こんにちは。"}' \
  '{"type":"error","error":"no-speech"}' \
  '{"type":"metadata"}'
`)
	rec, err := NewExecRecognizer(command, testLogger())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	log := newEventLog()
	if err := rec.Start(Options{}, log.emit); err != nil {
		t.Fatalf("start: %v", err)
	}

	got := log.untilEnded(t)
	expectEvents(t, got, "interim:こんにち", "final:こんにちは。", "error:", "ended:")
	if !errors.Is(got[2].Err, ErrTransient) || !strings.Contains(got[2].Err.Error(), "no-speech") {
		t.Fatalf("expected transient no-speech error, got %v", got[2].Err)
	}
	if err := rec.Stop(); err != nil {
		t.Fatalf("stop after exit: %v", err)
	}
}

func TestExecRecognizerReceivesAudio(t *testing.T) {
	command := writeScript(t, `read line
printf '{"type":"final","text":"%s"}\n' "$line"
`)
	rec, err := NewExecRecognizer(command, testLogger())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	log := newEventLog()
	if err := rec.Start(Options{}, log.emit); err != nil {
		t.Fatalf("start: %v", err)
	}
	rec.(AudioSink).WriteAudio([]byte("pcm-frame\n"))

	expectEvents(t, log.untilEnded(t), "final:pcm-frame", "ended:")
}

func TestExecRecognizerStopSuppressesEnded(t *testing.T) {
	rec, err := NewExecRecognizer(writeScript(t, "exec cat >/dev/null\n"), testLogger())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	log := newEventLog()
	if err := rec.Start(Options{}, log.emit); err != nil {
		t.Fatalf("start: %v", err)
	}
	// a second Start while running is tolerated
	if err := rec.Start(Options{}, log.emit); err != nil {
		t.Fatalf("restart while running: %v", err)
	}
	if err := rec.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if got := log.drained(); len(got) != 0 {
		t.Fatalf("expected no events after stop, got %q", describe(got))
	}
	if err := rec.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

type streamServer struct {
	results []string
	hold    bool
	queries chan string
	audio   chan []byte
}

func (s *streamServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	s.queries <- r.Header.Get("Authorization") + " " + r.URL.RawQuery

	for _, msg := range s.results {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			return
		}
	}
	if !s.hold {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"))
		return
	}
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if kind == websocket.BinaryMessage {
			s.audio <- data
		}
	}
}

func startStreamServer(t *testing.T, hold bool, results ...string) (*streamServer, string) {
	t.Helper()
	s := &streamServer{
		results: results,
		hold:    hold,
		queries: make(chan string, 4),
		audio:   make(chan []byte, 4),
	}
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	return s, "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/listen"
}

func TestWebsocketRecognizerMapsResultsAndEndsOnClose(t *testing.T) {
	server, endpoint := startStreamServer(t, false,
		`{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"こんにち"}]}}`,
		`{"type":"Metadata"}`,
		`{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":""}]}}`,
		`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"こんにちは。"}]}}`,
	)
	rec, err := NewWebsocketRecognizer(endpoint, "secret", testLogger())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	log := newEventLog()
	opts := Options{Language: "ja-JP", InterimResults: true, SampleRate: 16000, Channels: 1}
	if err := rec.Start(opts, log.emit); err != nil {
		t.Fatalf("start: %v", err)
	}

	expectEvents(t, log.untilEnded(t), "interim:こんにち", "final:こんにちは。", "ended:")

	query := <-server.queries
	for _, want := range []string{"Token secret", "language=ja-JP", "sample_rate=16000", "interim_results=true", "encoding=linear16"} {
		if !strings.Contains(query, want) {
			t.Fatalf("expected %q in handshake %q", want, query)
		}
	}
	if err := rec.Stop(); err != nil {
		t.Fatalf("stop after close: %v", err)
	}
}

func TestWebsocketRecognizerStopSuppressesEnded(t *testing.T) {
	server, endpoint := startStreamServer(t, true)
	rec, err := NewWebsocketRecognizer(endpoint, "", testLogger())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	log := newEventLog()
	if err := rec.Start(Options{}, log.emit); err != nil {
		t.Fatalf("start: %v", err)
	}
	<-server.queries

	rec.(AudioSink).WriteAudio([]byte{1, 2, 3, 4})
	select {
	case frame := <-server.audio:
		if len(frame) != 4 {
			t.Fatalf("unexpected audio frame %v", frame)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("audio never reached the recognizer")
	}

	if err := rec.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if got := log.drained(); len(got) != 0 {
		t.Fatalf("expected no events after stop, got %q", describe(got))
	}
	// audio after stop is dropped
	rec.(AudioSink).WriteAudio([]byte{5, 6})
}
