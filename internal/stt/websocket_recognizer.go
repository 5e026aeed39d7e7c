package stt

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/gorilla/websocket"
)

// streamingResult is the subset of a streaming listen response we consume.
type streamingResult struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// websocketRecognizer streams linear16 PCM to a hosted recognizer over a
// websocket and maps its results to speech events.
type websocketRecognizer struct {
	endpoint string
	apiKey   string
	dialer   *websocket.Dialer
	log      *slog.Logger

	mu      sync.Mutex
	session *wsSession
}

type wsSession struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	done    chan struct{}

	mu      sync.Mutex
	stopped bool
}

func NewWebsocketRecognizer(endpoint, apiKey string, log *slog.Logger) (Recognizer, error) {
	if _, err := url.Parse(endpoint); err != nil {
		return nil, fmt.Errorf("parse recognizer endpoint: %w", err)
	}
	return &websocketRecognizer{
		endpoint: endpoint,
		apiKey:   apiKey,
		dialer:   websocket.DefaultDialer,
		log:      log.With(slog.String("component", "websocket-recognizer")),
	}, nil
}

func (r *websocketRecognizer) listenURL(opts Options) (string, error) {
	u, err := url.Parse(r.endpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("encoding", "linear16")
	if opts.SampleRate > 0 {
		q.Set("sample_rate", strconv.Itoa(opts.SampleRate))
	}
	if opts.Channels > 0 {
		q.Set("channels", strconv.Itoa(opts.Channels))
	}
	if opts.Language != "" {
		q.Set("language", opts.Language)
	}
	q.Set("interim_results", strconv.FormatBool(opts.InterimResults))
	q.Set("punctuate", "true")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (r *websocketRecognizer) Start(opts Options, emit func(SpeechEvent)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session != nil {
		return nil
	}
	target, err := r.listenURL(opts)
	if err != nil {
		return fmt.Errorf("build listen url: %w", err)
	}
	header := http.Header{}
	if r.apiKey != "" {
		header.Set("Authorization", "Token "+r.apiKey)
	}
	conn, _, err := r.dialer.Dial(target, header)
	if err != nil {
		return fmt.Errorf("dial recognizer: %w", err)
	}
	s := &wsSession{conn: conn, done: make(chan struct{})}
	r.session = s
	go r.listen(s, emit)
	return nil
}

func (r *websocketRecognizer) listen(s *wsSession, emit func(SpeechEvent)) {
	defer close(s.done)
	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			r.mu.Lock()
			if r.session == s {
				r.session = nil
			}
			r.mu.Unlock()
			s.conn.Close()
			if s.isStopped() {
				return
			}
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				r.log.Debug("recognizer connection closed", slogError(err))
			}
			emit(Ended())
			return
		}
		var result streamingResult
		if err := json.Unmarshal(message, &result); err != nil {
			r.log.Warn("invalid recognizer response", slogError(err))
			continue
		}
		if result.Type != "" && result.Type != "Results" {
			continue
		}
		if len(result.Channel.Alternatives) == 0 || s.isStopped() {
			continue
		}
		text := result.Channel.Alternatives[0].Transcript
		if text == "" {
			continue
		}
		if result.IsFinal {
			emit(Final(text))
		} else {
			emit(Interim(text))
		}
	}
}

func (r *websocketRecognizer) WriteAudio(fragment []byte) {
	r.mu.Lock()
	s := r.session
	r.mu.Unlock()
	if s == nil || s.isStopped() {
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.BinaryMessage, fragment); err != nil {
		r.log.Debug("failed to send audio", slogError(err))
	}
}

func (r *websocketRecognizer) Stop() error {
	r.mu.Lock()
	s := r.session
	r.session = nil
	r.mu.Unlock()
	if s == nil {
		return nil
	}
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	s.writeMu.Lock()
	_ = s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`))
	if err := s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "recording stopped")); err != nil {
		r.log.Debug("failed to send close frame", slogError(err))
	}
	s.writeMu.Unlock()
	s.conn.Close()
	<-s.done
	return nil
}

func (s *wsSession) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}
