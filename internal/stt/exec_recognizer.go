package stt

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"

	"github.com/mattn/go-shellwords"
)

// execRecognizer runs an external recognizer process per session. Captured PCM
// is streamed to its stdin; it prints one JSON event per line on stdout:
//
//	{"type":"interim","text":"..."}
//	{"type":"final","text":"..."}
//	{"type":"error","error":"no-speech"}
//
// Process exit is reported as an Ended event.
type execRecognizer struct {
	cmd []string
	log *slog.Logger

	mu      sync.Mutex
	session *execSession
}

type execSession struct {
	cancel context.CancelFunc
	audio  chan []byte
	done   chan struct{}

	mu      sync.Mutex
	stopped bool
}

type execEvent struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Error string `json:"error"`
}

func NewExecRecognizer(command string, log *slog.Logger) (Recognizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse recognizer command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("recognizer command is empty")
	}
	return &execRecognizer{cmd: args, log: log.With(slog.String("component", "exec-recognizer"))}, nil
}

func (r *execRecognizer) Start(opts Options, emit func(SpeechEvent)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session != nil {
		return nil
	}

	args := append([]string{}, r.cmd[1:]...)
	if opts.Language != "" {
		args = append(args, "--language", opts.Language)
	}
	if opts.SampleRate > 0 {
		args = append(args, "--sample-rate", strconv.Itoa(opts.SampleRate))
	}
	if opts.Channels > 0 {
		args = append(args, "--channels", strconv.Itoa(opts.Channels))
	}
	if opts.InterimResults {
		args = append(args, "--interim")
	}
	if opts.Continuous {
		args = append(args, "--continuous")
	}

	ctx, cancel := context.WithCancel(context.Background())
	command := exec.CommandContext(ctx, r.cmd[0], args...)
	stdin, err := command.StdinPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("recognizer stdin: %w", err)
	}
	stdout, err := command.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("recognizer stdout: %w", err)
	}
	if err := command.Start(); err != nil {
		cancel()
		return fmt.Errorf("start recognizer: %w", err)
	}

	s := &execSession{
		cancel: cancel,
		audio:  make(chan []byte, 64),
		done:   make(chan struct{}),
	}
	r.session = s

	go func() {
		defer stdin.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case frag := <-s.audio:
				if _, err := stdin.Write(frag); err != nil {
					return
				}
			}
		}
	}()

	go func() {
		defer close(s.done)
		r.readEvents(stdout, s, emit)
		err := command.Wait()
		r.mu.Lock()
		if r.session == s {
			r.session = nil
		}
		r.mu.Unlock()
		if s.isStopped() {
			return
		}
		if err != nil {
			r.log.Debug("recognizer process exited", slogError(err))
		}
		cancel()
		emit(Ended())
	}()
	return nil
}

func (r *execRecognizer) readEvents(stdout io.Reader, s *execSession, emit func(SpeechEvent)) {
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		var ev execEvent
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			r.log.Warn("invalid recognizer output", slogError(err))
			continue
		}
		if s.isStopped() {
			continue
		}
		switch ev.Type {
		case "interim":
			emit(Interim(ev.Text))
		case "final":
			emit(Final(ev.Text))
		case "error":
			emit(Error(ev.Error))
		default:
			r.log.Debug("ignoring recognizer event", slog.String("type", ev.Type))
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		r.log.Debug("recognizer output closed", slogError(err))
	}
}

func (r *execRecognizer) WriteAudio(fragment []byte) {
	r.mu.Lock()
	s := r.session
	r.mu.Unlock()
	if s == nil {
		return
	}
	select {
	case s.audio <- fragment:
	default:
		r.log.Debug("recognizer input backlog; dropping fragment", slog.Int("bytes", len(fragment)))
	}
}

func (r *execRecognizer) Stop() error {
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
	s.cancel()
	<-s.done
	return nil
}

func (s *execSession) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}
