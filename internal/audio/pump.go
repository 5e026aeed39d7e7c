package audio

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// pumpStream delivers generated frames at real-time pace until stopped.
type pumpStream struct {
	broadcaster
	id     string
	format Format
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *pumpStream) ID() string     { return s.id }
func (s *pumpStream) Format() Format { return s.format }

func startPump(format Format, frameDuration time.Duration, fill func(frame []byte) bool) *pumpStream {
	ctx, cancel := context.WithCancel(context.Background())
	s := &pumpStream{
		id:     uuid.NewString(),
		format: format,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	frameBytes := int(int64(format.BytesPerSecond()) * int64(frameDuration) / int64(time.Second))
	frameBytes -= frameBytes % (format.Channels * format.BitDepth / 8)

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(frameDuration)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				frame := make([]byte, frameBytes)
				if !fill(frame) {
					return
				}
				s.publish(frame)
			}
		}
	}()
	return s
}

func (s *pumpStream) stop() {
	s.cancel()
	<-s.done
	s.close()
}

// streamSet tracks the streams a source handed out so Release can validate ownership.
type streamSet struct {
	mu     sync.Mutex
	active map[string]*pumpStream
}

func (t *streamSet) add(s *pumpStream) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active == nil {
		t.active = make(map[string]*pumpStream)
	}
	t.active[s.id] = s
}

func (t *streamSet) release(stream Stream) error {
	if stream == nil {
		return ErrUnknownStream
	}
	t.mu.Lock()
	s, ok := t.active[stream.ID()]
	if ok {
		delete(t.active, stream.ID())
	}
	t.mu.Unlock()
	if !ok {
		return ErrUnknownStream
	}
	s.stop()
	return nil
}

func (t *streamSet) open() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}
