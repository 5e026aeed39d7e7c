package audio

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrPermissionDenied is returned by Source.Acquire when microphone access is refused.
	ErrPermissionDenied = errors.New("microphone permission denied")
	ErrUnknownStream    = errors.New("stream not owned by this source")
)

// Source wraps the platform microphone.
type Source interface {
	Acquire(ctx context.Context) (Stream, error)
	Release(stream Stream) error
}

// Stream is a live capture. Fragments are pushed to every observer in delivery
// order; observers must treat the slice as read-only.
type Stream interface {
	ID() string
	Format() Format
	Observe(fn func(fragment []byte)) (cancel func())
}

type broadcaster struct {
	mu        sync.RWMutex
	next      int
	observers map[int]func([]byte)
	order     []int
	closed    bool
}

func (b *broadcaster) Observe(fn func([]byte)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}
	if b.observers == nil {
		b.observers = make(map[int]func([]byte))
	}
	id := b.next
	b.next++
	b.observers[id] = fn
	b.order = append(b.order, id)
	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.observers, id)
			for i, v := range b.order {
				if v == id {
					b.order = append(b.order[:i], b.order[i+1:]...)
					break
				}
			}
		})
	}
}

func (b *broadcaster) publish(fragment []byte) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	fns := make([]func([]byte), 0, len(b.order))
	for _, id := range b.order {
		fns = append(fns, b.observers[id])
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		fn(fragment)
	}
}

func (b *broadcaster) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.observers = nil
	b.order = nil
}
