package stt

import (
	"sync"
	"time"
	"unicode/utf8"
)

var mockPhrases = []string{
	"今日はどうされましたか。",
	"三日前から頭痛と微熱があります。",
	"体温は三十七度五分です。",
	"喉の腫れは軽度ですね。",
	"解熱剤を出しておきます。",
}

// mockRecognizer plays back canned phrases as interim/final pairs and ends its
// session after a few phrases, like browser recognizers do on silence.
type mockRecognizer struct {
	step            time.Duration
	phrasesPerRound int

	mu   sync.Mutex
	next int
	stop chan struct{}
	done chan struct{}
}

func NewMockRecognizer(step time.Duration) Recognizer {
	if step <= 0 {
		step = 400 * time.Millisecond
	}
	return &mockRecognizer{step: step, phrasesPerRound: 2}
}

func (m *mockRecognizer) Start(opts Options, emit func(SpeechEvent)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stop != nil {
		return nil
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	m.stop, m.done = stop, done
	first := m.next
	m.next = (m.next + m.phrasesPerRound) % len(mockPhrases)

	go func() {
		defer close(done)
		ticker := time.NewTicker(m.step)
		defer ticker.Stop()
		wait := func() bool {
			select {
			case <-stop:
				return false
			case <-ticker.C:
				return true
			}
		}
		for i := 0; i < m.phrasesPerRound; i++ {
			phrase := mockPhrases[(first+i)%len(mockPhrases)]
			if opts.InterimResults {
				if !wait() {
					return
				}
				emit(Interim(prefix(phrase)))
			}
			if !wait() {
				return
			}
			emit(Final(phrase))
		}
		if !wait() {
			return
		}
		m.mu.Lock()
		if m.stop == stop {
			m.stop, m.done = nil, nil
		}
		m.mu.Unlock()
		emit(Ended())
	}()
	return nil
}

func (m *mockRecognizer) Stop() error {
	m.mu.Lock()
	stop, done := m.stop, m.done
	m.stop, m.done = nil, nil
	m.mu.Unlock()
	if stop == nil {
		return nil
	}
	close(stop)
	<-done
	return nil
}

// prefix returns roughly the first half of s, cut on a rune boundary.
func prefix(s string) string {
	n := utf8.RuneCountInString(s) / 2
	for i := range s {
		if n == 0 {
			return s[:i]
		}
		n--
	}
	return s
}
