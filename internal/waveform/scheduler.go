package waveform

import "time"

// Scheduler runs fn once on the next display frame.
type Scheduler interface {
	Schedule(fn func()) (cancel func())
}

// TimerScheduler approximates a display refresh with a fixed interval.
type TimerScheduler struct {
	Interval time.Duration
}

func (s TimerScheduler) Schedule(fn func()) func() {
	interval := s.Interval
	if interval <= 0 {
		interval = 16 * time.Millisecond
	}
	t := time.AfterFunc(interval, fn)
	return func() { t.Stop() }
}
