package audio

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// SyntheticSource stands in for a microphone: a tone whose loudness swells and
// fades like speech, plus a little noise.
type SyntheticSource struct {
	format        Format
	frameDuration time.Duration
	toneHz        float64
	streams       streamSet
}

func NewSyntheticSource(format Format, frameDuration time.Duration, toneHz float64) *SyntheticSource {
	if toneHz <= 0 {
		toneHz = 440
	}
	return &SyntheticSource{format: format, frameDuration: frameDuration, toneHz: toneHz}
}

func (s *SyntheticSource) Acquire(ctx context.Context) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.format.BitDepth != 16 {
		return nil, fmt.Errorf("synthetic source: unsupported bit depth %d", s.format.BitDepth)
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var n int64
	stream := startPump(s.format, s.frameDuration, func(frame []byte) bool {
		step := s.format.Channels * 2
		for i := 0; i+step <= len(frame); i += step {
			t := float64(n) / float64(s.format.SampleRate)
			envelope := 0.5 + 0.5*math.Sin(2*math.Pi*0.7*t)
			v := envelope*0.6*math.Sin(2*math.Pi*s.toneHz*t) + 0.05*(rng.Float64()*2-1)
			sample := int16(v * math.MaxInt16)
			for c := 0; c < s.format.Channels; c++ {
				binary.LittleEndian.PutUint16(frame[i+c*2:], uint16(sample))
			}
			n++
		}
		return true
	})
	s.streams.add(stream)
	return stream, nil
}

func (s *SyntheticSource) Release(stream Stream) error {
	return s.streams.release(stream)
}

// Open reports how many streams are currently acquired.
func (s *SyntheticSource) Open() int { return s.streams.open() }
