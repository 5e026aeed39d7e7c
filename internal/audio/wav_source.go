package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/go-audio/wav"
)

// WAVSource replays a WAV file in real time, looping at the end, as if it
// were being spoken into the microphone.
type WAVSource struct {
	path          string
	frameDuration time.Duration
	streams       streamSet
}

func NewWAVSource(path string, frameDuration time.Duration) *WAVSource {
	return &WAVSource{path: path, frameDuration: frameDuration}
}

func (s *WAVSource) Acquire(ctx context.Context) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pcm, format, err := readWAV(s.path)
	if err != nil {
		return nil, err
	}
	if len(pcm) == 0 {
		return nil, fmt.Errorf("wav source %s: no audio samples", s.path)
	}
	offset := 0
	stream := startPump(format, s.frameDuration, func(frame []byte) bool {
		for i := 0; i < len(frame); {
			n := copy(frame[i:], pcm[offset:])
			i += n
			offset = (offset + n) % len(pcm)
		}
		return true
	})
	s.streams.add(stream)
	return stream, nil
}

func (s *WAVSource) Release(stream Stream) error {
	return s.streams.release(stream)
}

func readWAV(path string) ([]byte, Format, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return nil, Format{}, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		}
		return nil, Format{}, fmt.Errorf("open wav source: %w", err)
	}
	defer file.Close()

	dec := wav.NewDecoder(file)
	if !dec.IsValidFile() {
		return nil, Format{}, fmt.Errorf("%s is not a valid wav file", path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, Format{}, fmt.Errorf("decode wav: %w", err)
	}

	format := PCM16(int(dec.SampleRate), int(dec.NumChans))
	shift := int(dec.BitDepth) - 16
	pcm := make([]byte, len(buf.Data)*2)
	for i, sample := range buf.Data {
		switch {
		case shift > 0:
			sample >>= uint(shift)
		case shift < 0:
			sample <<= uint(-shift)
		}
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(sample)))
	}
	return pcm, format, nil
}
