package audio

import "time"

const (
	MIMETypePCM = "audio/L16"
	MIMETypeWAV = "audio/wav"
)

// Format describes interleaved signed 16-bit little-endian PCM.
type Format struct {
	SampleRate int `json:"sample_rate"`
	Channels   int `json:"channels"`
	BitDepth   int `json:"bit_depth"`
}

// PCM16 returns a 16-bit format for the given rate and channel count.
func PCM16(sampleRate, channels int) Format {
	return Format{SampleRate: sampleRate, Channels: channels, BitDepth: 16}
}

func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * (f.BitDepth / 8)
}

// Duration reports how long n bytes of audio in this format play for.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}

// Artifact is the single audio blob produced when a recording stops.
type Artifact struct {
	Data       []byte
	Format     Format
	MIMEType   string
	RecordedAt time.Time
	Duration   time.Duration
}

func (a *Artifact) Size() int {
	if a == nil {
		return 0
	}
	return len(a.Data)
}

// Concat joins fragments in order into one freshly allocated slice.
func Concat(fragments [][]byte) []byte {
	total := 0
	for _, f := range fragments {
		total += len(f)
	}
	out := make([]byte, 0, total)
	for _, f := range fragments {
		out = append(out, f...)
	}
	return out
}
