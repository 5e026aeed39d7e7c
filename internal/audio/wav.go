package audio

import (
	"encoding/binary"
	"fmt"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// EncodeWAV wraps raw 16-bit PCM in a WAV container.
func EncodeWAV(pcm []byte, format Format) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("pcm payload not aligned")
	}
	if format.SampleRate <= 0 || format.Channels <= 0 {
		return nil, fmt.Errorf("invalid pcm format %+v", format)
	}

	file, err := os.CreateTemp("", "karte_*.wav")
	if err != nil {
		return nil, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	buffer := &goaudio.IntBuffer{Format: &goaudio.Format{NumChannels: format.Channels, SampleRate: format.SampleRate}}
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer.Data = samples

	enc := wav.NewEncoder(file, format.SampleRate, 16, format.Channels, 1)
	if err := enc.Write(buffer); err != nil {
		return nil, fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("close wav encoder: %w", err)
	}
	data, err := os.ReadFile(file.Name())
	if err != nil {
		return nil, fmt.Errorf("read wav: %w", err)
	}
	return data, nil
}

// WAVArtifact returns the artifact as a WAV payload, encoding raw PCM if needed.
func WAVArtifact(a *Artifact) ([]byte, error) {
	if a == nil {
		return nil, fmt.Errorf("no audio artifact")
	}
	if a.MIMEType == MIMETypeWAV {
		return a.Data, nil
	}
	return EncodeWAV(a.Data, a.Format)
}
