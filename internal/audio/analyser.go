package audio

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/cmplx"
	"sync"
)

const (
	minDecibels = -100.0
	maxDecibels = -30.0
	smoothing   = 0.8
)

// Analyser is a frequency-domain tap on a live stream. It observes the stream
// read-only; closing it detaches the observer and never affects the stream.
type Analyser struct {
	mu       sync.Mutex
	fftSize  int
	channels int
	ring     []float64
	pos      int
	window   []float64
	scratch  []complex128
	smoothed []float64
	detach   func()
	closed   bool
}

func NewAnalyser(stream Stream, fftSize int) (*Analyser, error) {
	if stream == nil {
		return nil, fmt.Errorf("analyser: nil stream")
	}
	if fftSize < 32 || fftSize&(fftSize-1) != 0 {
		return nil, fmt.Errorf("analyser: fft size %d must be a power of two >= 32", fftSize)
	}
	channels := stream.Format().Channels
	if channels <= 0 {
		channels = 1
	}
	a := &Analyser{
		fftSize:  fftSize,
		channels: channels,
		ring:     make([]float64, fftSize),
		window:   blackman(fftSize),
		scratch:  make([]complex128, fftSize),
		smoothed: make([]float64, fftSize/2),
	}
	a.detach = stream.Observe(a.write)
	return a, nil
}

func (a *Analyser) FrequencyBinCount() int { return a.fftSize / 2 }

func (a *Analyser) write(fragment []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	step := a.channels * 2
	for i := 0; i+step <= len(fragment); i += step {
		// first channel only
		v := int16(binary.LittleEndian.Uint16(fragment[i:]))
		a.ring[a.pos] = float64(v) / 32768
		a.pos = (a.pos + 1) % a.fftSize
	}
}

// ByteFrequencyData fills dst with the current per-bin magnitudes scaled to 0-255.
// dst shorter than the bin count receives the lowest bins only.
func (a *Analyser) ByteFrequencyData(dst []uint8) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		for i := range dst {
			dst[i] = 0
		}
		return
	}
	for i := 0; i < a.fftSize; i++ {
		sample := a.ring[(a.pos+i)%a.fftSize]
		a.scratch[i] = complex(sample*a.window[i], 0)
	}
	fft(a.scratch)

	bins := a.fftSize / 2
	for i := 0; i < bins && i < len(dst); i++ {
		mag := cmplx.Abs(a.scratch[i]) / float64(a.fftSize)
		a.smoothed[i] = smoothing*a.smoothed[i] + (1-smoothing)*mag
		db := minDecibels
		if a.smoothed[i] > 0 {
			db = 20 * math.Log10(a.smoothed[i])
		}
		scaled := 255 * (db - minDecibels) / (maxDecibels - minDecibels)
		switch {
		case scaled < 0:
			scaled = 0
		case scaled > 255:
			scaled = 255
		}
		dst[i] = uint8(scaled)
	}
}

func (a *Analyser) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	detach := a.detach
	a.mu.Unlock()
	if detach != nil {
		detach()
	}
	return nil
}

func blackman(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		x := 2 * math.Pi * float64(i) / float64(n)
		w[i] = 0.42 - 0.5*math.Cos(x) + 0.08*math.Cos(2*x)
	}
	return w
}
