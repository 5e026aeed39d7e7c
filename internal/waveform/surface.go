package waveform

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"math"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
)

var background = color.RGBA{R: 240, G: 240, B: 240, A: 255}

// Surface is a drawing target. Draw calls between Clear and Present make up
// one frame; readers only ever observe presented frames.
type Surface interface {
	Size() (width, height int)
	Clear(c color.RGBA)
	FillRect(x, y, w, h float64, c color.RGBA)
	Present()
}

// ImageSurface paints into an RGBA image and keeps the last presented frame
// for snapshots.
type ImageSurface struct {
	back *image.RGBA

	mu    sync.RWMutex
	front *image.RGBA
}

func NewImageSurface(width, height int) *ImageSurface {
	rect := image.Rect(0, 0, width, height)
	s := &ImageSurface{back: image.NewRGBA(rect), front: image.NewRGBA(rect)}
	draw.Draw(s.front, rect, &image.Uniform{C: background}, image.Point{}, draw.Src)
	return s
}

func (s *ImageSurface) Size() (int, int) {
	b := s.back.Bounds()
	return b.Dx(), b.Dy()
}

func (s *ImageSurface) Clear(c color.RGBA) {
	draw.Draw(s.back, s.back.Bounds(), &image.Uniform{C: c}, image.Point{}, draw.Src)
}

func (s *ImageSurface) FillRect(x, y, w, h float64, c color.RGBA) {
	r := image.Rect(
		int(math.Round(x)), int(math.Round(y)),
		int(math.Round(x+w)), int(math.Round(y+h)),
	).Intersect(s.back.Bounds())
	if r.Empty() {
		return
	}
	draw.Draw(s.back, r, &image.Uniform{C: c}, image.Point{}, draw.Src)
}

func (s *ImageSurface) Present() {
	s.mu.Lock()
	copy(s.front.Pix, s.back.Pix)
	s.mu.Unlock()
}

// Image returns a copy of the last presented frame.
func (s *ImageSurface) Image() *image.RGBA {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := image.NewRGBA(s.front.Bounds())
	copy(out.Pix, s.front.Pix)
	return out
}

// PNG encodes the last presented frame.
func (s *ImageSurface) PNG() ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, s.Image()); err != nil {
		return nil, fmt.Errorf("encode waveform png: %w", err)
	}
	return buf.Bytes(), nil
}

// TerminalSurface paints into a grid of character cells, one cell per unit.
type TerminalSurface struct {
	width, height int
	cells         []color.RGBA

	mu       sync.RWMutex
	rendered string
}

func NewTerminalSurface(cols, rows int) *TerminalSurface {
	return &TerminalSurface{width: cols, height: rows, cells: make([]color.RGBA, cols*rows)}
}

func (s *TerminalSurface) Size() (int, int) { return s.width, s.height }

func (s *TerminalSurface) Clear(c color.RGBA) {
	for i := range s.cells {
		s.cells[i] = c
	}
}

func (s *TerminalSurface) FillRect(x, y, w, h float64, c color.RGBA) {
	x0 := clamp(int(math.Floor(x)), 0, s.width)
	x1 := clamp(int(math.Ceil(x+w)), 0, s.width)
	y0 := clamp(int(math.Floor(y)), 0, s.height)
	y1 := clamp(int(math.Ceil(y+h)), 0, s.height)
	for row := y0; row < y1; row++ {
		for col := x0; col < x1; col++ {
			s.cells[row*s.width+col] = c
		}
	}
}

func (s *TerminalSurface) Present() {
	styles := make(map[color.RGBA]lipgloss.Style)
	var b strings.Builder
	for row := 0; row < s.height; row++ {
		for col := 0; col < s.width; col++ {
			c := s.cells[row*s.width+col]
			if c == background {
				b.WriteByte(' ')
				continue
			}
			style, ok := styles[c]
			if !ok {
				style = lipgloss.NewStyle().Foreground(lipgloss.Color(hex(c)))
				styles[c] = style
			}
			b.WriteString(style.Render("█"))
		}
		if row < s.height-1 {
			b.WriteByte('\n')
		}
	}
	s.mu.Lock()
	s.rendered = b.String()
	s.mu.Unlock()
}

// String returns the last presented frame.
func (s *TerminalSurface) String() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rendered
}

func hex(c color.RGBA) string {
	return fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
