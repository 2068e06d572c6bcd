package stream

import (
	"errors"
	"image"
	"image/color"
	"sync"

	"github.com/RoseWrightdev/vrlink/internal/v1/types"
)

// ErrNoSource is returned when no surface is registered for the current mode.
var ErrNoSource = errors.New("no frame source for current mode")

// Source is a renderable surface that yields its latest pixels on demand.
// Capture is called from the update loop only.
type Source interface {
	Capture() (image.Image, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func() (image.Image, error)

func (f SourceFunc) Capture() (image.Image, error) { return f() }

// ModeSource streams the surface registered for the current game mode, so a
// mode change switches cameras on the next capture.
type ModeSource struct {
	modes types.ModeProvider

	mu       sync.RWMutex
	sources  map[types.GameMode]Source
	fallback Source
}

// NewModeSource picks sources by modes.CurrentMode(). fallback may be nil.
func NewModeSource(modes types.ModeProvider, fallback Source) *ModeSource {
	return &ModeSource{
		modes:    modes,
		sources:  make(map[types.GameMode]Source),
		fallback: fallback,
	}
}

// Register binds src to mode, replacing any previous binding.
func (m *ModeSource) Register(mode types.GameMode, src Source) {
	m.mu.Lock()
	m.sources[mode] = src
	m.mu.Unlock()
}

// Active returns the source the next capture will use.
func (m *ModeSource) Active() Source {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if src, ok := m.sources[m.modes.CurrentMode()]; ok {
		return src
	}
	return m.fallback
}

func (m *ModeSource) Capture() (image.Image, error) {
	src := m.Active()
	if src == nil {
		return nil, ErrNoSource
	}
	return src.Capture()
}

// PatternSource renders an animated test card: vertical color bars with a
// sweeping marker, tinted per instance so camera switches are visible.
type PatternSource struct {
	tint  color.RGBA
	img   *image.RGBA
	frame int
}

// NewPatternSource creates a width×height test card.
func NewPatternSource(width, height int, tint color.RGBA) *PatternSource {
	return &PatternSource{
		tint: tint,
		img:  image.NewRGBA(image.Rect(0, 0, width, height)),
	}
}

var bars = [...]color.RGBA{
	{235, 235, 235, 255},
	{235, 235, 16, 255},
	{16, 235, 235, 255},
	{16, 235, 16, 255},
	{235, 16, 235, 255},
	{235, 16, 16, 255},
	{16, 16, 235, 255},
}

func (p *PatternSource) Capture() (image.Image, error) {
	b := p.img.Bounds()
	w, h := b.Dx(), b.Dy()
	markerX := (p.frame * 8) % w
	p.frame++

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := bars[x*len(bars)/w]
			if y > h*3/4 {
				c = p.tint
			}
			if x >= markerX && x < markerX+16 {
				c = color.RGBA{0, 0, 0, 255}
			}
			p.img.SetRGBA(b.Min.X+x, b.Min.Y+y, c)
		}
	}
	return p.img, nil
}
