package host

import (
	"image"
	"image/color"
	"sync"

	"github.com/ndsokol/periscope/internal/core"
)

// PatternSource renders a moving color gradient instead of grabbing a
// real display. Used on headless machines and in tests; it goes through
// the same encode path as ScreenSource so frames are interchangeable.
type PatternSource struct {
	width   int
	height  int
	quality int

	mu    sync.Mutex
	frame int
}

func NewPatternSource(width, height int) *PatternSource {
	if width <= 0 {
		width = 640
	}
	if height <= 0 {
		height = 480
	}
	return &PatternSource{width: width, height: height, quality: defaultQuality}
}

func (p *PatternSource) Capture() (core.Frame, error) {
	p.mu.Lock()
	n := p.frame
	p.frame++
	p.mu.Unlock()

	img := image.NewRGBA(image.Rect(0, 0, p.width, p.height))
	for y := 0; y < p.height; y++ {
		for x := 0; x < p.width; x++ {
			img.SetRGBA(x, y, color.RGBA{
				R: uint8((x + n) % 256),
				G: uint8((y + n) % 256),
				B: uint8((x + y) % 256),
				A: 255,
			})
		}
	}
	return encodeFrame(img, p.width, p.quality)
}

func (p *PatternSource) Close() error { return nil }
