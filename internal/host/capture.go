// Package host implements the share-side agent: screen capture, frame
// encoding and the registration/streaming loop against the broker.
package host

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"

	"github.com/kbinani/screenshot"
	"github.com/nfnt/resize"

	"github.com/ndsokol/periscope/internal/core"
)

const (
	defaultMaxWidth = 1280
	defaultQuality  = 70
)

// ScreenSource captures one physical display and encodes each grab as a
// base64 JPEG data URL, downscaled to a width cap to keep frames small
// enough for the relay path.
type ScreenSource struct {
	display  int
	maxWidth int
	quality  int
}

func NewScreenSource(display, maxWidth, quality int) (*ScreenSource, error) {
	if n := screenshot.NumActiveDisplays(); display < 0 || display >= n {
		return nil, fmt.Errorf("display %d out of range, %d available", display, n)
	}
	if maxWidth <= 0 {
		maxWidth = defaultMaxWidth
	}
	if quality <= 0 || quality > 100 {
		quality = defaultQuality
	}
	return &ScreenSource{display: display, maxWidth: maxWidth, quality: quality}, nil
}

func (s *ScreenSource) Capture() (core.Frame, error) {
	bounds := screenshot.GetDisplayBounds(s.display)
	img, err := screenshot.CaptureRect(bounds)
	if err != nil {
		return nil, err
	}
	return encodeFrame(img, s.maxWidth, s.quality)
}

func (s *ScreenSource) Close() error { return nil }

func encodeFrame(img image.Image, maxWidth, quality int) (core.Frame, error) {
	if img.Bounds().Dx() > maxWidth {
		img = resize.Resize(uint(maxWidth), 0, img, resize.Bilinear)
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	encoded := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())
	return core.Frame(encoded), nil
}
