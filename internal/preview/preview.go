// Package preview renders raw host frames into small JPEG data URLs.
package preview

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/jpeg"

	"stream_relay/internal/domain"

	"github.com/nfnt/resize"
	"github.com/pkg/errors"
)

var ErrEmptyFrame = errors.New("empty frame")

const dataURLPrefix = "data:image/jpeg;base64,"

// Renderer downscales frames to Width (keeping the aspect ratio) and encodes
// them as JPEG. Frames narrower than Width are not upscaled.
type Renderer struct {
	Width   uint
	Quality int
}

// Render returns the frame as a data URL.
func (r Renderer) Render(frame domain.RawFrame) (string, error) {
	if frame.Empty() {
		return "", ErrEmptyFrame
	}
	if len(frame.Data) < frame.Width*frame.Height*4 {
		return "", errors.Errorf("frame data too short for %dx%d", frame.Width, frame.Height)
	}

	var img image.Image = &image.RGBA{
		Pix:    frame.Data,
		Stride: frame.Width * 4,
		Rect:   image.Rect(0, 0, frame.Width, frame.Height),
	}
	if r.Width > 0 && uint(frame.Width) > r.Width {
		img = resize.Resize(r.Width, 0, img, resize.Bilinear)
	}

	quality := r.Quality
	if quality <= 0 || quality > 100 {
		quality = jpeg.DefaultQuality
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return "", errors.Wrap(err, "encode jpeg")
	}
	return dataURLPrefix + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
