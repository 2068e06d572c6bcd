package stream

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"

	xdraw "golang.org/x/image/draw"
)

// ErrNotJPEG is returned when encoder output lacks the JPEG start-of-image marker.
var ErrNotJPEG = errors.New("encoded frame is not a JPEG")

// IsJPEG reports whether b starts with the SOI marker FF D8.
func IsJPEG(b []byte) bool {
	return len(b) >= 2 && b[0] == 0xFF && b[1] == 0xD8
}

// Encoder scales captured images to the stream resolution and encodes them as JPEG.
// Not safe for concurrent use.
type Encoder struct {
	dst *image.RGBA
	buf bytes.Buffer
}

// NewEncoder targets width×height output.
func NewEncoder(width, height int) *Encoder {
	return &Encoder{dst: image.NewRGBA(image.Rect(0, 0, width, height))}
}

// Size returns the output resolution.
func (e *Encoder) Size() (int, int) {
	b := e.dst.Bounds()
	return b.Dx(), b.Dy()
}

// Encode scales src (center-cropped to the output aspect ratio) and returns a
// freshly allocated JPEG at the given quality.
func (e *Encoder) Encode(src image.Image, quality int) ([]byte, error) {
	if src == nil {
		return nil, errors.New("nil image")
	}
	sb := src.Bounds()
	if sb.Empty() {
		return nil, errors.New("empty image")
	}

	db := e.dst.Bounds()
	if sb.Dx() == db.Dx() && sb.Dy() == db.Dy() {
		draw.Draw(e.dst, db, src, sb.Min, draw.Src)
	} else {
		xdraw.ApproxBiLinear.Scale(e.dst, db, src, cropToAspect(sb, db.Dx(), db.Dy()), xdraw.Src, nil)
	}

	e.buf.Reset()
	quality = min(max(quality, 1), 100)
	if err := jpeg.Encode(&e.buf, e.dst, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("jpeg encode: %w", err)
	}

	out := bytes.Clone(e.buf.Bytes())
	if !IsJPEG(out) {
		return nil, ErrNotJPEG
	}
	return out, nil
}

// cropToAspect returns the largest centered rectangle within r with aspect w:h.
func cropToAspect(r image.Rectangle, w, h int) image.Rectangle {
	sw, sh := r.Dx(), r.Dy()
	if sw*h > sh*w {
		cw := sh * w / h
		x0 := r.Min.X + (sw-cw)/2
		return image.Rect(x0, r.Min.Y, x0+cw, r.Max.Y)
	}
	ch := sw * h / w
	y0 := r.Min.Y + (sh-ch)/2
	return image.Rect(r.Min.X, y0, r.Max.X, y0+ch)
}
