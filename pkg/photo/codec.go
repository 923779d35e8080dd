// Package photo fits a photograph into the few kilobytes the wallet card can store.
//
// Compression is a fixed search, so the same input always yields the same bytes:
//
//  1. flatten onto an opaque white canvas (no alpha survives JPEG)
//  2. reduce so the longest side is at most MaxDimension
//  3. try JPEG qualities 90, 80, 70, 60, 50 on those pixels
//  4. try scale factors 0.9 down to 0.1 of step 2, each at quality 70 then 50
//
// The first candidate within budget wins.
package photo

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	_ "image/png" // Decompress accepts PNG as well
	"log/slog"

	"golang.org/x/image/draw"
)

const (
	// DefaultBudget is the photo capacity of the wallet applet, in bytes.
	DefaultBudget = 15360

	// DefaultMaxDimension is the longest side kept before the quality search.
	DefaultMaxDimension = 800
)

var (
	ErrCannotFitBudget = errors.New("image cannot be compressed within budget")
	ErrInvalidBudget   = errors.New("budget must be positive")
	ErrNilImage        = errors.New("nil image")
)

var (
	qualities      = []int{90, 80, 70, 60, 50}
	scaleFactors   = []int{9, 8, 7, 6, 5, 4, 3, 2, 1} // tenths
	scaleQualities = []int{70, 50}
)

// Codec compresses and inspects photos. The zero value is not usable, see NewCodec.
type Codec struct {
	logger *slog.Logger
	maxDim int
}

func NewCodec(opts ...Option) *Codec {
	o := NewOptions(opts...)
	return &Codec{logger: o.Logger, maxDim: o.MaxDimension}
}

var defaultCodec = NewCodec()

// CompressToBudget encodes src with the default codec.
func CompressToBudget(src image.Image, maxBytes int) ([]byte, error) {
	return defaultCodec.CompressToBudget(src, maxBytes)
}

// Decompress decodes b with the default codec.
func Decompress(b []byte) image.Image {
	return defaultCodec.Decompress(b)
}

// Describe inspects b with the default codec.
func Describe(b []byte) Info {
	return defaultCodec.Describe(b)
}

// CompressToBudget returns a JPEG of at most maxBytes bytes.
func (c *Codec) CompressToBudget(src image.Image, maxBytes int) ([]byte, error) {
	if src == nil {
		return nil, ErrNilImage
	}
	if maxBytes <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidBudget, maxBytes)
	}

	base := c.prescale(flatten(src))
	bw, bh := base.Bounds().Dx(), base.Bounds().Dy()

	for _, q := range qualities {
		out, err := encode(base, q)
		if err != nil {
			return nil, err
		}
		if len(out) <= maxBytes {
			c.logger.Debug("photo compressed", "width", bw, "height", bh, "quality", q, "bytes", len(out))
			return out, nil
		}
	}

	for _, f := range scaleFactors {
		w, h := max(1, bw*f/10), max(1, bh*f/10)
		scaled := resize(base, w, h)

		for _, q := range scaleQualities {
			out, err := encode(scaled, q)
			if err != nil {
				return nil, err
			}
			if len(out) <= maxBytes {
				c.logger.Debug("photo compressed", "width", w, "height", h, "quality", q, "bytes", len(out))
				return out, nil
			}
		}
	}

	return nil, fmt.Errorf("%w: %d bytes", ErrCannotFitBudget, maxBytes)
}

// Decompress decodes a JPEG or PNG. Unreadable input yields nil; the cause is logged.
func (c *Codec) Decompress(b []byte) image.Image {
	if len(b) == 0 {
		c.logger.Debug("photo decode skipped: empty buffer")
		return nil
	}

	img, format, err := image.Decode(bytes.NewReader(b))
	if err != nil {
		c.logger.Warn("photo decode failed", "bytes", len(b), "error", err)
		return nil
	}

	c.logger.Debug("photo decoded", "format", format, "width", img.Bounds().Dx(), "height", img.Bounds().Dy())
	return img
}

// prescale shrinks img so its longest side is at most maxDim. Smaller images are kept as is.
func (c *Codec) prescale(img *image.RGBA) *image.RGBA {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	longest := max(w, h)
	if longest <= c.maxDim {
		return img
	}

	nw := max(1, w*c.maxDim/longest)
	nh := max(1, h*c.maxDim/longest)
	return resize(img, nw, nh)
}

// flatten draws src over opaque white into a zero-origin RGBA canvas.
func flatten(src image.Image) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Over)
	return dst
}

func resize(src *image.RGBA, w, h int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst
}

func encode(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("jpeg encode at quality %d: %w", quality, err)
	}
	return buf.Bytes(), nil
}
