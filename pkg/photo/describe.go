package photo

import (
	"bytes"
	"fmt"
	"image"
)

const (
	FormatJPEG    = "jpeg"
	FormatPNG     = "png"
	FormatUnknown = "unknown"
)

var (
	magicJPEG = []byte{0xFF, 0xD8}
	magicPNG  = []byte{0x89, 0x50, 0x4E, 0x47}
)

// Info summarizes an encoded photo without decoding its pixels.
type Info struct {
	Width  int
	Height int
	Format string
	Length int
}

func (i Info) String() string {
	return fmt.Sprintf("%s %dx%d, %d bytes", i.Format, i.Width, i.Height, i.Length)
}

// Describe sniffs the format from the magic bytes and reads the dimensions from the header.
// Dimensions stay zero when the header cannot be read.
func (c *Codec) Describe(b []byte) Info {
	info := Info{Format: sniff(b), Length: len(b)}
	if info.Format == FormatUnknown {
		return info
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(b))
	if err != nil {
		c.logger.Debug("photo header unreadable", "format", info.Format, "error", err)
		return info
	}

	info.Width, info.Height = cfg.Width, cfg.Height
	return info
}

func sniff(b []byte) string {
	switch {
	case bytes.HasPrefix(b, magicJPEG):
		return FormatJPEG
	case bytes.HasPrefix(b, magicPNG):
		return FormatPNG
	default:
		return FormatUnknown
	}
}
