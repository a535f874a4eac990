// Package pixel defines the decoded image representation shared by the image decoders,
// the decode options, and the per-pixel channel-order and alpha conversions.
package pixel

import (
	"image"

	"github.com/gen2brain/okfile/alloc"
	"github.com/rs/zerolog"
)

// BytesPerPixel is the fixed output pixel size. Every decoder produces packed 32-bit pixels.
const BytesPerPixel = 4

// Format defines the channel order of decoded pixels.
type Format int

const (
	// RGBA stores pixels as R, G, B, A.
	RGBA Format = iota
	// BGRA stores pixels as B, G, R, A.
	BGRA
)

// String implements fmt.Stringer.
func (f Format) String() string {
	if f == BGRA {
		return "BGRA"
	}

	return "RGBA"
}

// Options specifies decoding parameters.
type Options struct {
	// Format selects the output channel order.
	Format Format
	// Premultiplied requests color channels premultiplied by alpha.
	Premultiplied bool
	// Flip stores the image bottom-up.
	Flip bool
	// InfoOnly stops decoding once the dimensions and alpha presence are known.
	// No pixel buffer is allocated.
	InfoOnly bool
	// IgnoreOrientation disables applying the EXIF orientation tag (JPEG only).
	IgnoreOrientation bool
	// VerifyChecksums enables CRC-32 and Adler-32 verification (PNG only).
	VerifyChecksums bool
	// Allocator provides the pixel buffer. Nil means alloc.Default.
	Allocator alloc.Allocator
	// Logger receives debug events about skipped or ignored data. Nil disables logging.
	Logger *zerolog.Logger
}

var defaultOptions = Options{}

// OptionsOf returns the first non-nil option set, or the defaults.
func OptionsOf(opts []*Options) *Options {
	if len(opts) > 0 && opts[0] != nil {
		return opts[0]
	}

	return &defaultOptions
}

var nopLogger = zerolog.Nop()

// Log returns the configured logger or a disabled one.
func (o *Options) Log() *zerolog.Logger {
	if o == nil || o.Logger == nil {
		return &nopLogger
	}

	return o.Logger
}

// Image is a decoded image.
type Image struct {
	Width, Height int
	// Stride is the number of bytes between the starts of two consecutive rows.
	Stride int
	// BytesPerPixel is always 4.
	BytesPerPixel int
	// HasAlpha reports whether the source carried transparency.
	HasAlpha bool
	// Format is the channel order of Pix.
	Format Format
	// Premultiplied reports whether Pix holds premultiplied colors.
	Premultiplied bool
	// Flipped reports whether rows are stored bottom-up.
	Flipped bool
	// Pix is nil when decoding with Options.InfoOnly.
	Pix []byte
}

// Row returns the bytes of row y as stored in Pix.
func (m *Image) Row(y int) []byte {
	start := y * m.Stride

	return m.Pix[start : start+m.Width*BytesPerPixel]
}

// ToImage converts m to an image.Image with top-down rows.
// Straight-alpha data becomes *image.NRGBA and premultiplied data becomes *image.RGBA.
// RGBA, unflipped, packed data is shared rather than copied.
func (m *Image) ToImage() image.Image {
	rect := image.Rect(0, 0, m.Width, m.Height)
	if m.Pix == nil {
		return nil
	}

	pix := m.Pix
	stride := m.Stride

	if m.Format != RGBA || m.Flipped {
		stride = m.Width * BytesPerPixel
		pix = make([]byte, stride*m.Height)

		for y := 0; y < m.Height; y++ {
			srcY := y
			if m.Flipped {
				srcY = m.Height - 1 - y
			}

			dst := pix[y*stride : (y+1)*stride]
			copy(dst, m.Row(srcY))

			if m.Format == BGRA {
				ConvertRow(dst, m.Width, OpSwap)
			}
		}
	}

	if m.Premultiplied {
		return &image.RGBA{Pix: pix, Stride: stride, Rect: rect}
	}

	return &image.NRGBA{Pix: pix, Stride: stride, Rect: rect}
}
