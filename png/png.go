// Package png implements a streaming PNG decoder and a stored-block PNG writer.
//
// The decoder inflates IDAT payloads through a resumable inflater one scanline at a
// time, so no compressed or filtered copy of the whole image is ever held in memory.
// It understands Apple's CgBI variant (raw DEFLATE, BGRA, premultiplied alpha).
package png

import (
	"image"
	"image/color"
	"io"
	"sync"

	"github.com/gen2brain/okfile/okerr"
	"github.com/gen2brain/okfile/pixel"
	"github.com/gen2brain/okfile/source"
)

// Color types.
const (
	ColorGray      = 0
	ColorTrue      = 2
	ColorPalette   = 3
	ColorGrayAlpha = 4
	ColorTrueAlpha = 6
)

const signature = "\x89PNG\r\n\x1a\n"

// maxChunkLength is the largest chunk length PNG permits.
const maxChunkLength = 1<<31 - 1

// decoderPool is a pool of decoder structs to reduce allocation overhead.
var decoderPool = sync.Pool{
	New: func() interface{} {
		return newDecoder()
	},
}

// Decode reads a PNG image from r.
// It accepts an optional Options struct to control the output layout. On failure
// the returned image is nil; partial images are never returned.
func Decode(r io.Reader, opts ...*pixel.Options) (*pixel.Image, error) {
	if r == nil {
		return nil, okerr.Errorf(okerr.ErrAPI, "png: nil reader")
	}

	return DecodeSource(source.FromReader(r), opts...)
}

// DecodeSource is like Decode but reads from a Source, for example one built from
// caller callbacks with source.Funcs.
func DecodeSource(src source.Source, opts ...*pixel.Options) (*pixel.Image, error) {
	d := decoderPool.Get().(*decoder)
	defer func() {
		d.reset()
		decoderPool.Put(d)
	}()

	return d.decode(src, pixel.OptionsOf(opts))
}

// DecodeConfig returns the color model and dimensions of a PNG image without
// decompressing any image data.
func DecodeConfig(r io.Reader) (image.Config, error) {
	m, err := Decode(r, &pixel.Options{InfoOnly: true})
	if err != nil {
		return image.Config{}, err
	}

	return image.Config{
		ColorModel: color.NRGBAModel,
		Width:      m.Width,
		Height:     m.Height,
	}, nil
}

// init registers the format with the standard library's image package.
func init() {
	decodeWrapper := func(r io.Reader) (image.Image, error) {
		m, err := Decode(r)
		if err != nil {
			return nil, err
		}

		return m.ToImage(), nil
	}

	image.RegisterFormat("png", signature, decodeWrapper, DecodeConfig)
}

// channels returns the number of samples per pixel for a color type.
func channels(colorType int) int {
	switch colorType {
	case ColorTrue:
		return 3
	case ColorGrayAlpha:
		return 2
	case ColorTrueAlpha:
		return 4
	default:
		return 1
	}
}

// validDepth reports whether depth is allowed for colorType.
func validDepth(colorType, depth int) bool {
	switch colorType {
	case ColorGray:
		return depth == 1 || depth == 2 || depth == 4 || depth == 8 || depth == 16
	case ColorTrue, ColorGrayAlpha, ColorTrueAlpha:
		return depth == 8 || depth == 16
	case ColorPalette:
		return depth == 1 || depth == 2 || depth == 4 || depth == 8
	default:
		return false
	}
}
