// Package jpeg implements a baseline and progressive JPEG decoder.
//
// Subsampled chroma is upsampled inside the inverse DCT, so each component is
// reconstructed directly at full resolution. The EXIF orientation is applied
// unless disabled, and the output is always 32-bit RGBA or BGRA.
package jpeg

import (
	"image"
	"image/color"
	"io"
	"sync"

	"github.com/gen2brain/okfile/okerr"
	"github.com/gen2brain/okfile/pixel"
	"github.com/gen2brain/okfile/source"
)

// decoderPool is a pool of decoder structs to reduce allocation overhead.
var decoderPool = sync.Pool{
	New: func() interface{} {
		return newDecoder()
	},
}

// Decode reads a JPEG image from r.
// It accepts an optional Options struct to control the output layout. With
// Options.InfoOnly only the headers up to the frame header are read and the
// returned image has no pixels.
func Decode(r io.Reader, opts ...*pixel.Options) (*pixel.Image, error) {
	if r == nil {
		return nil, okerr.Errorf(okerr.ErrAPI, "jpeg: nil reader")
	}

	return DecodeSource(source.FromReader(r), opts...)
}

// DecodeSource is like Decode but reads from a Source.
func DecodeSource(src source.Source, opts ...*pixel.Options) (*pixel.Image, error) {
	if src == nil {
		return nil, okerr.Errorf(okerr.ErrAPI, "jpeg: nil source")
	}

	d := decoderPool.Get().(*decoder)
	defer func() {
		d.reset()
		decoderPool.Put(d)
	}()

	return d.decode(src, pixel.OptionsOf(opts))
}

// DecodeConfig returns the color model and the oriented dimensions of a JPEG
// image without decoding the image data.
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

	image.RegisterFormat("jpeg", "\xff\xd8", decodeWrapper, DecodeConfig)
}
