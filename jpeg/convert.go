package jpeg

import (
	"github.com/gen2brain/okfile/alloc"
	"github.com/gen2brain/okfile/pixel"
)

// orient describes how an EXIF orientation maps stored pixels to display
// pixels. The transpose is applied first, then the flips.
type orient struct {
	transpose, flipX, flipY bool
}

var orientations = [9]orient{
	1: {},
	2: {flipX: true},
	3: {flipX: true, flipY: true},
	4: {flipY: true},
	5: {transpose: true},
	6: {transpose: true, flipX: true},
	7: {transpose: true, flipX: true, flipY: true},
	8: {transpose: true, flipY: true},
}

// orientedSize returns the image dimensions after applying the orientation.
func (d *decoder) orientedSize() (int, int) {
	if orientations[d.orientation].transpose {
		return d.height, d.width
	}

	return d.width, d.height
}

// output converts the component planes to packed 32-bit pixels, applying the
// orientation and the requested row order and channel order.
func (d *decoder) output() (*pixel.Image, error) {
	w, h := d.orientedSize()

	pix, stride, err := alloc.Image(d.opts.Allocator, w, h, pixel.BytesPerPixel)
	if err != nil {
		return nil, err
	}

	o := orientations[d.orientation]
	if d.opts.Flip {
		o.flipY = !o.flipY
	}

	// Destination offset of source pixel (sx, sy) is o0 + sx*stepX + sy*stepY.
	dx, dy := pixel.BytesPerPixel, stride
	if o.flipX {
		dx = -dx
	}

	if o.flipY {
		dy = -dy
	}

	o0 := 0
	if o.flipX {
		o0 += (w - 1) * pixel.BytesPerPixel
	}

	if o.flipY {
		o0 += (h - 1) * stride
	}

	stepX, stepY := dx, dy
	if o.transpose {
		stepX, stepY = dy, dx
	}

	ri, bi := 0, 2
	if d.opts.Format == pixel.BGRA {
		ri, bi = 2, 0
	}

	switch {
	case d.ncomp == 1:
		d.scatterGray(pix, o0, stepX, stepY)
	case d.isRGB:
		d.scatterRGB(pix, o0, stepX, stepY, ri, bi)
	default:
		d.scatterYCbCr(pix, o0, stepX, stepY, ri, bi)
	}

	return &pixel.Image{
		Width:         w,
		Height:        h,
		Stride:        stride,
		BytesPerPixel: pixel.BytesPerPixel,
		Format:        d.opts.Format,
		Premultiplied: d.opts.Premultiplied,
		Flipped:       d.opts.Flip,
		Pix:           pix,
	}, nil
}

func (d *decoder) scatterGray(pix []byte, o0, stepX, stepY int) {
	for sy := 0; sy < d.height; sy++ {
		src := d.comp[0].pixels[sy*d.stride:][:d.width]
		o := o0 + sy*stepY

		for _, v := range src {
			p := pix[o : o+4 : o+4]
			p[0] = v
			p[1] = v
			p[2] = v
			p[3] = 255
			o += stepX
		}
	}
}

func (d *decoder) scatterRGB(pix []byte, o0, stepX, stepY, ri, bi int) {
	for sy := 0; sy < d.height; sy++ {
		off := sy * d.stride
		rs := d.comp[0].pixels[off:][:d.width]
		gs := d.comp[1].pixels[off:][:d.width]
		bs := d.comp[2].pixels[off:][:d.width]
		o := o0 + sy*stepY

		for x := range rs {
			p := pix[o : o+4 : o+4]
			p[ri] = rs[x]
			p[1] = gs[x]
			p[bi] = bs[x]
			p[3] = 255
			o += stepX
		}
	}
}

// scatterYCbCr converts with the JFIF equations in 8-bit fixed point.
func (d *decoder) scatterYCbCr(pix []byte, o0, stepX, stepY, ri, bi int) {
	for sy := 0; sy < d.height; sy++ {
		off := sy * d.stride
		ys := d.comp[0].pixels[off:][:d.width]
		cbs := d.comp[1].pixels[off:][:d.width]
		crs := d.comp[2].pixels[off:][:d.width]
		o := o0 + sy*stepY

		for x := range ys {
			y := int32(ys[x]) << 8
			cb := int32(cbs[x]) - 128
			cr := int32(crs[x]) - 128

			p := pix[o : o+4 : o+4]
			p[ri] = clip((y + 359*cr + 128) >> 8)
			p[1] = clip((y - 88*cb - 183*cr + 128) >> 8)
			p[bi] = clip((y + 454*cb + 128) >> 8)
			p[3] = 255
			o += stepX
		}
	}
}
