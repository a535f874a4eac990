package png

import (
	"github.com/gen2brain/okfile/pixel"
)

// scale16 reduces a 16-bit sample to 8 bits with rounding.
func scale16(v uint16) uint8 {
	return uint8((uint32(v)*255 + 32895) >> 16)
}

// sample returns the i-th sub-byte sample of a packed row.
func sample(src []byte, i, depth int) uint16 {
	bit := i * depth
	shift := 8 - depth - bit%8

	return uint16(src[bit/8]>>shift) & (1<<depth - 1)
}

// transform expands n defiltered pixels from src into 4-byte pixels in dst, then
// reconciles channel order and alpha representation.
func (d *decoder) transform(src []byte, n int, dst []byte) {
	switch d.colorType {
	case ColorGray:
		d.transformGray(src, n, dst)
	case ColorTrue:
		d.transformTrue(src, n, dst)
	case ColorPalette:
		for i := 0; i < n; i++ {
			var idx uint16
			if d.depth == 8 {
				idx = uint16(src[i])
			} else {
				idx = sample(src, i, d.depth)
			}

			copy(dst[4*i:4*i+4], d.palette[idx][:])
		}
	case ColorGrayAlpha:
		if d.depth == 16 {
			for i := 0; i < n; i++ {
				g := scale16(uint16(src[4*i])<<8 | uint16(src[4*i+1]))
				a := scale16(uint16(src[4*i+2])<<8 | uint16(src[4*i+3]))
				dst[4*i], dst[4*i+1], dst[4*i+2], dst[4*i+3] = g, g, g, a
			}
		} else {
			for i := 0; i < n; i++ {
				g, a := src[2*i], src[2*i+1]
				dst[4*i], dst[4*i+1], dst[4*i+2], dst[4*i+3] = g, g, g, a
			}
		}
	case ColorTrueAlpha:
		if d.depth == 16 {
			for i := 0; i < 4*n; i++ {
				dst[i] = scale16(uint16(src[2*i])<<8 | uint16(src[2*i+1]))
			}
		} else {
			copy(dst[:4*n], src)
		}
	}

	pixel.ConvertRow(dst, n, d.op)
}

func (d *decoder) transformGray(src []byte, n int, dst []byte) {
	for i := 0; i < n; i++ {
		var v uint16
		var g uint8

		switch d.depth {
		case 16:
			v = uint16(src[2*i])<<8 | uint16(src[2*i+1])
			g = scale16(v)
		case 8:
			v = uint16(src[i])
			g = src[i]
		default:
			v = sample(src, i, d.depth)
			g = uint8(v * (255 / (1<<d.depth - 1)))
		}

		a := uint8(0xff)
		if d.hasKey && v == d.key[0] {
			a = 0
		}

		dst[4*i], dst[4*i+1], dst[4*i+2], dst[4*i+3] = g, g, g, a
	}
}

func (d *decoder) transformTrue(src []byte, n int, dst []byte) {
	for i := 0; i < n; i++ {
		var r, g, b uint16
		o := dst[4*i : 4*i+4]

		if d.depth == 16 {
			s := src[6*i : 6*i+6]
			r = uint16(s[0])<<8 | uint16(s[1])
			g = uint16(s[2])<<8 | uint16(s[3])
			b = uint16(s[4])<<8 | uint16(s[5])
			o[0], o[1], o[2] = scale16(r), scale16(g), scale16(b)
		} else {
			s := src[3*i : 3*i+3]
			r, g, b = uint16(s[0]), uint16(s[1]), uint16(s[2])
			o[0], o[1], o[2] = s[0], s[1], s[2]
		}

		o[3] = 0xff
		if d.hasKey && r == d.key[0] && g == d.key[1] && b == d.key[2] {
			o[3] = 0
		}
	}
}
