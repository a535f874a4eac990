package jpeg

import (
	"math"
)

// Inverse Discrete Cosine Transform

// Constants for the fast IDCT algorithm (scaled by 2^11).
const (
	w1 = 2841 // 2048*sqrt(2)*cos(1*pi/16)
	w2 = 2676 // 2048*sqrt(2)*cos(2*pi/16)
	w3 = 2408 // 2048*sqrt(2)*cos(3*pi/16)
	w5 = 1609 // 2048*sqrt(2)*cos(5*pi/16)
	w6 = 1108 // 2048*sqrt(2)*cos(6*pi/16)
	w7 = 565  // 2048*sqrt(2)*cos(7*pi/16)
)

// clip clamps an int32 value to the valid 8-bit pixel range [0, 255].
func clip(x int32) byte {
	if x < 0 {
		return 0
	}

	if x > 255 {
		return 255
	}

	return byte(x)
}

// idct performs a full 8x8 2D IDCT on a dequantized block and writes the
// level-shifted samples to out.
func idct(blk *[64]int32, out []byte, outOffset int, stride int) {
	for i := 0; i < 64; i += 8 {
		rowIdct(blk, i)
	}

	for i := 0; i < 8; i++ {
		colIdct(blk, i, out, outOffset+i, stride)
	}
}

// rowIdct performs a 1D IDCT on a single 8-element row.
func rowIdct(blk *[64]int32, offset int) {
	b := blk[offset : offset+8]

	// Explicitly assert the length of the slice to eliminate bounds checks.
	_ = b[7]

	var x0, x1, x2, x3, x4, x5, x6, x7, x8 int32

	x1 = b[4] << 11
	x2 = b[6]
	x3 = b[2]
	x4 = b[1]
	x5 = b[7]
	x6 = b[5]
	x7 = b[3]

	if (x1 | x2 | x3 | x4 | x5 | x6 | x7) == 0 {
		val := b[0] << 3
		b[0] = val
		b[1] = val
		b[2] = val
		b[3] = val
		b[4] = val
		b[5] = val
		b[6] = val
		b[7] = val

		return
	}

	x0 = (b[0] << 11) + 128

	// Stage 1
	x8 = w7 * (x4 + x5)
	x4 = x8 + (w1-w7)*x4
	x5 = x8 - (w1+w7)*x5
	x8 = w3 * (x6 + x7)
	x6 = x8 - (w3-w5)*x6
	x7 = x8 - (w3+w5)*x7

	// Stage 2
	x8 = x0 + x1
	x0 -= x1
	x1 = w6 * (x3 + x2)
	x2 = x1 - (w2+w6)*x2
	x3 = x1 + (w2-w6)*x3

	// Stage 3
	x1 = x4 + x6
	x4 -= x6
	x6 = x5 + x7
	x5 -= x7

	// Stage 4
	x7 = x8 + x3
	x8 -= x3
	x3 = x0 + x2
	x0 -= x2

	// Rotation stage
	x2 = (181*(x4+x5) + 128) >> 8
	x4 = (181*(x4-x5) + 128) >> 8

	b[0] = (x7 + x1) >> 8
	b[1] = (x3 + x2) >> 8
	b[2] = (x0 + x4) >> 8
	b[3] = (x8 + x6) >> 8
	b[4] = (x8 - x6) >> 8
	b[5] = (x0 - x4) >> 8
	b[6] = (x3 - x2) >> 8
	b[7] = (x7 - x1) >> 8
}

// colIdct performs a 1D IDCT on a single 8-element column and stores the
// clipped results.
func colIdct(blk *[64]int32, offset int, out []byte, outOffset int, stride int) {
	out = out[outOffset:]

	// Hint BCE. We access up to index 7*stride.
	_ = out[7*stride]

	var x0, x1, x2, x3, x4, x5, x6, x7, x8 int32

	x1 = blk[offset+8*4] << 8
	x2 = blk[offset+8*6]
	x3 = blk[offset+8*2]
	x4 = blk[offset+8*1]
	x5 = blk[offset+8*7]
	x6 = blk[offset+8*5]
	x7 = blk[offset+8*3]

	if (x1 | x2 | x3 | x4 | x5 | x6 | x7) == 0 {
		b := clip(((blk[offset] + 32) >> 6) + 128)
		for i := 0; i < 8; i++ {
			out[i*stride] = b
		}

		return
	}

	x0 = (blk[offset] << 8) + 8192

	// Stage 1
	x8 = w7*(x4+x5) + 4
	x4 = (x8 + (w1-w7)*x4) >> 3
	x5 = (x8 - (w1+w7)*x5) >> 3
	x8 = w3*(x6+x7) + 4
	x6 = (x8 - (w3-w5)*x6) >> 3
	x7 = (x8 - (w3+w5)*x7) >> 3

	// Stage 2
	x8 = x0 + x1
	x0 -= x1
	x1 = w6*(x3+x2) + 4
	x2 = (x1 - (w2+w6)*x2) >> 3
	x3 = (x1 + (w2-w6)*x3) >> 3

	// Stage 3
	x1 = x4 + x6
	x4 -= x6
	x6 = x5 + x7
	x5 -= x7

	// Stage 4
	x7 = x8 + x3
	x8 -= x3
	x3 = x0 + x2
	x0 -= x2

	// Rotation stage
	x2 = (181*(x4+x5) + 128) >> 8
	x4 = (181*(x4-x5) + 128) >> 8

	out[0] = clip(((x7 + x1) >> 14) + 128)
	out[stride] = clip(((x3 + x2) >> 14) + 128)
	out[2*stride] = clip(((x0 + x4) >> 14) + 128)
	out[3*stride] = clip(((x8 + x6) >> 14) + 128)
	out[4*stride] = clip(((x8 - x6) >> 14) + 128)
	out[5*stride] = clip(((x0 - x4) >> 14) + 128)
	out[6*stride] = clip(((x3 - x2) >> 14) + 128)
	out[7*stride] = clip(((x7 - x1) >> 14) + 128)
}

// idctTable holds the cosine basis of a 1D IDCT that evaluates 8 coefficients
// at n output positions, scaled by 2^12. With n = 16 it reconstructs the block
// directly at twice the resolution, which upsamples a subsampled component.
type idctTable struct {
	n int
	c [16][8]int32
}

// idctTables is indexed by the upsampling factor.
var idctTables [3]*idctTable

func init() {
	idctTables[1] = newIdctTable(8)
	idctTables[2] = newIdctTable(16)
}

func newIdctTable(n int) *idctTable {
	t := &idctTable{n: n}

	for j := 0; j < n; j++ {
		for u := 0; u < 8; u++ {
			cu := 1.0
			if u == 0 {
				cu = 1 / math.Sqrt2
			}

			v := 4096 * cu / 2 * math.Cos(float64(2*j+1)*float64(u)*math.Pi/float64(2*n))
			t.c[j][u] = int32(math.Round(v))
		}
	}

	return t
}

// idctUpsample performs a 2D IDCT of blk and writes tx.n by ty.n samples to out.
func idctUpsample(blk *[64]int32, out []byte, outOffset, stride int, tx, ty *idctTable) {
	ac := int32(0)
	for k := 1; k < 64; k++ {
		ac |= blk[k]
	}

	if ac == 0 {
		b := clip(((blk[0] + 4) >> 3) + 128)
		for y := 0; y < ty.n; y++ {
			row := out[outOffset+y*stride:][:tx.n]
			for x := range row {
				row[x] = b
			}
		}

		return
	}

	var tmp [8 * 16]int32

	// Rows, scaled by 2^2.
	for v := 0; v < 8; v++ {
		b := blk[v*8 : v*8+8]
		for x := 0; x < tx.n; x++ {
			c := &tx.c[x]
			s := c[0]*b[0] + c[1]*b[1] + c[2]*b[2] + c[3]*b[3] +
				c[4]*b[4] + c[5]*b[5] + c[6]*b[6] + c[7]*b[7]
			tmp[v*16+x] = (s + 1<<9) >> 10
		}
	}

	// Columns.
	for y := 0; y < ty.n; y++ {
		c := &ty.c[y]
		row := out[outOffset+y*stride:][:tx.n]

		for x := range row {
			s := c[0]*tmp[x] + c[1]*tmp[16+x] + c[2]*tmp[32+x] + c[3]*tmp[48+x] +
				c[4]*tmp[64+x] + c[5]*tmp[80+x] + c[6]*tmp[96+x] + c[7]*tmp[112+x]
			row[x] = clip(((s + 1<<13) >> 14) + 128)
		}
	}
}
