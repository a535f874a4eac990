package jpeg

import (
	"github.com/gen2brain/okfile/okerr"
	"github.com/gen2brain/okfile/pixel"
)

// decodeScan decodes one scan: the SOS header in seg, then the entropy-coded
// data that follows it. Handles panics from the hot path.
func (d *decoder) decodeScan(seg []byte) (err error) {
	// Setup recovery for panics in the hot path (decodeHuffman, decodeBlock).
	defer func() {
		if r := recover(); r != nil {
			if de, ok := r.(errDecode); ok {
				err = de.error
			} else {
				// Propagate other panics (e.g., runtime errors like index out of bounds)
				panic(r)
			}
		}
	}()

	if !d.seenSOF {
		return okerr.Errorf(okerr.ErrInvalid, "jpeg: scan before frame header")
	}

	if err := d.decodeSOS(seg); err != nil {
		return err
	}

	d.resetBits()
	d.warned = false
	d.nextRst = 0

	// Reset EOB run at the start of each scan, as required by the standard (Annex G.2.3).
	d.eobRun = 0

	for _, c := range d.scanComp {
		c.dcPred = 0
	}

	d.scans++

	if !d.progressive {
		if len(d.scanComp) == d.ncomp && !d.anyStored() {
			d.scanBlocks(d.decodeBaseline)

			return nil
		}

		// Non-interleaved sequential scans are kept as coefficients until EOI.
		for _, c := range d.scanComp {
			if err := d.store(c); err != nil {
				return err
			}
		}

		d.scanBlocks(d.decodeSequential)

		return nil
	}

	switch {
	case d.ss == 0 && d.ah == 0:
		d.scanBlocks(d.decodeDCFirst)
	case d.ss == 0:
		d.scanBlocks(d.decodeDCRefine)
	case d.ah == 0:
		d.scanBlocks(d.decodeACFirst)
	default:
		d.scanBlocks(d.decodeACRefine)
	}

	return nil
}

// anyStored reports whether a component already keeps its coefficients.
func (d *decoder) anyStored() bool {
	for i := 0; i < d.ncomp; i++ {
		if d.comp[i].stored {
			return true
		}
	}

	return false
}

// decodeSOS parses the scan header and validates it against the frame.
func (d *decoder) decodeSOS(seg []byte) error {
	if len(seg) < 1 {
		return okerr.Errorf(okerr.ErrInvalid, "jpeg: short scan header")
	}

	n := int(seg[0])
	if n < 1 || n > d.ncomp || len(seg) != 4+2*n {
		return okerr.Errorf(okerr.ErrInvalid, "jpeg: bad scan header length")
	}

	d.scanComp = d.scanComp[:0]
	blocks := 0

	for i := 0; i < n; i++ {
		id := int(seg[1+2*i])
		sel := seg[2+2*i]

		var c *component
		for j := 0; j < d.ncomp; j++ {
			if d.comp[j].id == id {
				c = &d.comp[j]
			}
		}

		if c == nil {
			return okerr.Errorf(okerr.ErrInvalid, "jpeg: unknown component selector %d", id)
		}

		for _, prev := range d.scanComp {
			if prev == c {
				return okerr.Errorf(okerr.ErrInvalid, "jpeg: repeated component selector %d", id)
			}
		}

		c.dcTabSel = int(sel >> 4)
		c.acTabSel = int(sel & 15)
		if c.dcTabSel > 3 || c.acTabSel > 3 {
			return okerr.Errorf(okerr.ErrInvalid, "jpeg: bad Huffman table selector")
		}

		blocks += c.ssX * c.ssY
		d.scanComp = append(d.scanComp, c)
	}

	if n > 1 && blocks > 10 {
		return okerr.Errorf(okerr.ErrInvalid, "jpeg: too many blocks per MCU")
	}

	p := seg[1+2*n:]
	d.ss, d.se = int(p[0]), int(p[1])
	d.ah, d.al = int(p[2]>>4), int(p[2]&15)

	if !d.progressive {
		// Spectral selection and successive approximation are fixed for sequential scans.
		d.ss, d.se, d.ah, d.al = 0, 63, 0, 0
	} else {
		if d.ss > d.se || d.se > 63 || (d.ss == 0 && d.se != 0) {
			return okerr.Errorf(okerr.ErrInvalid, "jpeg: bad spectral selection %d-%d", d.ss, d.se)
		}

		if d.ss != 0 && n != 1 {
			return okerr.Errorf(okerr.ErrInvalid, "jpeg: progressive AC scan with %d components", n)
		}

		if d.al > 13 || (d.ah != 0 && d.ah != d.al+1) {
			return okerr.Errorf(okerr.ErrInvalid, "jpeg: bad successive approximation %d/%d", d.ah, d.al)
		}
	}

	// Check that every table the scan needs has been defined.
	needDC := d.ss == 0 && d.ah == 0
	needAC := d.se > 0 && (d.ss > 0 || !d.progressive)

	for _, c := range d.scanComp {
		if needDC && !d.huff[0][c.dcTabSel].defined {
			return okerr.Errorf(okerr.ErrInvalid, "jpeg: undefined DC Huffman table %d", c.dcTabSel)
		}

		if needAC && !d.huff[1][c.acTabSel].defined {
			return okerr.Errorf(okerr.ErrInvalid, "jpeg: undefined AC Huffman table %d", c.acTabSel)
		}

		if !d.progressive && d.qtAvail&(1<<c.qtSel) == 0 {
			return okerr.Errorf(okerr.ErrInvalid, "jpeg: undefined quantization table %d", c.qtSel)
		}
	}

	return nil
}

// scanBlocks visits the blocks of the current scan in coding order and calls fn
// for each. Interleaved scans visit MCU by MCU; a scan with a single component
// visits only the blocks inside that component, row by row.
func (d *decoder) scanBlocks(fn func(c *component, bx, by int)) {
	rstCount := d.rstInterval

	if len(d.scanComp) == 1 {
		c := d.scanComp[0]
		total := c.bw * c.bh

		for by := 0; by < c.bh; by++ {
			for bx := 0; bx < c.bw; bx++ {
				fn(c, bx, by)

				if d.rstInterval != 0 {
					rstCount--
					if rstCount == 0 && by*c.bw+bx+1 < total {
						d.restart()
						rstCount = d.rstInterval
					}
				}
			}
		}

		return
	}

	total := d.mbWidth * d.mbHeight

	for mby := 0; mby < d.mbHeight; mby++ {
		for mbx := 0; mbx < d.mbWidth; mbx++ {
			for _, c := range d.scanComp {
				for sby := 0; sby < c.ssY; sby++ {
					for sbx := 0; sbx < c.ssX; sbx++ {
						fn(c, mbx*c.ssX+sbx, mby*c.ssY+sby)
					}
				}
			}

			// Handle restart markers.
			if d.rstInterval != 0 {
				rstCount--
				if rstCount == 0 && mby*d.mbWidth+mbx+1 < total {
					d.restart()
					rstCount = d.rstInterval
				}
			}
		}
	}
}

// decodeBlock entropy-decodes a sequential block into blk in natural order,
// without dequantization.
func (d *decoder) decodeBlock(c *component, blk []int32) {
	dc := d.huff[0][c.dcTabSel]
	ac := d.huff[1][c.acTabSel]

	// Decode DC coefficient.
	s := int(d.decodeHuffman(dc))
	if s > 15 {
		d.panic(okerr.Errorf(okerr.ErrInvalid, "jpeg: bad DC magnitude category %d", s))
	}

	c.dcPred += d.receiveExtend(s)
	blk[0] = int32(c.dcPred)

	// Decode AC coefficients.
	for k := 1; k < 64; {
		rs := d.decodeHuffman(ac)
		r, s := int(rs>>4), int(rs&15)

		if s == 0 {
			if r != 15 { // EOB (End of Block)
				break
			}

			k += 16 // ZRL (Zero Run Length)

			continue
		}

		k += r // Skip zero coefficients.
		if k > 63 {
			d.panic(okerr.Errorf(okerr.ErrInvalid, "jpeg: coefficient index out of range"))
		}

		blk[zz[k]] = int32(d.receiveExtend(s))
		k++
	}
}

// decodeBaseline decodes a block of an interleaved sequential scan and writes
// its pixels straight into the component plane.
func (d *decoder) decodeBaseline(c *component, bx, by int) {
	d.block = [64]int32{}
	d.decodeBlock(c, d.block[:])
	d.reconstruct(c, &d.block, bx, by)
}

// decodeSequential decodes a block of a non-interleaved sequential scan into
// coefficient storage.
func (d *decoder) decodeSequential(c *component, bx, by int) {
	blk := c.coeffs[(by*c.nBlocksX+bx)*64:][:64]
	clear(blk)
	d.decodeBlock(c, blk)
}

// decodeDCFirst decodes the first DC scan of a progressive image (section G.1.2.1).
func (d *decoder) decodeDCFirst(c *component, bx, by int) {
	s := int(d.decodeHuffman(d.huff[0][c.dcTabSel]))
	if s > 15 {
		d.panic(okerr.Errorf(okerr.ErrInvalid, "jpeg: bad DC magnitude category %d", s))
	}

	c.dcPred += d.receiveExtend(s)
	c.coeffs[(by*c.nBlocksX+bx)*64] = int32(c.dcPred) << d.al
}

// decodeDCRefine adds one bit of DC precision.
func (d *decoder) decodeDCRefine(c *component, bx, by int) {
	if d.getBit() {
		c.coeffs[(by*c.nBlocksX+bx)*64] |= 1 << d.al
	}
}

// decodeACFirst decodes the first pass over a band of AC coefficients (section G.1.2.2).
func (d *decoder) decodeACFirst(c *component, bx, by int) {
	if d.eobRun > 0 {
		d.eobRun--

		return
	}

	coefs := c.coeffs[(by*c.nBlocksX+bx)*64:][:64]
	ac := d.huff[1][c.acTabSel]

	for k := d.ss; k <= d.se; {
		rs := d.decodeHuffman(ac)
		r, s := int(rs>>4), int(rs&15)

		if s == 0 {
			if r == 15 { // ZRL
				k += 16

				continue
			}

			// EOBn: this block and the next 2^r + bits - 1 blocks end here.
			d.eobRun = 1<<r + d.getBits(r) - 1

			return
		}

		k += r
		if k > d.se {
			d.panic(okerr.Errorf(okerr.ErrInvalid, "jpeg: coefficient index out of range"))
		}

		coefs[zz[k]] = int32(d.receiveExtend(s)) << d.al
		k++
	}
}

// decodeACRefine refines a band of AC coefficients (section G.1.2.3). Each
// already non-zero coefficient gets a correction bit; newly non-zero ones are
// placed after skipping the given number of zero coefficients.
func (d *decoder) decodeACRefine(c *component, bx, by int) {
	coefs := c.coeffs[(by*c.nBlocksX+bx)*64:][:64]
	delta := int32(1) << d.al
	k := d.ss

	if d.eobRun == 0 {
		ac := d.huff[1][c.acTabSel]

	loop:
		for k <= d.se {
			rs := d.decodeHuffman(ac)
			r, s := int(rs>>4), int(rs&15)

			var z int32

			switch s {
			case 0:
				if r != 15 {
					d.eobRun = 1<<r + d.getBits(r)

					break loop
				}
				// ZRL: skip 16 zero coefficients, refining non-zero ones on the way.
			case 1:
				z = delta
				if !d.getBit() {
					z = -z
				}
			default:
				d.panic(okerr.Errorf(okerr.ErrInvalid, "jpeg: bad refinement symbol 0x%02X", rs))
			}

			k = d.refineNonZeroes(coefs, k, r, delta)
			if k > d.se {
				d.panic(okerr.Errorf(okerr.ErrInvalid, "jpeg: too many refinement coefficients"))
			}

			if z != 0 {
				coefs[zz[k]] = z
			}

			k++
		}
	}

	if d.eobRun > 0 {
		d.eobRun--
		d.refineNonZeroes(coefs, k, -1, delta)
	}
}

// refineNonZeroes refines non-zero coefficients from zigzag index k on. If nz
// is not negative, it stops at the zero coefficient after skipping nz zeros and
// returns its index.
func (d *decoder) refineNonZeroes(coefs []int32, k, nz int, delta int32) int {
	for ; k <= d.se; k++ {
		u := zz[k]
		if coefs[u] == 0 {
			if nz == 0 {
				break
			}

			nz--

			continue
		}

		if !d.getBit() || coefs[u]&delta != 0 {
			continue
		}

		if coefs[u] >= 0 {
			coefs[u] += delta
		} else {
			coefs[u] -= delta
		}
	}

	return k
}

// reconstruct dequantizes blk and writes its samples to the component plane.
// Subsampled components go through the upsampling IDCT so that every plane is
// at full image resolution.
func (d *decoder) reconstruct(c *component, blk *[64]int32, bx, by int) {
	qt := &d.qtab[c.qtSel]
	for k := range blk {
		blk[k] *= qt[k]
	}

	offset := by*8*c.upY*d.stride + bx*8*c.upX

	if c.upX == 1 && c.upY == 1 {
		idct(blk, c.pixels, offset, d.stride)

		return
	}

	idctUpsample(blk, c.pixels, offset, d.stride, idctTables[c.upX], idctTables[c.upY])
}

// finish reconstructs stored coefficients and produces the output image at EOI.
func (d *decoder) finish() (*pixel.Image, error) {
	if d.scans == 0 {
		return nil, okerr.Errorf(okerr.ErrInvalid, "jpeg: no image data")
	}

	for i := 0; i < d.ncomp; i++ {
		c := &d.comp[i]
		if !c.stored {
			continue
		}

		if d.qtAvail&(1<<c.qtSel) == 0 {
			return nil, okerr.Errorf(okerr.ErrInvalid, "jpeg: undefined quantization table %d", c.qtSel)
		}

		for by := 0; by < c.nBlocksY; by++ {
			for bx := 0; bx < c.nBlocksX; bx++ {
				copy(d.block[:], c.coeffs[(by*c.nBlocksX+bx)*64:])
				d.reconstruct(c, &d.block, bx, by)
			}
		}

		// The buffer itself goes back to the allocator when the decoder is reset.
		c.coeffs = nil
	}

	return d.output()
}
