package jpeg

import (
	"github.com/gen2brain/okfile/okerr"
)

// Bitstream handling

// fill tops up the bit buffer to more than 56 bits. It undoes byte stuffing
// (0xFF00) and stops at the first marker. Once a marker or the end of the data is
// reached, zero bits are shifted in instead and counted in padBits.
func (d *decoder) fill() {
	for d.bufBits <= 56 {
		if d.markerHit || d.pos >= len(d.data) {
			d.buf <<= 8
			d.bufBits += 8
			d.padBits += 8

			continue
		}

		b := d.data[d.pos]
		if b == 0xFF {
			if d.pos+1 >= len(d.data) {
				// Lone 0xFF at the end of the data.
				d.pos = len(d.data)

				continue
			}

			if d.data[d.pos+1] != 0x00 {
				// A marker ends the entropy-coded segment. Leave it for the marker parser.
				d.markerHit = true

				continue
			}

			d.pos++ // Stuffed zero.
		}

		d.pos++
		d.buf = d.buf<<8 | uint64(b)
		d.bufBits += 8
	}
}

// consume drops n bits from the buffer.
func (d *decoder) consume(n int) {
	d.bufBits -= n
	if d.bufBits < d.padBits {
		d.overrun()
	}
}

// overrun is called when the decoder consumes padding bits. Running past the end
// of the input is fatal; running into a marker is tolerated and decodes zeros.
func (d *decoder) overrun() {
	if !d.markerHit {
		d.panic(okerr.Errorf(okerr.ErrIO, "jpeg: unexpected end of data"))
	}

	if !d.warned {
		d.log.Debug().Int("offset", d.pos).Msg("jpeg: premature end of entropy-coded segment")
		d.warned = true
	}

	d.padBits = d.bufBits
}

// getBits reads and consumes n bits, most significant first. n must be at most 16.
func (d *decoder) getBits(n int) int {
	if n == 0 {
		return 0
	}

	if d.bufBits < n {
		d.fill()
	}

	v := int(d.buf>>(d.bufBits-n)) & (1<<n - 1)
	d.consume(n)

	return v
}

// getBit reads a single bit. Used for successive approximation.
func (d *decoder) getBit() bool {
	if d.bufBits < 1 {
		d.fill()
	}

	d.bufBits--
	v := d.buf>>d.bufBits&1 != 0

	if d.bufBits < d.padBits {
		d.overrun()
	}

	return v
}

// extend converts an n-bit magnitude category value to a signed integer, as
// specified in section F.2.2.1.
func extend(v, n int) int {
	if v < 1<<(n-1) {
		v += -1<<n + 1
	}

	return v
}

// receiveExtend reads an n-bit value and sign-extends it.
func (d *decoder) receiveExtend(n int) int {
	if n == 0 {
		return 0
	}

	return extend(d.getBits(n), n)
}

// decodeHuffman decodes one symbol. Short codes are resolved through the direct
// lookup table, longer ones by comparing against maxcode per length.
func (d *decoder) decodeHuffman(h *huffman) uint8 {
	if d.bufBits < 16 {
		d.fill()
	}

	peek := int(d.buf>>(d.bufBits-fastBits)) & (1<<fastBits - 1)
	if v := h.fast[peek]; v != 0 {
		d.consume(int(v >> 8))

		return uint8(v)
	}

	code := int32(d.buf>>(d.bufBits-16)) & 0xFFFF
	for l := fastBits + 1; l <= 16; l++ {
		c := code >> (16 - l)
		if c <= h.maxcode[l] {
			d.consume(l)

			return h.vals[c+h.valptr[l]]
		}
	}

	d.panic(okerr.Errorf(okerr.ErrInvalid, "jpeg: bad Huffman code"))

	return 0
}

// resetBits discards the bit buffer, for example at a restart marker.
func (d *decoder) resetBits() {
	d.buf = 0
	d.bufBits = 0
	d.padBits = 0
	d.markerHit = false
}

// restart consumes the expected RSTn marker and resets the decoder state for
// the next restart interval. If the marker is not where it should be, the
// stream is scanned forward to the next restart marker.
func (d *decoder) restart() {
	d.resetBits()

	want := byte(0xD0 + d.nextRst)
	skipped := 0

	for {
		if d.pos+1 >= len(d.data) {
			d.panic(okerr.Errorf(okerr.ErrIO, "jpeg: unexpected end of data looking for restart marker"))
		}

		if d.data[d.pos] != 0xFF {
			d.pos++
			skipped++

			continue
		}

		m := d.data[d.pos+1]
		switch {
		case m == 0x00:
			d.pos += 2
			skipped += 2

			continue
		case m == 0xFF:
			d.pos++

			continue
		case m >= 0xD0 && m <= 0xD7:
			if m != want || skipped > 2 {
				d.log.Debug().Int("offset", d.pos).Int("skipped", skipped).Uint8("marker", m).
					Msg("jpeg: resynchronized at restart marker")
			}

			d.pos += 2
			d.nextRst = int(m-0xD0+1) & 7
		default:
			// Some other marker. The rest of the scan decodes as zeros.
			d.log.Debug().Int("offset", d.pos).Uint8("marker", m).Msg("jpeg: missing restart marker")
			d.markerHit = true
		}

		break
	}

	for i := 0; i < d.ncomp; i++ {
		d.comp[i].dcPred = 0
	}

	d.eobRun = 0
}
