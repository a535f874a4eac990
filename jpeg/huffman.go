package jpeg

import (
	"github.com/gen2brain/okfile/okerr"
)

// fastBits is the width of the direct lookup table. Codes up to this length
// decode with a single table access; longer codes walk maxcode.
const fastBits = 9

// huffman is a canonical Huffman decoding table built from a DHT segment.
type huffman struct {
	// fast maps the next fastBits bits to length<<8 | symbol. Zero means the code
	// is longer than fastBits.
	fast [1 << fastBits]uint16
	// maxcode[l] is the largest code of length l, or -1 if there is none.
	maxcode [17]int32
	// valptr[l] is the index in vals of the first code of length l, minus that code.
	valptr  [17]int32
	vals    [256]uint8
	defined bool
}

// build fills the table from the 16 code-length counts and the symbol list, as
// specified in Annex C and section F.2.2.3.
func (h *huffman) build(counts *[16]uint8, symbols []byte) error {
	h.fast = [1 << fastBits]uint16{}
	h.defined = false

	total := 0
	for _, c := range counts {
		total += int(c)
	}

	if total == 0 || total > 256 || total != len(symbols) {
		return okerr.Errorf(okerr.ErrInvalid, "jpeg: bad Huffman table size %d", total)
	}

	copy(h.vals[:], symbols)

	code := int32(0)
	k := int32(0)

	for l := 1; l <= 16; l++ {
		n := int32(counts[l-1])
		if n == 0 {
			h.maxcode[l] = -1
			code <<= 1

			continue
		}

		// Over-subscribed: more codes than the length can hold.
		if code+n > 1<<l {
			return okerr.Errorf(okerr.ErrInvalid, "jpeg: over-subscribed Huffman table")
		}

		h.valptr[l] = k - code

		if l <= fastBits {
			for i := int32(0); i < n; i++ {
				entry := uint16(l)<<8 | uint16(symbols[k+i])
				first := (code + i) << (fastBits - l)

				for j := int32(0); j < 1<<(fastBits-l); j++ {
					h.fast[first+j] = entry
				}
			}
		}

		code += n
		k += n
		h.maxcode[l] = code - 1
		code <<= 1
	}

	h.defined = true

	return nil
}
