package inflate

import (
	"math/bits"
	"sync"

	"github.com/gen2brain/okfile/okerr"
)

const (
	maxCodeLen = 15  // Longest DEFLATE Huffman code.
	numLitLen  = 288 // Literal/length alphabet, including the two reserved symbols.
	numDist    = 32  // Distance alphabet, including the two reserved symbols.
	numCodeLen = 19  // Code length alphabet.
)

// huffmanTree is a canonical Huffman code stored as a direct lookup table.
//
// The table is indexed by the next `bits` input bits (LSB first, as DEFLATE packs
// codes reversed). Each entry packs symbol<<4 | codeLength; a zero entry marks a bit
// pattern no code covers. Codes shorter than `bits` are replicated over every
// combination of the trailing bits, so a lookup needs no search.
type huffmanTree struct {
	bits    uint
	table   []uint16
	storage []uint16
}

func newHuffmanTree() *huffmanTree {
	return &huffmanTree{storage: make([]uint16, 1<<maxCodeLen)}
}

// build initializes t from per-symbol code lengths (0 = unused symbol).
//
// Over-subscribed length sets are rejected. Incomplete sets are only accepted in
// the degenerate case of a single code of length one, which zlib also emits.
// An all-zero set produces an empty tree that fails on first use.
func (t *huffmanTree) build(lengths []uint8) error {
	var count [maxCodeLen + 1]int
	var maxLen uint

	for _, l := range lengths {
		if l > maxCodeLen {
			return okerr.Errorf(okerr.ErrInvalid, "inflate: code length %d too long", l)
		}

		if l == 0 {
			continue
		}

		count[l]++
		if uint(l) > maxLen {
			maxLen = uint(l)
		}
	}

	if maxLen == 0 {
		t.bits = 0
		t.table = nil

		return nil
	}

	// Check that the code is neither over-subscribed nor incomplete.
	left := 1
	for l := 1; l <= maxCodeLen; l++ {
		left <<= 1
		left -= count[l]
		if left < 0 {
			return okerr.Errorf(okerr.ErrInvalid, "inflate: over-subscribed huffman code")
		}
	}

	total := 0
	for _, c := range count {
		total += c
	}

	if left > 0 && !(total == 1 && maxLen == 1) {
		return okerr.Errorf(okerr.ErrInvalid, "inflate: incomplete huffman code")
	}

	// First canonical code of each length.
	var next [maxCodeLen + 1]int
	code := 0
	for l := 1; l <= maxCodeLen; l++ {
		code = (code + count[l-1]) << 1
		next[l] = code
	}

	t.bits = maxLen
	t.table = t.storage[:1<<maxLen]
	clear(t.table)

	for sym, l := range lengths {
		if l == 0 {
			continue
		}

		c := next[l]
		next[l]++

		// DEFLATE sends codes most significant bit first into an LSB-first stream.
		reversed := int(bits.Reverse16(uint16(c)) >> (16 - uint(l)))
		entry := uint16(sym)<<4 | uint16(l)
		for i := reversed; i < len(t.table); i += 1 << l {
			t.table[i] = entry
		}
	}

	return nil
}

// Fixed Huffman trees (RFC 1951 section 3.2.6), built once and shared by every Inflater.
var (
	fixedOnce sync.Once
	fixedLit  *huffmanTree
	fixedDist *huffmanTree
)

func fixedTrees() (*huffmanTree, *huffmanTree) {
	fixedOnce.Do(func() {
		var lengths [numLitLen]uint8
		for i := range lengths {
			switch {
			case i < 144:
				lengths[i] = 8
			case i < 256:
				lengths[i] = 9
			case i < 280:
				lengths[i] = 7
			default:
				lengths[i] = 8
			}
		}

		lit := newHuffmanTree()
		if err := lit.build(lengths[:]); err != nil {
			panic(err)
		}

		var distLengths [numDist]uint8
		for i := range distLengths {
			distLengths[i] = 5
		}

		dist := newHuffmanTree()
		if err := dist.build(distLengths[:]); err != nil {
			panic(err)
		}

		fixedLit, fixedDist = lit, dist
	})

	return fixedLit, fixedDist
}

// Length and distance decoding tables (RFC 1951 section 3.2.5).
var (
	lengthBase = [29]uint16{
		3, 4, 5, 6, 7, 8, 9, 10, 11, 13, 15, 17, 19, 23, 27, 31,
		35, 43, 51, 59, 67, 83, 99, 115, 131, 163, 195, 227, 258,
	}
	lengthExtra = [29]uint8{
		0, 0, 0, 0, 0, 0, 0, 0, 1, 1, 1, 1, 2, 2, 2, 2,
		3, 3, 3, 3, 4, 4, 4, 4, 5, 5, 5, 5, 0,
	}
	distBase = [30]uint16{
		1, 2, 3, 4, 5, 7, 9, 13, 17, 25, 33, 49, 65, 97, 129, 193,
		257, 385, 513, 769, 1025, 1537, 2049, 3073, 4097, 6145, 8193, 12289, 16385, 24577,
	}
	distExtra = [30]uint8{
		0, 0, 0, 0, 1, 1, 2, 2, 3, 3, 4, 4, 5, 5, 6, 6,
		7, 7, 8, 8, 9, 9, 10, 10, 11, 11, 12, 12, 13, 13,
	}
)

// Order in which code length code lengths are transmitted.
var codeLengthOrder = [numCodeLen]uint8{16, 17, 18, 0, 8, 7, 9, 6, 10, 5, 11, 4, 12, 3, 13, 2, 14, 1, 15}
