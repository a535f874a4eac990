// Package inflate implements a resumable DEFLATE (RFC 1951) and zlib (RFC 1950) decoder.
//
// Unlike compress/flate, the Inflater never pulls from a reader: the caller pushes
// input slices with SetInput and pulls output with Inflate, and the decoder suspends
// between any two bits when either side runs dry. This lets a container parser feed
// the payload of many small chunks (PNG IDAT) without copying them into one stream.
//
// Decoded bytes pass through a 64 KiB ring buffer that also serves as the LZ77 window.
package inflate

import (
	"hash"
	"hash/adler32"
	"io"

	"github.com/gen2brain/okfile/alloc"
	"github.com/gen2brain/okfile/okerr"
)

const (
	ringSize    = 1 << 16
	maxDistance = 32768
)

type state uint8

const (
	stateZlibHeader state = iota
	stateBlockHeader
	stateStoredHeader
	stateStoredData
	stateDynamicHeader
	stateCodeLengths
	stateLiteralTree
	stateDistanceTree
	stateCompressedFixed
	stateCompressedDynamic
	stateDistanceFixed
	stateDistanceDynamic
	stateZlibTrailer
	stateDone
	stateError
	numStates
)

var stateNames = [numStates]string{
	"zlib header", "block header", "stored header", "stored data",
	"dynamic header", "code lengths", "literal tree", "distance tree",
	"compressed fixed", "compressed dynamic", "distance fixed", "distance dynamic",
	"zlib trailer", "done", "error",
}

// String implements fmt.Stringer.
func (s state) String() string {
	if s < numStates {
		return stateNames[s]
	}

	return "unknown"
}

// step is the outcome of running one state handler.
type step uint8

const (
	stepProgress step = iota
	stepNeedInput
	stepNeedOutput
)

var handlers [numStates]func(*Inflater) step

func init() {
	handlers = [numStates]func(*Inflater) step{
		stateZlibHeader:        (*Inflater).zlibHeader,
		stateBlockHeader:       (*Inflater).blockHeader,
		stateStoredHeader:      (*Inflater).storedHeader,
		stateStoredData:        (*Inflater).storedData,
		stateDynamicHeader:     (*Inflater).dynamicHeader,
		stateCodeLengths:       (*Inflater).codeLengths,
		stateLiteralTree:       (*Inflater).treeLengths,
		stateDistanceTree:      (*Inflater).treeLengths,
		stateCompressedFixed:   (*Inflater).compressed,
		stateCompressedDynamic: (*Inflater).compressed,
		stateDistanceFixed:     (*Inflater).distance,
		stateDistanceDynamic:   (*Inflater).distance,
		stateZlibTrailer:       (*Inflater).zlibTrailer,
		stateDone:              (*Inflater).finished,
		stateError:             (*Inflater).failed,
	}
}

// Inflater decodes one DEFLATE or zlib stream at a time. It is not safe for concurrent use.
type Inflater struct {
	raw   bool
	state state
	err   error
	final bool // The current block is the last one.

	alloc alloc.Allocator
	ring  []byte
	r, w  uint16 // ring[r:w] (mod 65536) is decoded but not yet returned.

	written int64 // Total bytes decoded, bounds back-reference distances.

	in    []byte
	inPos int

	bitbuf uint64
	nbits  uint

	storedLeft int

	hlit, hdist, hclen int
	index              int
	lengths            [numLitLen + numDist]uint8

	lit, dist     *huffmanTree
	litDyn        *huffmanTree
	distDyn       *huffmanTree
	codeLenTree   *huffmanTree
	pendingSymbol int // Decoded symbol whose extra bits are still missing, -1 if none.

	copyLen  int
	copyDist int

	verify   bool
	adler    hash.Hash32
	checksum uint32
}

// New returns an Inflater for a zlib stream, or for a bare DEFLATE stream if raw is set.
// The ring buffer is requested from a (alloc.Default if nil).
func New(raw bool, a alloc.Allocator) (*Inflater, error) {
	a = alloc.Or(a)

	ring, err := a.Alloc(ringSize)
	if err != nil {
		return nil, err
	}

	if len(ring) < ringSize {
		a.Free(ring)

		return nil, okerr.Errorf(okerr.ErrAllocation, "inflate: short ring buffer")
	}

	f := &Inflater{
		alloc:       a,
		ring:        ring[:ringSize],
		litDyn:      newHuffmanTree(),
		distDyn:     newHuffmanTree(),
		codeLenTree: newHuffmanTree(),
		adler:       adler32.New(),
	}
	f.Reset(raw)

	return f, nil
}

// Reset prepares f for a new stream, keeping its buffers.
func (f *Inflater) Reset(raw bool) {
	f.raw = raw
	f.state = stateZlibHeader
	if raw {
		f.state = stateBlockHeader
	}

	f.err = nil
	f.final = false
	f.r, f.w = 0, 0
	f.written = 0
	f.in, f.inPos = nil, 0
	f.bitbuf, f.nbits = 0, 0
	f.storedLeft = 0
	f.index = 0
	f.lit, f.dist = nil, nil
	f.pendingSymbol = -1
	f.copyLen, f.copyDist = 0, 0
	f.checksum = 0
	f.adler.Reset()
}

// Release hands the ring buffer back to the allocator. f must not be used afterwards.
func (f *Inflater) Release() {
	if f.ring != nil {
		f.alloc.Free(f.ring)
		f.ring = nil
	}
}

// SetVerifyChecksum enables verification of the zlib Adler-32 trailer.
// It has no effect on raw streams.
func (f *Inflater) SetVerifyChecksum(verify bool) {
	f.verify = verify
}

// NeedsInput reports whether all input passed to SetInput has been consumed.
func (f *Inflater) NeedsInput() bool {
	return f.inPos >= len(f.in)
}

// Done reports whether the end of the stream has been decoded.
// Buffered output may still be pending.
func (f *Inflater) Done() bool {
	return f.state == stateDone
}

// SetInput supplies the next piece of compressed data. The slice is referenced, not
// copied, until it has been consumed. Calling SetInput while input remains is an error.
func (f *Inflater) SetInput(p []byte) error {
	if !f.NeedsInput() {
		return okerr.Errorf(okerr.ErrAPI, "inflate: input supplied before previous input was consumed")
	}

	f.in = p
	f.inPos = 0

	return nil
}

// Inflate decodes into dst and returns the number of bytes written.
//
// A return of (n, nil) with n < len(dst) means more input is needed (see NeedsInput).
// Once the stream has ended and every decoded byte has been returned, Inflate returns
// io.EOF. Errors in the stream are permanent; every later call returns the same error.
func (f *Inflater) Inflate(dst []byte) (int, error) {
	if f.state == stateError {
		return 0, f.err
	}

	n := 0
	for {
		s := stepProgress
		for s == stepProgress && f.used() < len(dst)-n && f.state != stateDone {
			s = handlers[f.state](f)
			if f.state == stateError {
				return n, f.err
			}
		}

		n += f.flush(dst[n:])

		// A full ring is drained and decoding resumes; anything else needs the caller.
		if s != stepNeedOutput || n == len(dst) || f.state == stateDone {
			break
		}
	}

	if f.state == stateDone && f.used() == 0 {
		if f.verify && !f.raw && f.adler.Sum32() != f.checksum {
			f.fail("adler-32 checksum mismatch")

			return n, f.err
		}

		return n, io.EOF
	}

	return n, nil
}

// used returns the number of buffered output bytes.
func (f *Inflater) used() int {
	return int(f.w - f.r)
}

// room returns how many bytes can be decoded before the ring must be drained.
// One slot stays free so that a full ring is distinguishable from an empty one.
func (f *Inflater) room() int {
	return ringSize - 1 - f.used()
}

// flush copies buffered output to dst.
func (f *Inflater) flush(dst []byte) int {
	total := 0
	for total < len(dst) && f.r != f.w {
		end := int(f.w)
		if f.w < f.r {
			end = ringSize
		}

		n := copy(dst[total:], f.ring[f.r:end])
		if !f.raw {
			f.adler.Write(f.ring[int(f.r) : int(f.r)+n])
		}

		f.r += uint16(n)
		total += n
	}

	return total
}

func (f *Inflater) fail(msg string) step {
	f.state = stateError
	f.err = okerr.Errorf(okerr.ErrInvalid, "inflate: %s", msg)

	return stepNeedInput
}

// fillBits moves whole input bytes into the bit buffer.
func (f *Inflater) fillBits() {
	for f.nbits <= 56 && f.inPos < len(f.in) {
		f.bitbuf |= uint64(f.in[f.inPos]) << f.nbits
		f.inPos++
		f.nbits += 8
	}
}

// needBits reports whether n bits are available, pulling input if necessary.
func (f *Inflater) needBits(n uint) bool {
	if f.nbits < n {
		f.fillBits()
	}

	return f.nbits >= n
}

func (f *Inflater) takeBits(n uint) uint32 {
	v := uint32(f.bitbuf & (1<<n - 1))
	f.bitbuf >>= n
	f.nbits -= n

	return v
}

// decode reads one symbol from t. It returns -1 if more input is needed, or fails
// the stream on a bit pattern no code covers.
func (f *Inflater) decode(t *huffmanTree) int {
	if t.bits == 0 {
		f.fail("use of an empty huffman code")

		return -1
	}

	f.fillBits()

	if f.nbits >= t.bits {
		e := t.table[f.bitbuf&(1<<t.bits-1)]
		l := uint(e & 15)
		if l == 0 {
			f.fail("invalid huffman code")

			return -1
		}

		f.bitbuf >>= l
		f.nbits -= l

		return int(e >> 4)
	}

	// Fewer bits than the longest code: the entry is valid only if its code fits.
	e := t.table[f.bitbuf&(1<<f.nbits-1)]
	l := uint(e & 15)
	if l == 0 || l > f.nbits {
		return -1
	}

	f.bitbuf >>= l
	f.nbits -= l

	return int(e >> 4)
}

func (f *Inflater) zlibHeader() step {
	if !f.needBits(16) {
		return stepNeedInput
	}

	cmf := f.takeBits(8)
	flg := f.takeBits(8)

	switch {
	case (cmf<<8|flg)%31 != 0:
		return f.fail("bad zlib header check bits")
	case cmf&0x0f != 8:
		return f.fail("unknown zlib compression method")
	case cmf>>4 > 7:
		return f.fail("zlib window too large")
	case flg&0x20 != 0:
		return f.fail("zlib preset dictionary not supported")
	}

	f.state = stateBlockHeader

	return stepProgress
}

func (f *Inflater) blockHeader() step {
	if f.final {
		if f.raw {
			f.state = stateDone
		} else {
			f.state = stateZlibTrailer
		}

		return stepProgress
	}

	if !f.needBits(3) {
		return stepNeedInput
	}

	f.final = f.takeBits(1) == 1

	switch f.takeBits(2) {
	case 0:
		f.state = stateStoredHeader
	case 1:
		f.lit, f.dist = fixedTrees()
		f.state = stateCompressedFixed
	case 2:
		f.state = stateDynamicHeader
	default:
		return f.fail("invalid block type")
	}

	return stepProgress
}

func (f *Inflater) storedHeader() step {
	// Stored blocks start on a byte boundary.
	f.takeBits(f.nbits % 8)

	if !f.needBits(32) {
		return stepNeedInput
	}

	length := f.takeBits(16)
	nlength := f.takeBits(16)
	if length != ^nlength&0xffff {
		return f.fail("stored block length mismatch")
	}

	f.storedLeft = int(length)
	f.state = stateStoredData

	return stepProgress
}

func (f *Inflater) storedData() step {
	for f.storedLeft > 0 {
		room := f.room()
		if room == 0 {
			return stepNeedOutput
		}

		// Whole bytes already pulled into the bit buffer come first.
		if f.nbits >= 8 {
			f.ring[f.w] = byte(f.takeBits(8))
			f.w++
			f.written++
			f.storedLeft--

			continue
		}

		avail := len(f.in) - f.inPos
		if avail == 0 {
			return stepNeedInput
		}

		n := min(f.storedLeft, room, avail, ringSize-int(f.w))
		copy(f.ring[f.w:], f.in[f.inPos:f.inPos+n])
		f.inPos += n
		f.w += uint16(n)
		f.written += int64(n)
		f.storedLeft -= n
	}

	f.state = stateBlockHeader

	return stepProgress
}

func (f *Inflater) dynamicHeader() step {
	if !f.needBits(14) {
		return stepNeedInput
	}

	f.hlit = int(f.takeBits(5)) + 257
	f.hdist = int(f.takeBits(5)) + 1
	f.hclen = int(f.takeBits(4)) + 4

	clear(f.lengths[:numCodeLen])
	f.index = 0
	f.state = stateCodeLengths

	return stepProgress
}

func (f *Inflater) codeLengths() step {
	for f.index < f.hclen {
		if !f.needBits(3) {
			return stepNeedInput
		}

		f.lengths[codeLengthOrder[f.index]] = uint8(f.takeBits(3))
		f.index++
	}

	if err := f.codeLenTree.build(f.lengths[:numCodeLen]); err != nil {
		return f.fail("bad code length code")
	}

	clear(f.lengths[:])
	f.index = 0
	f.pendingSymbol = -1
	f.state = stateLiteralTree

	return stepProgress
}

// treeLengths decodes the literal/length and distance code lengths, which form a
// single run-length coded sequence.
func (f *Inflater) treeLengths() step {
	total := f.hlit + f.hdist

	for f.index < total {
		sym := f.pendingSymbol
		if sym < 0 {
			sym = f.decode(f.codeLenTree)
			if sym < 0 {
				return stepNeedInput
			}
		}

		if sym < 16 {
			f.lengths[f.index] = uint8(sym)
			f.index++
			f.pendingSymbol = -1
			f.advanceTreeState()

			continue
		}

		f.pendingSymbol = sym

		var extra uint
		var base int
		var value uint8

		switch sym {
		case 16:
			if f.index == 0 {
				return f.fail("repeat of missing code length")
			}

			extra, base, value = 2, 3, f.lengths[f.index-1]
		case 17:
			extra, base = 3, 3
		default:
			extra, base = 7, 11
		}

		if !f.needBits(extra) {
			return stepNeedInput
		}

		rep := base + int(f.takeBits(extra))
		if f.index+rep > total {
			return f.fail("code length repeat overflows")
		}

		for i := 0; i < rep; i++ {
			f.lengths[f.index] = value
			f.index++
		}

		f.pendingSymbol = -1
		f.advanceTreeState()
	}

	if f.lengths[256] == 0 {
		return f.fail("missing end-of-block code")
	}

	if err := f.litDyn.build(f.lengths[:f.hlit]); err != nil {
		return f.fail("bad literal/length code")
	}

	if err := f.distDyn.build(f.lengths[f.hlit:total]); err != nil {
		return f.fail("bad distance code")
	}

	f.lit, f.dist = f.litDyn, f.distDyn
	f.state = stateCompressedDynamic

	return stepProgress
}

func (f *Inflater) advanceTreeState() {
	if f.index >= f.hlit {
		f.state = stateDistanceTree
	}
}

// compressed decodes literals and lengths until the block ends or either side runs dry.
func (f *Inflater) compressed() step {
	if f.copyLen > 0 && !f.copy() {
		return stepNeedOutput
	}

	for {
		sym := f.pendingSymbol
		if sym < 0 {
			if f.room() == 0 {
				return stepNeedOutput
			}

			sym = f.decode(f.lit)
			if sym < 0 {
				return stepNeedInput
			}
		}

		switch {
		case sym < 256:
			f.ring[f.w] = byte(sym)
			f.w++
			f.written++

			continue
		case sym == 256:
			f.state = stateBlockHeader

			return stepProgress
		case sym > 285:
			return f.fail("invalid length symbol")
		}

		i := sym - 257
		extra := uint(lengthExtra[i])
		if !f.needBits(extra) {
			f.pendingSymbol = sym

			return stepNeedInput
		}

		f.pendingSymbol = -1
		f.copyLen = int(lengthBase[i]) + int(f.takeBits(extra))

		if f.state == stateCompressedFixed {
			f.state = stateDistanceFixed
		} else {
			f.state = stateDistanceDynamic
		}

		return stepProgress
	}
}

// distance decodes the distance half of a back-reference and starts the copy.
func (f *Inflater) distance() step {
	sym := f.pendingSymbol
	if sym < 0 {
		sym = f.decode(f.dist)
		if sym < 0 {
			return stepNeedInput
		}

		if sym >= 30 {
			return f.fail("invalid distance symbol")
		}
	}

	extra := uint(distExtra[sym])
	if !f.needBits(extra) {
		f.pendingSymbol = sym

		return stepNeedInput
	}

	f.pendingSymbol = -1

	dist := int(distBase[sym]) + int(f.takeBits(extra))
	if dist > maxDistance || int64(dist) > f.written {
		return f.fail("invalid distance")
	}

	f.copyDist = dist

	if f.state == stateDistanceFixed {
		f.state = stateCompressedFixed
	} else {
		f.state = stateCompressedDynamic
	}

	if !f.copy() {
		return stepNeedOutput
	}

	return stepProgress
}

// copy performs as much of the pending back-reference as the ring has room for.
// It reports whether the copy completed.
func (f *Inflater) copy() bool {
	n := min(f.copyLen, f.room())
	if n == 0 {
		return f.copyLen == 0
	}

	src := f.w - uint16(f.copyDist)

	switch {
	case f.copyDist == 1:
		b := f.ring[src]
		for i := 0; i < n; i++ {
			f.ring[f.w] = b
			f.w++
		}
	case f.copyDist >= n && int(src)+n <= ringSize && int(f.w)+n <= ringSize:
		copy(f.ring[f.w:int(f.w)+n], f.ring[src:int(src)+n])
		f.w += uint16(n)
	default:
		// Overlapping or wrapping: byte by byte, so repeated patterns expand.
		for i := 0; i < n; i++ {
			f.ring[f.w] = f.ring[src]
			f.w++
			src++
		}
	}

	f.written += int64(n)
	f.copyLen -= n

	return f.copyLen == 0
}

func (f *Inflater) zlibTrailer() step {
	f.takeBits(f.nbits % 8)

	if !f.needBits(32) {
		return stepNeedInput
	}

	var sum uint32
	for i := 0; i < 4; i++ {
		sum = sum<<8 | f.takeBits(8)
	}

	f.checksum = sum
	f.state = stateDone

	return stepProgress
}

func (f *Inflater) finished() step {
	return stepNeedOutput
}

func (f *Inflater) failed() step {
	return stepNeedInput
}
