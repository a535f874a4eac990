package jpeg

import (
	"github.com/gen2brain/okfile/alloc"
	"github.com/gen2brain/okfile/okerr"
	"github.com/gen2brain/okfile/pixel"
	"github.com/gen2brain/okfile/source"
	"github.com/rs/zerolog"
)

// Markers.
const (
	markerSOF0  = 0xC0 // Baseline DCT
	markerSOF1  = 0xC1 // Extended sequential DCT, Huffman
	markerSOF2  = 0xC2 // Progressive DCT, Huffman
	markerDHT   = 0xC4
	markerDAC   = 0xCC // Arithmetic coding conditioning
	markerRST0  = 0xD0
	markerRST7  = 0xD7
	markerSOI   = 0xD8
	markerEOI   = 0xD9
	markerSOS   = 0xDA
	markerDQT   = 0xDB
	markerDNL   = 0xDC
	markerDRI   = 0xDD
	markerAPP0  = 0xE0
	markerAPP1  = 0xE1
	markerAPP14 = 0xEE
	markerAPP15 = 0xEF
	markerCOM   = 0xFE
)

// component stores information about a single color component (e.g., Y, Cb, or Cr).
type component struct {
	id                 int // Component identifier (e.g., 1 for Y, 2 for Cb, 3 for Cr).
	ssX, ssY           int // Sampling factors.
	upX, upY           int // Plane samples per component sample, 1 or 2.
	width, height      int // Dimensions of this component in samples.
	bw, bh             int // Blocks coded by a non-interleaved scan.
	nBlocksX, nBlocksY int // Blocks covering the MCU grid.
	qtSel              int // Quantization table selector.
	dcTabSel, acTabSel int // Huffman table selectors.
	dcPred             int // DC prediction value for differential coding.

	// stored components keep their coefficients until EOI.
	stored bool
	coeffs []int32
	// pixels is the decoded plane at full image resolution.
	pixels []byte
}

// decoder holds the state of the JPEG decoding process.
type decoder struct {
	opts *pixel.Options
	log  *zerolog.Logger
	r    *source.Reader
	seg  []byte // Segment buffer for header-only decoding.

	// scratch owns the input copy, planes and coefficients until the decode ends.
	scratch alloc.Scratch

	data []byte // Whole input when decoding pixels.
	pos  int    // Current position in data.

	width, height     int // Dimensions as stored in the frame header.
	mbWidth, mbHeight int // Dimensions in MCUs.
	mbSizeX, mbSizeY  int // Dimensions of a single MCU in pixels.
	ncomp             int
	comp              [3]component
	progressive       bool
	seenSOF           bool
	scans             int
	stride            int // Stride of every component plane.

	qtAvail int
	qtab    [4][64]int32 // Natural order.
	huff    [2][4]*huffman

	buf       uint64
	bufBits   int
	padBits   int
	markerHit bool
	warned    bool

	block       [64]int32
	rstInterval int
	nextRst     int
	eobRun      int

	// Scan parameters.
	scanComp []*component
	ss, se   int
	ah, al   int

	isRGB       bool
	orientation int
}

// errDecode is used for internal panics during the hot decoding path.
type errDecode struct{ error }

// newDecoder creates a new decoder instance and allocates the Huffman tables.
func newDecoder() *decoder {
	d := new(decoder)
	for i := range d.huff {
		for j := range d.huff[i] {
			d.huff[i][j] = new(huffman)
		}
	}

	d.scanComp = make([]*component, 0, 3)

	return d
}

// reset clears the decoder state for reuse, preserving the allocated tables.
func (d *decoder) reset() {
	huff := d.huff
	seg := d.seg
	scanComp := d.scanComp[:0]

	scratch := d.scratch
	scratch.Reset(nil)

	*d = decoder{}

	for i := range huff {
		for j := range huff[i] {
			huff[i][j].defined = false
		}
	}

	d.huff = huff
	d.seg = seg
	d.scanComp = scanComp
	d.scratch = scratch
}

// panic triggers an internal panic to signal a decoding error in the hot path.
func (d *decoder) panic(err error) {
	panic(errDecode{err})
}

// zz is the zigzag ordering table. It maps the 1D order of coefficients in the JPEG stream to their 2D position in an 8x8 block.
var zz = [64]int{
	0, 1, 8, 16, 9, 2, 3, 10, 17, 24, 32, 25, 18,
	11, 4, 5, 12, 19, 26, 33, 40, 48, 41, 34, 27, 20, 13, 6, 7, 14, 21, 28, 35,
	42, 49, 56, 57, 50, 43, 36, 29, 22, 15, 23, 30, 37, 44, 51, 58, 59, 52, 45,
	38, 31, 39, 46, 53, 60, 61, 54, 47, 55, 62, 63,
}

func (d *decoder) decode(src source.Source, opts *pixel.Options) (*pixel.Image, error) {
	d.opts = opts
	d.log = opts.Log()
	d.r = source.NewReader(src, source.DefaultBuffer)
	d.orientation = 1
	d.scratch.Reset(opts.Allocator)

	if opts.InfoOnly {
		return d.info()
	}

	data, err := d.readAll()
	if err != nil {
		return nil, err
	}

	d.data = data

	return d.run()
}

// readAll copies the rest of the source into a buffer from the allocator.
func (d *decoder) readAll() ([]byte, error) {
	buf, err := d.scratch.Bytes(source.DefaultBuffer)
	if err != nil {
		return nil, err
	}

	n := 0
	for d.r.Fill(1) > 0 {
		p, err := d.r.Peek(d.r.Buffered())
		if err != nil {
			return nil, err
		}

		if n+len(p) > len(buf) {
			size, ok := alloc.MulInt(len(buf), 2)
			if !ok {
				return nil, okerr.Errorf(okerr.ErrAllocation, "jpeg: input too large")
			}

			next, err := d.scratch.Bytes(max(size, n+len(p)))
			if err != nil {
				return nil, err
			}

			copy(next, buf[:n])
			d.scratch.Free(buf)
			buf = next
		}

		n += copy(buf[n:], p)
		if err := d.r.Skip(int64(len(p))); err != nil {
			return nil, err
		}
	}

	if err := d.r.Err(); err != nil {
		return nil, err
	}

	return buf[:n], nil
}

// run walks the marker segments of an in-memory stream and returns the image at EOI.
func (d *decoder) run() (*pixel.Image, error) {
	if len(d.data) < 2 || d.data[0] != 0xFF || d.data[1] != markerSOI {
		return nil, okerr.Errorf(okerr.ErrInvalid, "jpeg: not a JPEG file")
	}

	d.pos = 2

	for {
		marker, err := d.marker()
		if err != nil {
			return nil, err
		}

		switch {
		case marker == markerEOI:
			return d.finish()
		case marker == markerSOS:
			seg, err := d.segment()
			if err != nil {
				return nil, err
			}

			if err := d.decodeScan(seg); err != nil {
				return nil, err
			}
		case marker >= markerRST0 && marker <= markerRST7:
			d.log.Debug().Uint8("marker", marker).Msg("jpeg: stray restart marker")
		default:
			if err := d.dispatch(marker); err != nil {
				return nil, err
			}
		}
	}
}

// info walks the header segments straight from the source and stops at the frame header.
func (d *decoder) info() (*pixel.Image, error) {
	var soi [2]byte
	if err := d.r.ReadFull(soi[:]); err != nil {
		return nil, err
	}

	if soi[0] != 0xFF || soi[1] != markerSOI {
		return nil, okerr.Errorf(okerr.ErrInvalid, "jpeg: not a JPEG file")
	}

	for !d.seenSOF {
		marker, err := d.marker()
		if err != nil {
			return nil, err
		}

		switch {
		case marker == markerSOS || marker == markerEOI:
			return nil, okerr.Errorf(okerr.ErrInvalid, "jpeg: missing frame header")
		case marker >= markerRST0 && marker <= markerRST7:
		default:
			if err := d.dispatch(marker); err != nil {
				return nil, err
			}
		}
	}

	w, h := d.orientedSize()

	return &pixel.Image{
		Width:         w,
		Height:        h,
		BytesPerPixel: pixel.BytesPerPixel,
		Format:        d.opts.Format,
		Premultiplied: d.opts.Premultiplied,
		Flipped:       d.opts.Flip,
	}, nil
}

// dispatch handles every marker segment other than SOS and EOI.
func (d *decoder) dispatch(marker byte) error {
	switch {
	case marker == markerSOF0 || marker == markerSOF1 || marker == markerSOF2:
		seg, err := d.segment()
		if err != nil {
			return err
		}

		return d.decodeSOF(seg, marker == markerSOF2)
	case marker == markerDHT:
		seg, err := d.segment()
		if err != nil {
			return err
		}

		return d.decodeDHT(seg)
	case marker == markerDQT:
		seg, err := d.segment()
		if err != nil {
			return err
		}

		return d.decodeDQT(seg)
	case marker == markerDRI:
		seg, err := d.segment()
		if err != nil {
			return err
		}

		return d.decodeDRI(seg)
	case marker == markerAPP1 && !d.opts.IgnoreOrientation:
		seg, err := d.segment()
		if err != nil {
			return err
		}

		d.decodeAPP1(seg)

		return nil
	case marker == markerAPP14:
		seg, err := d.segment()
		if err != nil {
			return err
		}

		d.decodeAPP14(seg)

		return nil
	case marker == markerDAC || (marker > markerSOF2 && marker <= 0xCF && marker != markerDHT):
		// Lossless, hierarchical and arithmetic-coded frames.
		return okerr.Errorf(okerr.ErrUnsupported, "jpeg: unsupported frame type 0x%02X", marker)
	case marker == markerSOI:
		return okerr.Errorf(okerr.ErrInvalid, "jpeg: unexpected SOI marker")
	case marker == markerDNL:
		return okerr.Errorf(okerr.ErrUnsupported, "jpeg: DNL marker")
	default:
		// APPn, COM and anything else with a length.
		if marker != markerCOM && (marker < markerAPP0 || marker > markerAPP15) {
			d.log.Debug().Uint8("marker", marker).Msg("jpeg: skipping unknown marker")
		}

		return d.skipSegment()
	}
}

// marker returns the next marker code. Fill bytes (0xFF) are skipped; any other
// bytes before a marker are skipped with a debug message.
func (d *decoder) marker() (byte, error) {
	skipped := 0

	for {
		b, err := d.byte()
		if err != nil {
			return 0, okerr.Errorf(okerr.ErrIO, "jpeg: missing EOI marker")
		}

		if b != 0xFF {
			skipped++

			continue
		}

		for b == 0xFF {
			if b, err = d.byte(); err != nil {
				return 0, okerr.Errorf(okerr.ErrIO, "jpeg: missing EOI marker")
			}
		}

		if b == 0x00 {
			skipped += 2

			continue
		}

		if skipped > 0 {
			d.log.Debug().Int("skipped", skipped).Uint8("marker", b).Msg("jpeg: extraneous bytes before marker")
		}

		return b, nil
	}
}

func (d *decoder) byte() (byte, error) {
	if d.data == nil {
		return d.r.Byte()
	}

	if d.pos >= len(d.data) {
		return 0, okerr.Errorf(okerr.ErrIO, "jpeg: unexpected end of data")
	}

	b := d.data[d.pos]
	d.pos++

	return b, nil
}

// length reads the 16-bit length of a marker segment and returns the payload size.
func (d *decoder) length() (int, error) {
	hi, err := d.byte()
	if err != nil {
		return 0, err
	}

	lo, err := d.byte()
	if err != nil {
		return 0, err
	}

	n := int(hi)<<8 | int(lo)
	if n < 2 {
		return 0, okerr.Errorf(okerr.ErrInvalid, "jpeg: bad segment length %d", n)
	}

	return n - 2, nil
}

// segment returns the payload of the current marker segment.
func (d *decoder) segment() ([]byte, error) {
	n, err := d.length()
	if err != nil {
		return nil, err
	}

	if d.data != nil {
		if n > len(d.data)-d.pos {
			return nil, okerr.Errorf(okerr.ErrIO, "jpeg: truncated segment")
		}

		seg := d.data[d.pos : d.pos+n]
		d.pos += n

		return seg, nil
	}

	if cap(d.seg) < n {
		d.seg = make([]byte, n)
	}

	seg := d.seg[:n]
	if err := d.r.ReadFull(seg); err != nil {
		return nil, err
	}

	return seg, nil
}

// skipSegment skips the payload of the current marker segment.
func (d *decoder) skipSegment() error {
	n, err := d.length()
	if err != nil {
		return err
	}

	if d.data != nil {
		if n > len(d.data)-d.pos {
			return okerr.Errorf(okerr.ErrIO, "jpeg: truncated segment")
		}

		d.pos += n

		return nil
	}

	return d.r.Skip(int64(n))
}

// decode16 reads a 16-bit big-endian integer.
func decode16(p []byte) int {
	return int(p[0])<<8 | int(p[1])
}

// Marker Decoders

// decodeAPP1 looks for the EXIF orientation tag. Only EXIF data before the
// frame header counts, which is all a header-only decode sees.
func (d *decoder) decodeAPP1(seg []byte) {
	if d.seenSOF || len(seg) < 6 || string(seg[:6]) != "Exif\x00\x00" {
		return
	}

	var x Exif
	if err := parseExif(seg[6:], &x); err != nil {
		d.log.Debug().Err(err).Msg("jpeg: ignoring EXIF data")

		return
	}

	if x.Orientation >= 1 && x.Orientation <= 8 {
		d.orientation = x.Orientation
	}
}

// decodeAPP14 decodes the APP14 "Adobe" marker segment, which specifies the color space transformation.
func (d *decoder) decodeAPP14(seg []byte) {
	// The colorTransform byte is at offset 11.
	// 0: RGB (or Grayscale for 1-component)
	// 1: YCbCr
	// 2: YCCK
	if len(seg) >= 12 && string(seg[:5]) == "Adobe" && seg[11] == 0 {
		d.isRGB = true
	}
}

// decodeSOF decodes the Start of Frame segment. It extracts image dimensions,
// number of components, and component-specific information like sampling factors.
func (d *decoder) decodeSOF(seg []byte, progressive bool) error {
	if d.seenSOF {
		return okerr.Errorf(okerr.ErrInvalid, "jpeg: multiple frame headers")
	}

	if len(seg) < 6 {
		return okerr.Errorf(okerr.ErrInvalid, "jpeg: short frame header")
	}

	if seg[0] != 8 {
		return okerr.Errorf(okerr.ErrUnsupported, "jpeg: %d-bit precision", seg[0])
	}

	d.progressive = progressive
	d.height = decode16(seg[1:])
	d.width = decode16(seg[3:])
	d.ncomp = int(seg[5])

	if d.height == 0 {
		return okerr.Errorf(okerr.ErrUnsupported, "jpeg: image height defined by DNL")
	}

	if d.width == 0 {
		return okerr.Errorf(okerr.ErrInvalid, "jpeg: zero image width")
	}

	switch d.ncomp {
	case 1, 3: // Grayscale or YCbCr/RGB
	case 4:
		return okerr.Errorf(okerr.ErrUnsupported, "jpeg: CMYK and YCCK images")
	default:
		return okerr.Errorf(okerr.ErrInvalid, "jpeg: bad component count %d", d.ncomp)
	}

	if len(seg) != 6+3*d.ncomp {
		return okerr.Errorf(okerr.ErrInvalid, "jpeg: bad frame header length")
	}

	ssxMax, ssyMax := 0, 0

	for i := 0; i < d.ncomp; i++ {
		p := seg[6+3*i:]
		c := &d.comp[i]
		c.id = int(p[0])
		c.ssX = int(p[1] >> 4)
		c.ssY = int(p[1] & 15)
		c.qtSel = int(p[2])

		for j := 0; j < i; j++ {
			if d.comp[j].id == c.id {
				return okerr.Errorf(okerr.ErrInvalid, "jpeg: repeated component identifier %d", c.id)
			}
		}

		if c.ssX < 1 || c.ssX > 4 || c.ssY < 1 || c.ssY > 4 {
			return okerr.Errorf(okerr.ErrInvalid, "jpeg: bad sampling factors")
		}

		if c.ssX > 2 || c.ssY > 2 {
			return okerr.Errorf(okerr.ErrUnsupported, "jpeg: sampling factors %dx%d", c.ssX, c.ssY)
		}

		if c.qtSel > 3 {
			return okerr.Errorf(okerr.ErrInvalid, "jpeg: bad quantization table selector")
		}

		ssxMax = max(ssxMax, c.ssX)
		ssyMax = max(ssyMax, c.ssY)
	}

	if d.ncomp == 1 {
		// A single component is always one block per MCU.
		d.comp[0].ssX, d.comp[0].ssY = 1, 1
		ssxMax, ssyMax = 1, 1
	} else if d.comp[0].id == 'R' && d.comp[1].id == 'G' && d.comp[2].id == 'B' {
		d.isRGB = true
	}

	// Calculate MCU dimensions and image dimensions in MCUs.
	d.mbSizeX = ssxMax << 3
	d.mbSizeY = ssyMax << 3
	d.mbWidth = (d.width + d.mbSizeX - 1) / d.mbSizeX
	d.mbHeight = (d.height + d.mbSizeY - 1) / d.mbSizeY
	d.stride = d.mbWidth * d.mbSizeX

	for i := 0; i < d.ncomp; i++ {
		c := &d.comp[i]
		c.upX = ssxMax / c.ssX
		c.upY = ssyMax / c.ssY
		c.width = (d.width*c.ssX + ssxMax - 1) / ssxMax
		c.height = (d.height*c.ssY + ssyMax - 1) / ssyMax
		c.bw = (c.width + 7) / 8
		c.bh = (c.height + 7) / 8
		c.nBlocksX = d.mbWidth * c.ssX
		c.nBlocksY = d.mbHeight * c.ssY
	}

	d.seenSOF = true

	if d.data == nil {
		return nil
	}

	return d.allocate()
}

// allocate reserves the component planes, and coefficient storage for progressive images.
func (d *decoder) allocate() error {
	size, ok := alloc.MulInt(d.stride, d.mbHeight*d.mbSizeY)
	if !ok {
		return okerr.Errorf(okerr.ErrAllocation, "jpeg: image too large")
	}

	for i := 0; i < d.ncomp; i++ {
		c := &d.comp[i]
		pix, err := d.scratch.Bytes(size)
		if err != nil {
			return err
		}

		c.pixels = pix

		if d.progressive {
			if err := d.store(c); err != nil {
				return err
			}
		}
	}

	return nil
}

// store switches c to coefficient storage.
func (d *decoder) store(c *component) error {
	if c.coeffs != nil {
		return nil
	}

	n, ok := alloc.MulInt(c.nBlocksX*c.nBlocksY, 64)
	if !ok {
		return okerr.Errorf(okerr.ErrAllocation, "jpeg: image too large")
	}

	coeffs, err := d.scratch.Int32s(n)
	if err != nil {
		return err
	}

	c.coeffs = coeffs
	c.stored = true

	return nil
}

// decodeDHT decodes the Define Huffman Table segment.
func (d *decoder) decodeDHT(seg []byte) error {
	var counts [16]uint8

	for len(seg) > 0 {
		if len(seg) < 17 {
			return okerr.Errorf(okerr.ErrInvalid, "jpeg: short Huffman table")
		}

		class := int(seg[0] >> 4)
		id := int(seg[0] & 15)
		if class > 1 || id > 3 {
			return okerr.Errorf(okerr.ErrInvalid, "jpeg: bad Huffman table class %d or id %d", class, id)
		}

		copy(counts[:], seg[1:17])
		seg = seg[17:]

		n := 0
		for _, num := range counts {
			n += int(num)
		}

		if n > len(seg) {
			return okerr.Errorf(okerr.ErrInvalid, "jpeg: short Huffman table")
		}

		if err := d.huff[class][id].build(&counts, seg[:n]); err != nil {
			return err
		}

		seg = seg[n:]
	}

	return nil
}

// decodeDQT decodes the Define Quantization Table segment. Tables are stored in natural order.
func (d *decoder) decodeDQT(seg []byte) error {
	for len(seg) > 0 {
		pq := seg[0] >> 4
		id := int(seg[0] & 15)

		if pq != 0 {
			if pq == 1 {
				return okerr.Errorf(okerr.ErrUnsupported, "jpeg: 16-bit quantization table")
			}

			return okerr.Errorf(okerr.ErrInvalid, "jpeg: bad quantization table precision")
		}

		if id > 3 {
			return okerr.Errorf(okerr.ErrInvalid, "jpeg: bad quantization table id %d", id)
		}

		if len(seg) < 65 {
			return okerr.Errorf(okerr.ErrInvalid, "jpeg: short quantization table")
		}

		for j := 0; j < 64; j++ {
			d.qtab[id][zz[j]] = int32(seg[1+j])
		}

		d.qtAvail |= 1 << id
		seg = seg[65:]
	}

	return nil
}

// decodeDRI decodes the Define Restart Interval segment.
func (d *decoder) decodeDRI(seg []byte) error {
	if len(seg) != 2 {
		return okerr.Errorf(okerr.ErrInvalid, "jpeg: bad DRI length")
	}

	d.rstInterval = decode16(seg)

	return nil
}
