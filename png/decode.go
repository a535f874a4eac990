package png

import (
	"encoding/binary"
	"hash"
	"hash/crc32"
	"io"

	"github.com/gen2brain/okfile/alloc"
	"github.com/gen2brain/okfile/inflate"
	"github.com/gen2brain/okfile/okerr"
	"github.com/gen2brain/okfile/pixel"
	"github.com/gen2brain/okfile/source"
	"github.com/rs/zerolog"
)

// readBufferSize is both the source fill buffer and the largest IDAT slice handed
// to the inflater at once.
const readBufferSize = 8192

// decoder holds the state of one PNG decode. It is reused through decoderPool.
type decoder struct {
	opts *pixel.Options
	log  *zerolog.Logger
	r    *source.Reader
	crc  hash.Hash32
	buf  []byte

	// Header.
	width, height int
	depth         int
	colorType     int
	interlace     int
	bitsPerPixel  int
	cgbi          bool
	hasAlpha      bool

	seenIHDR, seenPLTE, seenTRNS bool
	seenIDAT, idatEnded          bool

	palette    [256][4]byte
	paletteLen int
	hasKey     bool
	key        [3]uint16

	// Image data.
	inf       *inflate.Inflater
	pooledInf *inflate.Inflater
	img       *pixel.Image
	op        pixel.Op

	passes      []pass
	pass        int
	passW       int
	passH       int
	y           int
	bpp         int
	cur, prev   []byte
	filled      int
	tmp         []byte
	scratch     []byte
	rows        alloc.Scratch
	complete    bool
	streamEnded bool
}

func newDecoder() *decoder {
	d := &decoder{
		crc:     crc32.NewIEEE(),
		scratch: make([]byte, 256),
	}
	d.reset()

	return d
}

// reset clears all per-image state while keeping reusable buffers.
func (d *decoder) reset() {
	if d.inf != nil && d.inf != d.pooledInf {
		d.inf.Release()
	}

	d.inf = nil
	d.opts = nil
	d.log = nil
	d.r = nil
	d.width, d.height = 0, 0
	d.depth, d.colorType, d.interlace, d.bitsPerPixel = 0, 0, 0, 0
	d.cgbi, d.hasAlpha = false, false
	d.seenIHDR, d.seenPLTE, d.seenTRNS = false, false, false
	d.seenIDAT, d.idatEnded = false, false

	for i := range d.palette {
		d.palette[i] = [4]byte{0, 0, 0, 0xff}
	}

	d.paletteLen = 0
	d.hasKey = false
	d.key = [3]uint16{}
	d.img = nil
	d.op = pixel.OpNone
	d.rows.Reset(nil)
	d.cur, d.prev, d.tmp = nil, nil, nil
	d.passes = nil
	d.pass, d.passW, d.passH, d.y = 0, 0, 0, 0
	d.bpp = 0
	d.filled = 0
	d.complete, d.streamEnded = false, false
}

func (d *decoder) decode(src source.Source, opts *pixel.Options) (*pixel.Image, error) {
	d.opts = opts
	d.log = opts.Log()
	d.r = source.NewReader(src, readBufferSize)
	d.rows.Reset(opts.Allocator)

	img, err := d.run()
	if err != nil {
		if d.img != nil && d.img.Pix != nil {
			alloc.Or(opts.Allocator).Free(d.img.Pix)
		}

		return nil, err
	}

	return img, nil
}

func (d *decoder) run() (*pixel.Image, error) {
	var sig [8]byte
	if err := d.r.ReadFull(sig[:]); err != nil {
		return nil, err
	}

	if string(sig[:]) != signature {
		return nil, okerr.Errorf(okerr.ErrInvalid, "png: not a PNG file")
	}

	var header [8]byte
	for {
		if err := d.r.ReadFull(header[:]); err != nil {
			return nil, err
		}

		length := binary.BigEndian.Uint32(header[:4])
		if length > maxChunkLength {
			return nil, okerr.Errorf(okerr.ErrInvalid, "png: chunk length %d too large", length)
		}

		name := string(header[4:])
		if !d.seenIHDR && name != "IHDR" && name != "CgBI" {
			return nil, okerr.Errorf(okerr.ErrInvalid, "png: chunk %q before IHDR", name)
		}

		if d.seenIDAT && name != "IDAT" {
			d.idatEnded = true
		}

		d.crc.Reset()
		d.crc.Write(header[4:])

		stop, err := d.chunk(name, int(length))
		if err != nil {
			return nil, err
		}

		if stop {
			return d.info(), nil
		}

		sum, err := d.r.Uint32BE()
		if err != nil {
			return nil, err
		}

		if d.opts.VerifyChecksums && sum != d.crc.Sum32() {
			return nil, okerr.Errorf(okerr.ErrInvalid, "png: bad CRC for chunk %q", name)
		}

		if name == "IEND" {
			return d.finish()
		}
	}
}

// chunk handles one chunk body. It reports whether info mode has learned enough to stop.
func (d *decoder) chunk(name string, length int) (bool, error) {
	switch name {
	case "CgBI":
		if d.seenIHDR {
			return false, okerr.Errorf(okerr.ErrInvalid, "png: CgBI after IHDR")
		}

		d.cgbi = true

		return false, d.skip(length)
	case "IHDR":
		return d.parseIHDR(length)
	case "PLTE":
		return false, d.parsePLTE(length)
	case "tRNS":
		return d.parseTRNS(length)
	case "IDAT":
		return d.parseIDAT(length)
	case "IEND":
		if !d.seenIDAT {
			return false, okerr.Errorf(okerr.ErrInvalid, "png: no image data")
		}

		return false, d.skip(length)
	}

	// Bit 5 of the first byte marks ancillary chunks.
	if name[0]&0x20 == 0 {
		return false, okerr.Errorf(okerr.ErrUnsupported, "png: unknown critical chunk %q", name)
	}

	d.log.Debug().Str("chunk", name).Int("length", length).Msg("png: skipping ancillary chunk")

	return false, d.skip(length)
}

// read reads a whole chunk body into a reusable buffer.
func (d *decoder) read(length int) ([]byte, error) {
	d.buf = grow(d.buf, length)
	if err := d.r.ReadFull(d.buf); err != nil {
		return nil, err
	}

	d.crc.Write(d.buf)

	return d.buf, nil
}

// skip discards a chunk body. Bytes are only read when the CRC has to be checked.
func (d *decoder) skip(length int) error {
	if !d.opts.VerifyChecksums {
		return d.r.Skip(int64(length))
	}

	for length > 0 {
		n := min(length, readBufferSize)
		p, err := d.r.Peek(n)
		if err != nil {
			return err
		}

		d.crc.Write(p)
		if err := d.r.Skip(int64(n)); err != nil {
			return err
		}

		length -= n
	}

	return nil
}

func (d *decoder) parseIHDR(length int) (bool, error) {
	if d.seenIHDR {
		return false, okerr.Errorf(okerr.ErrInvalid, "png: duplicate IHDR")
	}

	if length != 13 {
		return false, okerr.Errorf(okerr.ErrInvalid, "png: bad IHDR length %d", length)
	}

	p, err := d.read(length)
	if err != nil {
		return false, err
	}

	width := binary.BigEndian.Uint32(p[0:4])
	height := binary.BigEndian.Uint32(p[4:8])
	d.depth = int(p[8])
	d.colorType = int(p[9])
	d.interlace = int(p[12])

	switch {
	case width == 0 || height == 0:
		return false, okerr.Errorf(okerr.ErrInvalid, "png: zero image size")
	case width > maxChunkLength || height > maxChunkLength:
		return false, okerr.Errorf(okerr.ErrInvalid, "png: image size %dx%d too large", width, height)
	case !validDepth(d.colorType, d.depth):
		return false, okerr.Errorf(okerr.ErrInvalid, "png: bad bit depth %d for color type %d", d.depth, d.colorType)
	case p[10] != 0:
		return false, okerr.Errorf(okerr.ErrInvalid, "png: unknown compression method %d", p[10])
	case p[11] != 0:
		return false, okerr.Errorf(okerr.ErrInvalid, "png: unknown filter method %d", p[11])
	case d.interlace > 1:
		return false, okerr.Errorf(okerr.ErrInvalid, "png: unknown interlace method %d", d.interlace)
	}

	d.width, d.height = int(width), int(height)
	d.bitsPerPixel = channels(d.colorType) * d.depth

	if _, ok := alloc.MulInt(d.width, d.bitsPerPixel); !ok {
		return false, okerr.Errorf(okerr.ErrInvalid, "png: row size overflows")
	}

	stride, ok := alloc.MulInt(d.width, pixel.BytesPerPixel)
	if !ok {
		return false, okerr.Errorf(okerr.ErrInvalid, "png: row size overflows")
	}

	if _, ok := alloc.MulInt(stride, d.height); !ok {
		return false, okerr.Errorf(okerr.ErrInvalid, "png: image size overflows")
	}

	d.seenIHDR = true
	d.hasAlpha = d.colorType == ColorGrayAlpha || d.colorType == ColorTrueAlpha

	return d.opts.InfoOnly && d.hasAlpha, nil
}

func (d *decoder) parsePLTE(length int) error {
	switch {
	case d.seenPLTE:
		return okerr.Errorf(okerr.ErrInvalid, "png: duplicate PLTE")
	case d.seenIDAT:
		return okerr.Errorf(okerr.ErrInvalid, "png: PLTE after IDAT")
	case d.seenTRNS:
		return okerr.Errorf(okerr.ErrInvalid, "png: PLTE after tRNS")
	case d.colorType == ColorGray || d.colorType == ColorGrayAlpha:
		return okerr.Errorf(okerr.ErrInvalid, "png: PLTE in grayscale image")
	case length == 0 || length%3 != 0 || length > 256*3:
		return okerr.Errorf(okerr.ErrInvalid, "png: bad PLTE length %d", length)
	}

	p, err := d.read(length)
	if err != nil {
		return err
	}

	d.paletteLen = length / 3
	for i := 0; i < d.paletteLen; i++ {
		d.palette[i] = [4]byte{p[3*i], p[3*i+1], p[3*i+2], 0xff}
	}

	d.seenPLTE = true

	return nil
}

func (d *decoder) parseTRNS(length int) (bool, error) {
	switch {
	case d.seenTRNS:
		return false, okerr.Errorf(okerr.ErrInvalid, "png: duplicate tRNS")
	case d.seenIDAT:
		return false, okerr.Errorf(okerr.ErrInvalid, "png: tRNS after IDAT")
	}

	switch d.colorType {
	case ColorPalette:
		if !d.seenPLTE {
			return false, okerr.Errorf(okerr.ErrInvalid, "png: tRNS before PLTE")
		}

		if length > d.paletteLen {
			return false, okerr.Errorf(okerr.ErrInvalid, "png: tRNS has %d entries for a %d color palette", length, d.paletteLen)
		}
	case ColorGray:
		if length != 2 {
			return false, okerr.Errorf(okerr.ErrInvalid, "png: bad tRNS length %d", length)
		}
	case ColorTrue:
		if length != 6 {
			return false, okerr.Errorf(okerr.ErrInvalid, "png: bad tRNS length %d", length)
		}
	default:
		return false, okerr.Errorf(okerr.ErrInvalid, "png: tRNS in image with alpha channel")
	}

	p, err := d.read(length)
	if err != nil {
		return false, err
	}

	if d.colorType == ColorPalette {
		for i, a := range p {
			d.palette[i][3] = a
		}
	} else {
		for i := 0; i < length/2; i++ {
			d.key[i] = binary.BigEndian.Uint16(p[2*i:])
		}

		if d.colorType == ColorGray {
			d.key[1], d.key[2] = d.key[0], d.key[0]
		}

		d.hasKey = true
	}

	d.seenTRNS = true
	d.hasAlpha = true

	return d.opts.InfoOnly, nil
}

func (d *decoder) parseIDAT(length int) (bool, error) {
	if d.idatEnded {
		return false, okerr.Errorf(okerr.ErrInvalid, "png: non-consecutive IDAT chunks")
	}

	if !d.seenIDAT {
		if d.colorType == ColorPalette && !d.seenPLTE {
			return false, okerr.Errorf(okerr.ErrInvalid, "png: missing PLTE")
		}

		d.seenIDAT = true
		if d.opts.InfoOnly {
			return true, nil
		}

		if err := d.start(); err != nil {
			return false, err
		}
	}

	for length > 0 {
		n := min(length, readBufferSize)
		p, err := d.r.Peek(n)
		if err != nil {
			return false, err
		}

		d.crc.Write(p)
		if err := d.feed(p); err != nil {
			return false, err
		}

		if err := d.r.Skip(int64(n)); err != nil {
			return false, err
		}

		length -= n
	}

	return false, nil
}

// inflater returns an Inflater for the image stream. Inflaters backed by the default
// allocator stay with the pooled decoder.
func (d *decoder) inflater() (*inflate.Inflater, error) {
	if d.opts.Allocator != nil {
		return inflate.New(d.cgbi, d.opts.Allocator)
	}

	if d.pooledInf == nil {
		f, err := inflate.New(d.cgbi, nil)
		if err != nil {
			return nil, err
		}

		d.pooledInf = f
	}

	d.pooledInf.Reset(d.cgbi)

	return d.pooledInf, nil
}

// start allocates the output image and prepares the first pass.
func (d *decoder) start() error {
	buf, stride, err := alloc.Image(d.opts.Allocator, d.width, d.height, pixel.BytesPerPixel)
	if err != nil {
		return err
	}

	d.img = &pixel.Image{
		Width:         d.width,
		Height:        d.height,
		Stride:        stride,
		BytesPerPixel: pixel.BytesPerPixel,
		HasAlpha:      d.hasAlpha,
		Format:        d.opts.Format,
		Premultiplied: d.opts.Premultiplied,
		Flipped:       d.opts.Flip,
		Pix:           buf,
	}

	d.inf, err = d.inflater()
	if err != nil {
		return err
	}

	d.inf.SetVerifyChecksum(d.opts.VerifyChecksums)

	// Row buffers are sized for the widest pass and resliced per pass.
	rowLen := (d.width*d.bitsPerPixel+7)/8 + 1
	if d.cur, err = d.rows.Bytes(rowLen); err != nil {
		return err
	}

	if d.prev, err = d.rows.Bytes(rowLen); err != nil {
		return err
	}

	if d.interlace != 0 {
		if d.tmp, err = d.rows.Bytes(d.width * pixel.BytesPerPixel); err != nil {
			return err
		}
	}

	// CgBI stores BGR(A) with colors premultiplied by alpha.
	srcPremul := d.cgbi && (d.colorType == ColorTrueAlpha || d.colorType == ColorGrayAlpha)
	d.op = pixel.Convert(d.cgbi, d.opts.Format == pixel.BGRA, srcPremul, d.opts.Premultiplied)

	d.bpp = max(1, d.bitsPerPixel/8)
	d.passes = passes(d.interlace)
	d.pass = -1
	d.nextPass()

	return nil
}

// nextPass advances to the next pass that contains pixels.
func (d *decoder) nextPass() {
	for d.pass++; d.pass < len(d.passes); d.pass++ {
		w, h := d.passes[d.pass].size(d.width, d.height)
		if w == 0 || h == 0 {
			continue
		}

		d.passW, d.passH = w, h
		d.y = 0
		d.filled = 0

		rowLen := (w*d.bitsPerPixel+7)/8 + 1
		d.cur = d.cur[:rowLen]
		d.prev = d.prev[:rowLen]
		clear(d.prev)

		return
	}

	d.complete = true
}

// feed hands one slice of the image stream to the inflater.
func (d *decoder) feed(p []byte) error {
	if len(p) == 0 {
		return nil
	}

	if d.streamEnded {
		d.log.Debug().Int("length", len(p)).Msg("png: ignoring data after end of image stream")

		return nil
	}

	if d.complete && !d.opts.VerifyChecksums {
		return nil
	}

	if err := d.inf.SetInput(p); err != nil {
		return err
	}

	return d.pump()
}

// pump decodes scanlines until the inflater runs out of input.
func (d *decoder) pump() error {
	for {
		dst := d.scratch
		if !d.complete {
			dst = d.cur[d.filled:]
		}

		n, err := d.inf.Inflate(dst)

		if d.complete {
			if n > 0 {
				d.log.Debug().Int("length", n).Msg("png: ignoring extra image data")
			}
		} else {
			d.filled += n
			if d.filled == len(d.cur) {
				if err := d.row(); err != nil {
					return err
				}

				if d.complete && !d.opts.VerifyChecksums {
					return nil
				}
			}
		}

		if err == io.EOF {
			d.streamEnded = true

			return nil
		}

		if err != nil {
			return err
		}

		if n < len(dst) {
			return nil
		}
	}
}

// row defilters the completed scanline and stores its pixels.
func (d *decoder) row() error {
	if err := defilter(d.cur[0], d.cur[1:], d.prev[1:], d.bpp); err != nil {
		return err
	}

	p := d.passes[d.pass]
	y := p.y0 + d.y*p.dy
	if d.opts.Flip {
		y = d.height - 1 - y
	}

	dst := d.img.Pix[y*d.img.Stride:]

	if p.dx == 1 {
		d.transform(d.cur[1:], d.passW, dst[:d.passW*pixel.BytesPerPixel])
	} else {
		d.tmp = d.tmp[:d.passW*pixel.BytesPerPixel]
		d.transform(d.cur[1:], d.passW, d.tmp)

		for i := 0; i < d.passW; i++ {
			x := (p.x0 + i*p.dx) * pixel.BytesPerPixel
			copy(dst[x:x+pixel.BytesPerPixel], d.tmp[i*pixel.BytesPerPixel:])
		}
	}

	d.cur, d.prev = d.prev, d.cur
	d.filled = 0
	d.y++

	if d.y == d.passH {
		d.nextPass()
	}

	return nil
}

func (d *decoder) finish() (*pixel.Image, error) {
	if !d.complete {
		return nil, okerr.Errorf(okerr.ErrInvalid, "png: image data incomplete")
	}

	if d.opts.VerifyChecksums && !d.streamEnded {
		return nil, okerr.Errorf(okerr.ErrInvalid, "png: image stream not terminated")
	}

	img := d.img
	d.img = nil

	return img, nil
}

// info returns the header-only result of info mode.
func (d *decoder) info() *pixel.Image {
	return &pixel.Image{
		Width:         d.width,
		Height:        d.height,
		Stride:        d.width * pixel.BytesPerPixel,
		BytesPerPixel: pixel.BytesPerPixel,
		HasAlpha:      d.hasAlpha,
		Format:        d.opts.Format,
		Premultiplied: d.opts.Premultiplied,
		Flipped:       d.opts.Flip,
	}
}

func grow(b []byte, n int) []byte {
	if cap(b) < n {
		return make([]byte, n)
	}

	return b[:n]
}
