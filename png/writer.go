package png

import (
	"bufio"
	"encoding/binary"
	"hash"
	"hash/adler32"
	"hash/crc32"
	"io"

	"github.com/gen2brain/okfile/alloc"
	"github.com/gen2brain/okfile/okerr"
	"github.com/gen2brain/okfile/pixel"
)

// maxStoredBlock is the largest payload of a DEFLATE stored block.
const maxStoredBlock = 65535

// cgbiData is the body of the CgBI chunk written by Apple's pngcrush.
var cgbiData = []byte{0x50, 0x00, 0x20, 0x06}

// Chunk is an extra chunk written between IHDR and the image data.
type Chunk struct {
	Name string
	Data []byte
}

// WriteOptions describes the pixel rows passed to Write.
type WriteOptions struct {
	Width, Height int
	// Stride is the distance in bytes between rows of pix. Zero means packed rows.
	Stride int
	// BitDepth defaults to 8.
	BitDepth int
	// ColorType is one of the Color constants. Rows are stored as-is, so pix must
	// already be in the PNG sample layout for this color type and bit depth.
	ColorType int
	// Flip writes the rows of pix bottom-up.
	Flip bool
	// AppleCgBI writes a CgBI chunk and a raw DEFLATE stream. Callers provide the
	// BGRA premultiplied samples that format expects.
	AppleCgBI bool
	// Chunks are written after IHDR in order. PLTE, tRNS and ancillary chunks are
	// allowed; IHDR, IDAT, IEND and CgBI are produced by Write itself.
	Chunks []Chunk
	// MaxChunkSize limits the length of each IDAT chunk. Zero means 2^31-1.
	MaxChunkSize int
}

// Write encodes pix as a PNG image to w.
//
// Image data is stored uncompressed: every row gets filter type None and the zlib
// stream consists of stored blocks. All options are validated before the first
// byte is written.
func Write(w io.Writer, pix []byte, opts WriteOptions) error {
	if w == nil {
		return okerr.Errorf(okerr.ErrAPI, "png: nil writer")
	}

	if opts.BitDepth == 0 {
		opts.BitDepth = 8
	}

	if opts.MaxChunkSize == 0 {
		opts.MaxChunkSize = maxChunkLength
	}

	rowBytes, err := validateWrite(pix, &opts)
	if err != nil {
		return err
	}

	stride := opts.Stride
	if stride == 0 {
		stride = rowBytes
	}

	raw := opts.Height * (rowBytes + 1)
	blocks := (raw + maxStoredBlock - 1) / maxStoredBlock

	stream := raw + 5*blocks
	if !opts.AppleCgBI {
		stream += 2 + 4 // zlib header and Adler-32
	}

	bw := bufio.NewWriter(w)
	crc := crc32.NewIEEE()

	if _, err := bw.WriteString(signature); err != nil {
		return err
	}

	if opts.AppleCgBI {
		writeChunk(bw, crc, "CgBI", cgbiData)
	}

	var ihdr [13]byte
	binary.BigEndian.PutUint32(ihdr[0:], uint32(opts.Width))
	binary.BigEndian.PutUint32(ihdr[4:], uint32(opts.Height))
	ihdr[8] = byte(opts.BitDepth)
	ihdr[9] = byte(opts.ColorType)
	writeChunk(bw, crc, "IHDR", ihdr[:])

	for _, c := range opts.Chunks {
		writeChunk(bw, crc, c.Name, c.Data)
	}

	iw := &idatWriter{w: bw, crc: crc, left: stream, max: opts.MaxChunkSize}
	adler := adler32.New()

	if !opts.AppleCgBI {
		iw.Write([]byte{0x78, 0x01})
	}

	sw := &storedWriter{w: iw, left: raw, adler: adler}
	var filter [1]byte

	for y := 0; y < opts.Height; y++ {
		sy := y
		if opts.Flip {
			sy = opts.Height - 1 - y
		}

		sw.Write(filter[:])
		sw.Write(pix[sy*stride : sy*stride+rowBytes])
	}

	if !opts.AppleCgBI {
		var sum [4]byte
		binary.BigEndian.PutUint32(sum[:], adler.Sum32())
		iw.Write(sum[:])
	}

	writeChunk(bw, crc, "IEND", nil)

	if iw.err != nil {
		return iw.err
	}

	return bw.Flush()
}

// Encode writes img as an 8-bit RGBA PNG, converting BGRA, premultiplied and
// bottom-up images first.
func Encode(w io.Writer, img *pixel.Image) error {
	if img == nil || img.Pix == nil {
		return okerr.Errorf(okerr.ErrAPI, "png: no pixels to encode")
	}

	op := pixel.Convert(img.Format == pixel.BGRA, false, img.Premultiplied, false)
	pix := img.Pix
	stride := img.Stride

	if op != pixel.OpNone {
		stride = img.Width * pixel.BytesPerPixel
		pix = make([]byte, stride*img.Height)

		for y := 0; y < img.Height; y++ {
			row := pix[y*stride : (y+1)*stride]
			copy(row, img.Row(y))
			pixel.ConvertRow(row, img.Width, op)
		}
	}

	return Write(w, pix, WriteOptions{
		Width:     img.Width,
		Height:    img.Height,
		Stride:    stride,
		BitDepth:  8,
		ColorType: ColorTrueAlpha,
		Flip:      img.Flipped,
	})
}

// validateWrite checks opts against pix and returns the packed row length.
func validateWrite(pix []byte, opts *WriteOptions) (int, error) {
	switch {
	case opts.Width <= 0 || opts.Height <= 0:
		return 0, okerr.Errorf(okerr.ErrAPI, "png: invalid image size %dx%d", opts.Width, opts.Height)
	case opts.Width > maxChunkLength || opts.Height > maxChunkLength:
		return 0, okerr.Errorf(okerr.ErrAPI, "png: image size %dx%d too large", opts.Width, opts.Height)
	case !validDepth(opts.ColorType, opts.BitDepth):
		return 0, okerr.Errorf(okerr.ErrAPI, "png: bad bit depth %d for color type %d", opts.BitDepth, opts.ColorType)
	case opts.MaxChunkSize < 1 || opts.MaxChunkSize > maxChunkLength:
		return 0, okerr.Errorf(okerr.ErrAPI, "png: invalid maximum chunk size %d", opts.MaxChunkSize)
	case opts.Stride < 0:
		return 0, okerr.Errorf(okerr.ErrAPI, "png: negative stride")
	}

	rowBits, ok := alloc.MulInt(opts.Width, channels(opts.ColorType)*opts.BitDepth)
	if !ok {
		return 0, okerr.Errorf(okerr.ErrAPI, "png: row size overflows")
	}

	rowBytes := (rowBits + 7) / 8

	stride := opts.Stride
	if stride == 0 {
		stride = rowBytes
	}

	if stride < rowBytes {
		return 0, okerr.Errorf(okerr.ErrAPI, "png: stride %d shorter than row size %d", stride, rowBytes)
	}

	need, ok := alloc.MulInt(opts.Height-1, stride)
	if !ok || need+rowBytes < need || len(pix) < need+rowBytes {
		return 0, okerr.Errorf(okerr.ErrAPI, "png: pixel buffer too short")
	}

	if _, ok := alloc.MulInt(opts.Height, rowBytes+1+5); !ok {
		return 0, okerr.Errorf(okerr.ErrAPI, "png: image data size overflows")
	}

	var seenPLTE, seenTRNS bool
	for _, c := range opts.Chunks {
		if !validChunkName(c.Name) {
			return 0, okerr.Errorf(okerr.ErrAPI, "png: invalid chunk name %q", c.Name)
		}

		if len(c.Data) > maxChunkLength {
			return 0, okerr.Errorf(okerr.ErrAPI, "png: chunk %q too large", c.Name)
		}

		switch c.Name {
		case "IHDR", "IDAT", "IEND", "CgBI":
			return 0, okerr.Errorf(okerr.ErrAPI, "png: chunk %q is written automatically", c.Name)
		case "PLTE":
			if seenPLTE {
				return 0, okerr.Errorf(okerr.ErrAPI, "png: duplicate PLTE")
			}

			if seenTRNS {
				return 0, okerr.Errorf(okerr.ErrAPI, "png: PLTE after tRNS")
			}

			seenPLTE = true
		case "tRNS":
			if seenTRNS {
				return 0, okerr.Errorf(okerr.ErrAPI, "png: duplicate tRNS")
			}

			if opts.ColorType == ColorPalette && !seenPLTE {
				return 0, okerr.Errorf(okerr.ErrAPI, "png: tRNS before PLTE")
			}

			seenTRNS = true
		}
	}

	if opts.ColorType == ColorPalette && !seenPLTE {
		return 0, okerr.Errorf(okerr.ErrAPI, "png: palette image without PLTE")
	}

	return rowBytes, nil
}

func validChunkName(name string) bool {
	if len(name) != 4 {
		return false
	}

	for i := 0; i < 4; i++ {
		c := name[i] | 0x20
		if c < 'a' || c > 'z' {
			return false
		}
	}

	return true
}

// writeChunk writes a complete chunk. Write errors are sticky in bufio.Writer and
// reported by the final Flush.
func writeChunk(w *bufio.Writer, crc hash.Hash32, name string, data []byte) {
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(data)))
	w.Write(length[:])

	crc.Reset()
	w.WriteString(name)
	crc.Write([]byte(name))
	w.Write(data)
	crc.Write(data)

	var sum [4]byte
	binary.BigEndian.PutUint32(sum[:], crc.Sum32())
	w.Write(sum[:])
}

// idatWriter splits a stream of known total length into IDAT chunks of at most max bytes.
type idatWriter struct {
	w         *bufio.Writer
	crc       hash.Hash32
	left      int // Stream bytes not yet written.
	chunkLeft int // Bytes remaining in the open chunk.
	max       int
	err       error
}

func (iw *idatWriter) Write(p []byte) (int, error) {
	total := len(p)

	for len(p) > 0 {
		if iw.chunkLeft == 0 {
			iw.chunkLeft = min(iw.max, iw.left)

			var length [4]byte
			binary.BigEndian.PutUint32(length[:], uint32(iw.chunkLeft))
			iw.w.Write(length[:])
			iw.w.WriteString("IDAT")
			iw.crc.Reset()
			iw.crc.Write([]byte("IDAT"))
		}

		n := min(len(p), iw.chunkLeft)
		if _, err := iw.w.Write(p[:n]); err != nil && iw.err == nil {
			iw.err = err
		}

		iw.crc.Write(p[:n])
		iw.chunkLeft -= n
		iw.left -= n
		p = p[n:]

		if iw.chunkLeft == 0 {
			var sum [4]byte
			binary.BigEndian.PutUint32(sum[:], iw.crc.Sum32())
			iw.w.Write(sum[:])
		}
	}

	return total, nil
}

// storedWriter wraps raw bytes into DEFLATE stored blocks of known total length.
type storedWriter struct {
	w         io.Writer
	adler     hash.Hash32
	left      int // Raw bytes not yet written.
	blockLeft int // Bytes remaining in the open block.
}

func (sw *storedWriter) Write(p []byte) (int, error) {
	total := len(p)
	sw.adler.Write(p)

	for len(p) > 0 {
		if sw.blockLeft == 0 {
			n := min(maxStoredBlock, sw.left)

			var header [5]byte
			if n == sw.left {
				header[0] = 1 // final
			}

			binary.LittleEndian.PutUint16(header[1:], uint16(n))
			binary.LittleEndian.PutUint16(header[3:], ^uint16(n))
			sw.w.Write(header[:])
			sw.blockLeft = n
		}

		n := min(len(p), sw.blockLeft)
		sw.w.Write(p[:n])
		sw.blockLeft -= n
		sw.left -= n
		p = p[n:]
	}

	return total, nil
}
