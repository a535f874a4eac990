package source

import (
	"encoding/binary"
	"errors"
	"io"
	"math"

	"github.com/gen2brain/okfile/okerr"
)

// MinBuffer is the smallest fill buffer a Reader uses.
const MinBuffer = 256

// DefaultBuffer is the fill buffer size used by New.
const DefaultBuffer = 4096

// Reader buffers a Source so that many small reads turn into few underlying calls.
// Any short read is reported as okerr.ErrIO; the reader never retries.
type Reader struct {
	src  Source
	buf  []byte
	r, w int   // buf[r:w] holds bytes read from src but not yet consumed.
	err  error // Sticky error from src.
	off  int64 // Number of bytes consumed so far.
}

// New returns a Reader over r with the default buffer size.
func New(r io.Reader) *Reader {
	return NewReader(FromReader(r), DefaultBuffer)
}

// NewReader returns a Reader over src using a fill buffer of at least MinBuffer bytes.
func NewReader(src Source, size int) *Reader {
	if size < MinBuffer {
		size = MinBuffer
	}

	return &Reader{
		src: src,
		buf: make([]byte, size),
	}
}

// Offset returns the number of bytes consumed from the start of the stream.
func (r *Reader) Offset() int64 {
	return r.off
}

// Buffered returns the number of bytes available without touching the source.
func (r *Reader) Buffered() int {
	return r.w - r.r
}

// fill performs a single read from the source into the free tail of the buffer.
// It returns false if no bytes could be added.
func (r *Reader) fill() bool {
	if r.err != nil {
		return false
	}

	// Slide unread bytes to the front.
	if r.r > 0 {
		copy(r.buf, r.buf[r.r:r.w])
		r.w -= r.r
		r.r = 0
	}

	if r.w == len(r.buf) {
		return false
	}

	n, err := r.src.Read(r.buf[r.w:])
	if n < 0 {
		n = 0
	}

	r.w += n
	if err != nil {
		r.err = err
	}

	if n == 0 && err == nil {
		// A reader returning (0, nil) makes no progress; treat it as the end of input
		// rather than spinning.
		r.err = io.ErrNoProgress
	}

	return n > 0
}

func (r *Reader) ioError() error {
	if r.err != nil && !errors.Is(r.err, io.EOF) && !errors.Is(r.err, io.ErrNoProgress) {
		return okerr.Errorf(okerr.ErrIO, "read failed: %v", r.err)
	}

	return okerr.Errorf(okerr.ErrIO, "unexpected end of input")
}

// Fill tries to buffer at least n bytes, up to the buffer size.
// It returns the number of bytes now buffered, which is less than n only at end of input.
func (r *Reader) Fill(n int) int {
	if n > len(r.buf) {
		n = len(r.buf)
	}

	for r.w-r.r < n {
		if !r.fill() {
			break
		}
	}

	return r.w - r.r
}

// Peek returns the next n bytes without consuming them. The slice is valid until the next call.
func (r *Reader) Peek(n int) ([]byte, error) {
	if n > len(r.buf) {
		return nil, okerr.Errorf(okerr.ErrAPI, "peek of %d bytes exceeds buffer", n)
	}

	if r.Fill(n) < n {
		return nil, r.ioError()
	}

	return r.buf[r.r : r.r+n], nil
}

// Read implements io.Reader. It returns io.EOF at the end of input.
func (r *Reader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	if r.r == r.w {
		// Large reads bypass the buffer.
		if len(p) >= len(r.buf) && r.err == nil {
			n, err := r.src.Read(p)
			if n < 0 {
				n = 0
			}

			r.off += int64(n)
			if err != nil {
				r.err = err
			}

			if n == 0 {
				if err == nil {
					return 0, nil
				}

				return 0, io.EOF
			}

			return n, nil
		}

		if !r.fill() {
			return 0, io.EOF
		}
	}

	n := copy(p, r.buf[r.r:r.w])
	r.r += n
	r.off += int64(n)

	return n, nil
}

// ReadFull fills p completely or returns okerr.ErrIO.
func (r *Reader) ReadFull(p []byte) error {
	for len(p) > 0 {
		n, _ := r.Read(p)
		if n == 0 {
			return r.ioError()
		}

		p = p[n:]
	}

	return nil
}

// Skip advances the stream by n bytes, consuming buffered bytes first.
func (r *Reader) Skip(n int64) error {
	if n < 0 {
		return okerr.Errorf(okerr.ErrAPI, "negative skip %d", n)
	}

	buffered := int64(r.w - r.r)
	if n <= buffered {
		r.r += int(n)
		r.off += n

		return nil
	}

	r.r, r.w = 0, 0
	r.off += buffered
	n -= buffered

	if r.err != nil {
		return r.ioError()
	}

	if err := r.src.Skip(n); err != nil {
		r.err = err

		return err
	}

	r.off += n

	return nil
}

// Byte reads a single byte.
func (r *Reader) Byte() (byte, error) {
	if r.r == r.w && !r.fill() {
		return 0, r.ioError()
	}

	b := r.buf[r.r]
	r.r++
	r.off++

	return b, nil
}

// next consumes n buffered bytes, filling first.
func (r *Reader) next(n int) ([]byte, error) {
	p, err := r.Peek(n)
	if err != nil {
		return nil, err
	}

	r.r += n
	r.off += int64(n)

	return p, nil
}

// Uint16BE reads a big-endian 16-bit integer.
func (r *Reader) Uint16BE() (uint16, error) {
	p, err := r.next(2)
	if err != nil {
		return 0, err
	}

	return binary.BigEndian.Uint16(p), nil
}

// Uint16LE reads a little-endian 16-bit integer.
func (r *Reader) Uint16LE() (uint16, error) {
	p, err := r.next(2)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint16(p), nil
}

// Uint32BE reads a big-endian 32-bit integer.
func (r *Reader) Uint32BE() (uint32, error) {
	p, err := r.next(4)
	if err != nil {
		return 0, err
	}

	return binary.BigEndian.Uint32(p), nil
}

// Uint32LE reads a little-endian 32-bit integer.
func (r *Reader) Uint32LE() (uint32, error) {
	p, err := r.next(4)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint32(p), nil
}

// Uint64BE reads a big-endian 64-bit integer.
func (r *Reader) Uint64BE() (uint64, error) {
	p, err := r.next(8)
	if err != nil {
		return 0, err
	}

	return binary.BigEndian.Uint64(p), nil
}

// Uint64LE reads a little-endian 64-bit integer.
func (r *Reader) Uint64LE() (uint64, error) {
	p, err := r.next(8)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint64(p), nil
}

// Float64BE reads a big-endian IEEE 754 double.
func (r *Reader) Float64BE() (float64, error) {
	v, err := r.Uint64BE()
	if err != nil {
		return 0, err
	}

	return math.Float64frombits(v), nil
}

// Err returns the sticky source error wrapped in okerr.ErrIO, or nil if the
// source only reached its end.
func (r *Reader) Err() error {
	if r.err != nil && !errors.Is(r.err, io.EOF) && !errors.Is(r.err, io.ErrNoProgress) {
		return okerr.Errorf(okerr.ErrIO, "read failed: %v", r.err)
	}

	return nil
}

// ReadAll reads the rest of the stream. If the size is known up front the
// caller can pass it as a capacity hint.
func (r *Reader) ReadAll(hint int) ([]byte, error) {
	if hint < 0 {
		hint = 0
	}

	data := make([]byte, 0, hint+r.Buffered())
	for {
		if r.r == r.w && !r.fill() {
			break
		}

		data = append(data, r.buf[r.r:r.w]...)
		r.off += int64(r.w - r.r)
		r.r = r.w
	}

	if r.err != nil && !errors.Is(r.err, io.EOF) && !errors.Is(r.err, io.ErrNoProgress) {
		return data, okerr.Errorf(okerr.ErrIO, "read failed: %v", r.err)
	}

	return data, nil
}
