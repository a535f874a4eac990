package alloc

import (
	"math"
	"unsafe"

	"github.com/gen2brain/okfile/okerr"
)

// Scratch tracks the working buffers of one decode, such as row buffers,
// component planes and coefficient storage, so they can all be handed back to
// their Allocator once the decode finishes or fails.
//
// The zero value allocates from Default.
type Scratch struct {
	a    Allocator
	bufs [][]byte
}

// Reset releases all buffers and switches to allocator a (nil means Default).
func (s *Scratch) Reset(a Allocator) {
	s.Release()
	s.a = a
}

// Bytes returns a zeroed buffer of n bytes.
func (s *Scratch) Bytes(n int) ([]byte, error) {
	if n < 0 {
		return nil, okerr.Errorf(okerr.ErrAllocation, "negative size %d", n)
	}

	a := Or(s.a)

	buf, err := a.Alloc(n)
	if err != nil {
		return nil, err
	}

	if len(buf) < n {
		a.Free(buf)

		return nil, okerr.Errorf(okerr.ErrAllocation, "allocator returned %d of %d bytes", len(buf), n)
	}

	buf = buf[:n]
	clear(buf)
	s.bufs = append(s.bufs, buf)

	return buf, nil
}

// Int32s returns a zeroed slice of n int32 values backed by a buffer from the allocator.
func (s *Scratch) Int32s(n int) ([]int32, error) {
	if n == 0 {
		return nil, nil
	}

	size, ok := MulInt(n, 4)
	if !ok || size > math.MaxInt-3 {
		return nil, okerr.Errorf(okerr.ErrAllocation, "%d values overflow", n)
	}

	// Allocators only promise byte alignment.
	buf, err := s.Bytes(size + 3)
	if err != nil {
		return nil, err
	}

	off := int(-uintptr(unsafe.Pointer(unsafe.SliceData(buf))) & 3)

	return unsafe.Slice((*int32)(unsafe.Pointer(&buf[off])), n), nil
}

// Free returns buf, which must have come from Bytes, to the allocator ahead of Release.
func (s *Scratch) Free(buf []byte) {
	for i, b := range s.bufs {
		if unsafe.SliceData(b) == unsafe.SliceData(buf) {
			Or(s.a).Free(b)
			s.bufs[i] = s.bufs[len(s.bufs)-1]
			s.bufs[len(s.bufs)-1] = nil
			s.bufs = s.bufs[:len(s.bufs)-1]

			return
		}
	}
}

// Release returns every outstanding buffer to the allocator.
func (s *Scratch) Release() {
	a := Or(s.a)
	for i, b := range s.bufs {
		a.Free(b)
		s.bufs[i] = nil
	}

	s.bufs = s.bufs[:0]
}

// Len returns the number of outstanding buffers.
func (s *Scratch) Len() int {
	return len(s.bufs)
}
