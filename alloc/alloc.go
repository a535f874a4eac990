// Package alloc defines the allocator capability injected into decoders.
//
// All buffers a decoder needs (pixel buffers, sample buffers, inflate windows) are
// requested through an Allocator so callers can substitute arenas or pooled memory.
package alloc

import (
	"math"
	"math/bits"
	"sync"

	"github.com/gen2brain/okfile/okerr"
)

// Allocator hands out and reclaims byte buffers.
type Allocator interface {
	// Alloc returns a zeroed buffer of exactly size bytes.
	Alloc(size int) ([]byte, error)
	// Free returns a buffer obtained from Alloc. Callers must not use it afterwards.
	Free(buf []byte)
}

// ImageAllocator is an optional capability for callers that want custom pixel-buffer
// placement, for example padded rows or externally mapped memory.
type ImageAllocator interface {
	// ImageAlloc returns a buffer for a width x height image with bpp bytes per pixel,
	// and the row stride in bytes, which must be at least width*bpp.
	ImageAlloc(width, height, bpp int) (buf []byte, stride int, err error)
}

// Default allocates with make and leaves reclamation to the garbage collector.
var Default Allocator = defaultAllocator{}

type defaultAllocator struct{}

func (defaultAllocator) Alloc(size int) ([]byte, error) {
	if size < 0 {
		return nil, okerr.Errorf(okerr.ErrAllocation, "negative size %d", size)
	}

	return make([]byte, size), nil
}

func (defaultAllocator) Free([]byte) {}

// Or returns a if it is not nil, Default otherwise.
func Or(a Allocator) Allocator {
	if a == nil {
		return Default
	}

	return a
}

// Image allocates a pixel buffer through a. If a implements ImageAllocator it is
// used; otherwise a packed buffer with stride width*bpp is requested from Alloc.
func Image(a Allocator, width, height, bpp int) ([]byte, int, error) {
	a = Or(a)
	if width <= 0 || height <= 0 || bpp <= 0 {
		return nil, 0, okerr.Errorf(okerr.ErrAPI, "invalid image size %dx%dx%d", width, height, bpp)
	}

	if ia, ok := a.(ImageAllocator); ok {
		buf, stride, err := ia.ImageAlloc(width, height, bpp)
		if err != nil {
			return nil, 0, okerr.Errorf(okerr.ErrAllocation, "image allocation failed: %v", err)
		}

		row, ok := MulInt(width, bpp)
		if !ok || stride < row {
			return nil, 0, okerr.Errorf(okerr.ErrAllocation, "image allocator returned stride %d", stride)
		}

		last, ok := MulInt(height-1, stride)
		if !ok || last > math.MaxInt-row || len(buf) < last+row {
			return nil, 0, okerr.Errorf(okerr.ErrAllocation, "image allocator returned a short buffer")
		}

		return buf, stride, nil
	}

	stride, ok := mulInt(width, bpp)
	if !ok {
		return nil, 0, okerr.Errorf(okerr.ErrAllocation, "row stride overflows")
	}

	size, ok := mulInt(stride, height)
	if !ok {
		return nil, 0, okerr.Errorf(okerr.ErrAllocation, "image size overflows")
	}

	buf, err := a.Alloc(size)
	if err != nil {
		return nil, 0, err
	}

	return buf, stride, nil
}

// mulInt multiplies two non-negative ints, reporting overflow.
func mulInt(a, b int) (int, bool) {
	hi, lo := bits.Mul64(uint64(a), uint64(b))
	if hi != 0 || lo > math.MaxInt {
		return 0, false
	}

	return int(lo), true
}

// MulInt multiplies two non-negative ints, reporting whether the product fits an int.
func MulInt(a, b int) (int, bool) {
	if a < 0 || b < 0 {
		return 0, false
	}

	return mulInt(a, b)
}

// Pool is an Allocator that recycles buffers by power-of-two size class.
// It is safe for concurrent use.
type Pool struct {
	classes [64]sync.Pool
}

// NewPool returns an empty Pool.
func NewPool() *Pool {
	return &Pool{}
}

// class returns the size class index for size (the smallest power of two >= size).
func class(size int) int {
	if size <= 1 {
		return 0
	}

	return bits.Len(uint(size - 1))
}

// Alloc implements Allocator.
func (p *Pool) Alloc(size int) ([]byte, error) {
	if size < 0 {
		return nil, okerr.Errorf(okerr.ErrAllocation, "negative size %d", size)
	}

	c := class(size)
	if c >= len(p.classes) {
		return nil, okerr.Errorf(okerr.ErrAllocation, "size %d too large", size)
	}

	if v := p.classes[c].Get(); v != nil {
		buf := (*(v.(*[]byte)))[:size]
		clear(buf)

		return buf, nil
	}

	buf := make([]byte, size, 1<<c)

	return buf, nil
}

// Free implements Allocator. Buffers not obtained from this pool are dropped.
func (p *Pool) Free(buf []byte) {
	c := cap(buf)
	if c == 0 || c&(c-1) != 0 {
		return
	}

	b := buf[:0]
	p.classes[class(c)].Put(&b)
}
