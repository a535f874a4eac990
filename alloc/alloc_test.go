package alloc

import (
	"math"
	"testing"

	"github.com/gen2brain/okfile/okerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// paddedAllocator pads every row to a multiple of 64 bytes.
type paddedAllocator struct {
	defaultAllocator
	calls int
}

func (p *paddedAllocator) ImageAlloc(width, height, bpp int) ([]byte, int, error) {
	p.calls++
	stride := (width*bpp + 63) &^ 63

	return make([]byte, stride*height), stride, nil
}

type shortAllocator struct {
	defaultAllocator
}

func (shortAllocator) ImageAlloc(width, height, bpp int) ([]byte, int, error) {
	return make([]byte, 4), width * bpp, nil
}

// strideAllocator reports a fixed stride regardless of the request.
type strideAllocator struct {
	defaultAllocator
	stride int
}

func (s strideAllocator) ImageAlloc(width, height, bpp int) ([]byte, int, error) {
	return make([]byte, 64), s.stride, nil
}

// countingAllocator records outstanding bytes and buffers.
type countingAllocator struct {
	live, total int
	buffers     int
}

func (c *countingAllocator) Alloc(size int) ([]byte, error) {
	c.live += size
	c.total += size
	c.buffers++

	// Odd offsets exercise the int32 alignment.
	return make([]byte, size+1)[1:], nil
}

func (c *countingAllocator) Free(buf []byte) {
	c.live -= len(buf)
	c.buffers--
}

func TestImage(t *testing.T) {
	t.Run("default", func(t *testing.T) {
		buf, stride, err := Image(nil, 3, 2, 4)
		require.NoError(t, err)
		assert.Equal(t, 12, stride)
		assert.Len(t, buf, 24)
	})

	t.Run("image allocator", func(t *testing.T) {
		a := &paddedAllocator{}
		buf, stride, err := Image(a, 3, 2, 4)
		require.NoError(t, err)
		assert.Equal(t, 64, stride)
		assert.Len(t, buf, 128)
		assert.Equal(t, 1, a.calls)
	})

	t.Run("short buffer", func(t *testing.T) {
		_, _, err := Image(shortAllocator{}, 3, 2, 4)
		assert.ErrorIs(t, err, okerr.ErrAllocation)
	})

	t.Run("hostile stride", func(t *testing.T) {
		for _, stride := range []int{-1, 1, math.MaxInt / 2, math.MaxInt} {
			_, _, err := Image(strideAllocator{stride: stride}, 3, 4, 4)
			assert.ErrorIs(t, err, okerr.ErrAllocation, "stride %d", stride)
		}
	})

	t.Run("overflow", func(t *testing.T) {
		_, _, err := Image(nil, math.MaxInt/2, 3, 4)
		assert.ErrorIs(t, err, okerr.ErrAllocation)
	})

	t.Run("invalid size", func(t *testing.T) {
		_, _, err := Image(nil, 0, 3, 4)
		assert.ErrorIs(t, err, okerr.ErrAPI)
	})
}

func TestPool(t *testing.T) {
	p := NewPool()

	buf, err := p.Alloc(100)
	require.NoError(t, err)
	assert.Len(t, buf, 100)
	assert.Equal(t, 128, cap(buf))

	for i := range buf {
		buf[i] = 0xff
	}

	p.Free(buf)

	again, err := p.Alloc(120)
	require.NoError(t, err)
	assert.Len(t, again, 120)

	for _, b := range again {
		require.Zero(t, b)
	}

	_, err = p.Alloc(-1)
	assert.ErrorIs(t, err, okerr.ErrAllocation)
}

func TestMulInt(t *testing.T) {
	v, ok := MulInt(1<<20, 1<<10)
	assert.True(t, ok)
	assert.Equal(t, 1<<30, v)

	_, ok = MulInt(math.MaxInt, 2)
	assert.False(t, ok)

	_, ok = MulInt(-1, 2)
	assert.False(t, ok)
}

func TestScratch(t *testing.T) {
	a := &countingAllocator{}

	var s Scratch
	s.Reset(a)

	b, err := s.Bytes(10)
	require.NoError(t, err)
	assert.Len(t, b, 10)

	v, err := s.Int32s(5)
	require.NoError(t, err)
	require.Len(t, v, 5)

	for i := range v {
		v[i] = int32(-i)
	}

	assert.Equal(t, []int32{0, -1, -2, -3, -4}, v)
	assert.Equal(t, 2, s.Len())
	assert.Equal(t, 2, a.buffers)

	s.Free(b)
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, 23, a.live)

	s.Release()
	assert.Zero(t, s.Len())
	assert.Zero(t, a.live)
	assert.Zero(t, a.buffers)
	assert.Equal(t, 33, a.total)

	_, err = s.Bytes(-1)
	assert.ErrorIs(t, err, okerr.ErrAllocation)

	_, err = s.Int32s(math.MaxInt / 2)
	assert.ErrorIs(t, err, okerr.ErrAllocation)
}

func TestScratchDefault(t *testing.T) {
	var s Scratch

	b, err := s.Bytes(16)
	require.NoError(t, err)
	assert.Len(t, b, 16)

	s.Release()
	assert.Zero(t, s.Len())
}
