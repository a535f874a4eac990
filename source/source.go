// Package source provides the byte source abstraction every okfile decoder reads through.
//
// A Source exposes exactly two capabilities: read some bytes, and skip forward.
// The same decoder logic therefore runs unchanged against a memory buffer, a file,
// or caller-supplied callbacks. Reader layers a small fill buffer and fixed-width
// integer helpers on top of any Source.
package source

import (
	"io"

	"github.com/gen2brain/okfile/okerr"
)

// Source is the byte source capability consumed by the decoders.
//
// Read follows the io.Reader contract and must not block indefinitely.
// Skip advances the stream by n bytes; negative values are rejected.
type Source interface {
	io.Reader
	Skip(n int64) error
}

// FromReader adapts r to a Source.
// If r already implements Source it is returned unchanged. Readers that implement
// io.Seeker skip with a relative seek; all others skip by discarding bytes.
func FromReader(r io.Reader) Source {
	if s, ok := r.(Source); ok {
		return s
	}

	return &readerSource{r: r}
}

type readerSource struct {
	r io.Reader
}

func (s *readerSource) Read(p []byte) (int, error) {
	return s.r.Read(p)
}

func (s *readerSource) Skip(n int64) error {
	if n < 0 {
		return okerr.Errorf(okerr.ErrAPI, "negative skip %d", n)
	}

	if n == 0 {
		return nil
	}

	if seeker, ok := s.r.(io.Seeker); ok {
		// Seeking past EOF succeeds on files, so verify against the end position.
		cur, err := seeker.Seek(0, io.SeekCurrent)
		if err == nil {
			end, errEnd := seeker.Seek(0, io.SeekEnd)
			if errEnd == nil {
				if _, err := seeker.Seek(cur, io.SeekStart); err != nil {
					return okerr.Errorf(okerr.ErrIO, "seek failed: %v", err)
				}

				if cur+n > end {
					return okerr.Errorf(okerr.ErrIO, "skip past end of input")
				}

				if _, err := seeker.Seek(n, io.SeekCurrent); err != nil {
					return okerr.Errorf(okerr.ErrIO, "seek failed: %v", err)
				}

				return nil
			}
		}
	}

	copied, err := io.CopyN(io.Discard, s.r, n)
	if copied != n {
		return okerr.Errorf(okerr.ErrIO, "skip past end of input (%v)", err)
	}

	return nil
}

// FromBytes returns a Source reading from a memory buffer.
func FromBytes(data []byte) Source {
	return &bytesSource{data: data}
}

type bytesSource struct {
	data []byte
	pos  int
}

func (s *bytesSource) Read(p []byte) (int, error) {
	if s.pos >= len(s.data) {
		return 0, io.EOF
	}

	n := copy(p, s.data[s.pos:])
	s.pos += n

	return n, nil
}

func (s *bytesSource) Skip(n int64) error {
	if n < 0 {
		return okerr.Errorf(okerr.ErrAPI, "negative skip %d", n)
	}

	if n > int64(len(s.data)-s.pos) {
		s.pos = len(s.data)

		return okerr.Errorf(okerr.ErrIO, "skip past end of input")
	}

	s.pos += int(n)

	return nil
}

// Funcs adapts a pair of caller callbacks to a Source.
//
// ReadFunc returns the number of bytes read, 0 on end of input or error.
// SeekFunc advances by a relative byte count and reports success. A nil SeekFunc
// skips by reading and discarding.
type Funcs struct {
	ReadFunc func(p []byte) int
	SeekFunc func(n int64) bool
}

// Read implements io.Reader.
func (f Funcs) Read(p []byte) (int, error) {
	if f.ReadFunc == nil {
		return 0, okerr.Errorf(okerr.ErrAPI, "missing read function")
	}

	if len(p) == 0 {
		return 0, nil
	}

	n := f.ReadFunc(p)
	if n <= 0 {
		return 0, io.EOF
	}

	return n, nil
}

// Skip implements Source.
func (f Funcs) Skip(n int64) error {
	if n < 0 {
		return okerr.Errorf(okerr.ErrAPI, "negative skip %d", n)
	}

	if f.SeekFunc != nil {
		if !f.SeekFunc(n) {
			return okerr.Errorf(okerr.ErrIO, "seek failed")
		}

		return nil
	}

	copied, _ := io.CopyN(io.Discard, f, n)
	if copied != n {
		return okerr.Errorf(okerr.ErrIO, "skip past end of input")
	}

	return nil
}
