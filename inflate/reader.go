package inflate

import (
	"io"

	"github.com/gen2brain/okfile/okerr"
)

const readerBufferSize = 4096

type reader struct {
	f   *Inflater
	src io.Reader
	buf []byte
	err error
}

// NewReader returns an io.Reader that decompresses r. Truncated input is reported
// as okerr.ErrIO, corrupt input as okerr.ErrInvalid.
func NewReader(r io.Reader, raw bool) (io.Reader, error) {
	f, err := New(raw, nil)
	if err != nil {
		return nil, err
	}

	return &reader{f: f, src: r, buf: make([]byte, readerBufferSize)}, nil
}

// NewVerifyingReader is like NewReader but also checks the zlib Adler-32 trailer.
func NewVerifyingReader(r io.Reader) (io.Reader, error) {
	f, err := New(false, nil)
	if err != nil {
		return nil, err
	}

	f.SetVerifyChecksum(true)

	return &reader{f: f, src: r, buf: make([]byte, readerBufferSize)}, nil
}

func (r *reader) Read(p []byte) (int, error) {
	if r.err != nil {
		return 0, r.err
	}

	if len(p) == 0 {
		return 0, nil
	}

	for {
		n, err := r.f.Inflate(p)
		if err != nil {
			r.err = err
			if n > 0 && err == io.EOF {
				return n, nil
			}

			return n, err
		}

		if n > 0 {
			return n, nil
		}

		if !r.f.NeedsInput() {
			continue
		}

		m, err := r.src.Read(r.buf)
		if m > 0 {
			if err := r.f.SetInput(r.buf[:m]); err != nil {
				r.err = err

				return 0, err
			}

			continue
		}

		switch {
		case err == io.EOF:
			r.err = okerr.Errorf(okerr.ErrIO, "inflate: unexpected end of stream")
		case err != nil:
			r.err = okerr.Errorf(okerr.ErrIO, "inflate: read failed: %v", err)
		default:
			continue
		}

		return 0, r.err
	}
}
