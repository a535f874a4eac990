package main

import (
	"bufio"
	"bytes"
	"hash/crc32"
	"io"
	"os"

	"github.com/gen2brain/okfile/inflate"
	"github.com/gen2brain/okfile/internal/logging"
	"github.com/gen2brain/okfile/internal/oops"
	"github.com/gen2brain/okfile/okerr"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zlib"
	"github.com/spf13/cobra"
)

func newInflateCommand() *cobra.Command {
	var raw, verify bool

	inflateCommand := &cobra.Command{
		Use:   "inflate IN OUT",
		Short: "Decompress a zlib or raw DEFLATE stream",
		Long:  "Decompress a zlib stream, or a raw DEFLATE stream with --raw. With --verify the input is decompressed a second time with klauspost/compress and both results are compared.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, sum, err := inflateFile(args[0], args[1], raw)
			if err != nil {
				return err
			}

			logging.Info().
				Str("in", args[0]).
				Str("out", args[1]).
				Int64("bytes", n).
				Msg("inflated stream")

			if !verify {
				return nil
			}

			wantN, wantSum, err := referenceInflate(args[0], raw)
			if err != nil {
				return err
			}

			if n != wantN || sum != wantSum {
				return oops.New(okerr.Errorf(okerr.ErrInvalid, "output differs from reference: %d bytes crc %08x, want %d bytes crc %08x", n, sum, wantN, wantSum), "verification failed")
			}

			logging.Info().Uint32("crc32", sum).Msg("output matches reference inflater")

			return nil
		},
	}

	inflateCommand.Flags().BoolVar(&raw, "raw", false, "Input is raw DEFLATE without a zlib wrapper")
	inflateCommand.Flags().BoolVar(&verify, "verify", false, "Cross-check the output against klauspost/compress")

	return inflateCommand
}

// inflateFile decompresses in to out and returns the output length and CRC-32.
func inflateFile(in, out string, raw bool) (n int64, sum uint32, err error) {
	src, err := os.Open(in)
	if err != nil {
		return 0, 0, oops.New(err, "failed to open %s", in)
	}
	defer src.Close()

	var r io.Reader
	if raw {
		r, err = inflate.NewReader(bufio.NewReader(src), true)
	} else {
		r, err = inflate.NewVerifyingReader(bufio.NewReader(src))
	}

	if err != nil {
		return 0, 0, oops.New(err, "failed to create inflater")
	}

	dst, err := os.Create(out)
	if err != nil {
		return 0, 0, oops.New(err, "failed to create %s", out)
	}

	defer func() {
		if cerr := dst.Close(); cerr != nil && err == nil {
			err = oops.New(cerr, "failed to close %s", out)
		}
	}()

	crc := crc32.NewIEEE()
	bw := bufio.NewWriter(dst)

	n, err = io.Copy(io.MultiWriter(bw, crc), r)
	if err != nil {
		return 0, 0, oops.New(err, "failed to inflate %s", in)
	}

	if err := bw.Flush(); err != nil {
		return 0, 0, oops.New(err, "failed to write %s", out)
	}

	return n, crc.Sum32(), nil
}

// referenceInflate decompresses in with klauspost/compress.
func referenceInflate(in string, raw bool) (int64, uint32, error) {
	data, err := os.ReadFile(in)
	if err != nil {
		return 0, 0, oops.New(err, "failed to read %s", in)
	}

	var r io.ReadCloser
	if raw {
		r = flate.NewReader(bytes.NewReader(data))
	} else {
		r, err = zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return 0, 0, oops.New(err, "reference inflater rejected %s", in)
		}
	}
	defer r.Close()

	crc := crc32.NewIEEE()

	n, err := io.Copy(crc, r)
	if err != nil {
		return 0, 0, oops.New(err, "reference inflater failed on %s", in)
	}

	return n, crc.Sum32(), nil
}
