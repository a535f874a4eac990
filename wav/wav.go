// Package wav reads uncompressed audio from RIFF/RIFX WAVE and Core Audio Format files.
//
// Samples are returned as one interleaved byte slice. By default they are
// converted to the host byte order; Options.Endian selects another order or
// keeps the file's.
package wav

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/gen2brain/okfile/okerr"
	"github.com/gen2brain/okfile/source"
	"github.com/rs/zerolog"
)

// Endian selects the byte order of decoded samples.
type Endian int

const (
	// Native converts samples to the host byte order.
	Native Endian = iota
	// Little converts samples to little-endian.
	Little
	// Big converts samples to big-endian.
	Big
	// Keep leaves samples in the file's byte order.
	Keep
)

// Options specifies decoding parameters.
type Options struct {
	// InfoOnly stops once the format and frame count are known. Data is nil.
	InfoOnly bool
	// Endian is the requested sample byte order.
	Endian Endian
	// Logger receives debug events about skipped chunks. Nil disables logging.
	Logger *zerolog.Logger
}

// Audio is decoded PCM audio.
type Audio struct {
	SampleRate  int
	NumChannels int
	// BitDepth is the number of bits per sample: 8, 16, 24, 32 or 64.
	BitDepth int
	// IsFloat reports IEEE floating point samples.
	IsFloat bool
	// IsLittleEndian reports the byte order of Data.
	IsLittleEndian bool
	// NumFrames is the number of sample frames, one sample per channel each.
	NumFrames int
	// Data holds NumFrames*NumChannels interleaved samples, or nil in info mode.
	Data []byte
}

// FrameSize returns the number of bytes in one sample frame.
func (a *Audio) FrameSize() int {
	return a.NumChannels * a.BitDepth / 8
}

// Formats from the WAVE format tag.
const (
	formatPCM        = 1
	formatFloat      = 3
	formatExtensible = 0xFFFE
)

// dataChunkGrow caps the up-front allocation for a data chunk, so that a bogus size
// fails with a short read instead of a huge allocation.
const dataChunkGrow = 1 << 20

var nativeLittle = binary.NativeEndian.Uint16([]byte{1, 0}) == 1

var defaultOptions = Options{}

var nopLogger = zerolog.Nop()

type decoder struct {
	opts  *Options
	log   *zerolog.Logger
	r     *source.Reader
	order binary.ByteOrder
	audio Audio
	hdr   [8]byte
}

// Decode reads a WAV or CAF file from r.
func Decode(r io.Reader, opts ...*Options) (*Audio, error) {
	if r == nil {
		return nil, okerr.Errorf(okerr.ErrAPI, "wav: nil reader")
	}

	return DecodeSource(source.FromReader(r), opts...)
}

// DecodeSource is like Decode but reads from a Source.
func DecodeSource(src source.Source, opts ...*Options) (*Audio, error) {
	if src == nil {
		return nil, okerr.Errorf(okerr.ErrAPI, "wav: nil source")
	}

	d := &decoder{
		opts: &defaultOptions,
		log:  &nopLogger,
		r:    source.NewReader(src, source.DefaultBuffer),
	}

	if len(opts) > 0 && opts[0] != nil {
		d.opts = opts[0]
		if d.opts.Logger != nil {
			d.log = d.opts.Logger
		}
	}

	if err := d.decode(); err != nil {
		return nil, err
	}

	return &d.audio, nil
}

func (d *decoder) decode() error {
	if err := d.r.ReadFull(d.hdr[:4]); err != nil {
		return err
	}

	switch string(d.hdr[:4]) {
	case "RIFF":
		d.order = binary.LittleEndian

		return d.decodeWAVE()
	case "RIFX":
		d.order = binary.BigEndian

		return d.decodeWAVE()
	case "caff":
		d.order = binary.BigEndian

		return d.decodeCAF()
	default:
		return okerr.Errorf(okerr.ErrInvalid, "wav: not a RIFF or CAF file")
	}
}

func (d *decoder) decodeWAVE() error {
	if err := d.r.ReadFull(d.hdr[:8]); err != nil {
		return err
	}

	if string(d.hdr[4:8]) != "WAVE" {
		return okerr.Errorf(okerr.ErrInvalid, "wav: RIFF form is %q, not WAVE", d.hdr[4:8])
	}

	seenFmt := false
	for {
		// A clean end before the data chunk is a format error, not a short read.
		if d.r.Fill(8) == 0 {
			return okerr.Errorf(okerr.ErrInvalid, "wav: missing data chunk")
		}

		if err := d.r.ReadFull(d.hdr[:8]); err != nil {
			return err
		}

		id := string(d.hdr[:4])
		size := int64(d.order.Uint32(d.hdr[4:]))

		switch id {
		case "fmt ":
			if seenFmt {
				return okerr.Errorf(okerr.ErrInvalid, "wav: duplicate fmt chunk")
			}

			if err := d.decodeFmt(size); err != nil {
				return err
			}

			seenFmt = true
		case "data":
			if !seenFmt {
				return okerr.Errorf(okerr.ErrInvalid, "wav: data chunk before fmt chunk")
			}

			if size == 0xFFFFFFFF {
				d.log.Debug().Msg("wav: streaming data size, reading until end of input")
				size = -1
			}

			return d.readData(size)
		default:
			d.log.Debug().Str("chunk", id).Int64("size", size).Msg("wav: skipping chunk")

			if err := d.r.Skip(size + size&1); err != nil {
				return err
			}
		}
	}
}

func (d *decoder) decodeFmt(size int64) error {
	if size < 16 {
		return okerr.Errorf(okerr.ErrInvalid, "wav: fmt chunk too short (%d bytes)", size)
	}

	n := size
	if n > 40 {
		n = 40
	}

	var p [40]byte
	if err := d.r.ReadFull(p[:n]); err != nil {
		return err
	}

	if err := d.r.Skip(size - n + size&1); err != nil {
		return err
	}

	format := int(d.order.Uint16(p[0:]))
	channels := int(d.order.Uint16(p[2:]))
	rate := d.order.Uint32(p[4:])
	blockAlign := int(d.order.Uint16(p[12:]))
	bits := int(d.order.Uint16(p[14:]))

	if format == formatExtensible {
		if n < 40 {
			return okerr.Errorf(okerr.ErrInvalid, "wav: extensible fmt chunk too short (%d bytes)", size)
		}

		// The sub-format GUID starts with the plain format tag.
		format = int(d.order.Uint16(p[24:]))
	}

	switch format {
	case formatPCM:
		if bits != 8 && bits != 16 && bits != 24 && bits != 32 {
			return okerr.Errorf(okerr.ErrUnsupported, "wav: %d-bit PCM", bits)
		}
	case formatFloat:
		if bits != 32 && bits != 64 {
			return okerr.Errorf(okerr.ErrUnsupported, "wav: %d-bit float", bits)
		}

		d.audio.IsFloat = true
	default:
		return okerr.Errorf(okerr.ErrUnsupported, "wav: format tag %#x", format)
	}

	if channels == 0 || rate == 0 || rate > 1<<30 {
		return okerr.Errorf(okerr.ErrInvalid, "wav: %d channels at %d Hz", channels, rate)
	}

	if blockAlign != channels*bits/8 {
		return okerr.Errorf(okerr.ErrInvalid, "wav: block align %d for %d channels of %d bits", blockAlign, channels, bits)
	}

	d.audio.SampleRate = int(rate)
	d.audio.NumChannels = channels
	d.audio.BitDepth = bits

	return nil
}

// readData reads size bytes of interleaved samples, or everything up to the end
// of input when size is negative.
func (d *decoder) readData(size int64) error {
	frameSize := int64(d.audio.FrameSize())

	if d.opts.InfoOnly {
		d.audio.IsLittleEndian = d.targetLittle()
		if size >= 0 {
			d.audio.NumFrames = int(size / frameSize)
		}

		return nil
	}

	var buf bytes.Buffer

	if size >= 0 {
		buf.Grow(int(min(size, dataChunkGrow)))

		n, err := io.CopyN(&buf, d.r, size)
		if n < size {
			if err != nil && err != io.EOF {
				return okerr.Errorf(okerr.ErrIO, "wav: reading samples: %v", err)
			}

			return okerr.Errorf(okerr.ErrIO, "wav: data chunk truncated at %d of %d bytes", n, size)
		}
	} else {
		data, err := d.r.ReadAll(0)
		if err != nil {
			return err
		}

		buf.Write(data)
	}

	data := buf.Bytes()
	if rem := int64(len(data)) % frameSize; rem != 0 {
		d.log.Debug().Int64("bytes", rem).Msg("wav: dropping partial sample frame")
		data = data[:int64(len(data))-rem]
	}

	d.audio.NumFrames = int(int64(len(data)) / frameSize)
	d.audio.Data = data
	d.setOrder()

	return nil
}

// targetLittle reports whether the requested sample order is little-endian.
func (d *decoder) targetLittle() bool {
	switch d.opts.Endian {
	case Native:
		return nativeLittle
	case Little:
		return true
	case Big:
		return false
	default:
		return d.order == binary.LittleEndian
	}
}

// setOrder converts Data to the requested byte order.
func (d *decoder) setOrder() {
	want := d.targetLittle()
	if want != (d.order == binary.LittleEndian) {
		swapSamples(d.audio.Data, d.audio.BitDepth/8)
	}

	d.audio.IsLittleEndian = want
}

// swapSamples reverses the bytes of every width-byte sample in p.
func swapSamples(p []byte, width int) {
	if width < 2 {
		return
	}

	for i := 0; i+width <= len(p); i += width {
		s := p[i : i+width]
		for a, b := 0, width-1; a < b; a, b = a+1, b-1 {
			s[a], s[b] = s[b], s[a]
		}
	}
}
