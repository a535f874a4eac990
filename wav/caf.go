package wav

import (
	"encoding/binary"
	"math"

	"github.com/gen2brain/okfile/okerr"
)

// Audio description flags.
const (
	cafFloat        = 1 << 0
	cafLittleEndian = 1 << 1
)

// decodeCAF reads a Core Audio Format file after its "caff" signature.
// All CAF header fields are big-endian; only the samples may be little-endian.
func (d *decoder) decodeCAF() error {
	version, err := d.r.Uint16BE()
	if err != nil {
		return err
	}

	if _, err := d.r.Uint16BE(); err != nil {
		return err
	}

	if version != 1 {
		return okerr.Errorf(okerr.ErrUnsupported, "wav: CAF version %d", version)
	}

	seenDesc := false
	for {
		if d.r.Fill(12) == 0 {
			return okerr.Errorf(okerr.ErrInvalid, "wav: missing CAF data chunk")
		}

		var id [4]byte
		if err := d.r.ReadFull(id[:]); err != nil {
			return err
		}

		u, err := d.r.Uint64BE()
		if err != nil {
			return err
		}

		size := int64(u)

		// The description chunk must come first.
		if !seenDesc && string(id[:]) != "desc" {
			return okerr.Errorf(okerr.ErrInvalid, "wav: CAF %q chunk before desc", id[:])
		}

		switch string(id[:]) {
		case "desc":
			if seenDesc {
				return okerr.Errorf(okerr.ErrInvalid, "wav: duplicate CAF desc chunk")
			}

			if err := d.decodeDesc(size); err != nil {
				return err
			}

			seenDesc = true
		case "pakt":
			return okerr.Errorf(okerr.ErrUnsupported, "wav: CAF packet table (compressed audio)")
		case "data":
			if size != -1 && size < 4 {
				return okerr.Errorf(okerr.ErrInvalid, "wav: CAF data chunk size %d", size)
			}

			// Edit count.
			if err := d.r.Skip(4); err != nil {
				return err
			}

			if size == -1 {
				return d.readData(-1)
			}

			return d.readData(size - 4)
		default:
			if size < 0 {
				return okerr.Errorf(okerr.ErrInvalid, "wav: CAF %q chunk size %d", id[:], size)
			}

			d.log.Debug().Str("chunk", string(id[:])).Int64("size", size).Msg("wav: skipping chunk")

			if err := d.r.Skip(size); err != nil {
				return err
			}
		}
	}
}

func (d *decoder) decodeDesc(size int64) error {
	if size != 32 {
		return okerr.Errorf(okerr.ErrInvalid, "wav: CAF desc chunk size %d", size)
	}

	var p [32]byte
	if err := d.r.ReadFull(p[:]); err != nil {
		return err
	}

	be := binary.BigEndian

	rate := math.Float64frombits(be.Uint64(p[0:]))
	formatID := string(p[8:12])
	flags := be.Uint32(p[12:])
	bytesPerPacket := be.Uint32(p[16:])
	framesPerPacket := be.Uint32(p[20:])
	channels := be.Uint32(p[24:])
	bits := be.Uint32(p[28:])

	if formatID != "lpcm" {
		return okerr.Errorf(okerr.ErrUnsupported, "wav: CAF format %q", formatID)
	}

	if !(rate >= 1 && rate <= 1<<30) || channels == 0 || channels > 0xFFFF {
		return okerr.Errorf(okerr.ErrInvalid, "wav: %d channels at %g Hz", channels, rate)
	}

	if flags&cafFloat != 0 {
		if bits != 32 && bits != 64 {
			return okerr.Errorf(okerr.ErrUnsupported, "wav: %d-bit float", bits)
		}

		d.audio.IsFloat = true
	} else if bits != 8 && bits != 16 && bits != 24 && bits != 32 {
		return okerr.Errorf(okerr.ErrUnsupported, "wav: %d-bit PCM", bits)
	}

	if framesPerPacket != 1 || bytesPerPacket != channels*bits/8 {
		return okerr.Errorf(okerr.ErrInvalid, "wav: CAF packet of %d bytes, %d frames", bytesPerPacket, framesPerPacket)
	}

	if flags&cafLittleEndian == 0 {
		d.order = binary.BigEndian
	} else {
		d.order = binary.LittleEndian
	}

	d.audio.SampleRate = int(math.Round(rate))
	d.audio.NumChannels = int(channels)
	d.audio.BitDepth = int(bits)

	return nil
}
