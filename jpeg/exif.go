package jpeg

import (
	"io"

	"github.com/gen2brain/okfile/okerr"
	"github.com/gen2brain/okfile/pixel"
	"github.com/gen2brain/okfile/source"
)

// Exif holds the commonly used fields of an EXIF block.
type Exif struct {
	Orientation int
	Width       int
	Height      int

	Make     string
	Model    string
	Software string
	Artist   string

	DateTime         string
	DateTimeOriginal string

	ExposureTime float64
	FNumber      float64
	ISOSpeed     int
	FocalLength  float64
	Flash        int
}

// EXIF tag constants
const (
	// Main IFD tags
	tagImageWidth     = 0x0100
	tagImageLength    = 0x0101
	tagMake           = 0x010F
	tagModel          = 0x0110
	tagOrientation    = 0x0112
	tagSoftware       = 0x0131
	tagDateTime       = 0x0132
	tagArtist         = 0x013B
	tagExifIFDPointer = 0x8769

	// EXIF SubIFD tags
	tagExposureTime     = 0x829A
	tagFNumber          = 0x829D
	tagISOSpeedRatings  = 0x8827
	tagDateTimeOriginal = 0x9003
	tagFlash            = 0x9209
	tagFocalLength      = 0x920A
)

// EXIF data types
const (
	typeUnsignedByte     = 1
	typeASCIIString      = 2
	typeUnsignedShort    = 3
	typeUnsignedLong     = 4
	typeUnsignedRational = 5
	typeSignedByte       = 6
	typeUndefined        = 7
	typeSignedShort      = 8
	typeSignedLong       = 9
	typeSignedRational   = 10
	typeSingleFloat      = 11
	typeDoubleFloat      = 12
)

// maxIFDEntries bounds the work done on a corrupt directory.
const maxIFDEntries = 1024

// exifReader wraps the TIFF structure with bounds-checked accessors. Reads
// outside the data return zero.
type exifReader struct {
	data         []byte
	littleEndian bool
}

func (r *exifReader) uint16(offset int) uint16 {
	if offset < 0 || offset+1 >= len(r.data) {
		return 0
	}

	if r.littleEndian {
		return uint16(r.data[offset]) | uint16(r.data[offset+1])<<8
	}

	return uint16(r.data[offset])<<8 | uint16(r.data[offset+1])
}

func (r *exifReader) uint32(offset int) uint32 {
	if offset < 0 || offset+3 >= len(r.data) {
		return 0
	}

	b := r.data[offset : offset+4]
	if r.littleEndian {
		return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
	}

	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func (r *exifReader) string(offset, maxLen int) string {
	if offset < 0 || offset >= len(r.data) {
		return ""
	}

	end := offset
	for end < len(r.data) && end < offset+maxLen && r.data[end] != 0 {
		end++
	}

	return string(r.data[offset:end])
}

func (r *exifReader) rational(offset int) float64 {
	den := r.uint32(offset + 4)
	if den == 0 {
		return 0
	}

	return float64(r.uint32(offset)) / float64(den)
}

// entry is a decoded IFD entry. value is the offset of the value bytes, which
// is inside the entry itself for values of four bytes or less.
type entry struct {
	tag, typ uint16
	count    int
	value    int
}

// entries returns the entries of the directory at offset.
func (r *exifReader) entries(offset int) []entry {
	n := int(r.uint16(offset))
	if n > maxIFDEntries {
		n = maxIFDEntries
	}

	offset += 2
	list := make([]entry, 0, n)

	for i := 0; i < n; i++ {
		e := offset + i*12
		if e+12 > len(r.data) {
			break
		}

		en := entry{
			tag:   r.uint16(e),
			typ:   r.uint16(e + 2),
			count: int(r.uint32(e + 4)),
			value: e + 8,
		}

		// For values > 4 bytes, the value field contains an offset.
		if dataSize(en.typ, en.count) > 4 {
			en.value = int(r.uint32(e + 8))
			if en.value >= len(r.data) {
				continue
			}
		}

		list = append(list, en)
	}

	return list
}

// integer reads a SHORT or LONG value.
func (r *exifReader) integer(e entry) int {
	switch e.typ {
	case typeUnsignedShort:
		return int(r.uint16(e.value))
	case typeUnsignedLong:
		return int(r.uint32(e.value))
	}

	return 0
}

// parseExif parses the TIFF structure that follows the "Exif\0\0" header of an
// APP1 segment.
func parseExif(data []byte, x *Exif) error {
	if len(data) < 8 {
		return okerr.Errorf(okerr.ErrInvalid, "jpeg: EXIF data too short")
	}

	r := &exifReader{data: data}

	switch string(data[:2]) {
	case "II":
		r.littleEndian = true
	case "MM":
	default:
		return okerr.Errorf(okerr.ErrInvalid, "jpeg: invalid EXIF byte order")
	}

	if r.uint16(2) != 42 {
		return okerr.Errorf(okerr.ErrInvalid, "jpeg: invalid EXIF magic number")
	}

	ifd := int(r.uint32(4))
	if ifd < 8 || ifd >= len(data) {
		return okerr.Errorf(okerr.ErrInvalid, "jpeg: invalid EXIF directory offset")
	}

	sub := 0

	for _, e := range r.entries(ifd) {
		switch e.tag {
		case tagOrientation:
			if e.typ == typeUnsignedShort {
				x.Orientation = r.integer(e)
			}
		case tagImageWidth:
			x.Width = r.integer(e)
		case tagImageLength:
			x.Height = r.integer(e)
		case tagMake:
			x.Make = r.ascii(e)
		case tagModel:
			x.Model = r.ascii(e)
		case tagSoftware:
			x.Software = r.ascii(e)
		case tagDateTime:
			x.DateTime = r.ascii(e)
		case tagArtist:
			x.Artist = r.ascii(e)
		case tagExifIFDPointer:
			if e.typ == typeUnsignedLong {
				sub = int(r.uint32(e.value))
			}
		}
	}

	if sub > 0 && sub < len(data) {
		for _, e := range r.entries(sub) {
			switch e.tag {
			case tagExposureTime:
				if e.typ == typeUnsignedRational {
					x.ExposureTime = r.rational(e.value)
				}
			case tagFNumber:
				if e.typ == typeUnsignedRational {
					x.FNumber = r.rational(e.value)
				}
			case tagISOSpeedRatings:
				x.ISOSpeed = r.integer(e)
			case tagDateTimeOriginal:
				x.DateTimeOriginal = r.ascii(e)
			case tagFlash:
				x.Flash = r.integer(e)
			case tagFocalLength:
				if e.typ == typeUnsignedRational {
					x.FocalLength = r.rational(e.value)
				}
			}
		}
	}

	return nil
}

func (r *exifReader) ascii(e entry) string {
	if e.typ != typeASCIIString {
		return ""
	}

	return r.string(e.value, e.count)
}

// dataSize calculates the size in bytes for a given EXIF data type and count.
func dataSize(typ uint16, count int) int {
	var size int

	switch typ {
	case typeUnsignedShort, typeSignedShort:
		size = 2
	case typeUnsignedLong, typeSignedLong, typeSingleFloat:
		size = 4
	case typeUnsignedRational, typeSignedRational, typeDoubleFloat:
		size = 8
	default:
		// Bytes, ASCII and undefined.
		size = 1
	}

	if count > 1<<28 {
		return 1 << 31
	}

	return size * count
}

// DecodeExif reads the EXIF block of a JPEG image. It stops at the first APP1
// segment carrying EXIF data and returns ErrInvalid if the image has none.
func DecodeExif(r io.Reader) (*Exif, error) {
	if r == nil {
		return nil, okerr.Errorf(okerr.ErrAPI, "jpeg: nil reader")
	}

	d := decoderPool.Get().(*decoder)
	defer func() {
		d.reset()
		decoderPool.Put(d)
	}()

	d.opts = pixel.OptionsOf(nil)
	d.log = d.opts.Log()
	d.r = source.NewReader(source.FromReader(r), source.DefaultBuffer)

	var soi [2]byte
	if err := d.r.ReadFull(soi[:]); err != nil {
		return nil, err
	}

	if soi[0] != 0xFF || soi[1] != markerSOI {
		return nil, okerr.Errorf(okerr.ErrInvalid, "jpeg: not a JPEG file")
	}

	for {
		marker, err := d.marker()
		if err != nil {
			return nil, err
		}

		switch {
		case marker == markerSOS || marker == markerEOI:
			return nil, okerr.Errorf(okerr.ErrInvalid, "jpeg: no EXIF data")
		case marker >= markerRST0 && marker <= markerRST7:
		case marker == markerAPP1:
			seg, err := d.segment()
			if err != nil {
				return nil, err
			}

			if len(seg) < 6 || string(seg[:6]) != "Exif\x00\x00" {
				continue
			}

			x := new(Exif)
			if err := parseExif(seg[6:], x); err != nil {
				return nil, err
			}

			return x, nil
		default:
			if err := d.skipSegment(); err != nil {
				return nil, err
			}
		}
	}
}
