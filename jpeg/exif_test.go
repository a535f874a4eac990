package jpeg

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/gen2brain/okfile/okerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type byteOrder interface {
	binary.ByteOrder
	binary.AppendByteOrder
}

type ifdEntry struct {
	tag, typ uint16
	count    uint32
	value    []byte // Inline if it fits in four bytes.
}

// buildTIFF lays out IFD0 and an optional EXIF sub-IFD with out-of-line values
// after the directories.
func buildTIFF(order byteOrder, ifd0, sub []ifdEntry) []byte {
	head := []byte("MM\x00\x2a")
	if order == binary.LittleEndian {
		head = []byte("II\x2a\x00")
	}

	dirSize := func(n int) int { return 2 + 12*n + 4 }

	if len(sub) > 0 {
		ifd0 = append(ifd0, ifdEntry{tag: tagExifIFDPointer, typ: typeUnsignedLong, count: 1})
	}

	subOffset := 8 + dirSize(len(ifd0))
	dataOffset := subOffset
	if len(sub) > 0 {
		dataOffset += dirSize(len(sub))
	}

	var extra []byte

	dir := func(entries []ifdEntry) []byte {
		out := order.AppendUint16(nil, uint16(len(entries)))

		for _, e := range entries {
			out = order.AppendUint16(out, e.tag)
			out = order.AppendUint16(out, e.typ)
			out = order.AppendUint32(out, e.count)

			switch {
			case e.tag == tagExifIFDPointer:
				out = order.AppendUint32(out, uint32(subOffset))
			case len(e.value) <= 4:
				v := make([]byte, 4)
				copy(v, e.value)
				out = append(out, v...)
			default:
				out = order.AppendUint32(out, uint32(dataOffset+len(extra)))
				extra = append(extra, e.value...)
			}
		}

		return order.AppendUint32(out, 0)
	}

	out := append(head, order.AppendUint32(nil, 8)...)
	out = append(out, dir(ifd0)...)

	if len(sub) > 0 {
		out = append(out, dir(sub)...)
	}

	return append(out, extra...)
}

func short(order byteOrder, v uint16) []byte {
	return order.AppendUint16(nil, v)
}

func rational(order byteOrder, num, den uint32) []byte {
	return order.AppendUint32(order.AppendUint32(nil, num), den)
}

func ascii(s string) ifdEntry {
	return ifdEntry{typ: typeASCIIString, count: uint32(len(s) + 1), value: append([]byte(s), 0)}
}

func withTag(e ifdEntry, tag uint16) ifdEntry {
	e.tag = tag

	return e
}

func TestDecodeExif(t *testing.T) {
	for _, order := range []byteOrder{binary.BigEndian, binary.LittleEndian} {
		t.Run(order.String(), func(t *testing.T) {
			tiff := buildTIFF(order,
				[]ifdEntry{
					{tag: tagOrientation, typ: typeUnsignedShort, count: 1, value: short(order, 6)},
					{tag: tagImageWidth, typ: typeUnsignedLong, count: 1, value: order.AppendUint32(nil, 4000)},
					{tag: tagImageLength, typ: typeUnsignedShort, count: 1, value: short(order, 3000)},
					withTag(ascii("Canon"), tagMake),
					withTag(ascii("Canon EOS 5D"), tagModel),
					withTag(ascii("2024:05:06 07:08:09"), tagDateTime),
				},
				[]ifdEntry{
					{tag: tagExposureTime, typ: typeUnsignedRational, count: 1, value: rational(order, 1, 250)},
					{tag: tagFNumber, typ: typeUnsignedRational, count: 1, value: rational(order, 28, 10)},
					{tag: tagISOSpeedRatings, typ: typeUnsignedShort, count: 1, value: short(order, 400)},
					{tag: tagFocalLength, typ: typeUnsignedRational, count: 1, value: rational(order, 50, 1)},
					{tag: tagFlash, typ: typeUnsignedShort, count: 1, value: short(order, 1)},
					withTag(ascii("2024:05:06 07:08:00"), tagDateTimeOriginal),
				},
			)

			app1 := appendSegment(nil, markerAPP1, append([]byte("Exif\x00\x00"), tiff...))
			data := append([]byte{0xFF, markerSOI}, appendSegment(nil, 0xE0, []byte("JFIF\x00"))...)
			data = append(data, app1...)

			x, err := DecodeExif(bytes.NewReader(data))
			require.NoError(t, err)

			assert.Equal(t, &Exif{
				Orientation:      6,
				Width:            4000,
				Height:           3000,
				Make:             "Canon",
				Model:            "Canon EOS 5D",
				DateTime:         "2024:05:06 07:08:09",
				DateTimeOriginal: "2024:05:06 07:08:00",
				ExposureTime:     1.0 / 250,
				FNumber:          2.8,
				ISOSpeed:         400,
				FocalLength:      50,
				Flash:            1,
			}, x)
		})
	}
}

func TestDecodeExifErrors(t *testing.T) {
	soi := []byte{0xFF, markerSOI}

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"not jpeg", []byte("\x89PNG"), okerr.ErrInvalid},
		{"no exif", append(soi, appendSegment(nil, markerAPP1, []byte("http://ns.adobe.com/xap/1.0/\x00"))...), okerr.ErrIO},
		{"bad byte order", append(soi, appendSegment(nil, markerAPP1, []byte("Exif\x00\x00XX\x00\x2a\x00\x00\x00\x08"))...), okerr.ErrInvalid},
		{"bad magic", append(soi, appendSegment(nil, markerAPP1, []byte("Exif\x00\x00MM\x00\x2b\x00\x00\x00\x08"))...), okerr.ErrInvalid},
		{"bad offset", append(soi, appendSegment(nil, markerAPP1, []byte("Exif\x00\x00MM\x00\x2a\x00\x00\x10\x00"))...), okerr.ErrInvalid},
		{"scan first", append(soi, appendSegment(nil, markerSOS, []byte{1, 1, 0, 0, 63, 0})...), okerr.ErrInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			x, err := DecodeExif(bytes.NewReader(tt.data))
			assert.Nil(t, x)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err := DecodeExif(nil)
	assert.ErrorIs(t, err, okerr.ErrAPI)
}

func TestParseExifTruncated(t *testing.T) {
	tiff := buildTIFF(binary.BigEndian, []ifdEntry{
		withTag(ascii("A long camera model name"), tagModel),
		{tag: tagOrientation, typ: typeUnsignedShort, count: 1, value: short(binary.BigEndian, 3)},
	}, nil)

	// Every prefix either fails cleanly or parses what is present.
	for n := 0; n <= len(tiff); n++ {
		var x Exif
		_ = parseExif(tiff[:n], &x)
	}

	var x Exif
	require.NoError(t, parseExif(tiff, &x))
	assert.Equal(t, 3, x.Orientation)
	assert.Equal(t, "A long camera model name", x.Model)
}
