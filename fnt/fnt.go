// Package fnt reads AngelCode BMFont descriptors in the binary format, version 3.
//
// The file describes a bitmap font: where every glyph sits on one of the page
// textures, how to place it relative to the pen, and the kerning between pairs.
package fnt

import (
	"bytes"
	"encoding/binary"
	"io"
	"sort"

	"github.com/gen2brain/okfile/okerr"
	"github.com/gen2brain/okfile/source"
)

// Block types.
const (
	blockInfo    = 1
	blockCommon  = 2
	blockPages   = 3
	blockChars   = 4
	blockKerning = 5
)

const (
	infoSize    = 14
	commonSize  = 15
	charSize    = 20
	kerningSize = 10
)

// blockGrow caps the up-front allocation for a block.
const blockGrow = 1 << 16

// Info is the font description from the info block.
type Info struct {
	Name string
	// Size is the font size in pixels. BMFont writes it negated when the font was
	// rendered to match the char height.
	Size        int
	Smooth      bool
	Unicode     bool
	Italic      bool
	Bold        bool
	FixedHeight bool
	Charset     int
	StretchH    int
	// AA is the supersampling level, 1 for none.
	AA int
	// Padding is up, right, down, left.
	Padding [4]int
	// Spacing is horizontal, vertical.
	Spacing [2]int
	Outline int
}

// Common holds the layout values shared by all glyphs.
type Common struct {
	LineHeight int
	Base       int
	// ScaleW and ScaleH are the page texture dimensions.
	ScaleW, ScaleH int
	Pages          int
	// Packed reports monochrome glyphs packed into separate channels.
	Packed                                  bool
	AlphaChnl, RedChnl, GreenChnl, BlueChnl int
}

// Glyph places one character on a page texture.
type Glyph struct {
	ID                  rune
	X, Y, Width, Height int
	XOffset, YOffset    int
	XAdvance            int
	Page                int
	// Channel is a bit mask of the texture channels holding the glyph.
	Channel int
}

// Font is a decoded BMFont descriptor.
type Font struct {
	Info   Info
	Common Common
	// Pages holds the texture file names, indexed by Glyph.Page.
	Pages []string
	// Glyphs is sorted by ID.
	Glyphs  []Glyph
	kerning map[uint64]int
}

// Glyph returns the glyph for id.
func (f *Font) Glyph(id rune) (Glyph, bool) {
	i := sort.Search(len(f.Glyphs), func(i int) bool { return f.Glyphs[i].ID >= id })
	if i < len(f.Glyphs) && f.Glyphs[i].ID == id {
		return f.Glyphs[i], true
	}

	return Glyph{}, false
}

// Kerning returns the horizontal adjustment between first and second, or 0.
func (f *Font) Kerning(first, second rune) int {
	return f.kerning[pairKey(first, second)]
}

// NumKerningPairs returns the number of kerning pairs.
func (f *Font) NumKerningPairs() int {
	return len(f.kerning)
}

func pairKey(first, second rune) uint64 {
	return uint64(uint32(first))<<32 | uint64(uint32(second))
}

// Decode reads a binary BMFont file from r.
func Decode(r io.Reader) (*Font, error) {
	if r == nil {
		return nil, okerr.Errorf(okerr.ErrAPI, "fnt: nil reader")
	}

	return DecodeSource(source.FromReader(r))
}

// DecodeSource is like Decode but reads from a Source.
func DecodeSource(src source.Source) (*Font, error) {
	if src == nil {
		return nil, okerr.Errorf(okerr.ErrAPI, "fnt: nil source")
	}

	r := source.NewReader(src, source.DefaultBuffer)

	var head [4]byte
	if err := r.ReadFull(head[:]); err != nil {
		return nil, err
	}

	if string(head[:3]) != "BMF" {
		return nil, okerr.Errorf(okerr.ErrInvalid, "fnt: not a binary BMFont file")
	}

	if head[3] != 3 {
		return nil, okerr.Errorf(okerr.ErrUnsupported, "fnt: version %d", head[3])
	}

	f := &Font{kerning: make(map[uint64]int)}

	var seen [blockKerning + 1]bool
	var pageNames []byte

	for r.Fill(1) > 0 {
		typ, err := r.Byte()
		if err != nil {
			return nil, err
		}

		size, err := r.Uint32LE()
		if err != nil {
			return nil, err
		}

		if typ < blockInfo || typ > blockKerning {
			return nil, okerr.Errorf(okerr.ErrInvalid, "fnt: unknown block type %d", typ)
		}

		if seen[typ] {
			return nil, okerr.Errorf(okerr.ErrInvalid, "fnt: duplicate block type %d", typ)
		}

		seen[typ] = true

		data, err := readBlock(r, int64(size))
		if err != nil {
			return nil, err
		}

		switch typ {
		case blockInfo:
			err = f.decodeInfo(data)
		case blockCommon:
			err = f.decodeCommon(data)
		case blockPages:
			pageNames = data
		case blockChars:
			err = f.decodeChars(data)
		case blockKerning:
			err = f.decodeKerning(data)
		}

		if err != nil {
			return nil, err
		}
	}

	if err := r.Err(); err != nil {
		return nil, err
	}

	for _, typ := range []int{blockInfo, blockCommon, blockChars} {
		if !seen[typ] {
			return nil, okerr.Errorf(okerr.ErrInvalid, "fnt: missing block type %d", typ)
		}
	}

	if err := f.decodePages(pageNames); err != nil {
		return nil, err
	}

	for _, g := range f.Glyphs {
		if g.Page >= f.Common.Pages {
			return nil, okerr.Errorf(okerr.ErrInvalid, "fnt: glyph %d on page %d of %d", g.ID, g.Page, f.Common.Pages)
		}
	}

	return f, nil
}

// readBlock reads a whole block, growing the buffer as data arrives.
func readBlock(r *source.Reader, size int64) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(int(min(size, blockGrow)))

	if n, _ := io.CopyN(&buf, r, size); n < size {
		if err := r.Err(); err != nil {
			return nil, err
		}

		return nil, okerr.Errorf(okerr.ErrIO, "fnt: block truncated at %d of %d bytes", n, size)
	}

	return buf.Bytes(), nil
}

func (f *Font) decodeInfo(p []byte) error {
	if len(p) < infoSize+1 {
		return okerr.Errorf(okerr.ErrInvalid, "fnt: info block too short (%d bytes)", len(p))
	}

	bits := p[2]

	f.Info = Info{
		Size:        int(int16(binary.LittleEndian.Uint16(p[0:]))),
		Smooth:      bits&0x80 != 0,
		Unicode:     bits&0x40 != 0,
		Italic:      bits&0x20 != 0,
		Bold:        bits&0x10 != 0,
		FixedHeight: bits&0x08 != 0,
		Charset:     int(p[3]),
		StretchH:    int(binary.LittleEndian.Uint16(p[4:])),
		AA:          int(p[6]),
		Padding:     [4]int{int(p[7]), int(p[8]), int(p[9]), int(p[10])},
		Spacing:     [2]int{int(p[11]), int(p[12])},
		Outline:     int(p[13]),
	}

	name, _, ok := bytes.Cut(p[infoSize:], []byte{0})
	if !ok {
		return okerr.Errorf(okerr.ErrInvalid, "fnt: unterminated font name")
	}

	f.Info.Name = string(name)

	return nil
}

func (f *Font) decodeCommon(p []byte) error {
	if len(p) < commonSize {
		return okerr.Errorf(okerr.ErrInvalid, "fnt: common block too short (%d bytes)", len(p))
	}

	f.Common = Common{
		LineHeight: int(binary.LittleEndian.Uint16(p[0:])),
		Base:       int(binary.LittleEndian.Uint16(p[2:])),
		ScaleW:     int(binary.LittleEndian.Uint16(p[4:])),
		ScaleH:     int(binary.LittleEndian.Uint16(p[6:])),
		Pages:      int(binary.LittleEndian.Uint16(p[8:])),
		Packed:     p[10]&0x01 != 0,
		AlphaChnl:  int(p[11]),
		RedChnl:    int(p[12]),
		GreenChnl:  int(p[13]),
		BlueChnl:   int(p[14]),
	}

	return nil
}

// decodePages splits the page block into Common.Pages zero-terminated names.
func (f *Font) decodePages(p []byte) error {
	f.Pages = make([]string, 0, f.Common.Pages)

	for len(f.Pages) < f.Common.Pages {
		name, rest, ok := bytes.Cut(p, []byte{0})
		if !ok {
			return okerr.Errorf(okerr.ErrInvalid, "fnt: %d page names, want %d", len(f.Pages), f.Common.Pages)
		}

		f.Pages = append(f.Pages, string(name))
		p = rest
	}

	if len(p) != 0 {
		return okerr.Errorf(okerr.ErrInvalid, "fnt: %d extra bytes after page names", len(p))
	}

	return nil
}

func (f *Font) decodeChars(p []byte) error {
	if len(p)%charSize != 0 {
		return okerr.Errorf(okerr.ErrInvalid, "fnt: chars block size %d", len(p))
	}

	le := binary.LittleEndian

	f.Glyphs = make([]Glyph, len(p)/charSize)
	for i := range f.Glyphs {
		c := p[i*charSize:]

		id := le.Uint32(c[0:])
		if id > 0x10FFFF {
			return okerr.Errorf(okerr.ErrInvalid, "fnt: glyph id %#x", id)
		}

		f.Glyphs[i] = Glyph{
			ID:       rune(id),
			X:        int(le.Uint16(c[4:])),
			Y:        int(le.Uint16(c[6:])),
			Width:    int(le.Uint16(c[8:])),
			Height:   int(le.Uint16(c[10:])),
			XOffset:  int(int16(le.Uint16(c[12:]))),
			YOffset:  int(int16(le.Uint16(c[14:]))),
			XAdvance: int(int16(le.Uint16(c[16:]))),
			Page:     int(c[18]),
			Channel:  int(c[19]),
		}
	}

	sort.SliceStable(f.Glyphs, func(i, j int) bool { return f.Glyphs[i].ID < f.Glyphs[j].ID })

	for i := 1; i < len(f.Glyphs); i++ {
		if f.Glyphs[i].ID == f.Glyphs[i-1].ID {
			return okerr.Errorf(okerr.ErrInvalid, "fnt: duplicate glyph %d", f.Glyphs[i].ID)
		}
	}

	return nil
}

func (f *Font) decodeKerning(p []byte) error {
	if len(p)%kerningSize != 0 {
		return okerr.Errorf(okerr.ErrInvalid, "fnt: kerning block size %d", len(p))
	}

	le := binary.LittleEndian

	for ; len(p) > 0; p = p[kerningSize:] {
		first := rune(le.Uint32(p[0:]))
		second := rune(le.Uint32(p[4:]))
		f.kerning[pairKey(first, second)] = int(int16(le.Uint16(p[8:])))
	}

	return nil
}
