package fnt

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/gen2brain/okfile/okerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func block(typ byte, data []byte) []byte {
	out := binary.LittleEndian.AppendUint32([]byte{typ}, uint32(len(data)))

	return append(out, data...)
}

func infoBlock(name string) []byte {
	p := []byte{
		0xE0, 0xFF, // -32
		0xC0, // smooth, unicode
		0,
		100, 0,
		1,
		1, 2, 3, 4,
		1, 0,
		2,
	}

	return block(blockInfo, append(append(p, name...), 0))
}

func commonBlock(pages int) []byte {
	le := binary.LittleEndian

	p := le.AppendUint16(nil, 36)
	p = le.AppendUint16(p, 29)
	p = le.AppendUint16(p, 256)
	p = le.AppendUint16(p, 128)
	p = le.AppendUint16(p, uint16(pages))

	return block(blockCommon, append(p, 0, 0, 4, 4, 4))
}

func pagesBlock(names ...string) []byte {
	var p []byte
	for _, n := range names {
		p = append(append(p, n...), 0)
	}

	return block(blockPages, p)
}

func charsBlock(glyphs ...Glyph) []byte {
	le := binary.LittleEndian

	var p []byte
	for _, g := range glyphs {
		p = le.AppendUint32(p, uint32(g.ID))
		p = le.AppendUint16(p, uint16(g.X))
		p = le.AppendUint16(p, uint16(g.Y))
		p = le.AppendUint16(p, uint16(g.Width))
		p = le.AppendUint16(p, uint16(g.Height))
		p = le.AppendUint16(p, uint16(int16(g.XOffset)))
		p = le.AppendUint16(p, uint16(int16(g.YOffset)))
		p = le.AppendUint16(p, uint16(int16(g.XAdvance)))
		p = append(p, byte(g.Page), byte(g.Channel))
	}

	return block(blockChars, p)
}

type pair struct {
	first, second rune
	amount        int
}

func kerningBlock(pairs ...pair) []byte {
	le := binary.LittleEndian

	var p []byte
	for _, k := range pairs {
		p = le.AppendUint32(p, uint32(k.first))
		p = le.AppendUint32(p, uint32(k.second))
		p = le.AppendUint16(p, uint16(int16(k.amount)))
	}

	return block(blockKerning, p)
}

func buildFont(blocks ...[]byte) []byte {
	out := []byte("BMF\x03")
	for _, b := range blocks {
		out = append(out, b...)
	}

	return out
}

var testGlyphs = []Glyph{
	{ID: 'W', X: 10, Y: 20, Width: 18, Height: 16, XOffset: -1, YOffset: 4, XAdvance: 17, Page: 1, Channel: 15},
	{ID: 'A', X: 0, Y: 0, Width: 12, Height: 16, XOffset: 0, YOffset: 4, XAdvance: 12, Channel: 15},
	{ID: 'ż', X: 30, Y: 0, Width: 9, Height: 20, XOffset: 1, YOffset: 0, XAdvance: 10, Channel: 15},
	{ID: 'V', X: 50, Y: 0, Width: 12, Height: 16, XOffset: 0, YOffset: 4, XAdvance: 12, Page: 1, Channel: 15},
}

func TestDecode(t *testing.T) {
	data := buildFont(
		infoBlock("Arial"),
		commonBlock(2),
		pagesBlock("arial_0.png", "arial_1.png"),
		charsBlock(testGlyphs...),
		kerningBlock(pair{'A', 'V', -2}, pair{'A', 'W', -1}, pair{'V', 'A', -2}),
	)

	f, err := Decode(bytes.NewReader(data))
	require.NoError(t, err)

	assert.Equal(t, Info{
		Name:     "Arial",
		Size:     -32,
		Smooth:   true,
		Unicode:  true,
		StretchH: 100,
		AA:       1,
		Padding:  [4]int{1, 2, 3, 4},
		Spacing:  [2]int{1, 0},
		Outline:  2,
	}, f.Info)

	assert.Equal(t, Common{
		LineHeight: 36,
		Base:       29,
		ScaleW:     256,
		ScaleH:     128,
		Pages:      2,
		AlphaChnl:  0,
		RedChnl:    4,
		GreenChnl:  4,
		BlueChnl:   4,
	}, f.Common)

	assert.Equal(t, []string{"arial_0.png", "arial_1.png"}, f.Pages)

	ids := make([]rune, len(f.Glyphs))
	for i, g := range f.Glyphs {
		ids[i] = g.ID
	}

	assert.Equal(t, []rune{'A', 'V', 'W', 'ż'}, ids)

	for _, want := range testGlyphs {
		g, ok := f.Glyph(want.ID)
		require.True(t, ok, "glyph %q", want.ID)
		assert.Equal(t, want, g)
	}

	_, ok := f.Glyph('B')
	assert.False(t, ok)

	_, ok = f.Glyph(0x10FFFF)
	assert.False(t, ok)

	assert.Equal(t, -2, f.Kerning('A', 'V'))
	assert.Equal(t, -1, f.Kerning('A', 'W'))
	assert.Equal(t, -2, f.Kerning('V', 'A'))
	assert.Equal(t, 0, f.Kerning('W', 'A'))
	assert.Equal(t, 3, f.NumKerningPairs())
}

func TestDecodeMinimal(t *testing.T) {
	// No pages, no kerning and an empty chars block.
	f, err := Decode(bytes.NewReader(buildFont(infoBlock(""), commonBlock(0), charsBlock())))
	require.NoError(t, err)

	assert.Empty(t, f.Pages)
	assert.Empty(t, f.Glyphs)
	assert.Equal(t, 0, f.Kerning('a', 'b'))

	_, ok := f.Glyph('a')
	assert.False(t, ok)
}

func TestDecodeErrors(t *testing.T) {
	info, common, pages, chars := infoBlock("x"), commonBlock(1), pagesBlock("p.png"), charsBlock(testGlyphs[1])

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", nil, okerr.ErrIO},
		{"text format", []byte("info face=\"Arial\""), okerr.ErrInvalid},
		{"version 2", []byte("BMF\x02"), okerr.ErrUnsupported},
		{"no blocks", buildFont(), okerr.ErrInvalid},
		{"no chars", buildFont(info, common, pages), okerr.ErrInvalid},
		{"no common", buildFont(info, pages, chars), okerr.ErrInvalid},
		{"unknown block", buildFont(info, common, pages, chars, block(6, nil)), okerr.ErrInvalid},
		{"duplicate block", buildFont(info, common, common, pages, chars), okerr.ErrInvalid},
		{"short info", buildFont(block(blockInfo, make([]byte, 10)), common, pages, chars), okerr.ErrInvalid},
		{"unterminated name", buildFont(block(blockInfo, append(make([]byte, 14), 'a')), common, pages, chars), okerr.ErrInvalid},
		{"short common", buildFont(info, block(blockCommon, make([]byte, 12)), pages, chars), okerr.ErrInvalid},
		{"missing page name", buildFont(info, commonBlock(2), pages, chars), okerr.ErrInvalid},
		{"extra page name", buildFont(info, common, pagesBlock("a", "b"), chars), okerr.ErrInvalid},
		{"chars size", buildFont(info, common, pages, block(blockChars, make([]byte, 19))), okerr.ErrInvalid},
		{"glyph page", buildFont(info, common, pages, charsBlock(testGlyphs[0])), okerr.ErrInvalid},
		{"glyph id", buildFont(info, common, pages, charsBlock(Glyph{ID: 0x110000})), okerr.ErrInvalid},
		{"duplicate glyph", buildFont(info, common, pages, charsBlock(testGlyphs[1], testGlyphs[1])), okerr.ErrInvalid},
		{"kerning size", buildFont(info, common, pages, chars, block(blockKerning, make([]byte, 9))), okerr.ErrInvalid},
		{"truncated block", buildFont(info, common, pages, chars)[:40], okerr.ErrIO},
		{"truncated header", append(buildFont(info, common, pages, chars), blockKerning, 10), okerr.ErrIO},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := Decode(bytes.NewReader(tt.data))
			assert.Nil(t, f)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err := Decode(nil)
	assert.ErrorIs(t, err, okerr.ErrAPI)

	_, err = DecodeSource(nil)
	assert.ErrorIs(t, err, okerr.ErrAPI)
}

func FuzzDecode(f *testing.F) {
	f.Add(buildFont(infoBlock("Arial"), commonBlock(2), pagesBlock("a.png", "b.png"), charsBlock(testGlyphs...), kerningBlock(pair{'A', 'V', -2})))
	f.Add(buildFont(infoBlock(""), commonBlock(0), charsBlock()))

	f.Fuzz(func(t *testing.T, data []byte) {
		font, err := Decode(bytes.NewReader(data))
		if err != nil {
			return
		}

		assert.Len(t, font.Pages, font.Common.Pages)

		for _, g := range font.Glyphs {
			got, ok := font.Glyph(g.ID)
			assert.True(t, ok)
			assert.Equal(t, g, got)
		}
	})
}
