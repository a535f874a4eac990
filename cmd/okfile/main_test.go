package main

import (
	"bytes"
	"encoding/binary"
	"errors"
	"image"
	"image/color"
	stdjpeg "image/jpeg"
	stdpng "image/png"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gen2brain/okfile/internal/logging"
	"github.com/gen2brain/okfile/internal/oops"
	"github.com/gen2brain/okfile/okerr"
	"github.com/gen2brain/okfile/png"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
)

func run(args ...string) (string, error) {
	cmd := newRootCommand()

	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)

	err := cmd.Execute()

	return out.String(), err
}

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	return path
}

// opaqueImage returns a w×h NRGBA image with random opaque pixels.
func opaqueImage(w, h int) *image.NRGBA {
	rnd := rand.New(rand.NewSource(int64(w*h + 1)))

	m := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			m.SetNRGBA(x, y, color.NRGBA{uint8(rnd.Intn(256)), uint8(rnd.Intn(256)), uint8(rnd.Intn(256)), 255})
		}
	}

	return m
}

func pngFile(t *testing.T, m *image.NRGBA) []byte {
	t.Helper()

	var buf bytes.Buffer
	require.NoError(t, png.Write(&buf, m.Pix, png.WriteOptions{
		Width:     m.Rect.Dx(),
		Height:    m.Rect.Dy(),
		Stride:    m.Stride,
		ColorType: png.ColorTrueAlpha,
	}))

	return buf.Bytes()
}

func wavFile(frames int) []byte {
	le := binary.LittleEndian

	fmtChunk := []byte("fmt \x10\x00\x00\x00")
	fmtChunk = le.AppendUint16(fmtChunk, 1)
	fmtChunk = le.AppendUint16(fmtChunk, 1)
	fmtChunk = le.AppendUint32(fmtChunk, 8000)
	fmtChunk = le.AppendUint32(fmtChunk, 16000)
	fmtChunk = le.AppendUint16(fmtChunk, 2)
	fmtChunk = le.AppendUint16(fmtChunk, 16)

	data := le.AppendUint32([]byte("data"), uint32(2*frames))
	data = append(data, make([]byte, 2*frames)...)

	body := append([]byte("WAVE"), fmtChunk...)
	body = append(body, data...)

	return append(le.AppendUint32([]byte("RIFF"), uint32(len(body))), body...)
}

func moFile() []byte {
	le := binary.LittleEndian

	out := le.AppendUint32(nil, 0x950412de)
	for _, v := range []uint32{0, 0, 28, 28, 0, 28} {
		out = le.AppendUint32(out, v)
	}

	return out
}

func fontFile() []byte {
	le := binary.LittleEndian

	info := append([]byte{16, 0}, make([]byte, 12)...)
	info = append(info, "Test\x00"...)

	common := le.AppendUint16(nil, 20)
	common = le.AppendUint16(common, 16)
	common = le.AppendUint16(common, 64)
	common = le.AppendUint16(common, 64)
	common = le.AppendUint16(common, 1)
	common = append(common, 0, 0, 0, 0, 0)

	glyph := le.AppendUint32(nil, 'A')
	glyph = append(glyph, make([]byte, 16)...)

	out := []byte("BMF\x03")
	for i, block := range [][]byte{info, common, []byte("t.png\x00"), glyph} {
		out = append(out, byte(i+1))
		out = le.AppendUint32(out, uint32(len(block)))
		out = append(out, block...)
	}

	return out
}

// mp3File returns frames silent MPEG-1 Layer III frames at 128 kbit/s, 44.1 kHz.
func mp3File(frames int) []byte {
	var out []byte
	for i := 0; i < frames; i++ {
		frame := make([]byte, 417)
		copy(frame, []byte{0xFF, 0xFB, 0x90, 0x00})
		out = append(out, frame...)
	}

	return out
}

func TestDetect(t *testing.T) {
	tests := []struct {
		head []byte
		name string
		want string
	}{
		{[]byte("\x89PNG\r\n\x1a\n\x00\x00\x00\x0d"), "a.bin", formatPNG},
		{[]byte{0xFF, 0xD8, 0xFF, 0xE0}, "a.png", formatJPEG},
		{[]byte("RIFF\x00\x00\x00\x00WAVE"), "a", formatWAV},
		{[]byte("RIFX\x00\x00\x00\x00WAVE"), "a", formatWAV},
		{[]byte("RIFF\x00\x00\x00\x00AVI "), "a", formatUnknown},
		{[]byte("caff\x00\x01\x00\x00"), "a", formatCAF},
		{[]byte{0xde, 0x12, 0x04, 0x95}, "a", formatMO},
		{[]byte{0x95, 0x04, 0x12, 0xde}, "a", formatMO},
		{[]byte("BMF\x03"), "a", formatBMFont},
		{[]byte{0xFF, 0xFB, 0x90, 0x00}, "song.MP3", formatMP3},
		{[]byte("a,b,c\n"), "data.csv", formatCSV},
		{[]byte("hello"), "notes.txt", formatUnknown},
		{nil, "empty", formatUnknown},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, detect(tt.head, tt.name), "%q %s", tt.head, tt.name)
	}
}

func TestInfo(t *testing.T) {
	dir := t.TempDir()

	var jpg bytes.Buffer
	require.NoError(t, stdjpeg.Encode(&jpg, opaqueImage(8, 8), nil))

	files := []struct {
		name string
		data []byte
		want string
	}{
		{"image.png", pngFile(t, opaqueImage(3, 2)), "PNG 3x2, alpha"},
		{"photo.jpg", jpg.Bytes(), "JPEG 8x8, opaque"},
		{"sound.wav", wavFile(8), "WAV 8000 Hz, 1 ch, 16-bit PCM, 8 frames (1ms)"},
		{"messages.mo", moFile(), "MO catalog, 0 messages"},
		{"font.fnt", fontFile(), `BMFont "Test" 16px, 1 glyphs, 1 pages, 0 kerning pairs`},
		{"table.csv", []byte("a,b,c\n1,2\n"), "CSV 2 records, up to 3 fields"},
		{"song.mp3", mp3File(10), "MP3 10 frames"},
	}

	args := []string{"info"}
	for _, f := range files {
		args = append(args, writeFile(t, dir, f.name, f.data))
	}

	out, err := run(args...)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, len(files))

	for i, f := range files {
		assert.True(t, strings.HasPrefix(lines[i], filepath.Join(dir, f.name)+": "+f.want), "got %q, want %q", lines[i], f.want)
	}
}

func TestInfoErrors(t *testing.T) {
	dir := t.TempDir()
	good := writeFile(t, dir, "ok.csv", []byte("x\n"))
	unknown := writeFile(t, dir, "notes.txt", []byte("hello"))
	broken := writeFile(t, dir, "broken.png", []byte("\x89PNG\r\n\x1a\n\x00"))

	out, err := run("info", unknown, good, broken)
	assert.ErrorIs(t, err, okerr.ErrUnsupported)
	assert.Equal(t, good+": CSV 1 records, up to 1 fields\n", out)

	_, err = run("info", filepath.Join(dir, "missing.png"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = run("info")
	assert.Error(t, err)

	_, err = run("info", good, "--log-level", "loud")
	assert.Error(t, err)
}

func TestConvert(t *testing.T) {
	dir := t.TempDir()
	src := opaqueImage(17, 9)
	in := writeFile(t, dir, "in.png", pngFile(t, src))

	decoders := map[string]func(*bytes.Reader) (image.Image, error){
		".png":  func(r *bytes.Reader) (image.Image, error) { return stdpng.Decode(r) },
		".bmp":  func(r *bytes.Reader) (image.Image, error) { return bmp.Decode(r) },
		".tiff": func(r *bytes.Reader) (image.Image, error) { return tiff.Decode(r) },
	}

	for ext, decode := range decoders {
		for _, flags := range [][]string{nil, {"--bgra", "--premultiplied", "--flip"}} {
			out := filepath.Join(dir, "out"+ext)

			_, err := run(append([]string{"convert", in, out}, flags...)...)
			require.NoError(t, err, "%s %v", ext, flags)

			data, err := os.ReadFile(out)
			require.NoError(t, err)

			m, err := decode(bytes.NewReader(data))
			require.NoError(t, err, ext)
			require.Equal(t, src.Bounds(), m.Bounds())

			for y := 0; y < 9; y++ {
				for x := 0; x < 17; x++ {
					got := color.NRGBAModel.Convert(m.At(x, y)).(color.NRGBA)
					require.Equal(t, src.NRGBAAt(x, y), got, "%s %v (%d,%d)", ext, flags, x, y)
				}
			}
		}
	}
}

func TestConvertJPEG(t *testing.T) {
	dir := t.TempDir()

	var jpg bytes.Buffer
	require.NoError(t, stdjpeg.Encode(&jpg, opaqueImage(16, 16), &stdjpeg.Options{Quality: 90}))

	in := writeFile(t, dir, "in.jpg", jpg.Bytes())
	out := filepath.Join(dir, "out.png")

	_, err := run("convert", in, out)
	require.NoError(t, err)

	data, err := os.ReadFile(out)
	require.NoError(t, err)

	m, err := stdpng.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 16, 16), m.Bounds())
}

func TestConvertMaxIDAT(t *testing.T) {
	dir := t.TempDir()
	in := writeFile(t, dir, "in.png", pngFile(t, opaqueImage(8, 8)))
	out := filepath.Join(dir, "out.png")

	_, err := run("convert", in, out, "--max-idat", "64")
	require.NoError(t, err)

	data, err := os.ReadFile(out)
	require.NoError(t, err)

	// 8 rows of 33 bytes plus zlib and block framing, in chunks of at most 64 bytes.
	assert.GreaterOrEqual(t, bytes.Count(data, []byte("IDAT")), 5)

	_, err = stdpng.Decode(bytes.NewReader(data))
	assert.NoError(t, err)
}

func TestConvertErrors(t *testing.T) {
	dir := t.TempDir()
	in := writeFile(t, dir, "in.png", pngFile(t, opaqueImage(2, 2)))
	text := writeFile(t, dir, "in.txt", []byte("hello"))

	_, err := run("convert", in, filepath.Join(dir, "out.gif"))
	assert.ErrorIs(t, err, okerr.ErrAPI)

	_, err = run("convert", text, filepath.Join(dir, "out.png"))
	assert.ErrorIs(t, err, okerr.ErrUnsupported)

	_, err = run("convert", in)
	assert.Error(t, err)
}

func TestInflate(t *testing.T) {
	dir := t.TempDir()
	rnd := rand.New(rand.NewSource(3))

	words := []string{"alpha ", "beta ", "gamma ", "delta\n"}

	var plain bytes.Buffer
	for plain.Len() < 200000 {
		plain.WriteString(words[rnd.Intn(len(words))])
	}

	var z, raw bytes.Buffer

	zw := zlib.NewWriter(&z)
	_, err := zw.Write(plain.Bytes())
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	fw, err := flate.NewWriter(&raw, flate.BestCompression)
	require.NoError(t, err)
	_, err = fw.Write(plain.Bytes())
	require.NoError(t, err)
	require.NoError(t, fw.Close())

	zin := writeFile(t, dir, "data.z", z.Bytes())
	rawIn := writeFile(t, dir, "data.deflate", raw.Bytes())

	for _, tt := range []struct {
		in   string
		args []string
	}{
		{zin, nil},
		{zin, []string{"--verify"}},
		{rawIn, []string{"--raw", "--verify"}},
	} {
		out := filepath.Join(dir, "out.txt")

		_, err := run(append([]string{"inflate", tt.in, out}, tt.args...)...)
		require.NoError(t, err, "%v", tt.args)

		got, err := os.ReadFile(out)
		require.NoError(t, err)
		assert.Equal(t, plain.Bytes(), got)
	}

	corrupt := bytes.Clone(z.Bytes())
	corrupt[len(corrupt)-1] ^= 0xFF
	bad := writeFile(t, dir, "bad.z", corrupt)

	_, err = run("inflate", bad, filepath.Join(dir, "bad.txt"))
	assert.ErrorIs(t, err, okerr.ErrInvalid)

	_, err = run("inflate", zin, filepath.Join(dir, "raw.txt"), "--raw")
	assert.Error(t, err)
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, 0},
		{okerr.Errorf(okerr.ErrAPI, "bad call"), okerr.CodeAPI},
		{okerr.Errorf(okerr.ErrInvalid, "bad data"), okerr.CodeInvalid},
		{oops.New(okerr.Errorf(okerr.ErrIO, "short read"), "failed to decode"), okerr.CodeIO},
		{reportedError{okerr.Errorf(okerr.ErrUnsupported, "unknown format")}, okerr.CodeUnsupported},
		{oops.New(os.ErrNotExist, "failed to open"), 1},
		{errors.New("unknown flag"), 1},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, exitCode(tt.err), "%v", tt.err)
	}
}

func TestExecute(t *testing.T) {
	var buf bytes.Buffer
	logging.SetOutput(&buf)
	t.Cleanup(func() {
		logging.SetOutput(logging.NewPrettyZerologWriter(os.Stderr))
	})

	dir := t.TempDir()
	missing := filepath.Join(dir, "missing.png")
	good := writeFile(t, dir, "ok.csv", []byte("x\n"))

	// info logs each failing file itself, so the failure is reported once.
	assert.Equal(t, 1, execute([]string{"info", missing}))
	assert.Equal(t, 1, strings.Count(buf.String(), "failed to read file"))
	assert.NotContains(t, buf.String(), "okfile failed")

	buf.Reset()
	assert.Equal(t, 1, execute([]string{"convert", missing, filepath.Join(dir, "out.png")}))
	assert.Equal(t, 1, strings.Count(buf.String(), "okfile failed"))

	buf.Reset()
	assert.Equal(t, okerr.CodeUnsupported, execute([]string{"info", writeFile(t, dir, "notes.txt", []byte("hello"))}))
	assert.Equal(t, 0, execute([]string{"info", good}))

	_, err := run("info", missing)
	assert.True(t, errors.As(err, new(reportedError)))
}
