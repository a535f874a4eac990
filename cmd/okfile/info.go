package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gen2brain/okfile/csv"
	"github.com/gen2brain/okfile/fnt"
	"github.com/gen2brain/okfile/internal/logging"
	"github.com/gen2brain/okfile/internal/oops"
	"github.com/gen2brain/okfile/jpeg"
	"github.com/gen2brain/okfile/mo"
	"github.com/gen2brain/okfile/okerr"
	"github.com/gen2brain/okfile/pixel"
	"github.com/gen2brain/okfile/png"
	"github.com/gen2brain/okfile/wav"
	"github.com/spf13/cobra"
	"github.com/tcolgate/mp3"
)

// Format names reported by detect.
const (
	formatPNG     = "PNG"
	formatJPEG    = "JPEG"
	formatWAV     = "WAV"
	formatCAF     = "CAF"
	formatMO      = "MO"
	formatBMFont  = "BMFont"
	formatMP3     = "MP3"
	formatCSV     = "CSV"
	formatUnknown = ""
)

// detect identifies a file from its first bytes, falling back to the extension
// for formats without a reliable signature.
func detect(head []byte, name string) string {
	switch {
	case bytes.HasPrefix(head, []byte("\x89PNG\r\n\x1a\n")):
		return formatPNG
	case bytes.HasPrefix(head, []byte{0xFF, 0xD8, 0xFF}):
		return formatJPEG
	case len(head) >= 12 && (string(head[:4]) == "RIFF" || string(head[:4]) == "RIFX") && string(head[8:12]) == "WAVE":
		return formatWAV
	case bytes.HasPrefix(head, []byte("caff")):
		return formatCAF
	case bytes.HasPrefix(head, []byte{0xde, 0x12, 0x04, 0x95}), bytes.HasPrefix(head, []byte{0x95, 0x04, 0x12, 0xde}):
		return formatMO
	case bytes.HasPrefix(head, []byte("BMF")):
		return formatBMFont
	}

	switch strings.ToLower(filepath.Ext(name)) {
	case ".mp3":
		return formatMP3
	case ".csv":
		return formatCSV
	}

	return formatUnknown
}

func newInfoCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "info FILE...",
		Short: "Print the format and basic properties of files",
		Long:  "Print the format and basic properties of files. Images are read in info mode, so no pixel data is decoded.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var firstErr error
			for _, path := range args {
				line, err := describeFile(path, flags)
				if err != nil {
					logging.Error().Err(err).Str("file", path).Msg("failed to read file")
					if firstErr == nil {
						firstErr = err
					}

					continue
				}

				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", path, line)
			}

			if firstErr != nil {
				return reportedError{firstErr}
			}

			return nil
		},
	}
}

func describeFile(path string, flags *globalFlags) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", oops.New(err, "failed to open %s", path)
	}
	defer f.Close()

	head := make([]byte, 12)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return "", oops.New(err, "failed to read %s", path)
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", oops.New(err, "failed to rewind %s", path)
	}

	format := detect(head[:n], path)
	logging.Debug().Str("file", path).Str("format", format).Msg("detected format")

	var line string
	switch format {
	case formatPNG:
		line, err = describePNG(f, flags)
	case formatJPEG:
		line, err = describeJPEG(f, flags)
	case formatWAV, formatCAF:
		line, err = describeAudio(f, format)
	case formatMO:
		line, err = describeMO(f)
	case formatBMFont:
		line, err = describeFont(f)
	case formatMP3:
		line, err = describeMP3(f)
	case formatCSV:
		line, err = describeCSV(f)
	default:
		err = okerr.Errorf(okerr.ErrUnsupported, "unknown file format")
	}

	if err != nil {
		return "", oops.New(err, "failed to decode %s", path)
	}

	return line, nil
}

func describePNG(r io.Reader, flags *globalFlags) (string, error) {
	opts := flags.imageOptions()
	opts.InfoOnly = true

	m, err := png.Decode(r, opts)
	if err != nil {
		return "", err
	}

	return describeImage(formatPNG, m), nil
}

func describeJPEG(r io.ReadSeeker, flags *globalFlags) (string, error) {
	opts := flags.imageOptions()
	opts.InfoOnly = true

	m, err := jpeg.Decode(r, opts)
	if err != nil {
		return "", err
	}

	line := describeImage(formatJPEG, m)

	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return "", err
	}

	x, err := jpeg.DecodeExif(r)
	if err != nil {
		// Most JPEG files carry no EXIF block.
		logging.Debug().Err(err).Msg("no EXIF data")

		return line, nil
	}

	var parts []string
	if camera := strings.TrimSpace(x.Make + " " + x.Model); camera != "" {
		parts = append(parts, camera)
	}

	if x.Orientation > 1 {
		parts = append(parts, fmt.Sprintf("orientation %d", x.Orientation))
	}

	if x.DateTimeOriginal != "" {
		parts = append(parts, x.DateTimeOriginal)
	}

	if x.ExposureTime > 0 {
		parts = append(parts, fmt.Sprintf("1/%.0fs", 1/x.ExposureTime))
	}

	if x.FNumber > 0 {
		parts = append(parts, fmt.Sprintf("f/%.1f", x.FNumber))
	}

	if x.ISOSpeed > 0 {
		parts = append(parts, fmt.Sprintf("ISO %d", x.ISOSpeed))
	}

	if len(parts) == 0 {
		return line, nil
	}

	return line + " [" + strings.Join(parts, ", ") + "]", nil
}

func describeImage(format string, m *pixel.Image) string {
	alpha := "opaque"
	if m.HasAlpha {
		alpha = "alpha"
	}

	return fmt.Sprintf("%s %dx%d, %s", format, m.Width, m.Height, alpha)
}

func describeAudio(r io.Reader, format string) (string, error) {
	a, err := wav.Decode(r, &wav.Options{InfoOnly: true, Endian: wav.Keep, Logger: logging.GlobalLogger()})
	if err != nil {
		return "", err
	}

	kind := "PCM"
	if a.IsFloat {
		kind = "float"
	}

	duration := time.Duration(float64(a.NumFrames) / float64(a.SampleRate) * float64(time.Second))

	return fmt.Sprintf("%s %d Hz, %d ch, %d-bit %s, %d frames (%s)",
		format, a.SampleRate, a.NumChannels, a.BitDepth, kind, a.NumFrames, duration.Round(time.Millisecond)), nil
}

func describeMO(r io.Reader) (string, error) {
	c, err := mo.Decode(r)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("%s catalog, %d messages", formatMO, c.Count()), nil
}

func describeFont(r io.Reader) (string, error) {
	f, err := fnt.Decode(r)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("%s %q %dpx, %d glyphs, %d pages, %d kerning pairs",
		formatBMFont, f.Info.Name, abs(f.Info.Size), len(f.Glyphs), len(f.Pages), f.NumKerningPairs()), nil
}

func describeMP3(r io.Reader) (string, error) {
	d := mp3.NewDecoder(r)

	var (
		f        mp3.Frame
		skipped  int
		frames   int
		duration time.Duration
	)

	for {
		if err := d.Decode(&f, &skipped); err != nil {
			if err == io.EOF {
				break
			}

			return "", okerr.Errorf(okerr.ErrInvalid, "mp3 frame %d: %v", frames, err)
		}

		frames++
		duration += f.Duration()
	}

	if frames == 0 {
		return "", okerr.Errorf(okerr.ErrInvalid, "no MP3 frames")
	}

	return fmt.Sprintf("%s %d frames (%s)", formatMP3, frames, duration.Round(time.Millisecond)), nil
}

func describeCSV(r io.Reader) (string, error) {
	records, err := csv.Decode(r, 0)
	if err != nil {
		return "", err
	}

	fields := 0
	for _, rec := range records {
		fields = max(fields, len(rec))
	}

	return fmt.Sprintf("%s %d records, up to %d fields", formatCSV, len(records), fields), nil
}

func abs(v int) int {
	if v < 0 {
		return -v
	}

	return v
}
