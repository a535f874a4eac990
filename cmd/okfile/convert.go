package main

import (
	"bufio"
	"image"
	"image/draw"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gen2brain/okfile/internal/logging"
	"github.com/gen2brain/okfile/internal/oops"
	"github.com/gen2brain/okfile/jpeg"
	"github.com/gen2brain/okfile/okerr"
	"github.com/gen2brain/okfile/pixel"
	"github.com/gen2brain/okfile/png"
	"github.com/spf13/cobra"
	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
)

func newConvertCommand(flags *globalFlags) *cobra.Command {
	var maxIDAT int

	convertCommand := &cobra.Command{
		Use:   "convert IN OUT",
		Short: "Convert a PNG or JPEG image to PNG, BMP or TIFF",
		Long:  "Convert a PNG or JPEG image. The output format follows the extension of OUT: .png, .bmp, .tif or .tiff.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := decodeImageFile(args[0], flags)
			if err != nil {
				return err
			}

			if err := writeImageFile(args[1], m, maxIDAT); err != nil {
				return err
			}

			logging.Info().
				Str("in", args[0]).
				Str("out", args[1]).
				Int("width", m.Width).
				Int("height", m.Height).
				Msg("converted image")

			return nil
		},
	}

	convertCommand.Flags().IntVar(&maxIDAT, "max-idat", 0, "Maximum PNG IDAT chunk length (0 for no limit)")

	return convertCommand
}

func decodeImageFile(path string, flags *globalFlags) (*pixel.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, oops.New(err, "failed to open %s", path)
	}
	defer f.Close()

	br := bufio.NewReader(f)

	head, err := br.Peek(12)
	if err != nil && err != io.EOF {
		return nil, oops.New(err, "failed to read %s", path)
	}

	var m *pixel.Image
	switch detect(head, path) {
	case formatPNG:
		m, err = png.Decode(br, flags.imageOptions())
	case formatJPEG:
		m, err = jpeg.Decode(br, flags.imageOptions())
	default:
		err = okerr.Errorf(okerr.ErrUnsupported, "not a PNG or JPEG image")
	}

	if err != nil {
		return nil, oops.New(err, "failed to decode %s", path)
	}

	return m, nil
}

func writeImageFile(path string, m *pixel.Image, maxIDAT int) (err error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".png", ".bmp", ".tif", ".tiff":
	default:
		return oops.New(okerr.Errorf(okerr.ErrAPI, "unsupported output extension %q", ext), "failed to write %s", path)
	}

	f, err := os.Create(path)
	if err != nil {
		return oops.New(err, "failed to create %s", path)
	}

	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = oops.New(cerr, "failed to close %s", path)
		}
	}()

	img := toNRGBA(m)

	switch ext {
	case ".png":
		err = png.Write(f, img.Pix, png.WriteOptions{
			Width:        img.Rect.Dx(),
			Height:       img.Rect.Dy(),
			Stride:       img.Stride,
			BitDepth:     8,
			ColorType:    png.ColorTrueAlpha,
			MaxChunkSize: maxIDAT,
		})
	case ".bmp":
		err = bmp.Encode(f, img)
	default:
		err = tiff.Encode(f, img, &tiff.Options{Compression: tiff.Deflate, Predictor: true})
	}

	if err != nil {
		return oops.New(err, "failed to write %s", path)
	}

	return nil
}

// toNRGBA returns m as top-down, straight-alpha RGBA.
func toNRGBA(m *pixel.Image) *image.NRGBA {
	switch img := m.ToImage().(type) {
	case *image.NRGBA:
		return img
	default:
		out := image.NewNRGBA(img.Bounds())
		draw.Draw(out, out.Rect, img, img.Bounds().Min, draw.Src)

		return out
	}
}
