// Command okfile inspects, converts and decompresses files with the okfile decoders.
package main

import (
	"errors"
	"os"

	"github.com/gen2brain/okfile/internal/logging"
	"github.com/gen2brain/okfile/okerr"
	"github.com/gen2brain/okfile/pixel"
	"github.com/spf13/cobra"
)

// globalFlags are the persistent flags shared by all commands.
type globalFlags struct {
	logLevel          string
	bgra              bool
	premultiplied     bool
	flip              bool
	ignoreOrientation bool
	verifyChecksums   bool
}

// imageOptions builds decode options from the flags.
func (f *globalFlags) imageOptions() *pixel.Options {
	opts := &pixel.Options{
		Premultiplied:     f.premultiplied,
		Flip:              f.flip,
		IgnoreOrientation: f.ignoreOrientation,
		VerifyChecksums:   f.verifyChecksums,
		Logger:            logging.GlobalLogger(),
	}

	if f.bgra {
		opts.Format = pixel.BGRA
	}

	return opts
}

func newRootCommand() *cobra.Command {
	flags := &globalFlags{}

	rootCommand := &cobra.Command{
		Use:           "okfile",
		Short:         "Inspect and convert image, audio, font and catalog files",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return logging.SetLevel(flags.logLevel)
		},
	}

	pf := rootCommand.PersistentFlags()
	pf.StringVar(&flags.logLevel, "log-level", "info", "Log level (trace, debug, info, warn, error)")
	pf.BoolVar(&flags.bgra, "bgra", false, "Decode images to BGRA instead of RGBA")
	pf.BoolVar(&flags.premultiplied, "premultiplied", false, "Decode images with premultiplied alpha")
	pf.BoolVar(&flags.flip, "flip", false, "Decode images bottom-up")
	pf.BoolVar(&flags.ignoreOrientation, "ignore-orientation", false, "Do not apply the JPEG EXIF orientation")
	pf.BoolVar(&flags.verifyChecksums, "verify-checksums", false, "Verify PNG CRC-32 and Adler-32 checksums")

	rootCommand.AddCommand(
		newInfoCommand(flags),
		newConvertCommand(flags),
		newInflateCommand(),
	)

	return rootCommand
}

// reportedError marks an error whose details a command has already logged.
type reportedError struct {
	error
}

func (e reportedError) Unwrap() error {
	return e.error
}

// exitCode maps err to the process exit status. Errors outside the okerr
// taxonomy exit with 1.
func exitCode(err error) int {
	code := okerr.Code(err)
	if code == okerr.CodeUnknown {
		return 1
	}

	return code
}

// execute runs the command line args and returns the exit status.
func execute(args []string) int {
	rootCommand := newRootCommand()
	rootCommand.SetArgs(args)

	if err := rootCommand.Execute(); err != nil {
		if !errors.As(err, new(reportedError)) {
			logging.Error().Err(err).Msg("okfile failed")
		}

		return exitCode(err)
	}

	return 0
}

func main() {
	defer logging.LogPanics(nil)

	if code := execute(os.Args[1:]); code != 0 {
		os.Exit(code)
	}
}
