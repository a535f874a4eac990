// Package logging configures the global zerolog logger used by the okfile command
// and provides a human-friendly writer for it.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/gen2brain/okfile/internal/oops"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func init() {
	zerolog.ErrorStackMarshaler = oops.ZerologStackMarshaler
	log.Logger = log.Output(NewPrettyZerologWriter(os.Stderr))
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

// SetOutput replaces the destination of the global logger.
func SetOutput(w io.Writer) {
	log.Logger = log.Output(w)
}

// SetLevel sets the global level from its name, for example "debug" or "warn".
func SetLevel(name string) error {
	level, err := zerolog.ParseLevel(name)
	if err != nil {
		return oops.New(err, "invalid log level %q", name)
	}

	zerolog.SetGlobalLevel(level)

	return nil
}

// GlobalLogger returns the logger the decoders receive through their options.
func GlobalLogger() *zerolog.Logger {
	return &log.Logger
}

func Debug() *zerolog.Event {
	return log.Debug().Timestamp()
}

func Info() *zerolog.Event {
	return log.Info().Timestamp()
}

// Error returns an error event. Errors created with oops add their stack.
func Error() *zerolog.Event {
	return log.Error().Timestamp().Stack()
}

const (
	colorReset = "\033[0m"
	colorBold  = "\033[1m"
	colorRed   = "\033[31m"
	colorBlue  = "\033[34m"
	colorGray  = "\033[90m"
)

var levelColors = map[string]string{
	"debug": colorGray,
	"info":  colorBlue,
	"warn":  colorRed,
	"error": colorRed,
}

const separator = "---------------------------------------\n"

// PrettyZerologWriter turns JSON log lines into indented, multiline text.
type PrettyZerologWriter struct {
	out   io.Writer
	wd    string
	color bool
	// Entries with details are fenced off with a separator line on both sides.
	lastMultiline bool
}

// NewPrettyZerologWriter returns a writer that reformats JSON log lines for
// reading in a terminal. Colors are used only when out is a terminal.
func NewPrettyZerologWriter(out io.Writer) *PrettyZerologWriter {
	wd, _ := os.Getwd()

	color := false
	if f, ok := out.(*os.File); ok {
		color = isatty.IsTerminal(f.Fd())
	}

	return &PrettyZerologWriter{
		out:   out,
		wd:    wd,
		color: color,
	}
}

func (w *PrettyZerologWriter) paint(s string, codes ...string) string {
	if !w.color {
		return s
	}

	return strings.Join(codes, "") + s + colorReset
}

// Write implements io.Writer. Input that is not a JSON object is passed through.
func (w *PrettyZerologWriter) Write(p []byte) (int, error) {
	var fields map[string]interface{}
	if err := json.Unmarshal(p, &fields); err != nil {
		return w.out.Write(p)
	}

	str := func(name string) string {
		v, _ := fields[name].(string)
		delete(fields, name)

		return v
	}

	timestamp := str(zerolog.TimestampFieldName)
	level := str(zerolog.LevelFieldName)
	message := str(zerolog.MessageFieldName)
	errText := str(zerolog.ErrorFieldName)

	trace, _ := fields[zerolog.ErrorStackFieldName].([]interface{})
	delete(fields, zerolog.ErrorStackFieldName)

	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	multiline := errText != "" || trace != nil || len(names) > 0

	var b strings.Builder
	if multiline || w.lastMultiline {
		b.WriteString(separator)
	}

	if timestamp != "" {
		b.WriteString(timestamp + " ")
	}

	if level != "" {
		b.WriteString(w.paint(strings.ToUpper(level), levelColors[level], colorBold) + ": ")
	}

	b.WriteString(message + "\n")

	if errText != "" {
		b.WriteString("  " + w.paint("ERROR:", colorBold, colorRed) + " " + errText + "\n")
	}

	if len(names) > 0 {
		b.WriteString("  " + w.paint("Fields:", colorBold, colorBlue) + "\n")
		for _, name := range names {
			value, _ := json.MarshalIndent(fields[name], "    ", "  ")
			b.WriteString("    " + name + ": " + string(value) + "\n")
		}
	}

	if trace != nil {
		b.WriteString("  " + w.paint("Stack trace:", colorBold, colorBlue) + "\n")
		w.writeTrace(&b, trace)
	}

	w.lastMultiline = multiline

	if _, err := io.WriteString(w.out, b.String()); err != nil {
		return 0, err
	}

	return len(p), nil
}

// writeTrace prints one "function (file:line)" line per frame, with paths
// relative to the working directory.
func (w *PrettyZerologWriter) writeTrace(b *strings.Builder, trace []interface{}) {
	for _, v := range trace {
		frame, ok := v.(map[string]interface{})
		if !ok {
			continue
		}

		file, _ := frame["file"].(string)
		if w.wd != "" {
			file = strings.Replace(file, w.wd, ".", 1)
		}

		function, _ := frame["function"].(string)
		line, _ := frame["line"].(float64)

		fmt.Fprintf(b, "    %s (%s:%d)\n", function, file, int(line))
	}
}

// LogPanics logs a recovered panic with the stack of the panicking goroutine.
// It must be deferred directly. A nil logger means the global one.
func LogPanics(logger *zerolog.Logger) {
	r := recover()
	if r == nil {
		return
	}

	if logger == nil {
		logger = GlobalLogger()
	}

	if err, ok := r.(*oops.Error); ok {
		logger.Error().Stack().Err(err).Msg("recovered from panic")

		return
	}

	e := logger.Error()
	if err, ok := r.(error); ok {
		e = e.Err(err)
	} else {
		e = e.Interface("recovered", r)
	}

	e.Interface(zerolog.ErrorStackFieldName, oops.Trace()).Msg("recovered from panic")
}
