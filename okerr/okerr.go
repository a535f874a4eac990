// Package okerr defines the error taxonomy shared by every decoder and encoder in okfile.
//
// Every error returned by a decoder wraps exactly one of the sentinel errors below,
// so callers can classify failures with errors.Is and obtain a stable numeric code with Code.
package okerr

import (
	"errors"
	"fmt"
)

// Standard error kinds.
var (
	// ErrAPI reports a misuse of the API (nil reader, invalid options, out-of-order calls).
	ErrAPI = errors.New("invalid argument")
	// ErrInvalid reports malformed input data.
	ErrInvalid = errors.New("invalid data")
	// ErrUnsupported reports valid input that uses a feature this package does not implement.
	ErrUnsupported = errors.New("unsupported format")
	// ErrAllocation reports that a buffer could not be allocated.
	ErrAllocation = errors.New("allocation failed")
	// ErrIO reports a short read, a failed seek or truncated input.
	ErrIO = errors.New("io error")
)

// Numeric error codes, stable across releases.
const (
	CodeNone        = 0
	CodeAPI         = 1
	CodeInvalid     = 2
	CodeUnsupported = 3
	CodeAllocation  = 4
	CodeIO          = 5
	CodeUnknown     = 99
)

// Errorf formats a message and wraps it around kind.
// The resulting error prints as "<message>: <kind>".
func Errorf(kind error, format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), kind)
}

// Code maps err to its numeric code.
func Code(err error) int {
	switch {
	case err == nil:
		return CodeNone
	case errors.Is(err, ErrAPI):
		return CodeAPI
	case errors.Is(err, ErrInvalid):
		return CodeInvalid
	case errors.Is(err, ErrUnsupported):
		return CodeUnsupported
	case errors.Is(err, ErrAllocation):
		return CodeAllocation
	case errors.Is(err, ErrIO):
		return CodeIO
	default:
		return CodeUnknown
	}
}

// Message returns the human-readable message for err, or an empty string for nil.
func Message(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
