// Package oops provides errors that carry the call stack where they were created.
// The stack is printed by the logging package when the error is logged.
package oops

import (
	"fmt"

	"github.com/go-stack/stack"
	"github.com/rs/zerolog"
)

// Error is a message, an optional cause, and the stack of the New call.
type Error struct {
	Message string
	Wrapped error
	Stack   CallStack
}

func (e *Error) Error() string {
	if e.Wrapped != nil {
		return e.Message + ": " + e.Wrapped.Error()
	}

	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Wrapped
}

// CallStack is logged as an array of frames, innermost first.
type CallStack []StackFrame

func (s CallStack) MarshalZerologArray(a *zerolog.Array) {
	for _, f := range s {
		a.Object(f)
	}
}

type StackFrame struct {
	File     string `json:"file"`
	Line     int    `json:"line"`
	Function string `json:"function"`
}

func (f StackFrame) MarshalZerologObject(e *zerolog.Event) {
	e.Str("file", f.File).Int("line", f.Line).Str("function", f.Function)
}

// ZerologStackMarshaler is installed as zerolog.ErrorStackMarshaler. Errors
// not created by New have no stack.
func ZerologStackMarshaler(err error) interface{} {
	if e, ok := err.(*Error); ok {
		return e.Stack
	}

	return nil
}

// New wraps an error with a message and the current call stack. Wrapped may be nil.
func New(wrapped error, format string, args ...interface{}) error {
	st := Trace()
	if len(st) > 0 {
		st = st[1:] // New itself
	}

	return &Error{
		Message: fmt.Sprintf(format, args...),
		Wrapped: wrapped,
		Stack:   st,
	}
}

// Trace returns the call stack of its caller.
func Trace() CallStack {
	calls := stack.Trace().TrimRuntime()
	if len(calls) == 0 {
		return nil
	}

	// Skip Trace itself.
	calls = calls[1:]

	s := make(CallStack, 0, len(calls))
	for _, c := range calls {
		fr := c.Frame()
		s = append(s, StackFrame{File: fr.File, Line: fr.Line, Function: fr.Function})
	}

	return s
}
