// Package xerrors records where an error was made or passed through, so the
// logger can print file:line for each link of a chain.
//
// New, Newf, Errorf and WithStack keep the whole call stack. Wrap and Wrapf
// keep one frame. Sentinels stay plain errors owned by their packages and
// are matched with errors.Is.
package xerrors

import (
	"errors"
	"fmt"
	"runtime"
)

const stackDepth = 64

// callers returns up to max program counters above the function that
// called callers, skipping skip more frames on top of that.
func callers(skip, max int) []uintptr {
	pcs := make([]uintptr, max)
	return pcs[:runtime.Callers(skip+3, pcs)]
}

// stacked carries the stack at the point the error entered the program
type stacked struct {
	cause error
	stack []uintptr
}

func (e *stacked) Error() string       { return e.cause.Error() }
func (e *stacked) Unwrap() error       { return e.cause }
func (e *stacked) StackPCs() []uintptr { return e.stack }
func (e *stacked) IsXerrorsWrapper()   {}

// annotated prefixes an error with what was being attempted and one frame
type annotated struct {
	cause error
	what  string
	at    uintptr
}

func (e *annotated) Error() string     { return e.what + ": " + e.cause.Error() }
func (e *annotated) Unwrap() error     { return e.cause }
func (e *annotated) PC() uintptr       { return e.at }
func (e *annotated) IsXerrorsWrapper() {}

func stack(err error) error {
	return &stacked{cause: err, stack: callers(1, stackDepth)}
}

func annotate(err error, what string) error {
	var at uintptr
	if pcs := callers(1, 1); len(pcs) == 1 {
		at = pcs[0]
	}
	return &annotated{cause: err, what: what, at: at}
}

func New(msg string) error { return stack(errors.New(msg)) }

func Newf(format string, args ...any) error { return stack(fmt.Errorf(format, args...)) }

// Errorf is fmt.Errorf plus a stack. Use it to attach detail to a sentinel
// with %w while keeping errors.Is working.
func Errorf(format string, args ...any) error { return stack(fmt.Errorf(format, args...)) }

// WithStack records the current stack on err. nil stays nil.
func WithStack(err error) error {
	if err == nil {
		return nil
	}
	return stack(err)
}

// EnsureTrace is WithStack unless some link of the chain already has a stack.
func EnsureTrace(err error) error {
	if err == nil {
		return nil
	}
	var s interface{ StackPCs() []uintptr }
	if errors.As(err, &s) && len(s.StackPCs()) > 0 {
		return err
	}
	return stack(err)
}

// Wrap prefixes err with msg and the caller's position. nil stays nil.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return annotate(err, msg)
}

func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return annotate(err, fmt.Sprintf(format, args...))
}
