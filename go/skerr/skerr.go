// Package skerr wraps errors with the call stack of the site that produced
// them, so a deeply-propagated error can still be traced back to where it
// originated without a debugger.
package skerr

import (
	"fmt"
	"runtime"
	"strings"
)

// StackTrace identifies a single call-stack frame.
type StackTrace struct {
	File string
	Line int
}

// String renders the frame as "file.go:line".
func (s StackTrace) String() string {
	return fmt.Sprintf("%s:%d", s.File, s.Line)
}

// CallStack returns up to n frames starting `skip` levels above the caller
// of CallStack.
func CallStack(n, skip int) []StackTrace {
	frames := make([]StackTrace, 0, n)
	for i := 0; i < n; i++ {
		_, file, line, ok := runtime.Caller(skip + i + 1)
		if !ok {
			break
		}
		if idx := strings.LastIndex(file, "/"); idx >= 0 {
			file = file[idx+1:]
		}
		frames = append(frames, StackTrace{File: file, Line: line})
	}
	return frames
}

// wrapped is an error annotated with the stack frame where it was wrapped.
type wrapped struct {
	inner error
	frame StackTrace
}

func (w *wrapped) Error() string {
	return fmt.Sprintf("%s. At %s", w.inner.Error(), w.frame.String())
}

// Unwrap matches errors.Unwrap so %w and errors.Is/As keep working.
func (w *wrapped) Unwrap() error {
	return w.inner
}

func wrap(err error, skip int) error {
	if err == nil {
		return nil
	}
	frames := CallStack(1, skip+1)
	if len(frames) == 0 {
		return err
	}
	return &wrapped{inner: err, frame: frames[0]}
}

// Wrap annotates err with the caller's file:line. Returns nil if err is nil.
func Wrap(err error) error {
	return wrap(err, 1)
}

// Wrapf is Wrap plus an additional message prefixed onto err.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return wrap(fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err), 1)
}

// Fmt builds a new error from format/args and annotates it with the
// caller's file:line, the way errors.New does but with a stack frame.
func Fmt(format string, args ...interface{}) error {
	return wrap(fmt.Errorf(format, args...), 1)
}

// Unwrap returns the innermost error, stripping every skerr wrapper.
func Unwrap(err error) error {
	for {
		w, ok := err.(*wrapped)
		if !ok {
			return err
		}
		err = w.inner
	}
}
