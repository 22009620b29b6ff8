// Package checkpoint decorates errors with the location they passed through, which results in
// something similar to a stacktrace without the cost of capturing one.
// Every error attached to a checkpoint can still be checked by errors.Is and retrieved by errors.As.
package checkpoint

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"runtime"
)

// From wraps an error by a new checkpoint which records the caller.
// It returns nil, if err == nil.
func From(err error) error {
	if err == nil {
		return nil
	}

	// io.EOF must be returned as io.EOF directly
	// https://github.com/golang/go/issues/39155
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return err
	}

	return newCheckpoint(2, err, nil)
}

// Wrap adds a checkpoint to prev and attaches err as a further description of it.
// It returns nil if prev == nil, so it can be used directly on a call result:
//  var ErrDevice = errors.New("device failure")
//
//  func readSomething() error {
//  	err := dev.Read()
//  	return checkpoint.Wrap(err, ErrDevice)
//  }
// Both errors.Is(err, ErrDevice) and errors.Is(err, <the cause>) hold afterwards.
func Wrap(prev, err error) error {
	if prev == io.EOF {
		return io.EOF
	}

	if prev == nil {
		return nil
	}

	return newCheckpoint(2, err, prev)
}

// Errorf creates a checkpoint of kind err whose cause is the formatted message.
// Unlike Wrap it never returns nil.
func Errorf(err error, format string, args ...interface{}) error {
	return newCheckpoint(2, err, fmt.Errorf(format, args...))
}

func newCheckpoint(skip int, err, prev error) *checkpoint {
	_, file, line, ok := runtime.Caller(skip)

	return &checkpoint{
		err:  err,
		prev: prev,

		callerOk: ok,
		file:     filepath.Base(file),
		line:     line,
	}
}

type checkpoint struct {
	err  error
	prev error

	callerOk bool
	file     string
	line     int
}

func (e *checkpoint) location() string {
	if !e.callerOk {
		return "unknown"
	}
	return fmt.Sprintf("%s:%d", e.file, e.line)
}

func (e *checkpoint) Error() string {
	switch {
	case e.err == nil:
		return fmt.Sprintf("[%s] %v", e.location(), e.prev)
	case e.prev == nil:
		return fmt.Sprintf("%v [%s]", e.err, e.location())
	default:
		return fmt.Sprintf("%v [%s]: %v", e.err, e.location(), e.prev)
	}
}

func (e *checkpoint) Unwrap() error {
	return e.prev
}

func (e *checkpoint) Is(target error) bool {
	return e.err != nil && errors.Is(e.err, target)
}

func (e *checkpoint) As(target interface{}) bool {
	return e.err != nil && errors.As(e.err, target)
}
