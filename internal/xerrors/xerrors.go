// Package xerrors wraps github.com/cockroachdb/errors with the POSIX-errno
// flavored error codes this engine reports (spec ERROR HANDLING DESIGN).
package xerrors

import (
	"github.com/cockroachdb/errors"
)

// Code is one of the errno-domain codes every engine error carries.
type Code int

const (
	// OK is the zero value; GetCode(nil) also reports OK.
	OK Code = iota
	ENOENT
	EINVAL
	EBUSY
	ENOMEM
	EEXIST
	ENOSYS
)

func (c Code) String() string {
	switch c {
	case ENOENT:
		return "ENOENT"
	case EINVAL:
		return "EINVAL"
	case EBUSY:
		return "EBUSY"
	case ENOMEM:
		return "ENOMEM"
	case EEXIST:
		return "EEXIST"
	case ENOSYS:
		return "ENOSYS"
	default:
		return "OK"
	}
}

type codedError struct {
	code Code
	err  error
}

func (c *codedError) Error() string { return c.err.Error() }
func (c *codedError) Cause() error  { return c.err }
func (c *codedError) Unwrap() error { return c.err }

// New creates a coded error with a message.
func New(code Code, msg string) error {
	return &codedError{code: code, err: errors.New(msg)}
}

// Newf creates a coded error with a formatted message.
func Newf(code Code, format string, args ...interface{}) error {
	return &codedError{code: code, err: errors.Newf(format, args...)}
}

// Wrap attaches a code to an existing error, preserving its stack/chain.
func Wrap(code Code, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &codedError{code: code, err: errors.Wrap(err, msg)}
}

// Wrapf attaches a code to an existing error with a formatted message.
func Wrapf(code Code, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &codedError{code: code, err: errors.Wrapf(err, format, args...)}
}

// GetCode extracts the code attached to err. It returns OK for a nil
// err and EINVAL for a non-nil err that carries no code.
func GetCode(err error) Code {
	if err == nil {
		return OK
	}
	var ce *codedError
	if errors.As(err, &ce) {
		return ce.code
	}
	return EINVAL
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return GetCode(err) == code
}
