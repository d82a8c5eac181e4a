package errcode

import "github.com/pkg/errors"

// Code is a stable error kind returned by every public driver entry point.
// It is a string newtype, comparable, allocation-free, and implements error.
type Code string

func (c Code) Error() string { return string(c) }

// Canonical codes (short, stable).
const (
	OK           Code = "ok"
	InvalidArg   Code = "invalid_arg"
	InvalidState Code = "invalid_state"
	NotFound     Code = "not_found"
	NoMem        Code = "no_mem"
	NotSupported Code = "not_supported"
	Timeout      Code = "timeout"

	InvalidResponse Code = "invalid_response" // malformed frame on the wire
	InvalidCRC      Code = "invalid_crc"

	Fail Code = "fail" // opaque collaborator failure
)

// E keeps a code together with the failing operation and a cause.
type E struct {
	C   Code
	Op  string
	Msg string
	Err error
}

func (e *E) Error() string {
	s := string(e.C)
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}
func (e *E) Unwrap() error { return e.Err }
func (e *E) Code() Code    { return e.C }

// New returns an *E without a cause.
func New(c Code, op, msg string) error {
	return &E{C: c, Op: op, Msg: msg}
}

// Wrap annotates a collaborator error. A nil err yields nil.
// If err already carries a Code, that code wins over c.
func Wrap(c Code, op string, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	if inner := Of(err); inner != Fail {
		c = inner
	}
	return &E{C: c, Op: op, Err: errors.Wrapf(err, format, args...)}
}

// Of extracts a Code from an error chain, defaulting to Fail.
func Of(err error) Code {
	if err == nil {
		return OK
	}
	type coder interface{ Code() Code }
	var x coder
	if errors.As(err, &x) {
		return x.Code()
	}
	var c Code
	if errors.As(err, &c) {
		return c
	}
	return Fail
}

// Is reports whether err carries code c.
func Is(err error, c Code) bool { return Of(err) == c }
