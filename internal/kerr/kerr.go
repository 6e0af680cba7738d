// Package kerr defines the closed set of error kinds returned at the
// control-device boundary, mirroring the fixed errno-style vocabulary the
// kernel core exposes to user space.
package kerr

import "fmt"

// Kind is one of the error kinds the control interface may return.
type Kind int

const (
	_ Kind = iota
	InvalidArg
	NotFound
	Busy
	NoSpace
	NoMem
	NotImpl
	Permission
	Interrupted
	BadFd
)

func (k Kind) String() string {
	switch k {
	case InvalidArg:
		return "InvalidArg"
	case NotFound:
		return "NotFound"
	case Busy:
		return "Busy"
	case NoSpace:
		return "NoSpace"
	case NoMem:
		return "NoMem"
	case NotImpl:
		return "NotImpl"
	case Permission:
		return "Permission"
	case Interrupted:
		return "Interrupted"
	case BadFd:
		return "BadFd"
	default:
		return "Unknown"
	}
}

// Error wraps a Kind with a human-readable message and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether err is a *Error of Kind k, so callers can write
// errors.Is(err, kerr.ErrNotFound) even though NotFound is a Kind, not an
// error value, by comparing against a bare-Kind sentinel constructed here.
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	if te.Message != "" {
		return false
	}
	return e.Kind == te.Kind
}

// New builds an *Error of the given kind.
func New(k Kind, format string, args ...any) *Error {
	return &Error{Kind: k, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error of the given kind wrapping cause.
func Wrap(k Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: k, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// sentinel returns a bare *Error usable with errors.Is(err, kerr.ErrNotFound)-
// style comparisons via the Is method above.
func sentinel(k Kind) *Error { return &Error{Kind: k} }

var (
	// Sentinels for errors.Is comparisons, e.g. errors.Is(err, kerr.ErrNotFound).
	ErrInvalidArg  = sentinel(InvalidArg)
	ErrNotFound    = sentinel(NotFound)
	ErrBusy        = sentinel(Busy)
	ErrNoSpace     = sentinel(NoSpace)
	ErrNoMem       = sentinel(NoMem)
	ErrNotImpl     = sentinel(NotImpl)
	ErrPermission  = sentinel(Permission)
	ErrInterrupted = sentinel(Interrupted)
	ErrBadFd       = sentinel(BadFd)
)

// KindOf extracts the Kind of err if it is (or wraps) a *Error, otherwise
// reports ok=false.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if err == nil {
		return 0, false
	}
	if ae, ok := err.(*Error); ok {
		e = ae
	} else if u, ok := err.(interface{ Unwrap() error }); ok {
		return KindOf(u.Unwrap())
	} else {
		return 0, false
	}
	return e.Kind, true
}
