// Package errs defines the kernel's own error codes.
//
// The set mirrors the subset of POSIX-style errnos that
// original_source/kernel/src/error.rs carries as Errno, trimmed to the
// codes spec.md §4.9 actually names. An Error pairs one of these codes
// with an optional human-readable message, the way the teacher's
// defs.Err_t carries a bare negative int at the syscall boundary but a
// richer message internally via fmt.Errorf call sites.
package errs

import "fmt"

// Errno is the kernel's closed set of error codes.
type Errno int32

const (
	// OK is not a failure; handlers return (value, nil) instead of OK in
	// practice, but the zero value stays reserved so an unset Errno is
	// never mistaken for a real code.
	OK Errno = iota
	NotFound
	AccessDenied
	BadHandle
	InvArg
	WrongType
	NotSupported
	PeerClosed
	ShouldWait
	OutOfMemory
	NotMapped
	PageFault
	TooBig
	MapFailed
	InvSyscall
)

var names = map[Errno]string{
	OK:           "ok",
	NotFound:     "not found",
	AccessDenied: "access denied",
	BadHandle:    "bad handle",
	InvArg:       "invalid argument",
	WrongType:    "wrong type",
	NotSupported: "not supported",
	PeerClosed:   "peer closed",
	ShouldWait:   "should wait",
	OutOfMemory:  "out of memory",
	NotMapped:    "not mapped",
	PageFault:    "page fault",
	TooBig:       "too big",
	MapFailed:    "map failed",
	InvSyscall:   "invalid syscall",
}

func (e Errno) String() string {
	if s, ok := names[e]; ok {
		return s
	}
	return fmt.Sprintf("errno(%d)", int32(e))
}

// Negate converts an Errno to the negative syscall-return encoding
// described in spec.md §4.8/§7: success is zero or a positive value,
// failure is the negated error code placed in the return register.
func (e Errno) Negate() int64 {
	return -int64(e)
}

// Error pairs an Errno with an optional diagnostic message. It implements
// the standard error interface so it composes with fmt.Errorf/%w and with
// github.com/pkg/errors.WithStack at kernel-fatal call sites.
type Error struct {
	Errno   Errno
	Message string
}

func New(e Errno) *Error {
	return &Error{Errno: e}
}

func Newf(e Errno, format string, args ...interface{}) *Error {
	return &Error{Errno: e, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Errno.String()
	}
	return fmt.Sprintf("%s: %s", e.Errno, e.Message)
}

// Is lets errors.Is(err, errs.NotFound) work by comparing Errno codes,
// mirroring how the teacher compares raw defs.Err_t values with ==.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Errno == other.Errno
}

// Code extracts the Errno from any error, defaulting to InvArg for
// errors that did not originate from this package (e.g. a wrapped
// github.com/pkg/errors stack).
func Code(err error) Errno {
	if err == nil {
		return OK
	}
	type causer interface{ Cause() error }
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Errno
		}
		c, ok := err.(causer)
		if !ok {
			break
		}
		err = c.Cause()
	}
	return InvArg
}
