// Package halerr defines the error taxonomy shared across the voice-call
// pipeline (spec §7), replacing the scattered errno checks of a C HAL with
// a small closed set of sentinel kinds callers can switch on.
package halerr

import "errors"

// Kind classifies a failure the way the Stream Dispatcher and Voice-Call
// Coordinator need to react to it.
type Kind int

const (
	// KindNotFound: a role slot (e.g. Mic) has no card assigned.
	// Non-fatal at open, fatal at pipeline start.
	KindNotFound Kind = iota
	// KindIOTransient: XRUN/EPIPE/EIO on a PCM — recoverable locally via
	// prepare(+start), up to one retry per period.
	KindIOTransient
	// KindIOFatal: EBUSY/EAGAIN on a PCM write, or exhausted retries —
	// the handle is closed and ownership released.
	KindIOFatal
	// KindResourceExhausted: allocation failure in the ring or a scratch
	// buffer.
	KindResourceExhausted
	// KindStateViolation: an exclusive sink is already owned by another
	// stream — the caller silently skips that sink.
	KindStateViolation
	// KindMisconfiguration: an unsupported request at open time (e.g. a
	// capture stream asking for anything but stereo).
	KindMisconfiguration
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindIOTransient:
		return "io_transient"
	case KindIOFatal:
		return "io_fatal"
	case KindResourceExhausted:
		return "resource_exhausted"
	case KindStateViolation:
		return "state_violation"
	case KindMisconfiguration:
		return "misconfiguration"
	default:
		return "unknown"
	}
}

// Error pairs a Kind with the underlying cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op + ": " + e.Kind.String()
	}
	return e.Op + ": " + e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error for op/kind, wrapping cause (which may be nil).
func New(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
