package types

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies relay errors so callers can decide whether a retry is
// ever worthwhile. The kinds map one-to-one onto the reply codes clients see.
type ErrorKind int

const (
	// KindValidation covers bad chains, unknown markets and malformed
	// arguments. Never retried by the relay.
	KindValidation ErrorKind = iota + 1

	// KindConflict covers lost atomic claims and held maker locks. Callers
	// may retry after the reported remaining TTL.
	KindConflict

	// KindNotFound covers unknown orders, fills and markets.
	KindNotFound

	// KindUpstream covers store or bus failures. Surfaced generically; the
	// relay performs no automatic retry.
	KindUpstream

	// KindUnauthorized covers signer/owner mismatches. No state is mutated.
	KindUnauthorized
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	case KindUpstream:
		return "upstream"
	case KindUnauthorized:
		return "unauthorized"
	default:
		return "unknown"
	}
}

// Error is the relay's error envelope. Op preserves the originating operation
// name for client correlation; Remaining carries the residual lock TTL on
// conflicts.
type Error struct {
	Kind      ErrorKind
	Op        string
	Msg       string
	Remaining time.Duration
	Err       error
}

func (e *Error) Error() string {
	s := e.Kind.String()
	if e.Op != "" {
		s += " " + e.Op
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// Validationf builds a KindValidation error.
func Validationf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

// Conflictf builds a KindConflict error carrying the remaining wait time.
func Conflictf(remaining time.Duration, format string, args ...interface{}) *Error {
	return &Error{Kind: KindConflict, Remaining: remaining, Msg: fmt.Sprintf(format, args...)}
}

// NotFoundf builds a KindNotFound error.
func NotFoundf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}

// Upstreamf wraps a dependency failure as KindUpstream.
func Upstreamf(err error, format string, args ...interface{}) *Error {
	return &Error{Kind: KindUpstream, Msg: fmt.Sprintf(format, args...), Err: err}
}

// Unauthorizedf builds a KindUnauthorized error.
func Unauthorizedf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindUnauthorized, Msg: fmt.Sprintf(format, args...)}
}

// WithOp stamps the originating operation name onto err. Non-relay errors are
// wrapped as KindUpstream so every reply carries an op and a kind.
func WithOp(op string, err error) error {
	if err == nil {
		return nil
	}
	var re *Error
	if errors.As(err, &re) {
		if re.Op == "" {
			re.Op = op
		}
		return re
	}
	return &Error{Kind: KindUpstream, Op: op, Err: err}
}

// KindOf returns the error's kind, or KindUpstream for foreign errors.
func KindOf(err error) ErrorKind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindUpstream
}
