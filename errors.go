package valet

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies a failure for edge mapping and retry decisions.
type ErrorKind string

const (
	KindValidation ErrorKind = "validation" // bad input to an entry point
	KindNotFound   ErrorKind = "not_found"  // id lookup miss
	KindConflict   ErrorKind = "conflict"   // duplicate id or name
	KindTransient  ErrorKind = "transient"  // IO failure, eligible for retry in workers
	KindPermanent  ErrorKind = "permanent"  // schema violation, dimension mismatch; never retried
	KindTimeout    ErrorKind = "timeout"    // planner/tool wait, health probe, LLM call
	KindDisabled   ErrorKind = "disabled"   // tool or tool set disabled
	KindInternal   ErrorKind = "internal"   // unexpected; logged with stack
)

// Error is the domain error carried across component boundaries.
// Op is a short operation label ("memory.add", "queue.enqueue").
type Error struct {
	Kind    ErrorKind
	Op      string
	Message string
	Err     error // wrapped cause, may be nil
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds an *Error with a formatted message.
func Errorf(kind ErrorKind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// WrapErr builds an *Error around a cause.
func WrapErr(kind ErrorKind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

// KindOf returns the ErrorKind of err, or KindInternal if err carries none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsRetryable reports whether a worker may usefully retry err. Transient,
// timeout, and unexpected internal failures are retryable; validation,
// not-found, conflict, permanent, and disabled outcomes are not.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindTimeout, KindInternal:
		return true
	default:
		return false
	}
}

func IsValidation(err error) bool { return KindOf(err) == KindValidation }
func IsNotFound(err error) bool   { return KindOf(err) == KindNotFound }
func IsConflict(err error) bool   { return KindOf(err) == KindConflict }
func IsTransient(err error) bool  { return KindOf(err) == KindTransient }
func IsTimeout(err error) bool    { return KindOf(err) == KindTimeout }
func IsDisabled(err error) bool   { return KindOf(err) == KindDisabled }

// ErrHTTP is a transport-level failure from the LLM or embedding client.
// Status 429 and 503 are treated as transient by the retry wrapper.
type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}
