// Package errkind defines the transport-agnostic error taxonomy shared by
// every pipeline component. Kinds classify failures into retryable,
// fatal, degraded, and programmer-error branches; the original cause is
// preserved for logging but callers branch on the kind alone.
package errkind

import (
	"context"
	"errors"
	"fmt"
)

// Kind identifies a failure class.
type Kind string

const (
	InputTooLarge        Kind = "input_too_large"
	BadRange             Kind = "bad_range"
	Canceled             Kind = "canceled"
	Backpressure         Kind = "backpressure"
	Oversize             Kind = "oversize"
	RateLimited          Kind = "rate_limited"
	NotFound             Kind = "not_found"
	Conflict             Kind = "conflict"
	OptimisticConflict   Kind = "optimistic_conflict"
	AnalysisInProgress   Kind = "analysis_in_progress"
	FingerprintUnchanged Kind = "fingerprint_unchanged"
	FingerprintDrift     Kind = "fingerprint_drift"
	LLMTimeout           Kind = "llm_timeout"
	LLMUpstream5xx       Kind = "llm_upstream_5xx"
	LLMRefused           Kind = "llm_refused"
	LLMMalformed         Kind = "llm_malformed"
	VectorUnavailable    Kind = "vector_unavailable"
	CacheUnavailable     Kind = "cache_unavailable"
	Unauthorized         Kind = "unauthorized"
	Forbidden            Kind = "forbidden"
	Internal             Kind = "internal"
)

// retryable kinds are safe to re-attempt after backoff; everything else is
// terminal for the call that produced it.
var retryable = map[Kind]bool{
	Canceled:           true,
	Backpressure:       true,
	RateLimited:        true,
	Conflict:           true,
	OptimisticConflict: true,
	AnalysisInProgress: true,
	LLMTimeout:         true,
	LLMUpstream5xx:     true,
	VectorUnavailable:  true,
}

// Error carries a Kind, the operation that failed, and the wrapped cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Err == nil && e.Op == "":
		return string(e.Kind)
	case e.Err == nil:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Op == "":
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match two kinded errors by Kind alone.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// E wraps err with a kind and operation name.
func E(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a kinded error from a format string.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// New returns a bare kinded error with a static message.
func New(kind Kind, op string) *Error {
	return &Error{Kind: kind, Op: op}
}

// KindOf extracts the kind from err. Context cancellation and deadline
// expiry map to Canceled; anything unclassified is Internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Canceled
	}
	return Internal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether the failure class permits another attempt.
// CacheUnavailable is deliberately not retryable: callers degrade to a
// cache bypass instead of retrying.
func Retryable(err error) bool {
	return retryable[KindOf(err)]
}
