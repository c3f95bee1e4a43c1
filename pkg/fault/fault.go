// Package fault defines the closed set of error kinds raised by the
// validation engine. Every component that needs to decide whether a failure
// is retried, counted by the circuit breaker or reported as a specific issue
// inspects the Kind of a *Error instead of comparing strings.
package fault

import (
	"errors"
	"fmt"
)

// Kind is the propagation class of a failure.
type Kind uint8

const (
	// KindTransport covers DNS, refused, timeout and reset failures.
	KindTransport Kind = iota + 1
	// KindHTTPStatus is a response whose status code signals a transient
	// server condition (5xx, 429).
	KindHTTPStatus
	// KindContractMismatch is a deterministic difference between a response
	// and its schema.
	KindContractMismatch
	// KindStructural indicates a bad contract, bad request or misuse.
	KindStructural
	// KindOverload is raised by protective primitives (open breaker).
	KindOverload
	// KindBatch is the catch-all for unexpected per-endpoint failures.
	KindBatch
)

// String returns the kind name used in logs and issue details.
func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindHTTPStatus:
		return "http_status"
	case KindContractMismatch:
		return "contract_mismatch"
	case KindStructural:
		return "structural"
	case KindOverload:
		return "overload"
	case KindBatch:
		return "batch"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Error is the tagged error value shared by all engine packages.
type Error struct {
	Kind   Kind
	Code   Code
	Op     string // operation or endpoint the failure belongs to
	Status int    // HTTP status for KindHTTPStatus
	Err    error
}

// New returns a *Error with the given kind and code wrapping err.
func New(kind Kind, code Code, op string, err error) *Error {
	return &Error{Kind: kind, Code: code, Op: op, Err: err}
}

func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is a *Error with the same kind and code, so
// sentinel values such as resilience.ErrCircuitOpen match with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

// As extracts the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// KindOf returns the kind of err, or zero when err carries no *Error.
func KindOf(err error) Kind {
	if fe, ok := As(err); ok {
		return fe.Kind
	}
	return 0
}

// CodeOf returns the code of err, or CodeUnknown.
func CodeOf(err error) Code {
	if fe, ok := As(err); ok {
		return fe.Code
	}
	return CodeUnknown
}

// Retryable reports whether a typed failure may succeed if attempted again.
// Untyped errors report false; callers that accept foreign errors apply
// their own pattern classification on top.
func Retryable(err error) bool {
	fe, ok := As(err)
	if !ok {
		return false
	}
	switch fe.Kind {
	case KindTransport:
		return fe.Code != CodeRequestAborted
	case KindHTTPStatus:
		return fe.Status == 429 || fe.Status >= 500
	case KindContractMismatch, KindStructural, KindOverload, KindBatch:
		return false
	default:
		return false
	}
}

// RetryableStatus reports whether an HTTP status code is worth retrying.
func RetryableStatus(status int) bool {
	return status == 429 || (status >= 500 && status <= 599)
}
