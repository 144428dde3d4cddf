package protocol

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the dispatcher and the admin surface. The
// message, not the kind, is what travels in the acknowledgement; the kind
// decides whether state changed, whether a broadcast goes out and which
// HTTP status an admin call maps to.
type Kind int

const (
	KindUnknown Kind = iota
	// KindValidation marks missing or ill-typed request fields.
	KindValidation
	// KindNotFound marks an unknown conference, participant, producer or
	// consumer.
	KindNotFound
	// KindLimitExceeded marks a per-participant producer cap being hit.
	KindLimitExceeded
	// KindPreconditionFailed marks an operation whose prerequisite resource
	// has not been created yet or does not match, e.g. producing on a
	// transport id that is not the send transport.
	KindPreconditionFailed
	// KindEngine marks a failure reported by the media engine.
	KindEngine
	// KindWorkerDied marks the loss of an engine worker process. Fatal for
	// every conference placed on it.
	KindWorkerDied
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindLimitExceeded:
		return "limit_exceeded"
	case KindPreconditionFailed:
		return "precondition_failed"
	case KindEngine:
		return "engine"
	case KindWorkerDied:
		return "worker_died"
	default:
		return "unknown"
	}
}

// Error is the error type crossing package boundaries inside the signaling
// core. Message is safe to surface to clients verbatim.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}

	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Validationf builds a KindValidation error.
func Validationf(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// NotFoundf builds a KindNotFound error.
func NotFoundf(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// LimitExceededf builds a KindLimitExceeded error.
func LimitExceededf(format string, args ...any) *Error {
	return &Error{Kind: KindLimitExceeded, Message: fmt.Sprintf(format, args...)}
}

// PreconditionFailedf builds a KindPreconditionFailed error.
func PreconditionFailedf(format string, args ...any) *Error {
	return &Error{Kind: KindPreconditionFailed, Message: fmt.Sprintf(format, args...)}
}

// EngineError wraps a failure reported by the media engine.
func EngineError(message string, err error) *Error {
	return &Error{Kind: KindEngine, Message: message, Err: err}
}

// WorkerDiedError wraps the loss of an engine worker.
func WorkerDiedError(message string, err error) *Error {
	return &Error{Kind: KindWorkerDied, Message: message, Err: err}
}

// KindOf extracts the Kind from anywhere in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	return KindUnknown
}
