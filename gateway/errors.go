package gateway

import (
	"errors"
	"fmt"
)

// Kind classifies a request-level failure. Every error surfaced to a caller
// carries exactly one Kind so the ingress layer can map it to a status code
// and the latency record can name the outcome.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindUpload
	KindRouting
	KindDispatch
	KindTimeout
	KindCapacity
	KindCancelled
	KindInternal
)

// String returns the stable name used in logs, latency records, and metrics labels.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation_error"
	case KindUpload:
		return "upload_error"
	case KindRouting:
		return "routing_error"
	case KindDispatch:
		return "dispatch_error"
	case KindTimeout:
		return "timeout"
	case KindCapacity:
		return "capacity_exceeded"
	case KindCancelled:
		return "cancelled"
	case KindInternal:
		return "internal_error"
	default:
		return "unknown"
	}
}

// Error wraps a failure with its Kind. Modeled as a single typed error rather
// than one sentinel per class so wrapped causes survive errors.Is/As chains.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return "gateway error"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// E constructs a *Error with a formatted message.
func E(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches a Kind to an existing error. Returns nil for a nil cause.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// KindOf extracts the Kind from an error chain. Errors produced outside the
// gateway taxonomy report KindUnknown.
func KindOf(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindUnknown
}
