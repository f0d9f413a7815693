package types

import (
	"errors"
	"fmt"
)

// Kind classifies service errors independently of transport framing.
// The HTTP layer maps each kind to a status code at the router edge.
type Kind string

const (
	// KindInvalidParameter indicates out-of-bounds limits or a missing body field.
	KindInvalidParameter Kind = "invalid_parameter"
	// KindSourceTooLarge indicates source text exceeding 1 MB or empty source.
	KindSourceTooLarge Kind = "source_too_large"
	// KindSessionNotFound indicates an unknown session id.
	KindSessionNotFound Kind = "session_not_found"
	// KindSessionClosed indicates admission against an INACTIVE session.
	KindSessionClosed Kind = "session_closed"
	// KindLanguageNotFound indicates an unknown language id.
	KindLanguageNotFound Kind = "language_not_found"
	// KindRateLimited indicates the abuse gate blocked admission.
	KindRateLimited Kind = "rate_limited"
	// KindExecutionNotFound indicates an unknown execution id.
	KindExecutionNotFound Kind = "execution_not_found"
	// KindInternal indicates an unexpected failure.
	KindInternal Kind = "internal"
)

// Error is a classified service error. RetryAfter carries the client
// back-off hint for rate-limited admissions, in seconds.
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter int
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As chain traversal.
func (e *Error) Unwrap() error {
	return e.Err
}

// E creates a classified error.
func E(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Ef creates a classified error with printf-style formatting.
func Ef(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a classified error preserving the cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the kind from an error chain.
// Unclassified errors report KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
