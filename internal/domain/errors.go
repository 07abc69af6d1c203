package domain

import "fmt"

// Kind is the error taxonomy surfaced by every component, per spec §7. HTTP
// adapters map Kind to a status code; internal callers branch on Kind rather
// than on error string contents.
type Kind string

const (
	KindInvalidInput        Kind = "invalidInput"
	KindUnauthorized        Kind = "unauthorized"
	KindInsufficientBalance Kind = "insufficientBalance"
	KindNonceTooLow         Kind = "nonceTooLow"
	KindReplay              Kind = "replay"
	KindAlreadyProcessed    Kind = "alreadyProcessed"
	KindPending             Kind = "pending"
	KindNotFound            Kind = "notFound"
	KindExpired             Kind = "expired"
	KindUpstream            Kind = "upstream"
	KindConflict            Kind = "conflict"
	KindCancelled           Kind = "cancelled"
)

// Error is the concrete error type produced across the engine. Retryable
// marks upstream failures that a caller's retry policy may safely repeat;
// ledger invariant refusals are never retryable.
type Error struct {
	Kind      Kind
	Message   string
	Retryable bool
	cause     error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds an Error of the given kind with a message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf builds an Error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an upstream-flavoured Error that records the underlying cause
// for logging while keeping the caller-visible Kind/Message stable.
func Wrap(kind Kind, message string, cause error, retryable bool) *Error {
	return &Error{Kind: kind, Message: message, cause: cause, Retryable: retryable}
}

// Is supports errors.Is(err, domain.New(kind, "")) style matching on Kind
// alone — message/cause are ignored for equality.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// KindOf extracts the Kind from err, defaulting to KindUpstream for
// unrecognized error types so callers always have a sensible HTTP mapping.
func KindOf(err error) Kind {
	var de *Error
	if err == nil {
		return ""
	}
	if asError(err, &de) {
		return de.Kind
	}
	return KindUpstream
}

func asError(err error, target **Error) bool {
	type unwrapper interface{ Unwrap() error }
	for err != nil {
		if de, ok := err.(*Error); ok {
			*target = de
			return true
		}
		u, ok := err.(unwrapper)
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
