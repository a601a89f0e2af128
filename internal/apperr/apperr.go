// Package apperr defines the typed errors surfaced by chatd operations.
package apperr

import (
	"errors"
	"net/http"
)

// Kind classifies a failure.
type Kind string

const (
	// KindIO covers filesystem and network failures.
	KindIO Kind = "IOFailure"
	// KindInvalidArtifact means a model or tokenizer file failed to load.
	// The offending file has been deleted by the time this is returned.
	KindInvalidArtifact Kind = "InvalidArtifact"
	KindNoActiveModel   Kind = "NoActiveModel"
	KindTokenization    Kind = "TokenizationFailure"
	KindEmptyPrompt     Kind = "EmptyPrompt"
	KindPrefill         Kind = "PrefillFailure"
	KindDecode          Kind = "DecodeFailure"
	// KindConcurrency is a worker or lock failure, fatal for that call only.
	KindConcurrency Kind = "ConcurrencyFailure"
	// KindInvalid is a malformed request.
	KindInvalid Kind = "InvalidRequest"
	// KindUnavailable means an external runtime dependency is missing.
	KindUnavailable Kind = "DependencyUnavailable"
	KindInternal    Kind = "Internal"
)

// Error is a classified error with the failing operation attached.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// StatusCode maps the kind to an HTTP status code.
func (e *Error) StatusCode() int { return e.Kind.StatusCode() }

// StatusCode maps the kind to an HTTP status code.
func (k Kind) StatusCode() int {
	switch k {
	case KindInvalid, KindEmptyPrompt:
		return http.StatusBadRequest
	case KindNoActiveModel:
		return http.StatusConflict
	case KindInvalidArtifact:
		return http.StatusUnprocessableEntity
	case KindConcurrency:
		return http.StatusTooManyRequests
	case KindIO:
		return http.StatusBadGateway
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// New builds an *Error. A nil err still yields a non-nil *Error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Msg builds an *Error from a plain message.
func Msg(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Err: errors.New(msg)}
}

// KindOf returns the kind of the outermost *Error in err's chain, or
// KindInternal when there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
