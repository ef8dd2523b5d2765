// Package apperr defines the error taxonomy shared across the daemon and
// its mapping to HTTP status codes.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for transport mapping.
type Kind int

const (
	KindInternal Kind = iota
	KindNotFound
	KindInvalidInput
	KindPreconditionFailed
	KindBackendUnavailable
	KindTimeout
	KindTransient
)

// Error carries a kind alongside a wrapped cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap wraps a cause with a kind and message.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// NotFound creates a not-found error.
func NotFound(msg string) *Error { return New(KindNotFound, msg) }

// InvalidInput creates an invalid-input error.
func InvalidInput(msg string) *Error { return New(KindInvalidInput, msg) }

// PreconditionFailed creates a precondition error.
func PreconditionFailed(msg string) *Error { return New(KindPreconditionFailed, msg) }

// BackendUnavailable creates an unavailable-dependency error.
func BackendUnavailable(msg string) *Error { return New(KindBackendUnavailable, msg) }

// Timeout creates a timeout error.
func Timeout(msg string) *Error { return New(KindTimeout, msg) }

// KindOf extracts the kind from an error chain. Unclassified errors are internal.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// HTTPStatus maps an error to the HTTP status code it surfaces as.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindPreconditionFailed:
		return http.StatusConflict
	case KindBackendUnavailable:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
