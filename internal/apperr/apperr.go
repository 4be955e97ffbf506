// Package apperr defines the structured error taxonomy shared by all chat
// operations. Errors carry a Kind so transports can map them to status codes
// without string matching.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindForbidden
	KindInvalidArgument
	KindInvalidState
	KindTimeout
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindForbidden:
		return "forbidden"
	case KindInvalidArgument:
		return "invalid_argument"
	case KindInvalidState:
		return "invalid_state"
	case KindTimeout:
		return "timeout"
	case KindConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NotFound(format string, v ...interface{}) *Error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, v...)}
}

func Forbidden(format string, v ...interface{}) *Error {
	return &Error{Kind: KindForbidden, Msg: fmt.Sprintf(format, v...)}
}

func InvalidArgument(format string, v ...interface{}) *Error {
	return &Error{Kind: KindInvalidArgument, Msg: fmt.Sprintf(format, v...)}
}

func InvalidState(format string, v ...interface{}) *Error {
	return &Error{Kind: KindInvalidState, Msg: fmt.Sprintf(format, v...)}
}

func Timeout(format string, v ...interface{}) *Error {
	return &Error{Kind: KindTimeout, Msg: fmt.Sprintf(format, v...)}
}

func Conflict(format string, v ...interface{}) *Error {
	return &Error{Kind: KindConflict, Msg: fmt.Sprintf(format, v...)}
}

// KindOf returns the Kind carried by err, or KindUnknown for plain errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// FromStore normalizes errors coming back from collaborator I/O. Deadline
// expiry becomes a Timeout so callers can surface it as retryable; anything
// already carrying a Kind passes through untouched.
func FromStore(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Msg: op + " timed out", Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// HTTPStatus maps an error to the status code the HTTP surface should return.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden:
		return http.StatusForbidden
	case KindInvalidArgument:
		return http.StatusBadRequest
	case KindInvalidState:
		return http.StatusConflict
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
