// ABOUTME: Error taxonomy shared by the bot session, registry, and HTTP surface
// ABOUTME: Sentinel kinds plus a wrapping Error that carries the failing operation

package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kinds. Match with errors.Is against any error produced by E.
var (
	ErrBadRequest          = errors.New("bad request")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrForbidden           = errors.New("forbidden")
	ErrNotFound            = errors.New("not found")
	ErrServer              = errors.New("server error")
	ErrInitialization      = errors.New("initialization error")
	ErrVerificationRequest = errors.New("verification request error")
	ErrSerialization       = errors.New("serialization error")
	ErrReceive             = errors.New("receive error")
	ErrSend                = errors.New("send error")
)

// Error wraps an underlying cause with a kind and the operation that failed.
type Error struct {
	Kind error
	Op   string
	Err  error
}

// E builds an *Error. A nil cause is allowed; the kind alone then describes it.
func E(kind error, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds an *Error whose cause is a formatted message.
func Errorf(kind error, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	switch {
	case e.Err == nil && e.Op == "":
		return e.Kind.Error()
	case e.Err == nil:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Op == "":
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
}

// Unwrap exposes the cause.
func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is this error's kind.
func (e *Error) Is(target error) bool { return e.Kind == target }

// Message returns the cause's message without the kind or operation prefix,
// falling back to the kind's text.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Err != nil {
			return e.Err.Error()
		}
		return e.Kind.Error()
	}
	return err.Error()
}

// KindOf returns the kind of the outermost *Error in err's chain, or of a
// wrapped sentinel, or ErrServer when err carries none.
func KindOf(err error) error {
	var e *Error
	if errors.As(err, &e) && e.Kind != nil {
		return e.Kind
	}
	for _, k := range []error{
		ErrBadRequest, ErrUnauthorized, ErrForbidden, ErrNotFound,
		ErrInitialization, ErrVerificationRequest, ErrSerialization,
		ErrReceive, ErrSend, ErrServer,
	} {
		if errors.Is(err, k) {
			return k
		}
	}
	return ErrServer
}

// HTTPStatus maps an error to the status code the API responds with.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case ErrBadRequest:
		return http.StatusBadRequest
	case ErrUnauthorized:
		return http.StatusUnauthorized
	case ErrForbidden:
		return http.StatusForbidden
	case ErrNotFound:
		return http.StatusNotFound
	case ErrVerificationRequest:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
