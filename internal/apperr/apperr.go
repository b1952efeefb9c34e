// Package apperr defines the error taxonomy shared by the dispatch engine and
// its transports. Every failure surfaced to a caller carries a Kind that the
// HTTP layer maps to a status code.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindAuthorization
	KindUpstream
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindAuthorization:
		return "authorization"
	case KindUpstream:
		return "upstream_unavailable"
	case KindConflict:
		return "state_conflict"
	default:
		return "internal"
	}
}

// HTTPStatus is the status code a transport should answer with for k.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindAuthorization:
		return http.StatusForbidden
	case KindUpstream:
		return http.StatusServiceUnavailable
	case KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same code, so a sentinel still matches after
// it has been re-created with a cause or a more specific message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

func New(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

// Wrap returns a copy of base carrying cause.
func Wrap(base *Error, cause error) *Error {
	c := *base
	c.Err = cause
	return &c
}

// Withf returns a copy of base with a formatted message.
func Withf(base *Error, format string, args ...any) *Error {
	c := *base
	c.Message = fmt.Sprintf(format, args...)
	return &c
}

// KindOf reports the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf reports the code of the first *Error in err's chain.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "internal"
}

var (
	ErrInvalidRequest       = New(KindValidation, "invalid_request", "invalid request")
	ErrInvalidCoordinate    = New(KindValidation, "invalid_coordinate", "coordinates must be finite numbers within range")
	ErrGeocodingUnavailable = New(KindUpstream, "geocoding_unavailable", "map lookup unavailable")
	ErrRideNotFound         = New(KindNotFound, "ride_not_found", "ride not found")
	ErrInvalidOTP           = New(KindAuthorization, "invalid_otp", "invalid otp")
	ErrNotAuthorized        = New(KindAuthorization, "not_authorized", "not authorized for this ride")
	ErrRideNotOngoing       = New(KindConflict, "ride_not_ongoing", "ride not ongoing")
	ErrInvalidTransition    = New(KindConflict, "invalid_transition", "ride state does not allow this transition")
)
