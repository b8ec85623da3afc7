// Package apierr defines the error kinds that cross the relay's HTTP boundary.
package apierr

import (
	"fmt"
	"net/http"
)

// Kind tags an Error. Every kind maps to exactly one wire code and status.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindAuthentication
	KindRateLimit
	KindConfiguration
	KindUpstream
)

// Error is the single error type the HTTP layer renders.
type Error struct {
	Kind    Kind
	Message string
	Details any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Err.Error() != e.Message {
		return fmt.Sprintf("%s: %s: %v", e.Code(), e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code(), e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Code is the machine-readable code sent to clients.
func (e *Error) Code() string {
	switch e.Kind {
	case KindValidation:
		return "VALIDATION_ERROR"
	case KindAuthentication:
		return "AUTHENTICATION_ERROR"
	case KindRateLimit:
		return "RATE_LIMIT_ERROR"
	case KindConfiguration:
		return "CONFIGURATION_ERROR"
	case KindUpstream:
		return "UPSTREAM_ERROR"
	case KindInternal:
		return "INTERNAL_SERVER_ERROR"
	default:
		panic(fmt.Sprintf("apierr: unknown kind %d", e.Kind))
	}
}

// Status is the HTTP status used when the error is reported before a stream
// has started.
func (e *Error) Status() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindConfiguration:
		return http.StatusInternalServerError
	case KindUpstream:
		return http.StatusBadGateway
	case KindInternal:
		return http.StatusInternalServerError
	default:
		panic(fmt.Sprintf("apierr: unknown kind %d", e.Kind))
	}
}

func Validation(message string, details any) *Error {
	return &Error{Kind: KindValidation, Message: message, Details: details}
}

func Authentication(message string, err error) *Error {
	return &Error{Kind: KindAuthentication, Message: message, Err: err}
}

func RateLimit(message string, err error) *Error {
	return &Error{Kind: KindRateLimit, Message: message, Err: err}
}

func Configuration(message string, err error) *Error {
	return &Error{Kind: KindConfiguration, Message: message, Err: err}
}

func Upstream(message string, err error) *Error {
	return &Error{Kind: KindUpstream, Message: message, Err: err}
}

func Internal(message string, err error) *Error {
	return &Error{Kind: KindInternal, Message: message, Err: err}
}
