// Package apperr classifies errors raised by the build lifecycle so job
// runners and the HTTP ingress can decide between retrying, aborting and
// reporting to the caller.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrUnretryable marks invariant violations. Jobs failing with it must not be
// retried.
var ErrUnretryable = errors.New("unretryable")

type unretryableError struct {
	err error
}

func (e *unretryableError) Error() string { return e.err.Error() }
func (e *unretryableError) Unwrap() []error {
	return []error{e.err, ErrUnretryable}
}

// Unretryable wraps err so IsUnretryable reports true.
func Unretryable(err error) error {
	if err == nil {
		return nil
	}
	return &unretryableError{err: err}
}

// Unretryablef formats an invariant violation.
func Unretryablef(format string, args ...interface{}) error {
	return Unretryable(fmt.Errorf(format, args...))
}

// IsUnretryable reports whether err carries ErrUnretryable.
func IsUnretryable(err error) bool {
	return errors.Is(err, ErrUnretryable)
}

// UserError is a client-facing request error, raised synchronously and never
// retried.
type UserError struct {
	Status  int
	Message string
	Hint    string
	Err     error
}

func (e *UserError) Error() string {
	msg := e.Message
	if e.Hint != "" {
		msg += " (" + e.Hint + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *UserError) Unwrap() error { return e.Err }

// PaymentRequired builds a 402 user error.
func PaymentRequired(message string) *UserError {
	return &UserError{Status: http.StatusPaymentRequired, Message: message}
}

// AsUserError extracts a UserError from the chain.
func AsUserError(err error) (*UserError, bool) {
	var ue *UserError
	if errors.As(err, &ue) {
		return ue, true
	}
	return nil, false
}
