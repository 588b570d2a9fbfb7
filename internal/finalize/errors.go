package finalize

import (
	"errors"
	"fmt"
)

// Kind tells the operator what to do about a failed completion.
type Kind string

const (
	// KindTransient failures can be retried as-is.
	KindTransient Kind = "transient"
	// KindRejected failures need support; retrying will not help.
	KindRejected Kind = "rejected"
)

// Error is a classified completion failure. Session state is never cleared
// when one is returned.
type Error struct {
	Kind       Kind
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("finalize %s (status %d): %s", e.Kind, e.StatusCode, msg)
	}
	return fmt.Sprintf("finalize %s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Hint is the operator-facing advice for the failure kind.
func (e *Error) Hint() string {
	if e != nil && e.Kind == KindRejected {
		return "the order was rejected; contact support"
	}
	return "could not reach the order service; retry"
}

func transient(status int, msg string, err error) *Error {
	return &Error{Kind: KindTransient, StatusCode: status, Message: msg, Err: err}
}

func rejected(status int, msg string, err error) *Error {
	return &Error{Kind: KindRejected, StatusCode: status, Message: msg, Err: err}
}

// IsTransient reports whether err is a retryable completion failure.
func IsTransient(err error) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Kind == KindTransient
}

// IsRejected reports whether err is a completion the backend refused.
func IsRejected(err error) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Kind == KindRejected
}
