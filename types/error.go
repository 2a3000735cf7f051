package types

import (
	"github.com/juju/errors"
)

// ErrorKind classifies a step error for the retry policy.
type ErrorKind string

const (
	ErrKindTransient       ErrorKind = "transient"
	ErrKindTimeout         ErrorKind = "timeout"
	ErrKindRateLimited     ErrorKind = "rate_limited"
	ErrKindConfiguration   ErrorKind = "configuration"
	ErrKindInvalidResponse ErrorKind = "invalid_response"
	ErrKindInternal        ErrorKind = "internal"
)

var (
	_ error = &TransientError{}
	_ error = &RateLimitError{}
	_ error = &ConfigError{}
	_ error = &InvalidResponseError{}
	_ error = &TimeoutError{}
)

func NewTransientError(otherErr error) error {
	return &TransientError{baseError: newBaseErr(otherErr)}
}

func NewTransientErrorf(format string, args ...interface{}) error {
	return NewTransientError(errors.Errorf(format, args...))
}

func NewTimeoutError(otherErr error) error {
	return &TimeoutError{baseError: newBaseErr(otherErr)}
}

func NewRateLimitError(otherErr error) error {
	return &RateLimitError{baseError: newBaseErr(otherErr)}
}

func NewConfigError(otherErr error) error {
	return &ConfigError{baseError: newBaseErr(otherErr)}
}

func NewConfigErrorf(format string, args ...interface{}) error {
	return NewConfigError(errors.Errorf(format, args...))
}

func NewInvalidResponseError(otherErr error) error {
	return &InvalidResponseError{baseError: newBaseErr(otherErr)}
}

func newBaseErr(otherErr error) *baseError {
	return &baseError{unwrapErr(otherErr)}
}

func unwrapErr(err error) error {
	if err == nil {
		return nil
	}
	if ue, ok := err.(wrappedErr); ok {
		return unwrapErr(ue.UnwrapLocal())
	}
	return err
}

type wrappedErr interface {
	UnwrapLocal() error
}

type baseError struct {
	BaseErr error
}

func (e *baseError) Error() string {
	return e.BaseErr.Error()
}

func (e *baseError) UnwrapLocal() error {
	return e.BaseErr
}

// TransientError marks a step failure worth retrying: network trouble,
// provider 5xx and the like.
type TransientError struct {
	*baseError
}

// TimeoutError marks a single attempt that ran past its deadline.
// Timeouts are retryable.
type TimeoutError struct {
	*baseError
}

// RateLimitError marks a provider throttle response. Retryable.
type RateLimitError struct {
	*baseError
}

// ConfigError marks authentication or configuration trouble. Final on
// the first occurrence, never retried.
type ConfigError struct {
	*baseError
}

// InvalidResponseError marks a schema-invalid provider payload.
// Eligible for at most one additional attempt.
type InvalidResponseError struct {
	*baseError
}

// KindOf classifies err for the retry policy. Untyped errors count as
// internal and are not retried.
func KindOf(err error) ErrorKind {
	switch errors.Unwrap(err).(type) {
	case *TransientError:
		return ErrKindTransient
	case *TimeoutError:
		return ErrKindTimeout
	case *RateLimitError:
		return ErrKindRateLimited
	case *ConfigError:
		return ErrKindConfiguration
	case *InvalidResponseError:
		return ErrKindInvalidResponse
	}
	switch err.(type) {
	case *TransientError:
		return ErrKindTransient
	case *TimeoutError:
		return ErrKindTimeout
	case *RateLimitError:
		return ErrKindRateLimited
	case *ConfigError:
		return ErrKindConfiguration
	case *InvalidResponseError:
		return ErrKindInvalidResponse
	}
	return ErrKindInternal
}

// Retryable reports whether the kind is eligible for another attempt at
// all. InvalidResponse has its own one-extra-attempt cap on top of this.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrKindTransient, ErrKindTimeout, ErrKindRateLimited, ErrKindInvalidResponse:
		return true
	}
	return false
}
