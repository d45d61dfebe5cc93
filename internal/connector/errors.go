package connector

import (
	"errors"
	"fmt"
)

const (
	CodeConfigInvalid   = "E_CONFIG_INVALID"
	CodeTransportFailed = "E_TRANSPORT_FAILED"
	CodeSinkWriteFailed = "E_SINK_WRITE_FAILED"
	CodeInternal        = "E_INTERNAL"
)

// Error wraps sync-pass failures with a stable code and retryability hint.
// "Retryable" means a later scheduled pass may succeed without operator
// intervention; it never means the current pass should retry.
type Error struct {
	Code      string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return e.Code
}

func (e *Error) Unwrap() error         { return e.Err }
func (e *Error) CodeValue() string     { return e.Code }
func (e *Error) RetryableStatus() bool { return e.Retryable }

func wrapError(code string, retryable bool, err error) *Error {
	if err == nil {
		return &Error{Code: code, Retryable: retryable}
	}
	return &Error{Code: code, Retryable: retryable, Err: err}
}

// ErrorCode returns the sync error code for err, or "" if err carries none.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
