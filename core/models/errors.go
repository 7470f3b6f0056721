package models

import (
	"errors"
	"fmt"
)

// EngineError is a validation or lookup failure raised to the caller
// immediately, with no state change. Transient operational failures are not
// EngineErrors; they travel inside ConnectResult.
type EngineError struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *EngineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *EngineError) Unwrap() error { return e.Err }

// ErrNotFound builds a NOT_FOUND error for the named entity.
func ErrNotFound(what, id string) *EngineError {
	return &EngineError{Code: CodeNotFound, Message: fmt.Sprintf("%s not found: %s", what, id)}
}

// ErrInvalidInput builds an INVALID_INPUT error wrapping the validation cause.
func ErrInvalidInput(err error) *EngineError {
	return &EngineError{Code: CodeInvalidInput, Message: "invalid input", Err: err}
}

// CodeOf extracts the stable error code from err, or empty when err carries none.
func CodeOf(err error) ErrorCode {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ""
}
