package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrConfigRequired     = sterrors.New("omegawire: configuration is required")
	ErrLoggerRequired     = sterrors.New("omegawire: logger is required")
	ErrRegistryRequired   = sterrors.New("omegawire: handler registry is required")
	ErrHandlerRequired    = sterrors.New("omegawire: handler is required")
	ErrOrchestratorNeeded = sterrors.New("omegawire: orchestrator is required")
	ErrPublisherRequired  = sterrors.New("omegawire: publisher is required")
	ErrSubscriberRequired = sterrors.New("omegawire: subscriber is required")
	ErrTopicRequired      = sterrors.New("omegawire: topic is required")
	ErrEnvelopeRequired   = sterrors.New("omegawire: envelope is required")

	ErrPayloadTypeRequired  = sterrors.New("omegawire: payload type is required")
	ErrPayloadPointerNeeded = sterrors.New("omegawire: payload type must be a pointer")
)

// ConfigValidationError marks an error produced while validating a Config.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "omegawire: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error { return e.Err }

// NewConfigValidationError wraps err, returning nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}

// Error is the structured error carried in a dispatch result. Module names the
// component that produced it and Retryable tells the caller whether the same
// input may succeed later.
type Error struct {
	Module    string `json:"module"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// New builds a structured error.
func New(module, code, message string, retryable bool) *Error {
	return &Error{Module: module, Code: code, Message: message, Retryable: retryable}
}

func (e *Error) Error() string {
	if e.Module == "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s/%s: %s", e.Module, e.Code, e.Message)
}

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// GenericMessage is the only text Safe ever exposes.
const GenericMessage = "An internal error occurred"

// Safe converts an arbitrary failure into a structured error that never
// carries the source message. The original is kept out of the result so
// connection strings and stack traces stay in the logs only.
func Safe(module, code string, retryable bool) *Error {
	return &Error{Module: module, Code: code, Message: GenericMessage, Retryable: retryable}
}

// AsStructured reports whether err is (or wraps) a structured *Error.
func AsStructured(err error) (*Error, bool) {
	var se *Error
	if sterrors.As(err, &se) && se != nil {
		return se, true
	}
	return nil, false
}

// CodeOf returns the structured code carried by err, or "" when there is none.
func CodeOf(err error) string {
	if se, ok := AsStructured(err); ok {
		return se.Code
	}
	return ""
}
