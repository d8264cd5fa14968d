package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest        = "BAD_REQUEST"
	ErrUnauthorized      = "UNAUTHORIZED"
	ErrForbidden         = "FORBIDDEN"
	ErrNotFound          = "NOT_FOUND"
	ErrConflict          = "CONFLICT"
	ErrValidationError   = "VALIDATION_ERROR"
	ErrInvalidTransition = "INVALID_TRANSITION"
	ErrInternalError     = "INTERNAL_ERROR"
)

// Schema and realtime error codes.
const (
	ErrSchemaLoad    = "SCHEMA_LOAD_ERROR"
	ErrRefResolution = "REF_RESOLUTION_ERROR"
	ErrConnection    = "CONNECTION_ERROR"
	ErrFrameDecode   = "FRAME_DECODE_ERROR"
	ErrPublish       = "PUBLISH_ERROR"
)

// ErrorEnvelope is the standard error value returned across package
// boundaries. It implements the error interface and optionally wraps a cause.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`

	cause error
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *ErrorEnvelope) Unwrap() error {
	return e.cause
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorCode returns the envelope code carried by err, or "" when err is not
// (and does not wrap) an *ErrorEnvelope.
func ErrorCode(err error) string {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ""
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewForbiddenError returns a FORBIDDEN error.
func NewForbiddenError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrForbidden, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewInvalidTransitionError returns an INVALID_TRANSITION error.
func NewInvalidTransitionError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInvalidTransition, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewSchemaLoadError returns a SCHEMA_LOAD_ERROR for the given schema path.
func NewSchemaLoadError(path string, cause error) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrSchemaLoad,
		Message: fmt.Sprintf("failed to load schema %q", path),
		cause:   cause,
	}
}

// NewRefResolutionError returns a REF_RESOLUTION_ERROR.
func NewRefResolutionError(msg string, cause error) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrRefResolution, Message: msg, cause: cause}
}

// NewConnectionError returns a CONNECTION_ERROR.
func NewConnectionError(msg string, cause error) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConnection, Message: msg, cause: cause}
}

// NewFrameDecodeError returns a FRAME_DECODE_ERROR for a frame received on
// the given destination.
func NewFrameDecodeError(destination string, cause error) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrFrameDecode,
		Message: fmt.Sprintf("malformed frame on %s", destination),
		cause:   cause,
	}
}

// NewPublishError returns a PUBLISH_ERROR for the given destination.
func NewPublishError(destination string, cause error) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrPublish,
		Message: fmt.Sprintf("failed to publish to %s", destination),
		cause:   cause,
	}
}
