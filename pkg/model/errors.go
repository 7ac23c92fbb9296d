package model

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode classifies a failed engine API call. Each code is answered with
// exactly one HTTP status.
type ErrorCode string

const (
	ErrValidation   ErrorCode = "VALIDATION_ERROR"
	ErrUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrNotFound     ErrorCode = "NOT_FOUND"
	ErrConflict     ErrorCode = "CONFLICT"
	ErrInternal     ErrorCode = "INTERNAL_ERROR"
)

// HTTPStatus returns the response status for c. Unknown codes are internal
// errors.
func (c ErrorCode) HTTPStatus() int {
	switch c {
	case ErrValidation:
		return http.StatusBadRequest
	case ErrUnauthorized:
		return http.StatusUnauthorized
	case ErrNotFound:
		return http.StatusNotFound
	case ErrConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// APIError is the error member of a response envelope.
type APIError struct {
	Code    ErrorCode    `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	if len(e.Details) == 0 {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	fields := make([]string, len(e.Details))
	for i, d := range e.Details {
		fields[i] = d.String()
	}
	return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, strings.Join(fields, "; "))
}

// FieldError names the request field a validation error is about.
type FieldError struct {
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

func (f FieldError) String() string {
	if f.Field == "" {
		return f.Message
	}
	return f.Field + ": " + f.Message
}

// HasCode reports whether err carries an APIError with code.
func HasCode(err error, code ErrorCode) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

func NewValidationError(msg string, details ...FieldError) *APIError {
	return &APIError{Code: ErrValidation, Message: msg, Details: details}
}

func NewUnauthorizedError() *APIError {
	return &APIError{Code: ErrUnauthorized, Message: "authentication required"}
}

func NewNotFoundError(resource, id string) *APIError {
	return &APIError{Code: ErrNotFound, Message: fmt.Sprintf("%s '%s' not found", resource, id)}
}

func NewConflictError(format string, args ...any) *APIError {
	return &APIError{Code: ErrConflict, Message: fmt.Sprintf(format, args...)}
}

// NewInternalError reports that op failed without exposing the cause.
func NewInternalError(op string) *APIError {
	return &APIError{Code: ErrInternal, Message: op + " failed"}
}

// InvalidTransitionError rejects an attempt record update that would move
// an attempt backwards or out of a terminal state.
type InvalidTransitionError struct {
	ID   string
	From AttemptState
	To   AttemptState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid attempt state transition: %s → %s (attempt %s)", e.From, e.To, e.ID)
}

// APIError converts e to the CONFLICT error the engine answers with.
func (e *InvalidTransitionError) APIError() *APIError {
	return NewConflictError("%s", e.Error())
}
