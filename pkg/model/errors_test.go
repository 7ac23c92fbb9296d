package model

import (
	"fmt"
	"net/http"
	"testing"
)

func TestAPIError_Error(t *testing.T) {
	err := &APIError{Code: ErrNotFound, Message: "Job '42' not found"}
	want := "NOT_FOUND: Job '42' not found"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestNewNotFoundError(t *testing.T) {
	err := NewNotFoundError("Attempt", "job-1-attempt-0")
	if err.Code != ErrNotFound {
		t.Errorf("Code = %q, want %q", err.Code, ErrNotFound)
	}
	if err.Message != "Attempt 'job-1-attempt-0' not found" {
		t.Errorf("Message = %q", err.Message)
	}
}

func TestNewValidationError(t *testing.T) {
	err := NewValidationError("Invalid request",
		FieldError{Field: "scope", Message: "required"},
	)
	if err.Code != ErrValidation {
		t.Errorf("Code = %q, want %q", err.Code, ErrValidation)
	}
	if len(err.Details) != 1 {
		t.Errorf("Details length = %d, want 1", len(err.Details))
	}
}

func TestInvalidTransitionError(t *testing.T) {
	err := &InvalidTransitionError{ID: "job-1-attempt-0", From: AttemptStateSucceeded, To: AttemptStateRunning}
	want := "invalid attempt state transition: SUCCEEDED → RUNNING (attempt job-1-attempt-0)"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestErrorCode_HTTPStatus(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want int
	}{
		{ErrValidation, http.StatusBadRequest},
		{ErrUnauthorized, http.StatusUnauthorized},
		{ErrNotFound, http.StatusNotFound},
		{ErrConflict, http.StatusConflict},
		{ErrInternal, http.StatusInternalServerError},
		{"SOMETHING_NEW", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := tt.code.HTTPStatus(); got != tt.want {
			t.Errorf("%s.HTTPStatus() = %d, want %d", tt.code, got, tt.want)
		}
	}
}

func TestAPIError_ErrorWithDetails(t *testing.T) {
	err := NewValidationError("Invalid request",
		FieldError{Field: "scope", Message: "required"},
		FieldError{Message: "body too large"},
	)
	want := "VALIDATION_ERROR: Invalid request (scope: required; body too large)"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestHasCode(t *testing.T) {
	wrapped := fmt.Errorf("get job 7: %w", NewNotFoundError("Job", "7"))
	if !HasCode(wrapped, ErrNotFound) {
		t.Error("HasCode(wrapped not found, NOT_FOUND) = false")
	}
	if HasCode(wrapped, ErrConflict) {
		t.Error("HasCode(wrapped not found, CONFLICT) = true")
	}
	if HasCode(fmt.Errorf("plain"), ErrNotFound) {
		t.Error("HasCode(plain error) = true")
	}
}

func TestInvalidTransitionError_APIError(t *testing.T) {
	terr := &InvalidTransitionError{ID: "job-1-attempt-0", From: AttemptStateCancelled, To: AttemptStateRunning}
	apiErr := terr.APIError()
	if apiErr.Code != ErrConflict || apiErr.Message != terr.Error() {
		t.Errorf("APIError() = %+v", apiErr)
	}
	if NewInternalError("list jobs").Message != "list jobs failed" {
		t.Error("internal error message does not name the operation")
	}
}
