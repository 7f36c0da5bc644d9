package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestAppError_Error(t *testing.T) {
	err := NewAppError(ErrCodeInvalidInput, "username cannot be empty", 400)
	expected := "INVALID_INPUT: username cannot be empty"
	if err.Error() != expected {
		t.Errorf("Error() = %v, want %v", err.Error(), expected)
	}
}

func TestAppError_WithCause(t *testing.T) {
	originalErr := errors.New("connection refused")
	err := WrapError(originalErr, ErrCodeServiceUnavailable, "presence store unavailable", 503)

	if err.Cause != originalErr {
		t.Errorf("Cause = %v, want %v", err.Cause, originalErr)
	}
	if !strings.Contains(err.Error(), "connection refused") {
		t.Errorf("Error() should contain cause, got: %v", err.Error())
	}
	if !errors.Is(err, originalErr) {
		t.Errorf("errors.Is should see the cause")
	}
}

func TestAppError_WithContext(t *testing.T) {
	err := NewConflictError("room already has a broadcaster")
	err.WithContext("room_id", "r1").WithContext("attempts", 2)

	if err.Context["room_id"] != "r1" {
		t.Errorf("Context[room_id] = %v, want 'r1'", err.Context["room_id"])
	}
	if err.Context["attempts"] != 2 {
		t.Errorf("Context[attempts] = %v, want 2", err.Context["attempts"])
	}
}

func TestConstructors(t *testing.T) {
	tests := []struct {
		name   string
		err    *AppError
		code   ErrorCode
		status int
	}{
		{"invalid input", NewInvalidInputError("bad"), ErrCodeInvalidInput, 400},
		{"not found", NewNotFoundError("room"), ErrCodeNotFound, 404},
		{"conflict", NewConflictError("taken"), ErrCodeConflict, 409},
		{"forbidden", NewForbiddenError("no"), ErrCodeForbidden, 403},
		{"invalid state", NewInvalidStateError("closed"), ErrCodeInvalidState, 409},
		{"rate limit", NewRateLimitError(), ErrCodeRateLimit, 429},
		{"internal", NewInternalError("boom"), ErrCodeInternal, 500},
		{"unavailable", NewServiceUnavailableError("down"), ErrCodeServiceUnavailable, 503},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Code != tt.code {
				t.Errorf("Code = %v, want %v", tt.err.Code, tt.code)
			}
			if tt.err.HTTPStatus != tt.status {
				t.Errorf("HTTPStatus = %v, want %v", tt.err.HTTPStatus, tt.status)
			}
		})
	}

	if msg := NewNotFoundError("room").Message; msg != "room not found" {
		t.Errorf("Message = %q", msg)
	}
}

func TestGetAppError_Wrapped(t *testing.T) {
	appErr := NewConflictError("taken")
	wrapped := fmt.Errorf("register: %w", appErr)

	if got := GetAppError(wrapped); got != appErr {
		t.Errorf("GetAppError() = %v, want %v", got, appErr)
	}
	if !IsAppError(wrapped) {
		t.Errorf("IsAppError() = false for wrapped AppError")
	}
	if GetAppError(nil) != nil {
		t.Errorf("GetAppError(nil) should be nil")
	}
	if IsAppError(errors.New("plain")) {
		t.Errorf("IsAppError() = true for plain error")
	}
}

func TestCodeOf(t *testing.T) {
	if got := CodeOf(fmt.Errorf("x: %w", NewInvalidInputError("bad"))); got != ErrCodeInvalidInput {
		t.Errorf("CodeOf() = %v", got)
	}
	if got := CodeOf(errors.New("plain")); got != ErrCodeInternal {
		t.Errorf("CodeOf(plain) = %v, want %v", got, ErrCodeInternal)
	}
	if !HasCode(NewConflictError("x"), ErrCodeConflict) {
		t.Errorf("HasCode() = false")
	}
	if HasCode(nil, ErrCodeConflict) {
		t.Errorf("HasCode(nil) = true")
	}
}
