package model

import (
	"errors"
	"fmt"
	"testing"
)

func TestAPIError_Error(t *testing.T) {
	err := &APIError{Code: ErrNotFound, Message: "task '1/foo' not found"}
	want := "NOT_FOUND: task '1/foo' not found"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestNewNotFoundError(t *testing.T) {
	err := NewNotFoundError("task", "2020/bar")
	if err.Code != ErrNotFound {
		t.Errorf("Code = %q, want %q", err.Code, ErrNotFound)
	}
	if err.Message != "task '2020/bar' not found" {
		t.Errorf("Message = %q", err.Message)
	}
}

func TestNewValidationError(t *testing.T) {
	err := NewValidationError("invalid command",
		FieldError{Field: "patterns", Message: "required"},
		FieldError{Field: "mode", Message: "unknown stop mode"},
	)
	if err.Code != ErrValidation {
		t.Errorf("Code = %q, want %q", err.Code, ErrValidation)
	}
	if len(err.Details) != 2 {
		t.Errorf("Details length = %d, want 2", len(err.Details))
	}
}

func TestInvalidTransitionError(t *testing.T) {
	err := &InvalidTransitionError{
		Entity: "task",
		ID:     "1/foo",
		From:   "succeeded",
		To:     "running",
	}
	want := "invalid task state transition: succeeded → running (entity 1/foo)"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestKindOf(t *testing.T) {
	base := errors.New("boom")
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"domain", &DomainMismatchError{Op: "add", Left: "integer", Right: "gregorian"}, KindDomainMismatch},
		{"domain sentinel", fmt.Errorf("wrap: %w", ErrDomainMismatch), KindDomainMismatch},
		{"submit", fmt.Errorf("tick: %w", &SubmitError{TaskID: "1/foo", Err: base}), KindSubmitError},
		{"poll", &PollError{TaskID: "1/foo", Handle: "h", Err: base}, KindPollError},
		{"unsatisfiable", &UnsatisfiableDependencyError{TaskID: "1/bar"}, KindUnsatisfiableDependency},
		{"handler", &HandlerDispatchError{Event: "failed", Err: base}, KindHandlerDispatchError},
		{"storage", &StorageError{Op: "checkpoint", Err: base}, KindStorageError},
		{"plain", base, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestErrorsUnwrap(t *testing.T) {
	base := errors.New("connection refused")
	err := &SubmitError{TaskID: "1/foo", Err: base}
	if !errors.Is(err, base) {
		t.Error("SubmitError should unwrap to its cause")
	}
	se := &StorageError{Op: "save", Err: base}
	if !errors.Is(se, base) {
		t.Error("StorageError should unwrap to its cause")
	}
}
