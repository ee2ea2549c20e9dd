package model

import (
	"errors"
	"fmt"
)

// ErrorCode represents a structured API error code.
type ErrorCode string

const (
	ErrValidation   ErrorCode = "VALIDATION_ERROR"
	ErrNotFound     ErrorCode = "NOT_FOUND"
	ErrConflict     ErrorCode = "CONFLICT"
	ErrUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrUnavailable  ErrorCode = "UNAVAILABLE"
	ErrInternal     ErrorCode = "INTERNAL_ERROR"
)

// APIError is a structured error returned by the scheduler API.
type APIError struct {
	Code    ErrorCode    `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a validation error on a specific field.
type FieldError struct {
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// NewValidationError creates an APIError with validation details.
func NewValidationError(msg string, details ...FieldError) *APIError {
	return &APIError{Code: ErrValidation, Message: msg, Details: details}
}

// NewNotFoundError creates a NOT_FOUND APIError.
func NewNotFoundError(resource, id string) *APIError {
	return &APIError{
		Code:    ErrNotFound,
		Message: fmt.Sprintf("%s '%s' not found", resource, id),
	}
}

// NewInternalError creates an INTERNAL_ERROR APIError.
func NewInternalError(msg string) *APIError {
	return &APIError{Code: ErrInternal, Message: msg}
}

// InvalidTransitionError is returned when a state transition is invalid.
type InvalidTransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s state transition: %s → %s (entity %s)", e.Entity, e.From, e.To, e.ID)
}

// ErrorKind names the category of a scheduling failure. It is carried on
// events and log records so failures can be diagnosed without re-running.
type ErrorKind string

const (
	KindDomainMismatch          ErrorKind = "DomainMismatch"
	KindSubmitError             ErrorKind = "SubmitError"
	KindPollError               ErrorKind = "PollError"
	KindUnsatisfiableDependency ErrorKind = "UnsatisfiableDependency"
	KindHandlerDispatchError    ErrorKind = "HandlerDispatchError"
	KindStorageError            ErrorKind = "StorageError"
)

// ErrDomainMismatch is the sentinel for operations mixing cycle point kinds.
var ErrDomainMismatch = errors.New("cycle point domain mismatch")

// DomainMismatchError reports an operation between points or intervals of
// different coordinate spaces.
type DomainMismatchError struct {
	Op    string
	Left  string
	Right string
}

func (e *DomainMismatchError) Error() string {
	return fmt.Sprintf("%s: cannot combine %s with %s", e.Op, e.Left, e.Right)
}

// Unwrap lets errors.Is match ErrDomainMismatch.
func (e *DomainMismatchError) Unwrap() error { return ErrDomainMismatch }

// SubmitError wraps a back-end submission failure.
type SubmitError struct {
	TaskID string
	Err    error
}

func (e *SubmitError) Error() string {
	return fmt.Sprintf("submit %s: %v", e.TaskID, e.Err)
}

func (e *SubmitError) Unwrap() error { return e.Err }

// PollError wraps a back-end poll failure.
type PollError struct {
	TaskID string
	Handle string
	Err    error
}

func (e *PollError) Error() string {
	return fmt.Sprintf("poll %s (job %s): %v", e.TaskID, e.Handle, e.Err)
}

func (e *PollError) Unwrap() error { return e.Err }

// UnsatisfiableDependencyError reports a task instance whose only path to
// readiness has disappeared.
type UnsatisfiableDependencyError struct {
	TaskID  string
	Missing []string
}

func (e *UnsatisfiableDependencyError) Error() string {
	return fmt.Sprintf("%s: prerequisites can no longer be satisfied: %v", e.TaskID, e.Missing)
}

// HandlerDispatchError wraps an event handler failure.
type HandlerDispatchError struct {
	Event   string
	Handler string
	Err     error
}

func (e *HandlerDispatchError) Error() string {
	return fmt.Sprintf("event %s handler %q: %v", e.Event, e.Handler, e.Err)
}

func (e *HandlerDispatchError) Unwrap() error { return e.Err }

// StorageError wraps a persistence failure.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// KindOf returns the error kind of err, or "" if it is not a scheduling error.
func KindOf(err error) ErrorKind {
	var (
		dm  *DomainMismatchError
		se  *SubmitError
		pe  *PollError
		ue  *UnsatisfiableDependencyError
		he  *HandlerDispatchError
		ste *StorageError
	)
	switch {
	case errors.As(err, &dm), errors.Is(err, ErrDomainMismatch):
		return KindDomainMismatch
	case errors.As(err, &se):
		return KindSubmitError
	case errors.As(err, &pe):
		return KindPollError
	case errors.As(err, &ue):
		return KindUnsatisfiableDependency
	case errors.As(err, &he):
		return KindHandlerDispatchError
	case errors.As(err, &ste):
		return KindStorageError
	}
	return ""
}
