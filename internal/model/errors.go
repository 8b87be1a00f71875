package model

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
)

var (
	// ErrNoMatchingBusinesses is returned when batch criteria resolve to zero targets.
	ErrNoMatchingBusinesses = eris.New("no businesses match the batch criteria")
	// ErrUnauthorized means no authenticated user is attached to the request.
	ErrUnauthorized = eris.New("authentication required")
	// ErrForbidden means the user is authenticated but lacks admin privileges.
	ErrForbidden = eris.New("admin privileges required")
)

// FieldError describes one invalid input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError reports malformed or out-of-range request input.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Add appends a field error.
func (e *ValidationError) Add(field, format string, args ...any) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// OrNil returns e when it holds at least one field error, nil otherwise.
func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Fields) == 0 {
		return nil
	}
	return e
}

// NotFoundError reports a missing job or business.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// State error codes.
const (
	StateAlreadyFinished   = "already_finished"
	StateAlreadyCancelled  = "already_cancelled"
	StateSyncBatchTooBig   = "sync_batch_too_large"
	StateIllegalTransition = "illegal_transition"
)

// ResourceStateError reports an operation that the resource's current state forbids.
type ResourceStateError struct {
	Code    string
	Message string
	Status  JobStatus
}

func (e *ResourceStateError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("%s (status: %s)", e.Message, e.Status)
	}
	return e.Message
}
