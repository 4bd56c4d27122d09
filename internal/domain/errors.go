package domain

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrNotFound is the base sentinel for missing identities and entities.
var ErrNotFound = errors.New("not found")

// ValidationError reports a property value that failed normalization or
// violated its enum constraint. It names the offending property and value.
type ValidationError struct {
	PropertyType string
	Value        any
	Reason       string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid value %v for property %s: %s", e.Value, e.PropertyType, e.Reason)
}

// ForbiddenError reports a write that referenced property types outside the
// authorized set. The whole operation fails before any row is written.
type ForbiddenError struct {
	PropertyTypeIDs []uuid.UUID
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("payload references unauthorized property types %v", e.PropertyTypeIDs)
}

// NotFoundError reports a missed identity or entity lookup.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// IllegalStateError reports an irrecoverable invariant violation, such as an
// identity reservation that failed to converge. Never retried by the engine.
type IllegalStateError struct {
	Message string
}

func (e *IllegalStateError) Error() string {
	return e.Message
}
