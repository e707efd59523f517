package shared

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates a missing resource or an expired public token.
	ErrNotFound = errors.New("not found")
	// ErrValidation indicates missing or malformed business data.
	ErrValidation = errors.New("validation failed")
	// ErrInvalidTransition indicates an action attempted from a state that does not permit it.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrForbidden indicates the actor lacks the required capability.
	ErrForbidden = errors.New("forbidden")
	// ErrIntegrity indicates a uniqueness violation; callers may retry with fresh randomness.
	ErrIntegrity = errors.New("integrity conflict")
	// ErrDelivery indicates a delegated collaborator (renderer, mailer) failed.
	ErrDelivery = errors.New("delivery failed")
)

// Validation kinds surfaced to the actor.
const (
	KindMissingContactEmail = "MissingContactEmail"
	KindInvalidField        = "InvalidField"
	KindEmptyDocument       = "EmptyDocument"
)

// ValidationError carries a machine readable kind next to the message shown to the actor.
type ValidationError struct {
	Kind    string
	Field   string
	Message string
}

// NewValidationError builds a ValidationError.
func NewValidationError(kind, field, message string) *ValidationError {
	return &ValidationError{Kind: kind, Field: field, Message: message}
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Field)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap lets errors.Is(err, ErrValidation) match.
func (e *ValidationError) Unwrap() error { return ErrValidation }

// DeliveryError reports a collaborator failure that happened after state was committed.
type DeliveryError struct {
	Collaborator string
	Err          error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("%s: %v", e.Collaborator, e.Err)
}

// Unwrap exposes both ErrDelivery and the transport error.
func (e *DeliveryError) Unwrap() []error { return []error{ErrDelivery, e.Err} }
