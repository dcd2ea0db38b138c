package domain

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrNotFound          = errors.New("item not found")
	ErrConflict          = errors.New("item was modified concurrently")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInFlight          = errors.New("item is being published")
	ErrDuplicate         = errors.New("duplicate content")
)

// ValidationError rejects a request before it reaches the scheduler.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
