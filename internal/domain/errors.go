package domain

import (
	"errors"
	"fmt"
)

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrStaleState        = errors.New("job state changed concurrently")
	ErrNotOwner          = errors.New("job is leased by another worker")
)

// ValidationKind classifies a rejected enqueue or submit request.
type ValidationKind int

const (
	BothSourcesSpecified ValidationKind = iota + 1
	NoSourceSpecified
	MissingRequiredField
	InvalidField
)

// ValidationError is returned synchronously for malformed job requests.
type ValidationError struct {
	Kind  ValidationKind
	Field string
	// Err is the underlying cause for InvalidField.
	Err error
}

func (e *ValidationError) Error() string {
	switch e.Kind {
	case BothSourcesSpecified:
		return "validation: cannot specify both input path and url"
	case NoSourceSpecified:
		return "validation: either input path or url must be provided"
	case MissingRequiredField:
		return fmt.Sprintf("validation: %s is required", e.Field)
	case InvalidField:
		return fmt.Sprintf("validation: %s: %v", e.Field, e.Err)
	}
	return "validation failed"
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
