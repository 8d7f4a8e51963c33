package services

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a referenced entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a uniqueness rule would be broken.
	ErrConflict = errors.New("conflict")
	// ErrGatewayUnavailable is returned when the payment gateway cannot be reached or rejects a request.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	// ErrDeviceUnavailable is returned when the network device cannot be reached.
	ErrDeviceUnavailable = errors.New("network device unavailable")
	// ErrValidation marks malformed caller input.
	ErrValidation = errors.New("validation failed")
)

// ValidationError names the offending field of a rejected input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Is lets errors.Is(err, ErrValidation) match any ValidationError.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}
