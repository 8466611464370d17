package registration

import "errors"

var (
	// ErrInputNotFound is returned when an input folder or file does not exist
	ErrInputNotFound = errors.New("input not found")

	// ErrInvalidParams is returned for parameters that can never succeed
	ErrInvalidParams = errors.New("invalid registration parameters")
)
