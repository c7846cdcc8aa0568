package accesslog

import "errors"

// Domain errors for the accesslog package.
var (
	// ErrInvalidMethod is returned when an access method is not recognised.
	ErrInvalidMethod = errors.New("accesslog: invalid access method")

	// ErrInvalidAttempt is returned when an attempt is missing required fields.
	ErrInvalidAttempt = errors.New("accesslog: invalid attempt")
)
