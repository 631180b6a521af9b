package store

import "errors"

// Standard errors for store operations.
var (
	// ErrNotFound is returned when a key is not found.
	ErrNotFound = errors.New("key not found")

	// ErrConnectionFailed is returned when the store connection fails.
	ErrConnectionFailed = errors.New("store connection failed")

	// ErrInvalidInput is returned when the input is invalid.
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnknownBackend is returned by the factory for an unrecognized backend name.
	ErrUnknownBackend = errors.New("unknown store backend")
)
