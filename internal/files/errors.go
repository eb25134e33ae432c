package files

import "errors"

// Repository errors.
var (
	ErrNotFound          = errors.New("file not found")
	ErrShareeNotFound    = errors.New("user not in share list")
	ErrMissingField      = errors.New("missing required field")
	ErrAlreadyRegistered = errors.New("blob already registered")
	ErrContentChanged    = errors.New("file content changed concurrently")
	ErrInvalidPrincipal  = errors.New("invalid principal id")
)
