package blob

import "errors"

// Blob store errors.
var (
	ErrNotFound  = errors.New("blob not found")
	ErrInvalidID = errors.New("invalid blob id")
	ErrCorrupt   = errors.New("blob content corrupt")
)
