package lifecycle

import "errors"

var (
	// ErrUnauthenticated is returned when no caller identity was resolved.
	ErrUnauthenticated = errors.New("authentication required")
	// ErrInvalidArgument marks a malformed request field.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrQuotaExceeded rejects content that would take the owner over quota.
	ErrQuotaExceeded = errors.New("storage quota exceeded")
	// ErrBlobInUse rejects deleting a blob that a file record references.
	ErrBlobInUse = errors.New("blob is referenced by a file")
)
