package server

import (
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/3askar/drive/internal/blob"
	"github.com/3askar/drive/internal/files"
	"github.com/3askar/drive/internal/lifecycle"
	"github.com/3askar/drive/internal/sharing"
)

// errBadRequest marks request bodies that could not be decoded.
var errBadRequest = errors.New("bad request")

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Message string `json:"message"`
}

// statusFor maps an error to its HTTP status.
func statusFor(err error) int {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.Is(err, lifecycle.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, errBadRequest),
		errors.Is(err, lifecycle.ErrInvalidArgument),
		errors.Is(err, files.ErrMissingField),
		errors.Is(err, files.ErrInvalidPrincipal),
		errors.Is(err, sharing.ErrInvalidPermission),
		errors.Is(err, sharing.ErrSelfShare),
		errors.Is(err, blob.ErrInvalidID):
		return http.StatusBadRequest
	case errors.Is(err, sharing.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, files.ErrNotFound),
		errors.Is(err, files.ErrShareeNotFound),
		errors.Is(err, blob.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, lifecycle.ErrBlobInUse),
		errors.Is(err, files.ErrAlreadyRegistered),
		errors.Is(err, files.ErrContentChanged):
		return http.StatusConflict
	case errors.Is(err, lifecycle.ErrQuotaExceeded),
		errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusInternalServerError
}

// writeError replies with err's status. Server errors are logged and their
// detail withheld from the client.
func writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		log.Error().Err(err).Msg("request failed")
		msg = "internal server error"
	}
	writeJSON(w, code, ErrorResponse{Message: msg})
}

// classifyStatus converts a response to the status label of drive_requests_total.
func classifyStatus(httpStatus int, err error) string {
	switch {
	case errors.Is(err, lifecycle.ErrQuotaExceeded):
		return "quota_exceeded"
	case httpStatus >= 200 && httpStatus < 300:
		return "success"
	case httpStatus == http.StatusUnauthorized:
		return "unauthenticated"
	case httpStatus == http.StatusForbidden:
		return "access_denied"
	case httpStatus == http.StatusNotFound:
		return "not_found"
	case httpStatus == http.StatusConflict:
		return "conflict"
	case httpStatus >= 400 && httpStatus < 500:
		return "bad_request"
	}
	return "error"
}
