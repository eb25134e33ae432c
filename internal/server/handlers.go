package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/3askar/drive/internal/files"
	"github.com/3askar/drive/internal/lifecycle"
	"github.com/3askar/drive/internal/quota"
)

// maxJSONBody bounds metadata request bodies.
const maxJSONBody = 1 << 20

func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid request body: %v", errBadRequest, err)
	}
	return nil
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request, caller string) error {
	var req lifecycle.RegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	rec, err := s.ctl.Register(r.Context(), caller, req)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, rec)
	return nil
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request, caller string) error {
	rc, info, err := s.ctl.Download(r.Context(), caller, r.PathValue("blobId"))
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()

	w.Header().Set("Content-Type", info.ContentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": info.Filename}))
	w.Header().Set("Content-Length", strconv.FormatInt(info.Length, 10))
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, rc); err != nil {
		// Headers are gone; the client sees a short body.
		log.Warn().Err(err).Str("blob", r.PathValue("blobId")).Msg("download interrupted")
	}
	return nil
}

func (s *Server) handleDeleteBlob(w http.ResponseWriter, r *http.Request, caller string) error {
	if err := s.ctl.DeleteBlob(r.Context(), caller, r.PathValue("blobId")); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, ErrorResponse{Message: "blob deleted"})
	return nil
}

func (s *Server) listHandler(view files.View) handlerFunc {
	return func(w http.ResponseWriter, r *http.Request, caller string) error {
		recs, err := s.ctl.List(r.Context(), caller, view, r.PathValue("folderId"))
		if err != nil {
			return err
		}
		if recs == nil {
			recs = []*files.FileRecord{}
		}
		writeJSON(w, http.StatusOK, recs)
		return nil
	}
}

func (s *Server) handleRename(w http.ResponseWriter, r *http.Request, caller string) error {
	var body struct {
		NewName string `json:"newName"`
	}
	if err := decodeJSON(r, &body); err != nil {
		return err
	}
	return s.reply(w)(s.ctl.Rename(r.Context(), caller, r.PathValue("id"), body.NewName))
}

func (s *Server) handleStar(w http.ResponseWriter, r *http.Request, caller string) error {
	var body struct {
		IsStarred *bool `json:"isStarred"`
	}
	if err := decodeJSON(r, &body); err != nil {
		return err
	}
	if body.IsStarred == nil {
		return fmt.Errorf("%w: isStarred is required", errBadRequest)
	}
	return s.reply(w)(s.ctl.SetStarred(r.Context(), caller, r.PathValue("id"), *body.IsStarred))
}

func (s *Server) handleTrash(w http.ResponseWriter, r *http.Request, caller string) error {
	var body struct {
		IsDeleted *bool `json:"isDeleted"`
	}
	if err := decodeJSON(r, &body); err != nil {
		return err
	}
	if body.IsDeleted == nil {
		return fmt.Errorf("%w: isDeleted is required", errBadRequest)
	}
	return s.reply(w)(s.ctl.SetTrashed(r.Context(), caller, r.PathValue("id"), *body.IsDeleted))
}

func (s *Server) handleMove(w http.ResponseWriter, r *http.Request, caller string) error {
	var body struct {
		FolderID string   `json:"folderId"`
		Path     []string `json:"path"`
	}
	if err := decodeJSON(r, &body); err != nil {
		return err
	}
	return s.reply(w)(s.ctl.Move(r.Context(), caller, r.PathValue("id"), body.FolderID, body.Path))
}

func (s *Server) handleDescribe(w http.ResponseWriter, r *http.Request, caller string) error {
	var body struct {
		Description string `json:"description"`
	}
	if err := decodeJSON(r, &body); err != nil {
		return err
	}
	return s.reply(w)(s.ctl.Describe(r.Context(), caller, r.PathValue("id"), body.Description))
}

type shareBody struct {
	UserID     string           `json:"userId"`
	Permission files.Permission `json:"permission"`
}

func (s *Server) handleShare(w http.ResponseWriter, r *http.Request, caller string) error {
	var body shareBody
	if err := decodeJSON(r, &body); err != nil {
		return err
	}
	return s.reply(w)(s.ctl.Share(r.Context(), caller, r.PathValue("id"), body.UserID, body.Permission))
}

func (s *Server) handleUnshare(w http.ResponseWriter, r *http.Request, caller string) error {
	var body shareBody
	if err := decodeJSON(r, &body); err != nil {
		return err
	}
	return s.reply(w)(s.ctl.Unshare(r.Context(), caller, r.PathValue("id"), body.UserID))
}

func (s *Server) handleSetPermission(w http.ResponseWriter, r *http.Request, caller string) error {
	var body shareBody
	if err := decodeJSON(r, &body); err != nil {
		return err
	}
	return s.reply(w)(s.ctl.SetPermission(r.Context(), caller, r.PathValue("id"), body.UserID, body.Permission))
}

// handlePurge reports success once the record is gone. A quota release that
// failed afterwards is an internal accounting problem, logged by the
// controller and repaired by reconciliation.
func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request, caller string) error {
	err := s.ctl.Purge(r.Context(), caller, r.PathValue("id"))
	if err != nil && !errors.Is(err, quota.ErrInconsistent) {
		return err
	}
	writeJSON(w, http.StatusOK, ErrorResponse{Message: "file deleted"})
	return nil
}

type quotaResponse struct {
	quota.Usage
	AvailableBytes int64 `json:"availableBytes"`
}

func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request, caller string) error {
	u, err := s.ctl.Usage(r.Context(), caller)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, quotaResponse{Usage: u, AvailableBytes: u.AvailableBytes()})
	return nil
}

// reply returns a function writing a record or the error that prevented it.
func (s *Server) reply(w http.ResponseWriter) func(*files.FileRecord, error) error {
	return func(rec *files.FileRecord, err error) error {
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, rec)
		return nil
	}
}
