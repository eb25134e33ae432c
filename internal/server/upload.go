package server

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/3askar/drive/internal/lifecycle"
)

// filePart is the multipart field carrying content.
const filePart = "file"

// maxFieldSize bounds the plain form fields that may precede the file part.
const maxFieldSize = 64 << 10

// multipartUpload is the file part of a request plus any form fields sent
// before it.
type multipartUpload struct {
	part   *multipart.Part
	fields map[string]string
}

func (u *multipartUpload) request() lifecycle.UploadRequest {
	size := int64(-1)
	if v, err := strconv.ParseInt(u.fields["size"], 10, 64); err == nil && v >= 0 {
		size = v
	}
	return lifecycle.UploadRequest{
		Filename:     u.part.FileName(),
		ContentType:  u.part.Header.Get("Content-Type"),
		DeclaredSize: size,
	}
}

// openUpload advances a multipart body to its file part. The part is read
// straight from the connection; nothing is buffered.
func (s *Server) openUpload(w http.ResponseWriter, r *http.Request) (*multipartUpload, error) {
	if s.maxUpload > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	}
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errBadRequest, err)
	}

	fields := make(map[string]string)
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: missing %q part", errBadRequest, filePart)
		}
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %v", errBadRequest, err)
		}
		if part.FormName() == filePart {
			return &multipartUpload{part: part, fields: fields}, nil
		}
		v, err := io.ReadAll(io.LimitReader(part, maxFieldSize))
		_ = part.Close()
		if err != nil {
			return nil, fmt.Errorf("%w: field %s: %v", errBadRequest, part.FormName(), err)
		}
		fields[part.FormName()] = string(v)
	}
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, caller string) error {
	up, err := s.openUpload(w, r)
	if err != nil {
		return err
	}
	res, err := s.ctl.Upload(r.Context(), caller, up.part, up.request())
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, res)
	return nil
}

// handleUploadFile stores and registers in one request. Metadata comes from
// form fields preceding the file part: originalName, folderId, location,
// description and path (segments joined by "/").
func (s *Server) handleUploadFile(w http.ResponseWriter, r *http.Request, caller string) error {
	up, err := s.openUpload(w, r)
	if err != nil {
		return err
	}
	reg := lifecycle.RegisterRequest{
		OriginalName: up.fields["originalName"],
		Filename:     up.part.FileName(),
		FolderID:     up.fields["folderId"],
		Location:     up.fields["location"],
		Description:  up.fields["description"],
	}
	if p := strings.Trim(up.fields["path"], "/"); p != "" {
		reg.Path = strings.Split(p, "/")
	}
	rec, err := s.ctl.UploadFile(r.Context(), caller, up.part, up.request(), reg)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, rec)
	return nil
}

func (s *Server) handleReplaceContent(w http.ResponseWriter, r *http.Request, caller string) error {
	up, err := s.openUpload(w, r)
	if err != nil {
		return err
	}
	return s.reply(w)(s.ctl.ReplaceContent(r.Context(), caller, r.PathValue("id"), up.part, up.request()))
}
