// Package server exposes the drive operations over HTTP.
package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/3askar/drive/internal/files"
	"github.com/3askar/drive/internal/identity"
	"github.com/3askar/drive/internal/lifecycle"
	"github.com/3askar/drive/internal/logging/audit"
	"github.com/3askar/drive/internal/metrics"
)

// Options are the optional parts of a Server.
type Options struct {
	// MaxUploadSize caps request bodies of uploads. Zero means unlimited.
	MaxUploadSize int64
	Metrics       *metrics.Metrics
	// Registry is served on /metrics when set.
	Registry *prometheus.Registry
	Audit    *audit.Logger
}

// Server routes HTTP requests to a lifecycle controller.
type Server struct {
	ctl       *lifecycle.Controller
	metrics   *metrics.Metrics
	maxUpload int64
	mux       *http.ServeMux
	handler   http.Handler
}

// New creates a server. Every request passes through resolver first.
func New(ctl *lifecycle.Controller, resolver identity.Resolver, opts Options) *Server {
	a := opts.Audit
	if a == nil {
		a = audit.Nop()
	}
	s := &Server{
		ctl:       ctl,
		metrics:   opts.Metrics,
		maxUpload: opts.MaxUploadSize,
		mux:       http.NewServeMux(),
	}
	s.setupRoutes(opts.Registry)
	s.handler = identity.Middleware(resolver, a, s.mux)
	return s
}

func (s *Server) setupRoutes(reg *prometheus.Registry) {
	s.handle("POST /files/upload", "upload", s.handleUpload)
	s.handle("POST /files", "upload_file", s.handleUploadFile)
	s.handle("POST /files/saveMetadata", "register", s.handleRegister)
	s.handle("GET /files/{blobId}/download", "download", s.handleDownload)
	s.handle("DELETE /files/{blobId}", "delete_blob", s.handleDeleteBlob)

	s.handle("GET /files", "list_active", s.listHandler(files.ViewActive))
	s.handle("GET /files/list/mydrive", "list_root", s.listHandler(files.ViewRoot))
	s.handle("GET /files/list/starred", "list_starred", s.listHandler(files.ViewStarred))
	s.handle("GET /files/list/trash", "list_trash", s.listHandler(files.ViewTrash))
	s.handle("GET /files/list/recent", "list_recent", s.listHandler(files.ViewRecent))
	s.handle("GET /files/list/folder/{folderId}", "list_folder", s.listHandler(files.ViewFolder))
	s.handle("GET /files/shared", "list_shared", s.listHandler(files.ViewShared))

	s.handle("PATCH /files/{id}/rename", "rename", s.handleRename)
	s.handle("PATCH /files/{id}/star", "star", s.handleStar)
	s.handle("PATCH /files/{id}/trash", "trash", s.handleTrash)
	s.handle("PATCH /files/{id}/move", "move", s.handleMove)
	s.handle("PATCH /files/{id}/description", "describe", s.handleDescribe)
	s.handle("PATCH /files/{id}/share", "share", s.handleShare)
	s.handle("PATCH /files/{id}/unshare", "unshare", s.handleUnshare)
	s.handle("PATCH /files/{id}/permission", "set_permission", s.handleSetPermission)
	s.handle("PUT /files/{id}/content", "replace_content", s.handleReplaceContent)
	s.handle("DELETE /files/{id}/permanent", "purge", s.handlePurge)

	s.handle("GET /quota", "quota", s.handleQuota)

	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if reg != nil {
		s.mux.Handle("GET /metrics", metrics.Handler(reg))
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// handlerFunc serves one authenticated request. A returned error is written
// as the response unless the handler already wrote one.
type handlerFunc func(w http.ResponseWriter, r *http.Request, caller string) error

func (s *Server) handle(pattern, operation string, fn handlerFunc) {
	s.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}

		var err error
		caller, ok := identity.FromContext(r.Context())
		if !ok {
			err = lifecycle.ErrUnauthenticated
		} else {
			err = fn(rec, r, caller)
		}
		if err != nil && !rec.wroteHeader {
			writeError(rec, err)
		}

		status := rec.getStatus()
		s.metrics.RecordRequest(operation, classifyStatus(status, err), time.Since(start).Seconds())
		log.Debug().
			Str("op", operation).
			Str("caller", caller).
			Int("status", status).
			Dur("took", time.Since(start)).
			Msg("request")
	})
}

// statusRecorder wraps http.ResponseWriter to capture the HTTP status code.
// Not safe for concurrent use; one per request.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
		r.ResponseWriter.WriteHeader(code)
	}
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	return r.ResponseWriter.Write(p)
}

// getStatus returns the recorded status, defaulting to 200 if WriteHeader was never called.
func (r *statusRecorder) getStatus() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("failed to write response")
	}
}
