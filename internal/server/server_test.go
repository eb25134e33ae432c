package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3askar/drive/internal/blob"
	"github.com/3askar/drive/internal/files"
	"github.com/3askar/drive/internal/identity"
	"github.com/3askar/drive/internal/lifecycle"
	"github.com/3askar/drive/internal/metrics"
	"github.com/3askar/drive/internal/quota"
	"github.com/3askar/drive/internal/sharing"
	"github.com/3askar/drive/testutil"
)

type testServer struct {
	*httptest.Server
	t *testing.T
}

func newTestServer(t *testing.T, opts Options) *testServer {
	t.Helper()
	testutil.FastStore(t)

	store, err := blob.NewChunkStore(t.TempDir(), [32]byte{1})
	require.NoError(t, err)
	ctl := lifecycle.New(lifecycle.Deps{
		Blobs:   store,
		Files:   files.NewMemoryRepository(),
		Quota:   quota.NewMemoryLedger(quota.Limits{Default: 10000}),
		Metrics: opts.Metrics,
	}, lifecycle.Config{EnforceQuota: true})

	ts := httptest.NewServer(New(ctl, identity.NewHeaderResolver(""), opts))
	t.Cleanup(ts.Close)
	return &testServer{Server: ts, t: t}
}

func (ts *testServer) do(user, method, path string, body io.Reader, contentType string) *http.Response {
	ts.t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), method, ts.URL+path, body)
	require.NoError(ts.t, err)
	if user != "" {
		req.Header.Set(identity.DefaultHeader, user)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := ts.Client().Do(req)
	require.NoError(ts.t, err)
	ts.t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (ts *testServer) doJSON(user, method, path string, v interface{}) *http.Response {
	ts.t.Helper()
	var body io.Reader
	if v != nil {
		data, err := json.Marshal(v)
		require.NoError(ts.t, err)
		body = bytes.NewReader(data)
	}
	return ts.do(user, method, path, body, "application/json")
}

// multipartBody builds a form with fields written before the file part.
func multipartBody(t *testing.T, filename string, content []byte, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if filename != "" {
		fw, err := mw.CreateFormFile(filePart, filename)
		require.NoError(t, err)
		_, err = fw.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (ts *testServer) uploadFile(user, name string, content []byte) *files.FileRecord {
	ts.t.Helper()
	body, ct := multipartBody(ts.t, name, content, nil)
	resp := ts.do(user, http.MethodPost, "/files", body, ct)
	require.Equal(ts.t, http.StatusCreated, resp.StatusCode)
	return decode[*files.FileRecord](ts.t, resp)
}

func TestUnauthenticated(t *testing.T) {
	ts := newTestServer(t, Options{})

	for _, path := range []string{"/files", "/files/list/trash", "/files/shared", "/quota"} {
		resp := ts.do("", http.MethodGet, path, nil, "")
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
		assert.Equal(t, "authentication required", decode[ErrorResponse](t, resp).Message)
	}
	resp := ts.doJSON("", http.MethodPatch, "/files/x/rename", map[string]string{"newName": "y"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = ts.do("", http.MethodGet, "/healthz", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestUploadRegisterDownload(t *testing.T) {
	ts := newTestServer(t, Options{})
	content := testutil.Payload(3000, 1)

	body, ct := multipartBody(t, "Report.PDF", content, map[string]string{"size": "3000"})
	resp := ts.do("alice", http.MethodPost, "/files/upload", body, ct)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	up := decode[lifecycle.UploadResult](t, resp)
	assert.Equal(t, "Report.PDF", up.Filename)
	assert.Equal(t, int64(3000), up.Length)
	assert.Equal(t, "pdf", up.Extension)

	resp = ts.doJSON("alice", http.MethodPost, "/files/saveMetadata", map[string]interface{}{
		"blobId":       up.FileID,
		"originalName": "Report.PDF",
		"filename":     "report-stored.pdf",
		"size":         3000,
		"type":         "application/pdf",
		"path":         []string{"My Drive"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	rec := decode[*files.FileRecord](t, resp)
	assert.Equal(t, up.FileID, rec.BlobID)
	assert.Equal(t, int64(3000), rec.SizeBytes)

	resp = ts.do("alice", http.MethodGet, "/files/"+up.FileID+"/download", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "3000", resp.Header.Get("Content-Length"))
	assert.Equal(t, `attachment; filename=Report.PDF`, resp.Header.Get("Content-Disposition"))
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	resp = ts.do("alice", http.MethodGet, "/files", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[[]files.FileRecord](t, resp)
	require.Len(t, list, 1)
	assert.Equal(t, rec.ID, list[0].ID)

	resp = ts.do("alice", http.MethodDelete, "/files/"+up.FileID, nil, "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = ts.do("alice", http.MethodGet, "/quota", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	q := decode[quotaResponse](t, resp)
	assert.Equal(t, int64(3000), q.UsedBytes)
	assert.Equal(t, int64(7000), q.AvailableBytes)
}

func TestUploadFile_FormFields(t *testing.T) {
	ts := newTestServer(t, Options{})

	body, ct := multipartBody(t, "a.txt", []byte("hello"), map[string]string{
		"originalName": "greeting.txt",
		"folderId":     "f1",
		"path":         "/My Drive/Docs/",
		"description":  "hi",
	})
	resp := ts.do("alice", http.MethodPost, "/files", body, ct)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	rec := decode[files.FileRecord](t, resp)
	assert.Equal(t, "greeting.txt", rec.DisplayName)
	assert.Equal(t, "a.txt", rec.StoredName)
	assert.Equal(t, []string{"My Drive", "Docs"}, rec.PathSegments)
	assert.Equal(t, "hi", rec.Description)

	resp = ts.do("alice", http.MethodGet, "/files/list/folder/f1", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]files.FileRecord](t, resp), 1)

	resp = ts.do("alice", http.MethodGet, "/files/list/mydrive", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decode[[]files.FileRecord](t, resp))
}

func TestSharingOverHTTP(t *testing.T) {
	ts := newTestServer(t, Options{})
	rec := ts.uploadFile("alice", "plan.txt", []byte("plan"))
	base := "/files/" + rec.ID

	resp := ts.doJSON("alice", http.MethodPatch, base+"/share", map[string]string{"userId": "bob", "permission": "read"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, files.PermissionRead, decode[files.FileRecord](t, resp).SharedWith["bob"])

	resp = ts.doJSON("bob", http.MethodPatch, base+"/rename", map[string]string{"newName": "mine.txt"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp = ts.do("bob", http.MethodDelete, base+"/permanent", nil, "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp = ts.doJSON("carol", http.MethodPatch, base+"/rename", map[string]string{"newName": "x"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = ts.do("bob", http.MethodGet, "/files/shared", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]files.FileRecord](t, resp), 1)

	resp = ts.do("bob", http.MethodGet, "/files/"+rec.BlobID+"/download", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = ts.doJSON("alice", http.MethodPatch, base+"/permission", map[string]string{"userId": "dave", "permission": "write"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = ts.doJSON("alice", http.MethodPatch, base+"/share", map[string]string{"userId": "bob", "permission": "owner"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.doJSON("alice", http.MethodPatch, base+"/unshare", map[string]string{"userId": "bob"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = ts.doJSON("alice", http.MethodPatch, base+"/unshare", map[string]string{"userId": "bob"})
	assert.Equal(t, http.StatusOK, resp.StatusCode, "unshare is idempotent")
}

func TestTrashRestorePurge(t *testing.T) {
	ts := newTestServer(t, Options{})
	rec := ts.uploadFile("alice", "a.bin", testutil.Payload(1000, 2))
	base := "/files/" + rec.ID

	resp := ts.doJSON("alice", http.MethodPatch, base+"/trash", map[string]bool{"isDeleted": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decode[files.FileRecord](t, resp).Trashed)

	resp = ts.do("alice", http.MethodGet, "/files/list/trash", nil, "")
	assert.Len(t, decode[[]files.FileRecord](t, resp), 1)
	resp = ts.do("alice", http.MethodGet, "/files", nil, "")
	assert.Empty(t, decode[[]files.FileRecord](t, resp))

	resp = ts.doJSON("alice", http.MethodPatch, base+"/trash", map[string]bool{"isDeleted": false})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = ts.doJSON("alice", http.MethodPatch, base+"/star", map[string]bool{"isStarred": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = ts.do("alice", http.MethodGet, "/files/list/starred", nil, "")
	assert.Len(t, decode[[]files.FileRecord](t, resp), 1)

	resp = ts.do("alice", http.MethodDelete, base+"/permanent", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "file deleted", decode[ErrorResponse](t, resp).Message)

	resp = ts.do("alice", http.MethodGet, "/files/"+rec.BlobID+"/download", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = ts.do("alice", http.MethodGet, "/quota", nil, "")
	assert.Equal(t, int64(0), decode[quotaResponse](t, resp).UsedBytes)
}

func TestMutationsOverHTTP(t *testing.T) {
	ts := newTestServer(t, Options{})
	rec := ts.uploadFile("alice", "a.txt", []byte("v1"))
	base := "/files/" + rec.ID

	resp := ts.doJSON("alice", http.MethodPatch, base+"/move", map[string]interface{}{"folderId": "f9", "path": []string{"My Drive", "X"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "f9", decode[files.FileRecord](t, resp).FolderID)

	resp = ts.doJSON("alice", http.MethodPatch, base+"/description", map[string]string{"description": "notes"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "notes", decode[files.FileRecord](t, resp).Description)

	body, ct := multipartBody(t, "a.txt", []byte("version two"), nil)
	resp = ts.do("alice", http.MethodPut, base+"/content", body, ct)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(len("version two")), decode[files.FileRecord](t, resp).SizeBytes)

	resp = ts.doJSON("alice", http.MethodPatch, base+"/star", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = ts.do("alice", http.MethodPatch, base+"/rename", strings.NewReader("{"), "application/json")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = ts.doJSON("alice", http.MethodPatch, base+"/rename", map[string]string{"newName": ""})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUploadErrors(t *testing.T) {
	ts := newTestServer(t, Options{MaxUploadSize: 4096})

	body, ct := multipartBody(t, "", nil, map[string]string{"note": "no file"})
	resp := ts.do("alice", http.MethodPost, "/files/upload", body, ct)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.do("alice", http.MethodPost, "/files/upload", strings.NewReader("raw"), "text/plain")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	body, ct = multipartBody(t, "big.bin", testutil.Payload(8192, 3), nil)
	resp = ts.do("alice", http.MethodPost, "/files/upload", body, ct)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)

	body, ct = multipartBody(t, "over.bin", testutil.Payload(100, 4), map[string]string{"size": "20000"})
	resp = ts.do("alice", http.MethodPost, "/files/upload", body, ct)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode, "declared size over quota")

	resp = ts.doJSON("alice", http.MethodPost, "/files/saveMetadata", map[string]string{"blobId": "not-a-uuid", "originalName": "x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.do("alice", http.MethodGet, "/files/not-a-uuid/download", nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := metrics.NewRegistry()
	m := metrics.New(reg)
	ts := newTestServer(t, Options{Metrics: m, Registry: reg})

	ts.uploadFile("alice", "a", []byte("abc"))
	ts.do("", http.MethodGet, "/files", nil, "")

	resp := ts.do("", http.MethodGet, "/metrics", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, `drive_requests_total{operation="upload_file",status="success"} 1`)
	assert.Contains(t, text, `drive_requests_total{operation="list_active",status="unauthenticated"} 1`)
	assert.Contains(t, text, "drive_bytes_uploaded_total 3")
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{lifecycle.ErrUnauthenticated, http.StatusUnauthorized},
		{fmt.Errorf("wrap: %w", lifecycle.ErrInvalidArgument), http.StatusBadRequest},
		{files.ErrMissingField, http.StatusBadRequest},
		{blob.ErrInvalidID, http.StatusBadRequest},
		{sharing.ErrSelfShare, http.StatusBadRequest},
		{sharing.ErrForbidden, http.StatusForbidden},
		{files.ErrNotFound, http.StatusNotFound},
		{files.ErrShareeNotFound, http.StatusNotFound},
		{blob.ErrNotFound, http.StatusNotFound},
		{lifecycle.ErrBlobInUse, http.StatusConflict},
		{files.ErrAlreadyRegistered, http.StatusConflict},
		{lifecycle.ErrQuotaExceeded, http.StatusRequestEntityTooLarge},
		{&http.MaxBytesError{Limit: 1}, http.StatusRequestEntityTooLarge},
		{quota.ErrInconsistent, http.StatusInternalServerError},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestWriteError_HidesInternalDetail(t *testing.T) {
	w := httptest.NewRecorder()
	writeError(w, fmt.Errorf("disk on fire at /var/lib/drive"))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"message":"internal server error"}`, w.Body.String())
}
