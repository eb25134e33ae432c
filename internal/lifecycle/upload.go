package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/3askar/drive/internal/blob"
	"github.com/3askar/drive/internal/files"
	"github.com/3askar/drive/internal/logging/audit"
	"github.com/3askar/drive/internal/sharing"
)

// UploadRequest describes content about to be streamed in.
type UploadRequest struct {
	Filename    string
	ContentType string
	// DeclaredSize is the client's length hint, or -1 when unknown. It only
	// drives the early quota check; accounting uses the stored length.
	DeclaredSize int64
}

// UploadResult is returned for a stored but unregistered blob.
type UploadResult struct {
	FileID      string `json:"fileId"`
	Filename    string `json:"filename"`
	Length      int64  `json:"length"`
	ContentType string `json:"contentType"`
	Extension   string `json:"extension"`
}

// RegisterRequest creates a file record for an uploaded blob. Size and Type
// are accepted for compatibility but the stored blob's values win.
type RegisterRequest struct {
	BlobID       string             `json:"blobId"`
	OriginalName string             `json:"originalName"`
	Filename     string             `json:"filename"`
	Size         int64              `json:"size"`
	Type         string             `json:"type"`
	FolderID     string             `json:"folderId,omitempty"`
	Location     string             `json:"location,omitempty"`
	Path         []string           `json:"path,omitempty"`
	Description  string             `json:"description,omitempty"`
	SharedWith   []files.ShareEntry `json:"sharedWith,omitempty"`
}

// DownloadInfo describes content returned by Download.
type DownloadInfo struct {
	Filename    string
	ContentType string
	Length      int64
}

// Upload streams r into the blob store. Nothing is accounted until the blob
// is registered.
func (c *Controller) Upload(ctx context.Context, caller string, r io.Reader, req UploadRequest) (*UploadResult, error) {
	if err := requireCaller(caller); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Filename) == "" {
		return nil, fmt.Errorf("%w: filename is required", ErrInvalidArgument)
	}
	if c.cfg.EnforceQuota && req.DeclaredSize > 0 {
		usage, err := c.ledger.Usage(ctx, caller)
		if err != nil {
			return nil, fmt.Errorf("read quota: %w", err)
		}
		if !usage.Fits(req.DeclaredSize) {
			c.metrics.QuotaRejected()
			return nil, fmt.Errorf("%w: %d bytes available", ErrQuotaExceeded, usage.AvailableBytes())
		}
	}

	info, err := c.blobs.Put(ctx, r, blob.PutOptions{
		ContentType: req.ContentType,
		Filename:    req.Filename,
		Owner:       caller,
	})
	if err != nil {
		return nil, fmt.Errorf("store upload: %w", err)
	}
	c.metrics.RecordUpload(info.Length)

	log.Debug().Str("owner", caller).Str("blob", info.ID).Int64("bytes", info.Length).Msg("blob uploaded")
	return &UploadResult{
		FileID:      info.ID,
		Filename:    info.Filename,
		Length:      info.Length,
		ContentType: info.ContentType,
		Extension:   files.Extension(info.Filename),
	}, nil
}

// Register creates the file record for a blob the caller uploaded. The blob
// must be committed first; quota is reserved before the record becomes
// visible and released again if the record cannot be created.
func (c *Controller) Register(ctx context.Context, caller string, req RegisterRequest) (*files.FileRecord, error) {
	if err := requireCaller(caller); err != nil {
		return nil, err
	}
	if err := blob.ValidateID(req.BlobID); err != nil {
		return nil, err
	}
	name := strings.TrimSpace(req.OriginalName)
	if name == "" {
		name = strings.TrimSpace(req.Filename)
	}
	if name == "" {
		return nil, fmt.Errorf("%w: originalName is required", ErrInvalidArgument)
	}
	shares := make(files.ShareSet, len(req.SharedWith))
	for _, e := range req.SharedWith {
		if !e.Permission.Valid() {
			return nil, fmt.Errorf("%w: %q", sharing.ErrInvalidPermission, e.Permission)
		}
		if err := files.ValidatePrincipal(e.PrincipalID); err != nil {
			return nil, err
		}
		if e.PrincipalID == caller {
			return nil, sharing.ErrSelfShare
		}
		shares[e.PrincipalID] = e.Permission
	}

	info, err := c.blobs.Stat(ctx, req.BlobID)
	if err != nil {
		return nil, err
	}
	if info.Owner != caller {
		return nil, blob.ErrNotFound
	}
	if _, err := c.files.FindByBlobID(ctx, req.BlobID); err == nil {
		return nil, fmt.Errorf("%w: %s", files.ErrAlreadyRegistered, req.BlobID)
	} else if !errors.Is(err, files.ErrNotFound) {
		return nil, err
	}
	if req.Size != 0 && req.Size != info.Length {
		log.Debug().Str("blob", info.ID).Int64("declared", req.Size).Int64("stored", info.Length).
			Msg("declared size differs from stored size")
	}

	if err := c.reserve(ctx, caller, info.Length); err != nil {
		if errors.Is(err, ErrQuotaExceeded) {
			c.discardBlob(ctx, info.ID)
		}
		return nil, err
	}

	stored := strings.TrimSpace(req.Filename)
	if stored == "" {
		stored = info.Filename
	}
	location := req.Location
	if location == "" {
		location = files.DefaultLocation
	}
	now := c.now()
	rec := &files.FileRecord{
		ID:             uuid.NewString(),
		BlobID:         info.ID,
		OwnerID:        caller,
		DisplayName:    name,
		StoredName:     stored,
		Extension:      files.Extension(name),
		SizeBytes:      info.Length,
		ContentType:    info.ContentType,
		Location:       location,
		FolderID:       req.FolderID,
		PathSegments:   append([]string{}, req.Path...),
		Description:    req.Description,
		SharedWith:     shares,
		CreatedAt:      now,
		LastAccessedAt: now,
	}
	if err := c.files.Create(ctx, rec); err != nil {
		c.release(ctx, caller, info.Length)
		return nil, fmt.Errorf("create file record: %w", err)
	}

	c.audit.LogFileOp(caller, "register", rec.ID, audit.ResultAllowed, rec.BlobID)
	return rec, nil
}

// UploadFile stores and registers content in one step. If registration
// fails the fresh blob is deleted.
func (c *Controller) UploadFile(ctx context.Context, caller string, r io.Reader, up UploadRequest, reg RegisterRequest) (*files.FileRecord, error) {
	res, err := c.Upload(ctx, caller, r, up)
	if err != nil {
		return nil, err
	}
	reg.BlobID = res.FileID
	if reg.OriginalName == "" {
		reg.OriginalName = res.Filename
	}
	rec, err := c.Register(ctx, caller, reg)
	if err != nil {
		c.discardBlob(ctx, res.FileID)
		return nil, err
	}
	return rec, nil
}

// Download opens a blob for reading. The owner and sharees with download
// permission of the referencing record may read it, as may the uploader of
// a blob that is not registered yet.
func (c *Controller) Download(ctx context.Context, caller, blobID string) (io.ReadCloser, *DownloadInfo, error) {
	if err := requireCaller(caller); err != nil {
		return nil, nil, err
	}
	if err := blob.ValidateID(blobID); err != nil {
		return nil, nil, err
	}

	rec, err := c.files.FindByBlobID(ctx, blobID)
	switch {
	case errors.Is(err, files.ErrNotFound):
		rec = nil
	case err != nil:
		return nil, nil, err
	default:
		if err := sharing.Authorize(rec, caller, sharing.ActionDownload); err != nil {
			if errors.Is(err, sharing.ErrForbidden) {
				c.audit.LogAuthz(caller, string(sharing.ActionDownload), rec.ID, audit.ResultDenied, err.Error())
			}
			return nil, nil, err
		}
	}

	rc, info, err := c.blobs.Get(ctx, blobID)
	if err != nil {
		return nil, nil, err
	}
	if rec == nil && info.Owner != caller {
		_ = rc.Close()
		return nil, nil, blob.ErrNotFound
	}

	out := &DownloadInfo{
		Filename:    info.Filename,
		ContentType: info.ContentType,
		Length:      info.Length,
	}
	if rec != nil {
		out.Filename = rec.DisplayName
		out.ContentType = rec.ContentType
		if rec.OwnerID == caller {
			now := c.now()
			if _, err := c.files.Update(ctx, rec.ID, caller, files.Patch{LastAccessedAt: &now}); err != nil {
				log.Warn().Err(err).Str("file", rec.ID).Msg("failed to record access time")
			}
		}
	}
	return &countingReadCloser{ReadCloser: rc, done: c.metrics.RecordDownload}, out, nil
}

// DeleteBlob removes a blob the caller uploaded but never registered.
func (c *Controller) DeleteBlob(ctx context.Context, caller, blobID string) error {
	if err := requireCaller(caller); err != nil {
		return err
	}
	if err := blob.ValidateID(blobID); err != nil {
		return err
	}
	rec, err := c.files.FindByBlobID(ctx, blobID)
	if err == nil {
		if rec.OwnerID != caller {
			return blob.ErrNotFound
		}
		return ErrBlobInUse
	}
	if !errors.Is(err, files.ErrNotFound) {
		return err
	}

	info, err := c.blobs.Stat(ctx, blobID)
	if err != nil {
		return err
	}
	if info.Owner != caller {
		return blob.ErrNotFound
	}
	if err := c.blobs.Delete(ctx, blobID); err != nil {
		return err
	}
	c.audit.LogFileOp(caller, "delete_blob", "", audit.ResultAllowed, blobID)
	return nil
}

// ReplaceContent swaps a file's content for a new upload. Writers may do
// this; the new bytes are charged to the owner.
func (c *Controller) ReplaceContent(ctx context.Context, caller, id string, r io.Reader, req UploadRequest) (*files.FileRecord, error) {
	rec, err := c.authorize(ctx, caller, id, sharing.ActionReplaceContent)
	if err != nil {
		return nil, err
	}
	owner := rec.OwnerID
	if req.Filename == "" {
		req.Filename = rec.StoredName
	}

	info, err := c.blobs.Put(ctx, r, blob.PutOptions{
		ContentType: req.ContentType,
		Filename:    req.Filename,
		Owner:       owner,
	})
	if err != nil {
		return nil, fmt.Errorf("store content: %w", err)
	}
	c.metrics.RecordUpload(info.Length)

	if err := c.reserve(ctx, owner, info.Length); err != nil {
		c.discardBlob(ctx, info.ID)
		return nil, err
	}
	updated, err := c.files.SwapContent(ctx, id, owner, rec.BlobID, files.Content{
		BlobID:      info.ID,
		SizeBytes:   info.Length,
		ContentType: info.ContentType,
		StoredName:  info.Filename,
	})
	if err != nil {
		c.release(ctx, owner, info.Length)
		c.discardBlob(ctx, info.ID)
		return nil, err
	}

	c.discardBlob(ctx, rec.BlobID)
	if _, err := c.ledger.Release(context.WithoutCancel(ctx), owner, rec.SizeBytes); err != nil {
		log.Error().Err(err).Str("owner", owner).Str("file", id).Msg("quota release after content swap failed")
	}
	c.audit.LogFileOp(caller, "replace_content", id, audit.ResultAllowed, info.ID)
	return updated, nil
}

// countingReadCloser reports the bytes read when it is closed.
type countingReadCloser struct {
	io.ReadCloser
	n    atomic.Int64
	done func(int64)
	once atomic.Bool
}

func (r *countingReadCloser) Read(p []byte) (int, error) {
	n, err := r.ReadCloser.Read(p)
	r.n.Add(int64(n))
	return n, err
}

func (r *countingReadCloser) Close() error {
	if r.once.CompareAndSwap(false, true) {
		r.done(r.n.Load())
	}
	return r.ReadCloser.Close()
}
