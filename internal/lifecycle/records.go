package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/3askar/drive/internal/blob"
	"github.com/3askar/drive/internal/files"
	"github.com/3askar/drive/internal/logging/audit"
	"github.com/3askar/drive/internal/quota"
	"github.com/3askar/drive/internal/sharing"
)

// List returns the caller's records for view. folderID is required for the
// folder view and ignored otherwise.
func (c *Controller) List(ctx context.Context, caller string, view files.View, folderID string) ([]*files.FileRecord, error) {
	if err := requireCaller(caller); err != nil {
		return nil, err
	}
	q := files.Query{View: view, OwnerID: caller, FolderID: folderID}
	if view == files.ViewShared {
		q = files.Query{View: view, PrincipalID: caller}
	}
	if err := q.Validate(); err != nil {
		return nil, err
	}
	return c.files.List(ctx, q)
}

// update applies patch on behalf of caller after checking action.
func (c *Controller) update(ctx context.Context, caller, id string, action sharing.Action, patch files.Patch) (*files.FileRecord, error) {
	rec, err := c.authorize(ctx, caller, id, action)
	if err != nil {
		return nil, err
	}
	return c.files.Update(ctx, id, rec.OwnerID, patch)
}

// Rename changes the display name and with it the extension.
func (c *Controller) Rename(ctx context.Context, caller, id, newName string) (*files.FileRecord, error) {
	name := strings.TrimSpace(newName)
	if name == "" {
		return nil, fmt.Errorf("%w: newName is required", ErrInvalidArgument)
	}
	return c.update(ctx, caller, id, sharing.ActionRename, files.Patch{DisplayName: &name})
}

// SetStarred stars or unstars a file.
func (c *Controller) SetStarred(ctx context.Context, caller, id string, starred bool) (*files.FileRecord, error) {
	return c.update(ctx, caller, id, sharing.ActionStar, files.Patch{Starred: &starred})
}

// SetTrashed moves a file to the trash or restores it. Quota is untouched
// either way.
func (c *Controller) SetTrashed(ctx context.Context, caller, id string, trashed bool) (*files.FileRecord, error) {
	rec, err := c.update(ctx, caller, id, sharing.ActionTrash, files.Patch{Trashed: &trashed})
	if err != nil {
		return nil, err
	}
	op := "restore"
	if trashed {
		op = "trash"
	}
	c.audit.LogFileOp(caller, op, id, audit.ResultAllowed, "")
	return rec, nil
}

// Move places a file in folderID (the root when empty).
func (c *Controller) Move(ctx context.Context, caller, id, folderID string, path []string) (*files.FileRecord, error) {
	return c.update(ctx, caller, id, sharing.ActionMove, files.Patch{Move: &files.Move{
		FolderID:     folderID,
		PathSegments: path,
	}})
}

// Describe sets the free-text description. Writers may do this.
func (c *Controller) Describe(ctx context.Context, caller, id, description string) (*files.FileRecord, error) {
	return c.update(ctx, caller, id, sharing.ActionDescribe, files.Patch{Description: &description})
}

// Share grants principal perm on a file the caller owns.
func (c *Controller) Share(ctx context.Context, caller, id, principal string, perm files.Permission) (*files.FileRecord, error) {
	rec, err := c.authorize(ctx, caller, id, sharing.ActionShare)
	if err != nil {
		return nil, err
	}
	out, err := c.sharing.Share(ctx, id, rec.OwnerID, principal, perm)
	if err != nil {
		return nil, err
	}
	c.audit.LogFileOp(caller, "share", id, audit.ResultAllowed, principal+":"+string(perm))
	return out, nil
}

// Unshare revokes principal's access. Revoking an absent grant succeeds.
func (c *Controller) Unshare(ctx context.Context, caller, id, principal string) (*files.FileRecord, error) {
	rec, err := c.authorize(ctx, caller, id, sharing.ActionShare)
	if err != nil {
		return nil, err
	}
	out, err := c.sharing.Unshare(ctx, id, rec.OwnerID, principal)
	if err != nil {
		return nil, err
	}
	c.audit.LogFileOp(caller, "unshare", id, audit.ResultAllowed, principal)
	return out, nil
}

// SetPermission changes an existing grant; the principal must already have one.
func (c *Controller) SetPermission(ctx context.Context, caller, id, principal string, perm files.Permission) (*files.FileRecord, error) {
	rec, err := c.authorize(ctx, caller, id, sharing.ActionShare)
	if err != nil {
		return nil, err
	}
	out, err := c.sharing.SetPermission(ctx, id, rec.OwnerID, principal, perm)
	if err != nil {
		return nil, err
	}
	c.audit.LogFileOp(caller, "set_permission", id, audit.ResultAllowed, principal+":"+string(perm))
	return out, nil
}

// Purge permanently deletes a file. The record goes first, which is the
// point of no return; then the blob, whose failure leaves an orphan for
// Reconcile; quota is released last, so an earlier failure leaves usage
// high rather than low. A failed release is reported as
// quota.ErrInconsistent after the file is already gone.
func (c *Controller) Purge(ctx context.Context, caller, id string) error {
	rec, err := c.authorize(ctx, caller, id, sharing.ActionPurge)
	if err != nil {
		return err
	}
	if err := c.purge(ctx, rec); err != nil {
		c.audit.LogFileOp(caller, "purge", id, audit.ResultFailed, err.Error())
		return err
	}
	c.audit.LogFileOp(caller, "purge", id, audit.ResultAllowed, rec.BlobID)
	return nil
}

func (c *Controller) purge(ctx context.Context, rec *files.FileRecord) error {
	if err := c.files.Delete(ctx, rec.ID, rec.OwnerID); err != nil {
		return err
	}
	c.metrics.FilePurged()

	ctx = context.WithoutCancel(ctx)
	if err := c.blobs.Delete(ctx, rec.BlobID); err != nil && !errors.Is(err, blob.ErrNotFound) {
		log.Warn().Err(err).Str("file", rec.ID).Str("blob", rec.BlobID).
			Msg("failed to delete blob of purged file, leaving it for reconciliation")
	}
	if _, err := c.ledger.Release(ctx, rec.OwnerID, rec.SizeBytes); err != nil {
		if !errors.Is(err, quota.ErrInconsistent) {
			err = fmt.Errorf("%w: %v", quota.ErrInconsistent, err)
		}
		log.Error().Err(err).Str("owner", rec.OwnerID).Int64("bytes", rec.SizeBytes).
			Msg("quota release after purge failed")
		return fmt.Errorf("release %d bytes for %s: %w", rec.SizeBytes, rec.OwnerID, err)
	}
	return nil
}

// Usage reports the caller's storage consumption.
func (c *Controller) Usage(ctx context.Context, caller string) (quota.Usage, error) {
	if err := requireCaller(caller); err != nil {
		return quota.Usage{}, err
	}
	return c.ledger.Usage(ctx, caller)
}
