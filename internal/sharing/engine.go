package sharing

import (
	"context"
	"errors"
	"fmt"

	"github.com/3askar/drive/internal/files"
)

var (
	// ErrForbidden means the principal can see the record but may not
	// perform the action.
	ErrForbidden = errors.New("forbidden")
	// ErrInvalidPermission rejects permissions other than read and write.
	ErrInvalidPermission = errors.New("invalid permission")
	// ErrSelfShare rejects sharing a file with its owner.
	ErrSelfShare = errors.New("cannot share a file with its owner")
)

// Authorize decides whether principal may perform action on rec. Principals
// without any relationship get files.ErrNotFound so the record's existence is
// not disclosed. Trashed records are visible to their owner only.
func Authorize(rec *files.FileRecord, principal string, action Action) error {
	role := RoleFor(rec, principal)
	if role == nil || (rec.Trashed && role.Name != RoleOwner) {
		return files.ErrNotFound
	}
	if !role.Allows(action) {
		return fmt.Errorf("%w: %s may not %s", ErrForbidden, role.Name, action)
	}
	return nil
}

// Engine maintains share sets through the repository. All operations are
// keyed on (file id, owner).
type Engine struct {
	repo files.Repository
}

// NewEngine creates an engine over repo.
func NewEngine(repo files.Repository) *Engine {
	return &Engine{repo: repo}
}

// Share grants perm to principal, replacing any previous grant.
func (e *Engine) Share(ctx context.Context, fileID, owner, principal string, perm files.Permission) (*files.FileRecord, error) {
	if err := checkGrant(owner, principal, perm); err != nil {
		return nil, err
	}
	return e.repo.PutShare(ctx, fileID, owner, principal, perm, false)
}

// Unshare removes principal from the share set. Removing an absent principal
// succeeds.
func (e *Engine) Unshare(ctx context.Context, fileID, owner, principal string) (*files.FileRecord, error) {
	if err := files.ValidatePrincipal(principal); err != nil {
		return nil, err
	}
	return e.repo.RemoveShare(ctx, fileID, owner, principal)
}

// SetPermission changes an existing grant. files.ErrShareeNotFound when the
// principal has none.
func (e *Engine) SetPermission(ctx context.Context, fileID, owner, principal string, perm files.Permission) (*files.FileRecord, error) {
	if err := checkGrant(owner, principal, perm); err != nil {
		return nil, err
	}
	return e.repo.PutShare(ctx, fileID, owner, principal, perm, true)
}

func checkGrant(owner, principal string, perm files.Permission) error {
	if !perm.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidPermission, perm)
	}
	if err := files.ValidatePrincipal(principal); err != nil {
		return err
	}
	if principal == owner {
		return ErrSelfShare
	}
	return nil
}
