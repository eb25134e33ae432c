package files

import (
	"context"
	"sort"
	"time"
)

// Repository persists file records. Every mutating call is keyed on the pair
// (id, owner) and returns ErrNotFound when that pair does not exist, so a
// caller can never modify another owner's record through it.
type Repository interface {
	// Create inserts a new record. ErrAlreadyRegistered when another record
	// already references the same blob.
	Create(ctx context.Context, rec *FileRecord) error
	// Get loads a record regardless of owner. Used for authorization.
	Get(ctx context.Context, id string) (*FileRecord, error)
	FindByID(ctx context.Context, id, owner string) (*FileRecord, error)
	FindByBlobID(ctx context.Context, blobID string) (*FileRecord, error)
	Update(ctx context.Context, id, owner string, patch Patch) (*FileRecord, error)
	// SwapContent replaces the blob reference if it still equals expectBlobID.
	SwapContent(ctx context.Context, id, owner, expectBlobID string, content Content) (*FileRecord, error)
	// PutShare grants perm to principal. With mustExist the principal must
	// already be in the share set (ErrShareeNotFound otherwise).
	PutShare(ctx context.Context, id, owner, principal string, perm Permission, mustExist bool) (*FileRecord, error)
	// RemoveShare is idempotent.
	RemoveShare(ctx context.Context, id, owner, principal string) (*FileRecord, error)
	List(ctx context.Context, q Query) ([]*FileRecord, error)
	Delete(ctx context.Context, id, owner string) error

	// BlobIDs returns the blob id of every record.
	BlobIDs(ctx context.Context) (map[string]struct{}, error)
	// UsageByOwner sums sizeBytes per owner over all records.
	UsageByOwner(ctx context.Context) (map[string]int64, error)
	// TrashedBefore returns trashed records whose trashedAt precedes cutoff.
	TrashedBefore(ctx context.Context, cutoff time.Time) ([]*FileRecord, error)
}

// matches reports whether rec belongs in the listing q.
func matches(q Query, rec *FileRecord) bool {
	if q.View == ViewShared {
		_, ok := rec.SharedWith[q.PrincipalID]
		return ok && !rec.Trashed
	}
	if rec.OwnerID != q.OwnerID {
		return false
	}
	switch q.View {
	case ViewTrash:
		return rec.Trashed
	case ViewRoot:
		return !rec.Trashed && rec.FolderID == ""
	case ViewFolder:
		return !rec.Trashed && rec.FolderID == q.FolderID
	case ViewStarred:
		return !rec.Trashed && rec.Starred
	default:
		return !rec.Trashed
	}
}

// sortForView orders recs the way the view promises and applies its limit.
func sortForView(view View, recs []*FileRecord) []*FileRecord {
	byCreatedDesc := func(i, j int) bool {
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.After(recs[j].CreatedAt)
		}
		return recs[i].ID < recs[j].ID
	}

	switch view {
	case ViewRoot:
		sort.SliceStable(recs, func(i, j int) bool {
			if recs[i].DisplayName != recs[j].DisplayName {
				return recs[i].DisplayName < recs[j].DisplayName
			}
			return recs[i].ID < recs[j].ID
		})
	case ViewFolder:
		sort.SliceStable(recs, func(i, j int) bool {
			if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
				return recs[i].CreatedAt.Before(recs[j].CreatedAt)
			}
			return recs[i].ID < recs[j].ID
		})
	case ViewTrash:
		sort.SliceStable(recs, func(i, j int) bool {
			ti, tj := trashedAt(recs[i]), trashedAt(recs[j])
			if !ti.Equal(tj) {
				return ti.After(tj)
			}
			return recs[i].ID < recs[j].ID
		})
	case ViewRecent:
		sort.SliceStable(recs, func(i, j int) bool {
			if !recs[i].LastAccessedAt.Equal(recs[j].LastAccessedAt) {
				return recs[i].LastAccessedAt.After(recs[j].LastAccessedAt)
			}
			return recs[i].ID < recs[j].ID
		})
		if len(recs) > RecentLimit {
			recs = recs[:RecentLimit]
		}
	default:
		sort.SliceStable(recs, byCreatedDesc)
	}
	return recs
}

func trashedAt(r *FileRecord) time.Time {
	if r.TrashedAt == nil {
		return time.Time{}
	}
	return *r.TrashedAt
}
