package files

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newRecord(owner, name string, offset time.Duration) *FileRecord {
	return &FileRecord{
		ID:             uuid.NewString(),
		BlobID:         uuid.NewString(),
		OwnerID:        owner,
		DisplayName:    name,
		StoredName:     name,
		Extension:      Extension(name),
		SizeBytes:      100,
		ContentType:    "text/plain",
		Location:       DefaultLocation,
		PathSegments:   []string{},
		SharedWith:     ShareSet{},
		CreatedAt:      baseTime.Add(offset),
		LastAccessedAt: baseTime.Add(offset),
	}
}

func mustCreate(t *testing.T, repo Repository, rec *FileRecord) *FileRecord {
	t.Helper()
	require.NoError(t, repo.Create(context.Background(), rec))
	return rec
}

func ids(recs []*FileRecord) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}

func TestMemoryRepository_CreateValidates(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	rec := newRecord("alice", "a.txt", 0)
	rec.BlobID = ""
	assert.ErrorIs(t, repo.Create(ctx, rec), ErrMissingField)

	rec = newRecord("alice", "", 0)
	assert.ErrorIs(t, repo.Create(ctx, rec), ErrMissingField)

	rec = newRecord("alice", "a.txt", 0)
	rec.SizeBytes = -1
	assert.ErrorIs(t, repo.Create(ctx, rec), ErrMissingField)
}

func TestMemoryRepository_OneRecordPerBlob(t *testing.T) {
	repo := NewMemoryRepository()
	first := mustCreate(t, repo, newRecord("alice", "a.txt", 0))

	dup := newRecord("alice", "b.txt", 0)
	dup.BlobID = first.BlobID
	assert.ErrorIs(t, repo.Create(context.Background(), dup), ErrAlreadyRegistered)
}

func TestMemoryRepository_OwnerScoping(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	rec := mustCreate(t, repo, newRecord("alice", "a.txt", 0))

	_, err := repo.FindByID(ctx, rec.ID, "mallory")
	assert.ErrorIs(t, err, ErrNotFound)

	name := "pwned.txt"
	_, err = repo.Update(ctx, rec.ID, "mallory", Patch{DisplayName: &name})
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, repo.Delete(ctx, rec.ID, "mallory"), ErrNotFound)

	got, err := repo.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "a.txt", got.DisplayName)
}

func TestMemoryRepository_ReturnsCopies(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	rec := mustCreate(t, repo, newRecord("alice", "a.txt", 0))

	got, err := repo.Get(ctx, rec.ID)
	require.NoError(t, err)
	got.DisplayName = "mutated"
	got.SharedWith["eve"] = PermissionWrite

	again, err := repo.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "a.txt", again.DisplayName)
	assert.Empty(t, again.SharedWith)
}

func TestMemoryRepository_ListingViews(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	yes := true

	b := mustCreate(t, repo, newRecord("alice", "b.txt", 1*time.Minute))
	a := mustCreate(t, repo, newRecord("alice", "a.txt", 2*time.Minute))
	inFolder := newRecord("alice", "c.txt", 3*time.Minute)
	inFolder.FolderID = "f1"
	mustCreate(t, repo, inFolder)
	starred := mustCreate(t, repo, newRecord("alice", "d.txt", 4*time.Minute))
	trashed := mustCreate(t, repo, newRecord("alice", "e.txt", 5*time.Minute))
	mustCreate(t, repo, newRecord("bob", "other.txt", 0))

	_, err := repo.Update(ctx, starred.ID, "alice", Patch{Starred: &yes})
	require.NoError(t, err)
	_, err = repo.Update(ctx, trashed.ID, "alice", Patch{Trashed: &yes})
	require.NoError(t, err)

	list := func(q Query) []string {
		recs, err := repo.List(ctx, q)
		require.NoError(t, err)
		return ids(recs)
	}

	assert.Equal(t, []string{starred.ID, inFolder.ID, a.ID, b.ID}, list(Query{View: ViewActive, OwnerID: "alice"}))
	assert.Equal(t, []string{a.ID, b.ID, starred.ID}, list(Query{View: ViewRoot, OwnerID: "alice"}))
	assert.Equal(t, []string{inFolder.ID}, list(Query{View: ViewFolder, OwnerID: "alice", FolderID: "f1"}))
	assert.Equal(t, []string{starred.ID}, list(Query{View: ViewStarred, OwnerID: "alice"}))
	assert.Equal(t, []string{trashed.ID}, list(Query{View: ViewTrash, OwnerID: "alice"}))
}

func TestMemoryRepository_TrashExcludedFromEveryOtherView(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	yes := true

	rec := newRecord("alice", "gone.txt", 0)
	rec.FolderID = "f1"
	rec.SharedWith = ShareSet{"bob": PermissionRead}
	mustCreate(t, repo, rec)
	_, err := repo.Update(ctx, rec.ID, "alice", Patch{Trashed: &yes, Starred: &yes})
	require.NoError(t, err)

	for _, q := range []Query{
		{View: ViewActive, OwnerID: "alice"},
		{View: ViewRoot, OwnerID: "alice"},
		{View: ViewFolder, OwnerID: "alice", FolderID: "f1"},
		{View: ViewStarred, OwnerID: "alice"},
		{View: ViewRecent, OwnerID: "alice"},
		{View: ViewShared, PrincipalID: "bob"},
	} {
		recs, err := repo.List(ctx, q)
		require.NoError(t, err)
		assert.Empty(t, recs, "view %s", q.View)
	}
}

func TestMemoryRepository_RecentIsCappedAndOrdered(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	var newest string
	for i := 0; i < RecentLimit+5; i++ {
		rec := mustCreate(t, repo, newRecord("alice", fmt.Sprintf("f%02d.txt", i), time.Duration(i)*time.Second))
		newest = rec.ID
	}

	recs, err := repo.List(ctx, Query{View: ViewRecent, OwnerID: "alice"})
	require.NoError(t, err)
	require.Len(t, recs, RecentLimit)
	assert.Equal(t, newest, recs[0].ID)
	for i := 1; i < len(recs); i++ {
		assert.False(t, recs[i].LastAccessedAt.After(recs[i-1].LastAccessedAt))
	}
}

func TestMemoryRepository_SharedView(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	rec := mustCreate(t, repo, newRecord("alice", "a.txt", 0))
	mustCreate(t, repo, newRecord("alice", "private.txt", 0))
	_, err := repo.PutShare(ctx, rec.ID, "alice", "bob", PermissionRead, false)
	require.NoError(t, err)

	recs, err := repo.List(ctx, Query{View: ViewShared, PrincipalID: "bob"})
	require.NoError(t, err)
	assert.Equal(t, []string{rec.ID}, ids(recs))

	recs, err = repo.List(ctx, Query{View: ViewActive, OwnerID: "bob"})
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestMemoryRepository_ShareSetOperations(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	rec := mustCreate(t, repo, newRecord("alice", "a.txt", 0))

	_, err := repo.PutShare(ctx, rec.ID, "alice", "bob", PermissionRead, true)
	assert.ErrorIs(t, err, ErrShareeNotFound)

	got, err := repo.PutShare(ctx, rec.ID, "alice", "bob", PermissionRead, false)
	require.NoError(t, err)
	got, err = repo.PutShare(ctx, rec.ID, "alice", "bob", PermissionWrite, false)
	require.NoError(t, err)
	assert.Equal(t, ShareSet{"bob": PermissionWrite}, got.SharedWith)

	got, err = repo.PutShare(ctx, rec.ID, "alice", "bob", PermissionRead, true)
	require.NoError(t, err)
	assert.Equal(t, PermissionRead, got.SharedWith["bob"])

	got, err = repo.RemoveShare(ctx, rec.ID, "alice", "bob")
	require.NoError(t, err)
	assert.Empty(t, got.SharedWith)
	got, err = repo.RemoveShare(ctx, rec.ID, "alice", "bob")
	require.NoError(t, err)
	assert.Empty(t, got.SharedWith)
}

func TestMemoryRepository_SwapContent(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	rec := mustCreate(t, repo, newRecord("alice", "a.txt", 0))
	newBlob := uuid.NewString()

	_, err := repo.SwapContent(ctx, rec.ID, "alice", uuid.NewString(), Content{BlobID: newBlob})
	assert.ErrorIs(t, err, ErrContentChanged)

	got, err := repo.SwapContent(ctx, rec.ID, "alice", rec.BlobID, Content{BlobID: newBlob, SizeBytes: 7, ContentType: "text/markdown"})
	require.NoError(t, err)
	assert.Equal(t, newBlob, got.BlobID)
	assert.Equal(t, int64(7), got.SizeBytes)

	_, err = repo.FindByBlobID(ctx, rec.BlobID)
	assert.ErrorIs(t, err, ErrNotFound)
	byBlob, err := repo.FindByBlobID(ctx, newBlob)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, byBlob.ID)
}

func TestMemoryRepository_ReconciliationQueries(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	yes := true

	a := mustCreate(t, repo, newRecord("alice", "a.txt", 0))
	b := mustCreate(t, repo, newRecord("alice", "b.txt", 0))
	c := mustCreate(t, repo, newRecord("bob", "c.txt", 0))

	blobIDs, err := repo.BlobIDs(ctx)
	require.NoError(t, err)
	assert.Len(t, blobIDs, 3)
	assert.Contains(t, blobIDs, c.BlobID)

	usage, err := repo.UsageByOwner(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"alice": 200, "bob": 100}, usage)

	_, err = repo.Update(ctx, a.ID, "alice", Patch{Trashed: &yes})
	require.NoError(t, err)
	expired, err := repo.TrashedBefore(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID}, ids(expired))

	require.NoError(t, repo.Delete(ctx, b.ID, "alice"))
	usage, err = repo.UsageByOwner(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(100), usage["alice"])
}
