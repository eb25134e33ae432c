// Package blob stores opaque binary payloads under generated identifiers.
//
// Two backends implement Store: ChunkStore keeps content-defined chunks on the
// local filesystem (compressed and encrypted), GridFSStore keeps content in a
// MongoDB GridFS bucket. Both commit a blob atomically: an id is only ever
// returned, listed or readable once every byte has been written.
package blob

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/google/uuid"
)

// DefaultContentType is recorded when the uploader supplies none.
const DefaultContentType = "application/octet-stream"

// Info describes a committed blob.
type Info struct {
	ID          string    `json:"id"`
	Length      int64     `json:"length"`
	ContentType string    `json:"contentType"`
	Filename    string    `json:"filename,omitempty"`
	Owner       string    `json:"owner,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// PutOptions carries the descriptive attributes stored alongside the content.
type PutOptions struct {
	ContentType string
	Filename    string
	Owner       string
}

// Store is the contract shared by all blob backends.
type Store interface {
	// Put consumes r until EOF and returns the committed blob. On error no
	// blob is visible.
	Put(ctx context.Context, r io.Reader, opts PutOptions) (*Info, error)
	// Get opens a streaming reader. The caller must close it.
	Get(ctx context.Context, id string) (io.ReadCloser, *Info, error)
	Stat(ctx context.Context, id string) (*Info, error)
	// Delete removes the blob. Deleting a missing blob returns ErrNotFound.
	Delete(ctx context.Context, id string) error
	// List returns every committed blob.
	List(ctx context.Context) ([]Info, error)
}

// GCStats reports a chunk garbage collection pass.
type GCStats struct {
	ChunksScanned  int   `json:"chunksScanned"`
	ChunksDeleted  int   `json:"chunksDeleted"`
	BytesReclaimed int64 `json:"bytesReclaimed"`
}

// GarbageCollector is implemented by stores whose Delete leaves storage to be
// reclaimed later.
type GarbageCollector interface {
	CollectGarbage(ctx context.Context, grace time.Duration) (GCStats, error)
}

// NewID returns a fresh blob id.
func NewID() string {
	return uuid.NewString()
}

// ValidateID rejects anything that is not a canonical UUID string.
func ValidateID(id string) error {
	u, err := uuid.Parse(id)
	if err != nil || u.String() != id {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

func normalizeContentType(ct string) string {
	if ct == "" {
		return DefaultContentType
	}
	return ct
}

func sortInfos(infos []Info) {
	sort.Slice(infos, func(i, j int) bool {
		if !infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].CreatedAt.Before(infos[j].CreatedAt)
		}
		return infos[i].ID < infos[j].ID
	})
}
