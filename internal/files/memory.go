package files

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryRepository keeps records in process memory. Records handed out are
// copies; callers cannot mutate stored state.
type MemoryRepository struct {
	mu      sync.RWMutex
	records map[string]*FileRecord
	byBlob  map[string]string
	now     func() time.Time
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		records: make(map[string]*FileRecord),
		byBlob:  make(map[string]string),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryRepository) Create(ctx context.Context, rec *FileRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byBlob[rec.BlobID]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, rec.BlobID)
	}
	if _, ok := m.records[rec.ID]; ok {
		return fmt.Errorf("record %s already exists", rec.ID)
	}
	c := rec.Clone()
	m.records[c.ID] = c
	m.byBlob[c.BlobID] = c.ID
	return nil
}

func (m *MemoryRepository) Get(ctx context.Context, id string) (*FileRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (m *MemoryRepository) FindByID(ctx context.Context, id, owner string) (*FileRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, err := m.owned(id, owner)
	if err != nil {
		return nil, err
	}
	return rec.Clone(), nil
}

func (m *MemoryRepository) FindByBlobID(ctx context.Context, blobID string) (*FileRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byBlob[blobID]
	if !ok {
		return nil, ErrNotFound
	}
	return m.records[id].Clone(), nil
}

func (m *MemoryRepository) Update(ctx context.Context, id, owner string, patch Patch) (*FileRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.owned(id, owner)
	if err != nil {
		return nil, err
	}
	patch.Apply(rec, m.now())
	return rec.Clone(), nil
}

func (m *MemoryRepository) SwapContent(ctx context.Context, id, owner, expectBlobID string, content Content) (*FileRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.owned(id, owner)
	if err != nil {
		return nil, err
	}
	if rec.BlobID != expectBlobID {
		return nil, ErrContentChanged
	}
	if other, ok := m.byBlob[content.BlobID]; ok && other != id {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRegistered, content.BlobID)
	}

	delete(m.byBlob, rec.BlobID)
	rec.BlobID = content.BlobID
	rec.SizeBytes = content.SizeBytes
	rec.ContentType = content.ContentType
	if content.StoredName != "" {
		rec.StoredName = content.StoredName
	}
	m.byBlob[rec.BlobID] = id
	return rec.Clone(), nil
}

func (m *MemoryRepository) PutShare(ctx context.Context, id, owner, principal string, perm Permission, mustExist bool) (*FileRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.owned(id, owner)
	if err != nil {
		return nil, err
	}
	if _, ok := rec.SharedWith[principal]; mustExist && !ok {
		return nil, ErrShareeNotFound
	}
	if rec.SharedWith == nil {
		rec.SharedWith = ShareSet{}
	}
	rec.SharedWith[principal] = perm
	return rec.Clone(), nil
}

func (m *MemoryRepository) RemoveShare(ctx context.Context, id, owner, principal string) (*FileRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.owned(id, owner)
	if err != nil {
		return nil, err
	}
	delete(rec.SharedWith, principal)
	return rec.Clone(), nil
}

func (m *MemoryRepository) List(ctx context.Context, q Query) ([]*FileRecord, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	out := make([]*FileRecord, 0)
	for _, rec := range m.records {
		if matches(q, rec) {
			out = append(out, rec.Clone())
		}
	}
	m.mu.RUnlock()

	return sortForView(q.View, out), nil
}

func (m *MemoryRepository) Delete(ctx context.Context, id, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.owned(id, owner)
	if err != nil {
		return err
	}
	delete(m.records, id)
	delete(m.byBlob, rec.BlobID)
	return nil
}

func (m *MemoryRepository) BlobIDs(ctx context.Context) (map[string]struct{}, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]struct{}, len(m.byBlob))
	for blobID := range m.byBlob {
		out[blobID] = struct{}{}
	}
	return out, nil
}

func (m *MemoryRepository) UsageByOwner(ctx context.Context) (map[string]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]int64)
	for _, rec := range m.records {
		out[rec.OwnerID] += rec.SizeBytes
	}
	return out, nil
}

func (m *MemoryRepository) TrashedBefore(ctx context.Context, cutoff time.Time) ([]*FileRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*FileRecord
	for _, rec := range m.records {
		if rec.Trashed && rec.TrashedAt != nil && rec.TrashedAt.Before(cutoff) {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}

// owned returns the stored record for (id, owner). Caller holds mu.
func (m *MemoryRepository) owned(id, owner string) (*FileRecord, error) {
	rec, ok := m.records[id]
	if !ok || rec.OwnerID != owner {
		return nil, ErrNotFound
	}
	return rec, nil
}
