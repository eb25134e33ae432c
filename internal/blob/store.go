package blob

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// manifest is the on-disk record of a committed blob: its descriptive
// attributes plus the ordered chunk hashes that make up the content.
type manifest struct {
	Info
	Chunks []string `json:"chunks"`
}

// ChunkStore is a Store on the local filesystem.
//
// Layout under the data directory:
//
//	chunks/ab/<sha256>      compressed, encrypted chunk (see CAS)
//	manifests/ab/<id>.json  blob manifest
//
// The manifest rename is the commit point of Put. Delete removes only the
// manifest; chunks are reclaimed by CollectGarbage.
type ChunkStore struct {
	manifestsDir string
	cas          *CAS

	// Chunks written by uploads that have not committed yet are pinned so a
	// concurrent sweep never removes them.
	pinMu     sync.Mutex
	pins      map[string]int
	gcActive  bool
	committed map[string]struct{}

	gcMu sync.Mutex
}

var (
	_ Store            = (*ChunkStore)(nil)
	_ GarbageCollector = (*ChunkStore)(nil)
)

// NewChunkStore opens (or creates) a chunk store rooted at dataDir.
func NewChunkStore(dataDir string, masterKey [32]byte) (*ChunkStore, error) {
	cas, err := NewCAS(filepath.Join(dataDir, "chunks"), masterKey)
	if err != nil {
		return nil, fmt.Errorf("create CAS: %w", err)
	}
	manifestsDir := filepath.Join(dataDir, "manifests")
	if err := os.MkdirAll(manifestsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create manifests dir: %w", err)
	}
	return &ChunkStore{
		manifestsDir: manifestsDir,
		cas:          cas,
		pins:         make(map[string]int),
	}, nil
}

// Put streams r through the chunker into the CAS and commits a manifest.
func (s *ChunkStore) Put(ctx context.Context, r io.Reader, opts PutOptions) (*Info, error) {
	m := manifest{
		Info: Info{
			ID:          NewID(),
			ContentType: normalizeContentType(opts.ContentType),
			Filename:    opts.Filename,
			Owner:       opts.Owner,
		},
	}

	pinned := make([]string, 0, 16)
	defer func() { s.unpin(pinned, false) }()

	sc := NewStreamingChunker(r)
	for {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("upload canceled: %w", err)
		}

		chunk, hash, err := sc.NextChunk()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read upload: %w", err)
		}

		s.pin(hash)
		pinned = append(pinned, hash)
		if _, err := s.cas.WriteChunk(ctx, chunk); err != nil {
			return nil, fmt.Errorf("write chunk %s: %w", hash[:12], err)
		}
		m.Chunks = append(m.Chunks, hash)
		m.Length += int64(len(chunk))
	}

	m.CreatedAt = time.Now().UTC()
	data, err := json.Marshal(&m)
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}

	path := s.manifestPath(m.ID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create manifest dir: %w", err)
	}
	if err := atomicWriteFile(path, data, ".manifest-*.tmp"); err != nil {
		return nil, fmt.Errorf("commit manifest: %w", err)
	}

	s.unpin(pinned, true)
	pinned = nil

	info := m.Info
	return &info, nil
}

// Get returns a reader that loads chunks on demand.
func (s *ChunkStore) Get(ctx context.Context, id string) (io.ReadCloser, *Info, error) {
	m, err := s.readManifest(id)
	if err != nil {
		return nil, nil, err
	}
	info := m.Info
	if len(m.Chunks) == 0 {
		return io.NopCloser(bytes.NewReader(nil)), &info, nil
	}
	return newChunkReader(ctx, s.cas, m.Chunks), &info, nil
}

// Stat returns a blob's attributes without touching its content.
func (s *ChunkStore) Stat(ctx context.Context, id string) (*Info, error) {
	m, err := s.readManifest(id)
	if err != nil {
		return nil, err
	}
	info := m.Info
	return &info, nil
}

// Delete removes the manifest, making the blob unreachable immediately.
func (s *ChunkStore) Delete(ctx context.Context, id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	err := os.Remove(s.manifestPath(id))
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("delete manifest: %w", err)
	}
	return nil
}

// List returns every committed blob, oldest first.
func (s *ChunkStore) List(ctx context.Context) ([]Info, error) {
	var out []Info
	err := s.walkManifests(ctx, func(m *manifest) {
		out = append(out, m.Info)
	})
	if err != nil {
		return nil, err
	}
	sortInfos(out)
	return out, nil
}

// CollectGarbage deletes chunks that no manifest references and that were
// last written or reused before now-grace.
func (s *ChunkStore) CollectGarbage(ctx context.Context, grace time.Duration) (GCStats, error) {
	s.gcMu.Lock()
	defer s.gcMu.Unlock()

	var stats GCStats
	cutoff := time.Now().Add(-grace)

	s.pinMu.Lock()
	s.gcActive = true
	s.committed = make(map[string]struct{})
	s.pinMu.Unlock()
	defer func() {
		s.pinMu.Lock()
		s.gcActive = false
		s.committed = nil
		s.pinMu.Unlock()
	}()

	referenced := make(map[string]struct{})
	if err := s.walkManifests(ctx, func(m *manifest) {
		for _, h := range m.Chunks {
			referenced[h] = struct{}{}
		}
	}); err != nil {
		return stats, fmt.Errorf("build reference set: %w", err)
	}

	err := s.cas.WalkChunks(ctx, func(hash string, info fs.FileInfo) error {
		stats.ChunksScanned++
		if _, ok := referenced[hash]; ok {
			return nil
		}
		if info.ModTime().After(cutoff) {
			return nil
		}

		s.pinMu.Lock()
		defer s.pinMu.Unlock()
		if s.pins[hash] > 0 {
			return nil
		}
		if _, ok := s.committed[hash]; ok {
			return nil
		}
		if err := s.cas.DeleteChunk(hash); err != nil {
			log.Warn().Err(err).Str("chunk", hash).Msg("failed to delete orphaned chunk")
			return nil
		}
		stats.ChunksDeleted++
		stats.BytesReclaimed += info.Size()
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("sweep chunks: %w", err)
	}
	return stats, nil
}

func (s *ChunkStore) pin(hash string) {
	s.pinMu.Lock()
	s.pins[hash]++
	s.pinMu.Unlock()
}

// unpin releases pins taken by one upload. Hashes of a committed upload are
// remembered for the duration of a running sweep, whose reference set may
// predate the manifest.
func (s *ChunkStore) unpin(hashes []string, committed bool) {
	if len(hashes) == 0 {
		return
	}
	s.pinMu.Lock()
	defer s.pinMu.Unlock()
	for _, h := range hashes {
		if s.pins[h] <= 1 {
			delete(s.pins, h)
		} else {
			s.pins[h]--
		}
		if committed && s.gcActive {
			s.committed[h] = struct{}{}
		}
	}
}

func (s *ChunkStore) manifestPath(id string) string {
	return filepath.Join(s.manifestsDir, id[:2], id+".json")
}

func (s *ChunkStore) readManifest(id string) (*manifest, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.manifestPath(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: manifest %s: %v", ErrCorrupt, id, err)
	}
	return &m, nil
}

func (s *ChunkStore) walkManifests(ctx context.Context, fn func(*manifest)) error {
	return filepath.WalkDir(s.manifestsDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".json") {
			return nil
		}
		m, err := s.readManifest(strings.TrimSuffix(d.Name(), ".json"))
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		fn(m)
		return nil
	})
}

// chunkReader streams a blob's content, loading one chunk at a time.
type chunkReader struct {
	// io.Reader has no context parameter; the request context is checked on
	// every Read instead.
	ctx       context.Context
	cas       *CAS
	chunks    []string
	chunkIdx  int
	chunkData []byte
	chunkPos  int
	closed    bool
}

func newChunkReader(ctx context.Context, cas *CAS, chunks []string) *chunkReader {
	return &chunkReader{
		ctx:    ctx,
		cas:    cas,
		chunks: chunks,
	}
}

func (r *chunkReader) Read(p []byte) (n int, err error) {
	if r.closed {
		return 0, os.ErrClosed
	}
	if err := r.ctx.Err(); err != nil {
		return 0, fmt.Errorf("read canceled: %w", err)
	}

	for n < len(p) {
		if r.chunkPos >= len(r.chunkData) {
			if r.chunkIdx >= len(r.chunks) {
				if n > 0 {
					return n, nil
				}
				return 0, io.EOF
			}
			r.chunkData, err = r.cas.ReadChunk(r.ctx, r.chunks[r.chunkIdx])
			if err != nil {
				return n, err
			}
			r.chunkIdx++
			r.chunkPos = 0
		}

		copied := copy(p[n:], r.chunkData[r.chunkPos:])
		r.chunkPos += copied
		n += copied
	}
	return n, nil
}

func (r *chunkReader) Close() error {
	r.closed = true
	r.chunkData = nil
	return nil
}
