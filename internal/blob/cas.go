package blob

import (
	"context"
	"crypto/cipher"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// CAS stores chunks addressed by the SHA-256 of their plaintext.
// On-disk format: plaintext -> zstd -> XChaCha20-Poly1305 -> file.
//
// Encryption is convergent: key and nonce are derived from the master key and
// the content hash, so identical plaintext yields identical ciphertext and
// chunks deduplicate across owners. Anyone holding the master key and a
// candidate plaintext can confirm that the content is stored; operators who
// need strict tenant isolation should run one data directory per tenant.
type CAS struct {
	chunksDir string
	masterKey [32]byte

	encoderPool sync.Pool
	decoderPool sync.Pool
}

// NewCAS creates the chunk directory if needed.
func NewCAS(chunksDir string, masterKey [32]byte) (*CAS, error) {
	if err := os.MkdirAll(chunksDir, 0o755); err != nil {
		return nil, fmt.Errorf("create chunks dir: %w", err)
	}

	c := &CAS{
		chunksDir: chunksDir,
		masterKey: masterKey,
	}
	c.encoderPool = sync.Pool{
		New: func() interface{} {
			enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
			return enc
		},
	}
	c.decoderPool = sync.Pool{
		New: func() interface{} {
			dec, _ := zstd.NewReader(nil)
			return dec
		},
	}
	return c, nil
}

// WriteChunk stores data and returns its content hash. An existing chunk is
// not rewritten; its modification time is refreshed instead so that a
// garbage collection pass running concurrently treats it as recently used.
func (c *CAS) WriteChunk(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	hash := ContentHash(data)
	path := c.chunkPath(hash)

	if _, err := os.Stat(path); err == nil {
		now := time.Now()
		if err := os.Chtimes(path, now, now); err == nil {
			return hash, nil
		}
		// Chunk vanished between Stat and Chtimes; write it again.
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create chunk dir: %w", err)
	}

	encrypted, err := c.encrypt(c.compress(data), hash)
	if err != nil {
		return "", fmt.Errorf("encrypt chunk: %w", err)
	}

	// Concurrent writers of the same hash produce byte-identical files, so
	// whichever rename lands last is correct.
	if err := atomicWriteFile(path, encrypted, ".chunk-*.tmp"); err != nil {
		return "", fmt.Errorf("write chunk: %w", err)
	}
	return hash, nil
}

// ReadChunk returns the plaintext of a chunk after verifying its hash.
func (c *CAS) ReadChunk(ctx context.Context, hash string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	encrypted, err := os.ReadFile(c.chunkPath(hash))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: chunk %s missing", ErrCorrupt, hash)
	}
	if err != nil {
		return nil, fmt.Errorf("read chunk: %w", err)
	}

	compressed, err := c.decrypt(encrypted, hash)
	if err != nil {
		return nil, fmt.Errorf("%w: chunk %s: %v", ErrCorrupt, hash, err)
	}
	data, err := c.decompress(compressed)
	if err != nil {
		return nil, fmt.Errorf("%w: chunk %s: %v", ErrCorrupt, hash, err)
	}
	if actual := ContentHash(data); actual != hash {
		return nil, fmt.Errorf("%w: chunk %s hashes to %s", ErrCorrupt, hash, actual)
	}
	return data, nil
}

// DeleteChunk removes a chunk. Missing chunks are not an error.
func (c *CAS) DeleteChunk(hash string) error {
	if err := os.Remove(c.chunkPath(hash)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete chunk: %w", err)
	}
	return nil
}

// WalkChunks calls fn for every stored chunk.
func (c *CAS) WalkChunks(ctx context.Context, fn func(hash string, info fs.FileInfo) error) error {
	return filepath.WalkDir(c.chunksDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(path) == ".tmp" {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		return fn(d.Name(), info)
	})
}

// chunkPath returns chunks/ab/abcdef... to keep directories small.
func (c *CAS) chunkPath(hash string) string {
	if len(hash) < 2 {
		return filepath.Join(c.chunksDir, hash)
	}
	return filepath.Join(c.chunksDir, hash[:2], hash)
}

func (c *CAS) deriveChunkKey(hash string) ([32]byte, error) {
	var key [32]byte
	r := hkdf.New(sha256.New, c.masterKey[:], []byte(hash), []byte("drive-chunk-key"))
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return key, fmt.Errorf("derive chunk key: %w", err)
	}
	return key, nil
}

// deriveNonce keys the nonce on the master key as well as the hash so that
// ciphertexts cannot be predicted without the key.
func (c *CAS) deriveNonce(hash string) ([24]byte, error) {
	var nonce [24]byte
	secret := append(c.masterKey[:len(c.masterKey):len(c.masterKey)], hash...)
	r := hkdf.New(sha256.New, secret, nil, []byte("drive-chunk-nonce"))
	if _, err := io.ReadFull(r, nonce[:]); err != nil {
		return nonce, fmt.Errorf("derive nonce: %w", err)
	}
	return nonce, nil
}

func (c *CAS) aead(hash string) (cipher.AEAD, [24]byte, error) {
	key, err := c.deriveChunkKey(hash)
	if err != nil {
		return nil, [24]byte{}, err
	}
	nonce, err := c.deriveNonce(hash)
	if err != nil {
		return nil, [24]byte{}, err
	}
	a, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, [24]byte{}, fmt.Errorf("create cipher: %w", err)
	}
	return a, nonce, nil
}

func (c *CAS) encrypt(plaintext []byte, hash string) ([]byte, error) {
	a, nonce, err := c.aead(hash)
	if err != nil {
		return nil, err
	}
	return a.Seal(nil, nonce[:], plaintext, nil), nil
}

func (c *CAS) decrypt(ciphertext []byte, hash string) ([]byte, error) {
	a, nonce, err := c.aead(hash)
	if err != nil {
		return nil, err
	}
	return a.Open(nil, nonce[:], ciphertext, nil)
}

func (c *CAS) compress(data []byte) []byte {
	enc := c.encoderPool.Get().(*zstd.Encoder)
	defer c.encoderPool.Put(enc)
	return enc.EncodeAll(data, nil)
}

func (c *CAS) decompress(data []byte) ([]byte, error) {
	dec := c.decoderPool.Get().(*zstd.Decoder)
	defer c.decoderPool.Put(dec)
	return dec.DecodeAll(data, nil)
}

// atomicWriteFile writes data to a unique temp file in the target directory,
// syncs it and renames it into place. Readers see the old state or the new
// file, never a partial one.
func atomicWriteFile(path string, data []byte, pattern string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), pattern)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	// fsync is skipped under DRIVE_TEST; test data dirs are throwaway.
	if os.Getenv("DRIVE_TEST") == "" {
		if err := tmp.Sync(); err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
			return err
		}
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}
