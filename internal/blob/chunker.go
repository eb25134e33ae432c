package blob

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
)

// Chunker configuration constants.
const (
	MinChunkSize    = 1024       // 1KB minimum chunk size
	TargetChunkSize = 4096       // 4KB average chunk size
	MaxChunkSize    = 65536      // 64KB maximum chunk size
	chunkMask       = 0xFFF      // boundary when the low 12 bits are zero (1 in 4096)
	buzhashSeed     = 0x5d1c3a77 // arbitrary
	windowSize      = 64
)

var buzhashTable [256]uint32

func init() {
	state := uint32(buzhashSeed)
	for i := range buzhashTable {
		// xorshift32
		state ^= state << 13
		state ^= state >> 17
		state ^= state << 5
		buzhashTable[i] = state
	}
}

// Chunker splits a stream into variable-size chunks using content-defined
// chunking. Boundaries are picked by a Buzhash rolling hash, so an insertion
// early in a file only changes the chunks around it.
type Chunker struct {
	reader io.Reader
	buf    []byte
	bufLen int
	eof    bool
}

// NewChunker creates a chunker reading from r.
func NewChunker(r io.Reader) *Chunker {
	return &Chunker{
		reader: r,
		buf:    make([]byte, MaxChunkSize),
	}
}

// Next returns the next chunk, or (nil, io.EOF) once the stream is drained.
// The returned slice is owned by the caller.
func (c *Chunker) Next() ([]byte, error) {
	if err := c.fill(); err != nil {
		return nil, err
	}
	if c.bufLen == 0 {
		return nil, io.EOF
	}

	end := c.findBoundary()
	chunk := make([]byte, end)
	copy(chunk, c.buf[:end])

	copy(c.buf, c.buf[end:c.bufLen])
	c.bufLen -= end
	return chunk, nil
}

// fill reads until the buffer holds MaxChunkSize bytes or the reader is
// exhausted. Boundaries therefore never depend on how the reader splits its
// data across Read calls.
func (c *Chunker) fill() error {
	for !c.eof && c.bufLen < len(c.buf) {
		n, err := c.reader.Read(c.buf[c.bufLen:])
		c.bufLen += n
		if errors.Is(err, io.EOF) {
			c.eof = true
			return nil
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// findBoundary returns the length of the next chunk in buf.
// H_new = rol(H_old, 1) ^ h(in) ^ rol(h(out), window)
func (c *Chunker) findBoundary() int {
	if c.bufLen <= MinChunkSize {
		return c.bufLen
	}

	var hash uint32
	for i := MinChunkSize - windowSize; i < MinChunkSize; i++ {
		hash = rol32(hash, 1) ^ buzhashTable[c.buf[i]]
	}

	for i := MinChunkSize; i < c.bufLen; i++ {
		hash = rol32(hash, 1) ^ buzhashTable[c.buf[i]] ^
			rol32(buzhashTable[c.buf[i-windowSize]], windowSize)
		if hash&chunkMask == 0 {
			return i + 1
		}
	}
	return c.bufLen
}

func rol32(x uint32, n uint32) uint32 {
	n %= 32
	return (x << n) | (x >> (32 - n))
}

// ChunkData splits an in-memory buffer. Used by tests and small writes.
func ChunkData(data []byte) ([][]byte, error) {
	c := NewChunker(&byteReader{data: data})
	var chunks [][]byte
	for {
		chunk, err := c.Next()
		if errors.Is(err, io.EOF) {
			return chunks, nil
		}
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, chunk)
	}
}

type byteReader struct {
	data []byte
	pos  int
}

func (r *byteReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}

// StreamingChunker pairs each chunk with its SHA-256 content hash. Peak
// memory is one MaxChunkSize buffer plus the chunk being returned.
type StreamingChunker struct {
	chunker *Chunker
}

// NewStreamingChunker creates a hashing chunker over r.
func NewStreamingChunker(r io.Reader) *StreamingChunker {
	return &StreamingChunker{chunker: NewChunker(r)}
}

// NextChunk returns the next chunk and its hash, or io.EOF at the end.
func (sc *StreamingChunker) NextChunk() ([]byte, string, error) {
	chunk, err := sc.chunker.Next()
	if err != nil {
		return nil, "", err
	}
	return chunk, ContentHash(chunk), nil
}

// ContentHash returns the hex SHA-256 of data.
func ContentHash(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
