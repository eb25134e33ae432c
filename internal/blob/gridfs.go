package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// GridFSStore keeps blobs in a MongoDB GridFS bucket. The files document is
// only inserted when an upload stream is closed successfully, which makes it
// the commit point; aborted uploads leave nothing visible.
//
// Bucket deadlines are shared by all callers, so cancellation is applied by
// wrapping the streams in context-checking readers instead.
type GridFSStore struct {
	bucket *gridfs.Bucket
}

var _ Store = (*GridFSStore)(nil)

// gridfsFile mirrors the GridFS files collection schema.
type gridfsFile struct {
	ID         string         `bson:"_id"`
	Length     int64          `bson:"length"`
	UploadDate time.Time      `bson:"uploadDate"`
	Filename   string         `bson:"filename"`
	Metadata   gridfsMetadata `bson:"metadata"`
}

type gridfsMetadata struct {
	Owner       string `bson:"owner,omitempty"`
	ContentType string `bson:"contentType,omitempty"`
}

// NewGridFSStore opens the named bucket in db.
func NewGridFSStore(db *mongo.Database, bucketName string) (*GridFSStore, error) {
	b, err := gridfs.NewBucket(db, options.GridFSBucket().SetName(bucketName))
	if err != nil {
		return nil, fmt.Errorf("open gridfs bucket %s: %w", bucketName, err)
	}
	return &GridFSStore{bucket: b}, nil
}

// Put copies r into a new GridFS file.
func (s *GridFSStore) Put(ctx context.Context, r io.Reader, opts PutOptions) (*Info, error) {
	info := &Info{
		ID:          NewID(),
		ContentType: normalizeContentType(opts.ContentType),
		Filename:    opts.Filename,
		Owner:       opts.Owner,
	}

	uploadOpts := options.GridFSUpload().SetMetadata(gridfsMetadata{
		Owner:       opts.Owner,
		ContentType: info.ContentType,
	})
	us, err := s.bucket.OpenUploadStreamWithID(info.ID, opts.Filename, uploadOpts)
	if err != nil {
		return nil, fmt.Errorf("open upload stream: %w", err)
	}

	n, err := io.Copy(us, &ctxReader{ctx: ctx, r: r})
	if err != nil {
		if abortErr := us.Abort(); abortErr != nil {
			return nil, fmt.Errorf("upload: %w (abort: %v)", err, abortErr)
		}
		return nil, fmt.Errorf("upload: %w", err)
	}
	if err := us.Close(); err != nil {
		return nil, fmt.Errorf("commit upload: %w", err)
	}

	info.Length = n
	info.CreatedAt = time.Now().UTC()
	return info, nil
}

// Get opens a download stream.
func (s *GridFSStore) Get(ctx context.Context, id string) (io.ReadCloser, *Info, error) {
	info, err := s.Stat(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	ds, err := s.bucket.OpenDownloadStream(id)
	if errors.Is(err, gridfs.ErrFileNotFound) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("open download stream: %w", err)
	}
	return &ctxReadCloser{ctxReader: ctxReader{ctx: ctx, r: ds}, c: ds}, info, nil
}

// Stat reads the files document.
func (s *GridFSStore) Stat(ctx context.Context, id string) (*Info, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	cur, err := s.bucket.FindContext(ctx, bson.M{"_id": id})
	if err != nil {
		return nil, fmt.Errorf("find blob: %w", err)
	}
	defer func() { _ = cur.Close(ctx) }()

	if !cur.Next(ctx) {
		if err := cur.Err(); err != nil {
			return nil, fmt.Errorf("find blob: %w", err)
		}
		return nil, ErrNotFound
	}
	var f gridfsFile
	if err := cur.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode blob: %w", err)
	}
	return f.info(), nil
}

// Delete removes the files document and its chunks.
func (s *GridFSStore) Delete(ctx context.Context, id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	err := s.bucket.DeleteContext(ctx, id)
	if errors.Is(err, gridfs.ErrFileNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("delete blob: %w", err)
	}
	return nil
}

// List returns every committed file in the bucket.
func (s *GridFSStore) List(ctx context.Context) ([]Info, error) {
	cur, err := s.bucket.FindContext(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("list blobs: %w", err)
	}
	defer func() { _ = cur.Close(ctx) }()

	var out []Info
	for cur.Next(ctx) {
		var f gridfsFile
		if err := cur.Decode(&f); err != nil {
			return nil, fmt.Errorf("decode blob: %w", err)
		}
		out = append(out, *f.info())
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("list blobs: %w", err)
	}
	sortInfos(out)
	return out, nil
}

func (f *gridfsFile) info() *Info {
	return &Info{
		ID:          f.ID,
		Length:      f.Length,
		ContentType: normalizeContentType(f.Metadata.ContentType),
		Filename:    f.Filename,
		Owner:       f.Metadata.Owner,
		CreatedAt:   f.UploadDate.UTC(),
	}
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (r *ctxReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}

type ctxReadCloser struct {
	ctxReader
	c io.Closer
}

func (r *ctxReadCloser) Close() error {
	return r.c.Close()
}
