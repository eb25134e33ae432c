package blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"
)

const (
	filesNS  = "test.files.files"
	chunksNS = "test.files.chunks"
)

// commands lists the started command names with their target collection.
func commands(mt *mtest.T) []string {
	var out []string
	for _, evt := range mt.GetAllStartedEvents() {
		name := evt.CommandName
		if coll, ok := evt.Command.Lookup(name).StringValueOK(); ok {
			name += " " + coll
		}
		out = append(out, name)
	}
	return out
}

// existingFilesDoc satisfies the bucket's first-write check so it skips
// index creation.
func existingFilesDoc() bson.D {
	return mtest.CreateCursorResponse(0, filesNS, mtest.FirstBatch, bson.D{{Key: "_id", Value: NewID()}})
}

func filesDoc(id string, length int64, uploaded time.Time) bson.D {
	return bson.D{
		{Key: "_id", Value: id},
		{Key: "length", Value: length},
		{Key: "chunkSize", Value: int32(261120)},
		{Key: "uploadDate", Value: uploaded},
		{Key: "filename", Value: "notes.txt"},
		{Key: "metadata", Value: bson.D{{Key: "owner", Value: "alice"}}},
	}
}

func TestGridFSStore_Stat(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	id := NewID()
	uploaded := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	mt.Run("found", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "test.files.files", mtest.FirstBatch, bson.D{
			{Key: "_id", Value: id},
			{Key: "length", Value: int64(2048)},
			{Key: "chunkSize", Value: int32(261120)},
			{Key: "uploadDate", Value: uploaded},
			{Key: "filename", Value: "notes.txt"},
			{Key: "metadata", Value: bson.D{
				{Key: "owner", Value: "alice"},
				{Key: "contentType", Value: "text/plain"},
			}},
		}))

		s, err := NewGridFSStore(mt.DB, "files")
		require.NoError(t, err)

		info, err := s.Stat(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, id, info.ID)
		assert.Equal(t, int64(2048), info.Length)
		assert.Equal(t, "notes.txt", info.Filename)
		assert.Equal(t, "alice", info.Owner)
		assert.Equal(t, "text/plain", info.ContentType)
		assert.True(t, uploaded.Equal(info.CreatedAt))
	})

	mt.Run("not found", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "test.files.files", mtest.FirstBatch))

		s, err := NewGridFSStore(mt.DB, "files")
		require.NoError(t, err)

		_, err = s.Stat(context.Background(), id)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	mt.Run("invalid id never reaches the server", func(mt *mtest.T) {
		s, err := NewGridFSStore(mt.DB, "files")
		require.NoError(t, err)

		_, err = s.Stat(context.Background(), "not-a-uuid")
		assert.ErrorIs(t, err, ErrInvalidID)
	})
}

func TestGridFSStore_Put(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("commits files document after chunks", func(mt *mtest.T) {
		mt.AddMockResponses(
			existingFilesDoc(),
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}),
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}),
		)

		s, err := NewGridFSStore(mt.DB, "files")
		require.NoError(t, err)

		info, err := s.Put(context.Background(), bytes.NewReader([]byte("hello gridfs")), PutOptions{
			Filename:    "notes.txt",
			ContentType: "text/plain",
			Owner:       "alice",
		})
		require.NoError(t, err)
		require.NoError(t, ValidateID(info.ID))
		assert.Equal(t, int64(12), info.Length)
		assert.Equal(t, "text/plain", info.ContentType)
		assert.Equal(t, "alice", info.Owner)
		assert.False(t, info.CreatedAt.IsZero())

		assert.Equal(t, []string{"find files.files", "insert files.chunks", "insert files.files"}, commands(mt))
	})

	mt.Run("reader error aborts without files document", func(mt *mtest.T) {
		mt.AddMockResponses(
			existingFilesDoc(),
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 0}),
		)

		s, err := NewGridFSStore(mt.DB, "files")
		require.NoError(t, err)

		boom := errors.New("client went away")
		_, err = s.Put(context.Background(), &failingReader{data: []byte("partial"), err: boom}, PutOptions{Filename: "x.bin"})
		require.ErrorIs(t, err, boom)

		cmds := commands(mt)
		assert.Equal(t, []string{"find files.files", "delete files.chunks"}, cmds)
		assert.NotContains(t, cmds, "insert files.files")
	})

	mt.Run("cancelled context aborts", func(mt *mtest.T) {
		mt.AddMockResponses(
			existingFilesDoc(),
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 0}),
		)

		s, err := NewGridFSStore(mt.DB, "files")
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err = s.Put(ctx, bytes.NewReader([]byte("data")), PutOptions{})
		require.ErrorIs(t, err, context.Canceled)
		assert.NotContains(t, commands(mt), "insert files.files")
	})
}

func TestGridFSStore_Get(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	id := NewID()
	uploaded := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	content := []byte("hello gridfs")

	mt.Run("streams chunks", func(mt *mtest.T) {
		doc := filesDoc(id, int64(len(content)), uploaded)
		mt.AddMockResponses(
			mtest.CreateCursorResponse(0, filesNS, mtest.FirstBatch, doc),
			mtest.CreateCursorResponse(0, filesNS, mtest.FirstBatch, doc),
			mtest.CreateCursorResponse(0, chunksNS, mtest.FirstBatch, bson.D{
				{Key: "_id", Value: primitive.NewObjectID()},
				{Key: "files_id", Value: id},
				{Key: "n", Value: int32(0)},
				{Key: "data", Value: primitive.Binary{Data: content}},
			}),
		)

		s, err := NewGridFSStore(mt.DB, "files")
		require.NoError(t, err)

		rc, info, err := s.Get(context.Background(), id)
		require.NoError(t, err)
		defer rc.Close()
		assert.Equal(t, int64(len(content)), info.Length)
		assert.Equal(t, DefaultContentType, info.ContentType)

		got, err := io.ReadAll(rc)
		require.NoError(t, err)
		assert.Equal(t, content, got)
	})

	mt.Run("missing file", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateCursorResponse(0, filesNS, mtest.FirstBatch))

		s, err := NewGridFSStore(mt.DB, "files")
		require.NoError(t, err)

		_, _, err = s.Get(context.Background(), id)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	mt.Run("removed between stat and open", func(mt *mtest.T) {
		mt.AddMockResponses(
			mtest.CreateCursorResponse(0, filesNS, mtest.FirstBatch, filesDoc(id, int64(len(content)), uploaded)),
			mtest.CreateCursorResponse(0, filesNS, mtest.FirstBatch),
		)

		s, err := NewGridFSStore(mt.DB, "files")
		require.NoError(t, err)

		_, _, err = s.Get(context.Background(), id)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestGridFSStore_Delete(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	id := NewID()

	mt.Run("removes files document then chunks", func(mt *mtest.T) {
		mt.AddMockResponses(
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}),
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}),
		)

		s, err := NewGridFSStore(mt.DB, "files")
		require.NoError(t, err)

		require.NoError(t, s.Delete(context.Background(), id))
		assert.Equal(t, []string{"delete files.files", "delete files.chunks"}, commands(mt))
	})

	mt.Run("missing file", func(mt *mtest.T) {
		mt.AddMockResponses(
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 0}),
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 0}),
		)

		s, err := NewGridFSStore(mt.DB, "files")
		require.NoError(t, err)

		assert.ErrorIs(t, s.Delete(context.Background(), id), ErrNotFound)
	})

	mt.Run("invalid id never reaches the server", func(mt *mtest.T) {
		s, err := NewGridFSStore(mt.DB, "files")
		require.NoError(t, err)

		assert.ErrorIs(t, s.Delete(context.Background(), "../etc"), ErrInvalidID)
		assert.Empty(t, commands(mt))
	})
}

func TestGridFSStore_ListSortsByUploadDate(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("list", func(mt *mtest.T) {
		older, newer := NewID(), NewID()
		t0 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
		mt.AddMockResponses(mtest.CreateCursorResponse(0, filesNS, mtest.FirstBatch,
			filesDoc(newer, 5, t0.Add(time.Hour)),
			filesDoc(older, 7, t0),
		))

		s, err := NewGridFSStore(mt.DB, "files")
		require.NoError(t, err)

		infos, err := s.List(context.Background())
		require.NoError(t, err)
		require.Len(t, infos, 2)
		assert.Equal(t, older, infos[0].ID)
		assert.Equal(t, newer, infos[1].ID)
		assert.Equal(t, "alice", infos[0].Owner)
	})
}

func TestGridFSFile_InfoDefaultsContentType(t *testing.T) {
	f := gridfsFile{ID: "x", Length: 3}
	assert.Equal(t, DefaultContentType, f.info().ContentType)
}
