package files

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// CollectionName is the MongoDB collection holding file records.
const CollectionName = "file_records"

// MongoRepository stores records in MongoDB. Share sets are stored as a
// sub-document keyed by principal id so that grants and revocations are
// single-field $set / $unset updates.
type MongoRepository struct {
	coll *mongo.Collection
	now  func() time.Time
}

var _ Repository = (*MongoRepository)(nil)

// NewMongoRepository uses the file_records collection of db.
func NewMongoRepository(db *mongo.Database) *MongoRepository {
	return &MongoRepository{
		coll: db.Collection(CollectionName),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// EnsureIndexes creates the indexes listings and blob lookups rely on. The
// unique blob_id index enforces one record per blob.
func (m *MongoRepository) EnsureIndexes(ctx context.Context) error {
	_, err := m.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "blob_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "owner_id", Value: 1}, {Key: "trashed", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "owner_id", Value: 1}, {Key: "last_accessed_at", Value: -1}}},
		{Keys: bson.D{{Key: "trashed", Value: 1}, {Key: "trashed_at", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create indexes: %w", err)
	}
	return nil
}

func (m *MongoRepository) Create(ctx context.Context, rec *FileRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	doc := rec.Clone()
	if doc.PathSegments == nil {
		doc.PathSegments = []string{}
	}

	if _, err := m.coll.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: %s", ErrAlreadyRegistered, rec.BlobID)
		}
		return fmt.Errorf("insert file record: %w", err)
	}
	return nil
}

func (m *MongoRepository) Get(ctx context.Context, id string) (*FileRecord, error) {
	return m.findOne(ctx, bson.M{"_id": id})
}

func (m *MongoRepository) FindByID(ctx context.Context, id, owner string) (*FileRecord, error) {
	return m.findOne(ctx, bson.M{"_id": id, "owner_id": owner})
}

func (m *MongoRepository) FindByBlobID(ctx context.Context, blobID string) (*FileRecord, error) {
	return m.findOne(ctx, bson.M{"blob_id": blobID})
}

func (m *MongoRepository) Update(ctx context.Context, id, owner string, patch Patch) (*FileRecord, error) {
	if patch.Empty() {
		return m.FindByID(ctx, id, owner)
	}

	set := bson.M{}
	unset := bson.M{}
	if patch.DisplayName != nil {
		set["display_name"] = *patch.DisplayName
		set["extension"] = Extension(*patch.DisplayName)
	}
	if patch.Starred != nil {
		set["starred"] = *patch.Starred
	}
	if patch.Trashed != nil {
		set["trashed"] = *patch.Trashed
		if *patch.Trashed {
			set["trashed_at"] = m.now()
		} else {
			unset["trashed_at"] = ""
		}
	}
	if patch.Move != nil {
		segments := patch.Move.PathSegments
		if segments == nil {
			segments = []string{}
		}
		set["path_segments"] = segments
		if patch.Move.FolderID == "" {
			unset["folder_id"] = ""
		} else {
			set["folder_id"] = patch.Move.FolderID
		}
	}
	if patch.Description != nil {
		set["description"] = *patch.Description
	}
	if patch.LastAccessedAt != nil {
		set["last_accessed_at"] = *patch.LastAccessedAt
	}

	update := bson.M{}
	if len(set) > 0 {
		update["$set"] = set
	}
	if len(unset) > 0 {
		update["$unset"] = unset
	}
	return m.findOneAndUpdate(ctx, bson.M{"_id": id, "owner_id": owner}, update)
}

func (m *MongoRepository) SwapContent(ctx context.Context, id, owner, expectBlobID string, content Content) (*FileRecord, error) {
	set := bson.M{
		"blob_id":      content.BlobID,
		"size_bytes":   content.SizeBytes,
		"content_type": content.ContentType,
	}
	if content.StoredName != "" {
		set["stored_name"] = content.StoredName
	}

	rec, err := m.findOneAndUpdate(ctx,
		bson.M{"_id": id, "owner_id": owner, "blob_id": expectBlobID},
		bson.M{"$set": set})
	if errors.Is(err, ErrNotFound) {
		if _, findErr := m.FindByID(ctx, id, owner); findErr != nil {
			return nil, findErr
		}
		return nil, ErrContentChanged
	}
	if err != nil && mongo.IsDuplicateKeyError(err) {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRegistered, content.BlobID)
	}
	return rec, err
}

func (m *MongoRepository) PutShare(ctx context.Context, id, owner, principal string, perm Permission, mustExist bool) (*FileRecord, error) {
	if err := ValidatePrincipal(principal); err != nil {
		return nil, err
	}
	key := "shared_with." + principal
	filter := bson.M{"_id": id, "owner_id": owner}
	if mustExist {
		filter[key] = bson.M{"$exists": true}
	}

	rec, err := m.findOneAndUpdate(ctx, filter, bson.M{"$set": bson.M{key: perm}})
	if mustExist && errors.Is(err, ErrNotFound) {
		if _, findErr := m.FindByID(ctx, id, owner); findErr != nil {
			return nil, findErr
		}
		return nil, ErrShareeNotFound
	}
	return rec, err
}

func (m *MongoRepository) RemoveShare(ctx context.Context, id, owner, principal string) (*FileRecord, error) {
	if err := ValidatePrincipal(principal); err != nil {
		return nil, err
	}
	return m.findOneAndUpdate(ctx,
		bson.M{"_id": id, "owner_id": owner},
		bson.M{"$unset": bson.M{"shared_with." + principal: ""}})
}

func (m *MongoRepository) List(ctx context.Context, q Query) ([]*FileRecord, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	filter, opts, err := listQuery(q)
	if err != nil {
		return nil, err
	}

	cur, err := m.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("list file records: %w", err)
	}
	defer func() { _ = cur.Close(ctx) }()

	out := make([]*FileRecord, 0)
	for cur.Next(ctx) {
		var rec FileRecord
		if err := cur.Decode(&rec); err != nil {
			return nil, fmt.Errorf("decode file record: %w", err)
		}
		normalize(&rec)
		out = append(out, &rec)
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("list file records: %w", err)
	}
	return out, nil
}

// listQuery translates a listing into a filter and sort.
func listQuery(q Query) (bson.M, *options.FindOptions, error) {
	opts := options.Find()
	byCreatedDesc := bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: 1}}

	switch q.View {
	case ViewShared:
		if err := ValidatePrincipal(q.PrincipalID); err != nil {
			return nil, nil, err
		}
		return bson.M{"shared_with." + q.PrincipalID: bson.M{"$exists": true}, "trashed": false},
			opts.SetSort(byCreatedDesc), nil
	case ViewTrash:
		return bson.M{"owner_id": q.OwnerID, "trashed": true},
			opts.SetSort(bson.D{{Key: "trashed_at", Value: -1}, {Key: "_id", Value: 1}}), nil
	case ViewRoot:
		return bson.M{"owner_id": q.OwnerID, "trashed": false, "folder_id": bson.M{"$in": bson.A{nil, ""}}},
			opts.SetSort(bson.D{{Key: "display_name", Value: 1}, {Key: "_id", Value: 1}}), nil
	case ViewFolder:
		return bson.M{"owner_id": q.OwnerID, "trashed": false, "folder_id": q.FolderID},
			opts.SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}), nil
	case ViewStarred:
		return bson.M{"owner_id": q.OwnerID, "trashed": false, "starred": true},
			opts.SetSort(byCreatedDesc), nil
	case ViewRecent:
		return bson.M{"owner_id": q.OwnerID, "trashed": false},
			opts.SetSort(bson.D{{Key: "last_accessed_at", Value: -1}, {Key: "_id", Value: 1}}).SetLimit(RecentLimit), nil
	default:
		return bson.M{"owner_id": q.OwnerID, "trashed": false}, opts.SetSort(byCreatedDesc), nil
	}
}

func (m *MongoRepository) Delete(ctx context.Context, id, owner string) error {
	res, err := m.coll.DeleteOne(ctx, bson.M{"_id": id, "owner_id": owner})
	if err != nil {
		return fmt.Errorf("delete file record: %w", err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (m *MongoRepository) BlobIDs(ctx context.Context) (map[string]struct{}, error) {
	values, err := m.coll.Distinct(ctx, "blob_id", bson.M{})
	if err != nil {
		return nil, fmt.Errorf("distinct blob ids: %w", err)
	}
	out := make(map[string]struct{}, len(values))
	for _, v := range values {
		if s, ok := v.(string); ok {
			out[s] = struct{}{}
		}
	}
	return out, nil
}

func (m *MongoRepository) UsageByOwner(ctx context.Context) (map[string]int64, error) {
	cur, err := m.coll.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$owner_id"},
			{Key: "total", Value: bson.D{{Key: "$sum", Value: "$size_bytes"}}},
		}}},
	})
	if err != nil {
		return nil, fmt.Errorf("aggregate usage: %w", err)
	}
	defer func() { _ = cur.Close(ctx) }()

	out := make(map[string]int64)
	for cur.Next(ctx) {
		var row struct {
			Owner string `bson:"_id"`
			Total int64  `bson:"total"`
		}
		if err := cur.Decode(&row); err != nil {
			return nil, fmt.Errorf("decode usage: %w", err)
		}
		out[row.Owner] = row.Total
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("aggregate usage: %w", err)
	}
	return out, nil
}

func (m *MongoRepository) TrashedBefore(ctx context.Context, cutoff time.Time) ([]*FileRecord, error) {
	cur, err := m.coll.Find(ctx, bson.M{"trashed": true, "trashed_at": bson.M{"$lt": cutoff}})
	if err != nil {
		return nil, fmt.Errorf("find expired trash: %w", err)
	}
	defer func() { _ = cur.Close(ctx) }()

	var out []*FileRecord
	for cur.Next(ctx) {
		var rec FileRecord
		if err := cur.Decode(&rec); err != nil {
			return nil, fmt.Errorf("decode file record: %w", err)
		}
		normalize(&rec)
		out = append(out, &rec)
	}
	return out, cur.Err()
}

func (m *MongoRepository) findOne(ctx context.Context, filter bson.M) (*FileRecord, error) {
	var rec FileRecord
	err := m.coll.FindOne(ctx, filter).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find file record: %w", err)
	}
	normalize(&rec)
	return &rec, nil
}

func (m *MongoRepository) findOneAndUpdate(ctx context.Context, filter, update bson.M) (*FileRecord, error) {
	var rec FileRecord
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	err := m.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update file record: %w", err)
	}
	normalize(&rec)
	return &rec, nil
}

// normalize fills the fields MongoDB may hand back as null.
func normalize(rec *FileRecord) {
	if rec.SharedWith == nil {
		rec.SharedWith = ShareSet{}
	}
	if rec.PathSegments == nil {
		rec.PathSegments = []string{}
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.LastAccessedAt = rec.LastAccessedAt.UTC()
}
