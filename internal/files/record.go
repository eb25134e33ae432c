// Package files holds file records: the user-visible metadata that binds a
// blob to an owner, a display name, a folder and a share list.
package files

import (
	"encoding/json"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"
	"time"
)

// DefaultLocation is the location recorded when the client supplies none.
const DefaultLocation = "My Drive"

// RecentLimit caps the recent view.
const RecentLimit = 20

// Permission is the access level granted to a sharee.
type Permission string

// Share permissions.
const (
	PermissionRead  Permission = "read"
	PermissionWrite Permission = "write"
)

// Valid reports whether p is a known permission.
func (p Permission) Valid() bool {
	return p == PermissionRead || p == PermissionWrite
}

// ShareSet maps principal id to permission. A principal appears at most once.
type ShareSet map[string]Permission

// ShareEntry is the wire form of one ShareSet element.
type ShareEntry struct {
	PrincipalID string     `json:"principalId"`
	Permission  Permission `json:"permission"`
}

// Entries returns the set sorted by principal id.
func (s ShareSet) Entries() []ShareEntry {
	out := make([]ShareEntry, 0, len(s))
	for id, p := range s {
		out = append(out, ShareEntry{PrincipalID: id, Permission: p})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PrincipalID < out[j].PrincipalID })
	return out
}

// MarshalJSON renders the set as a sorted array.
func (s ShareSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Entries())
}

// UnmarshalJSON accepts the array form. Duplicate principals collapse to the
// last entry.
func (s *ShareSet) UnmarshalJSON(data []byte) error {
	var entries []ShareEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}
	set := make(ShareSet, len(entries))
	for _, e := range entries {
		set[e.PrincipalID] = e.Permission
	}
	*s = set
	return nil
}

func (s ShareSet) clone() ShareSet {
	if s == nil {
		return ShareSet{}
	}
	out := make(ShareSet, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// FileRecord is the metadata of one registered file.
type FileRecord struct {
	ID             string     `json:"id" bson:"_id"`
	BlobID         string     `json:"blobId" bson:"blob_id"`
	OwnerID        string     `json:"ownerId" bson:"owner_id"`
	DisplayName    string     `json:"displayName" bson:"display_name"`
	StoredName     string     `json:"storedName" bson:"stored_name"`
	Extension      string     `json:"extension" bson:"extension"`
	SizeBytes      int64      `json:"sizeBytes" bson:"size_bytes"`
	ContentType    string     `json:"contentType" bson:"content_type"`
	Location       string     `json:"location" bson:"location"`
	FolderID       string     `json:"folderId,omitempty" bson:"folder_id,omitempty"`
	PathSegments   []string   `json:"pathSegments" bson:"path_segments"`
	Starred        bool       `json:"starred" bson:"starred"`
	Trashed        bool       `json:"trashed" bson:"trashed"`
	TrashedAt      *time.Time `json:"trashedAt,omitempty" bson:"trashed_at,omitempty"`
	Description    string     `json:"description" bson:"description"`
	SharedWith     ShareSet   `json:"sharedWith" bson:"shared_with"`
	CreatedAt      time.Time  `json:"createdAt" bson:"created_at"`
	LastAccessedAt time.Time  `json:"lastAccessedAt" bson:"last_accessed_at"`
}

// Clone returns a deep copy.
func (r *FileRecord) Clone() *FileRecord {
	c := *r
	c.PathSegments = append([]string(nil), r.PathSegments...)
	c.SharedWith = r.SharedWith.clone()
	if r.TrashedAt != nil {
		t := *r.TrashedAt
		c.TrashedAt = &t
	}
	return &c
}

// PermissionFor returns the permission granted to principal, if any.
func (r *FileRecord) PermissionFor(principal string) (Permission, bool) {
	p, ok := r.SharedWith[principal]
	return p, ok
}

// Validate checks the fields every stored record must carry.
func (r *FileRecord) Validate() error {
	switch {
	case r.ID == "":
		return fmt.Errorf("%w: id", ErrMissingField)
	case r.BlobID == "":
		return fmt.Errorf("%w: blobId", ErrMissingField)
	case r.OwnerID == "":
		return fmt.Errorf("%w: ownerId", ErrMissingField)
	case strings.TrimSpace(r.DisplayName) == "":
		return fmt.Errorf("%w: displayName", ErrMissingField)
	case r.SizeBytes < 0:
		return fmt.Errorf("%w: sizeBytes must not be negative", ErrMissingField)
	}
	return nil
}

// Extension returns the suffix after the last dot of name, without the dot.
func Extension(name string) string {
	ext := path.Ext(name)
	if len(ext) <= 1 {
		return ""
	}
	return strings.ToLower(ext[1:])
}

var principalPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ValidatePrincipal rejects ids that cannot be used as share-set keys.
func ValidatePrincipal(id string) error {
	if !principalPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidPrincipal, id)
	}
	return nil
}

// Move is the target of a move operation. An empty FolderID means the root.
type Move struct {
	FolderID     string
	PathSegments []string
}

// Patch is a partial update. Nil fields are left untouched.
type Patch struct {
	DisplayName    *string
	Starred        *bool
	Trashed        *bool
	Move           *Move
	Description    *string
	LastAccessedAt *time.Time
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.DisplayName == nil && p.Starred == nil && p.Trashed == nil &&
		p.Move == nil && p.Description == nil && p.LastAccessedAt == nil
}

// Apply mutates r according to p. now stamps trashedAt.
func (p Patch) Apply(r *FileRecord, now time.Time) {
	if p.DisplayName != nil {
		r.DisplayName = *p.DisplayName
		r.Extension = Extension(*p.DisplayName)
	}
	if p.Starred != nil {
		r.Starred = *p.Starred
	}
	if p.Trashed != nil {
		r.Trashed = *p.Trashed
		if r.Trashed {
			t := now
			r.TrashedAt = &t
		} else {
			r.TrashedAt = nil
		}
	}
	if p.Move != nil {
		r.FolderID = p.Move.FolderID
		r.PathSegments = append([]string{}, p.Move.PathSegments...)
	}
	if p.Description != nil {
		r.Description = *p.Description
	}
	if p.LastAccessedAt != nil {
		r.LastAccessedAt = *p.LastAccessedAt
	}
}

// Content describes the blob a record points at.
type Content struct {
	BlobID      string
	SizeBytes   int64
	ContentType string
	StoredName  string
}

// View selects a listing.
type View string

// Listing views.
const (
	ViewActive  View = "active"
	ViewRoot    View = "root"
	ViewFolder  View = "folder"
	ViewStarred View = "starred"
	ViewTrash   View = "trash"
	ViewRecent  View = "recent"
	ViewShared  View = "shared"
)

// Query selects records for a listing. OwnerID scopes every view except
// ViewShared, which matches PrincipalID against share sets.
type Query struct {
	View        View
	OwnerID     string
	FolderID    string
	PrincipalID string
}

// Validate checks that the query carries what its view needs.
func (q Query) Validate() error {
	switch q.View {
	case ViewActive, ViewRoot, ViewStarred, ViewTrash, ViewRecent:
		if q.OwnerID == "" {
			return fmt.Errorf("%w: ownerId", ErrMissingField)
		}
	case ViewFolder:
		if q.OwnerID == "" || q.FolderID == "" {
			return fmt.Errorf("%w: ownerId and folderId", ErrMissingField)
		}
	case ViewShared:
		if q.PrincipalID == "" {
			return fmt.Errorf("%w: principalId", ErrMissingField)
		}
	default:
		return fmt.Errorf("%w: unknown view %q", ErrMissingField, q.View)
	}
	return nil
}
