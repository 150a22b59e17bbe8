package domain

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// Document is the logical unit the coordinator manages. The coordinator holds
// no authoritative copy; a Document is the union of its per-backend fragments
// and this struct is the merged read-side view.
type Document struct {
	ID            string
	OwnerID       string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	DeletedAt     *time.Time
	ArchivedAt    *time.Time
	SchemaVersion int64
	Attributes    map[string]any
	ContentRef    string
	EmbeddingRef  string
	GraphNodeRef  string
	BlobSize      int64
}

// NewID allocates a document id. Ids are UUIDv7 so they sort roughly by
// creation time, which keeps the relational primary key index append-mostly.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Deleted reports whether the document carries a soft-delete tombstone.
func (d *Document) Deleted() bool {
	return d.DeletedAt != nil
}

// Archived reports whether the document is in archived state.
func (d *Document) Archived() bool {
	return d.ArchivedAt != nil
}

// Patch is a partial update applied to a document's attributes.
type Patch struct {
	Set   map[string]any
	Unset []string
}
