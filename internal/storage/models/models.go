package models

import (
	"time"

	"github.com/uptrace/bun"
)

// DocumentRow is the relational fragment of a document. Attributes beyond
// the fixed columns live in AttrsJSON so schema changes stay additive.
type DocumentRow struct {
	bun.BaseModel `bun:"table:documents,alias:d"`

	ID            string     `bun:",pk"`
	OwnerID       string     `bun:",notnull"`
	ContentHash   []byte     `bun:",nullzero"`
	AttrsJSON     string     `bun:",nullzero"`
	SchemaVersion int64      `bun:",notnull,default:1"`
	ContentRef    string     `bun:",nullzero"`
	EmbeddingRef  string     `bun:",nullzero"`
	GraphRef      string     `bun:",nullzero"`
	BlobSize      int64      `bun:",nullzero"`
	CreatedAt     time.Time  `bun:",nullzero,notnull,default:current_timestamp"`
	UpdatedAt     time.Time  `bun:",nullzero,notnull,default:current_timestamp"`
	DeletedAt     *time.Time `bun:",nullzero"`
	ArchivedAt    *time.Time `bun:",nullzero"`
}

// SagaRecord is the durable state of one saga execution. Version backs the
// optimistic concurrency check on every update; Lease* enforce single-writer
// recovery.
type SagaRecord struct {
	bun.BaseModel `bun:"table:sagas,alias:s"`

	ID             string     `bun:",pk"`
	Kind           string     `bun:",notnull"`
	SubjectID      string     `bun:",notnull"`
	State          string     `bun:",notnull"`
	Cursor         int        `bun:",notnull"`
	ContextJSON    string     `bun:",nullzero"`
	StepsJSON      string     `bun:",nullzero"`
	LastError      string     `bun:",nullzero"`
	Version        int64      `bun:",notnull,default:1"`
	SchemaVersion  int        `bun:",notnull,default:1"`
	LeaseOwner     string     `bun:",nullzero"`
	LeaseExpiresAt *time.Time `bun:",nullzero"`
	StartedAt      time.Time  `bun:",nullzero,notnull,default:current_timestamp"`
	UpdatedAt      time.Time  `bun:",nullzero,notnull,default:current_timestamp"`
}

// SagaStepLog is an append-mostly log of step executions for operator
// inspection; the authoritative cursor lives on SagaRecord.
type SagaStepLog struct {
	bun.BaseModel `bun:"table:saga_steps,alias:ss"`

	ID        int64     `bun:",pk,autoincrement"`
	SagaID    string    `bun:",notnull"`
	Name      string    `bun:",notnull"`
	Status    string    `bun:",notnull"`
	Attempts  int       `bun:",notnull"`
	ErrorLog  string    `bun:",nullzero"`
	CreatedAt time.Time `bun:",nullzero,notnull,default:current_timestamp"`
	UpdatedAt time.Time `bun:",nullzero,notnull,default:current_timestamp"`
}

// ArchiveRecord maps a document id to its retention deadline; the sweep loop
// scans ExpiresAt. A nil ExpiresAt means permanent retention.
type ArchiveRecord struct {
	bun.BaseModel `bun:"table:archive_records,alias:ar"`

	DocumentID string     `bun:",pk"`
	Policy     string     `bun:",notnull"`
	ArchivedAt time.Time  `bun:",notnull"`
	ExpiresAt  *time.Time `bun:",nullzero"`
}

// Upload lifecycle states.
const (
	UploadStateActive    = "active"
	UploadStateCommitted = "committed"
	UploadStateAborted   = "aborted"
)

// UploadRecord is the manifest of a chunked upload.
type UploadRecord struct {
	bun.BaseModel `bun:"table:uploads,alias:u"`

	ID        string    `bun:",pk"`
	State     string    `bun:",notnull"`
	ChunkSize int64     `bun:",notnull"`
	SizeHint  int64     `bun:",nullzero"`
	MetaJSON  string    `bun:",nullzero"`
	BlobRef   string    `bun:",nullzero"`
	CreatedAt time.Time `bun:",nullzero,notnull,default:current_timestamp"`
	ExpiresAt time.Time `bun:",notnull"`
}

// UploadChunk stages one received chunk until finish assembles the blob.
type UploadChunk struct {
	bun.BaseModel `bun:"table:upload_chunks,alias:uc"`

	ID         int64     `bun:",pk,autoincrement"`
	UploadID   string    `bun:"upload_id,notnull,unique:upload_chunk_idx"`
	ChunkIndex int       `bun:"chunk_index,notnull,unique:upload_chunk_idx"`
	Checksum   string    `bun:",notnull"`
	Data       []byte    `bun:",notnull"`
	CreatedAt  time.Time `bun:",nullzero,notnull,default:current_timestamp"`
}
