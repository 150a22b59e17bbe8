package storage

import (
	"context"
	"errors"
	"time"

	"github.com/polydoc/polydoc-api/internal/storage/models"
)

var (
	ErrNotFound         = errors.New("record not found")
	ErrConcurrentUpdate = errors.New("concurrent update detected: version mismatch")
)

// SagaStore persists saga records durably so a restarted process can resume
// them. Updates are optimistic on SagaRecord.Version.
type SagaStore interface {
	CreateSaga(ctx context.Context, rec *models.SagaRecord) error
	GetSaga(ctx context.Context, id string) (*models.SagaRecord, error)
	// UpdateSaga persists rec if the stored version still equals rec.Version,
	// then increments rec.Version. Returns ErrConcurrentUpdate otherwise.
	UpdateSaga(ctx context.Context, rec *models.SagaRecord) error
	// ListRecoverable returns sagas in any of the given states whose lease is
	// absent or expired at now.
	ListRecoverable(ctx context.Context, states []string, now time.Time) ([]*models.SagaRecord, error)
	ListByState(ctx context.Context, state string, limit int) ([]*models.SagaRecord, error)
	// AcquireLease grants recovery exclusivity to owner until now+ttl. It
	// returns false when another live lease exists.
	AcquireLease(ctx context.Context, sagaID, owner string, ttl time.Duration, now time.Time) (bool, error)
	ReleaseLease(ctx context.Context, sagaID, owner string) error

	UpsertStepLog(ctx context.Context, step *models.SagaStepLog) (int64, error)
	GetStepLogs(ctx context.Context, sagaID string) ([]*models.SagaStepLog, error)
}

// ArchiveIndex is the table behind the retention sweep loop.
type ArchiveIndex interface {
	Put(ctx context.Context, rec *models.ArchiveRecord) error
	Get(ctx context.Context, documentID string) (*models.ArchiveRecord, error)
	Delete(ctx context.Context, documentID string) error
	List(ctx context.Context, limit, offset int) ([]*models.ArchiveRecord, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*models.ArchiveRecord, error)
}

// UploadStore stages chunked uploads until finish or expiry.
type UploadStore interface {
	CreateUpload(ctx context.Context, rec *models.UploadRecord) error
	GetUpload(ctx context.Context, id string) (*models.UploadRecord, error)
	SetUploadState(ctx context.Context, id, state, blobRef string) error
	PutChunk(ctx context.Context, chunk *models.UploadChunk) error
	GetChunk(ctx context.Context, uploadID string, index int) (*models.UploadChunk, error)
	ListChunkIndexes(ctx context.Context, uploadID string) ([]int, error)
	// DeleteChunks drops staged chunk data while keeping the manifest.
	DeleteChunks(ctx context.Context, uploadID string) error
	DeleteUpload(ctx context.Context, id string) error
	ListExpiredUploads(ctx context.Context, now time.Time, limit int) ([]*models.UploadRecord, error)
}
