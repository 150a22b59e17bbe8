package bunstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/schema"

	"github.com/polydoc/polydoc-api/internal/storage"
	"github.com/polydoc/polydoc-api/internal/storage/models"
)

// BunStore implements SagaStore, ArchiveIndex and UploadStore on a single
// bun database. The relational document adapter shares the same *bun.DB.
type BunStore struct {
	db *bun.DB
}

func NewBunStore(db *sql.DB, dialect schema.Dialect) (*BunStore, error) {
	bunDB := bun.NewDB(db, dialect)

	store := &BunStore{db: bunDB}

	// Create tables if they don't exist
	ctx := context.Background()
	tables := []any{
		(*models.DocumentRow)(nil),
		(*models.SagaRecord)(nil),
		(*models.SagaStepLog)(nil),
		(*models.ArchiveRecord)(nil),
		(*models.UploadRecord)(nil),
		(*models.UploadChunk)(nil),
	}
	for _, model := range tables {
		if _, err := bunDB.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return nil, fmt.Errorf("failed to create table for %T: %w", model, err)
		}
	}

	return store, nil
}

// DB exposes the bun handle so the relational adapter can share it.
func (s *BunStore) DB() *bun.DB { return s.db }

// SagaStore implementation

func (s *BunStore) CreateSaga(ctx context.Context, rec *models.SagaRecord) error {
	if rec.Version == 0 {
		rec.Version = 1
	}
	rec.StartedAt = time.Now().UTC()
	rec.UpdatedAt = rec.StartedAt
	if _, err := s.db.NewInsert().Model(rec).Exec(ctx); err != nil {
		return err
	}
	return nil
}

func (s *BunStore) GetSaga(ctx context.Context, id string) (*models.SagaRecord, error) {
	rec := new(models.SagaRecord)
	if err := s.db.NewSelect().Model(rec).Where("id = ?", id).Scan(ctx); err != nil {
		if err == sql.ErrNoRows {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	return rec, nil
}

func (s *BunStore) UpdateSaga(ctx context.Context, rec *models.SagaRecord) error {
	res, err := s.db.NewUpdate().Model((*models.SagaRecord)(nil)).
		Set("state = ?", rec.State).
		Set("cursor = ?", rec.Cursor).
		Set("context_json = ?", rec.ContextJSON).
		Set("steps_json = ?", rec.StepsJSON).
		Set("last_error = ?", rec.LastError).
		Set("lease_owner = ?", rec.LeaseOwner).
		Set("lease_expires_at = ?", rec.LeaseExpiresAt).
		Set("version = version + 1").
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ? AND version = ?", rec.ID, rec.Version).
		Exec(ctx)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return storage.ErrConcurrentUpdate
	}
	rec.Version++
	return nil
}

func (s *BunStore) ListRecoverable(ctx context.Context, states []string, now time.Time) ([]*models.SagaRecord, error) {
	var recs []*models.SagaRecord
	err := s.db.NewSelect().Model(&recs).
		Where("state IN (?)", bun.In(states)).
		Where("lease_owner IS NULL OR lease_owner = '' OR lease_expires_at < ?", now).
		Order("updated_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return recs, nil
}

func (s *BunStore) ListByState(ctx context.Context, state string, limit int) ([]*models.SagaRecord, error) {
	var recs []*models.SagaRecord
	q := s.db.NewSelect().Model(&recs).Where("state = ?", state).Order("updated_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	return recs, nil
}

func (s *BunStore) AcquireLease(ctx context.Context, sagaID, owner string, ttl time.Duration, now time.Time) (bool, error) {
	expires := now.Add(ttl)
	res, err := s.db.NewUpdate().Model((*models.SagaRecord)(nil)).
		Set("lease_owner = ?", owner).
		Set("lease_expires_at = ?", expires).
		Where("id = ?", sagaID).
		Where("lease_owner IS NULL OR lease_owner = '' OR lease_owner = ? OR lease_expires_at < ?", owner, now).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *BunStore) ReleaseLease(ctx context.Context, sagaID, owner string) error {
	_, err := s.db.NewUpdate().Model((*models.SagaRecord)(nil)).
		Set("lease_owner = ''").
		Set("lease_expires_at = NULL").
		Where("id = ? AND lease_owner = ?", sagaID, owner).
		Exec(ctx)
	return err
}

func (s *BunStore) UpsertStepLog(ctx context.Context, step *models.SagaStepLog) (int64, error) {
	if step.ID == 0 {
		if _, err := s.db.NewInsert().Model(step).Exec(ctx); err != nil {
			return 0, err
		}
	} else {
		if _, err := s.db.NewUpdate().Model(step).WherePK().Exec(ctx); err != nil {
			return 0, err
		}
	}
	return step.ID, nil
}

func (s *BunStore) GetStepLogs(ctx context.Context, sagaID string) ([]*models.SagaStepLog, error) {
	var steps []*models.SagaStepLog
	if err := s.db.NewSelect().Model(&steps).Where("saga_id = ?", sagaID).Order("created_at ASC").Scan(ctx); err != nil {
		return nil, err
	}
	return steps, nil
}

// ArchiveIndex implementation

func (s *BunStore) Put(ctx context.Context, rec *models.ArchiveRecord) error {
	_, err := s.db.NewInsert().Model(rec).
		On("CONFLICT (document_id) DO UPDATE").
		Set("policy = EXCLUDED.policy").
		Set("archived_at = EXCLUDED.archived_at").
		Set("expires_at = EXCLUDED.expires_at").
		Exec(ctx)
	return err
}

func (s *BunStore) Get(ctx context.Context, documentID string) (*models.ArchiveRecord, error) {
	rec := new(models.ArchiveRecord)
	if err := s.db.NewSelect().Model(rec).Where("document_id = ?", documentID).Scan(ctx); err != nil {
		if err == sql.ErrNoRows {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	return rec, nil
}

func (s *BunStore) Delete(ctx context.Context, documentID string) error {
	_, err := s.db.NewDelete().Model((*models.ArchiveRecord)(nil)).Where("document_id = ?", documentID).Exec(ctx)
	return err
}

func (s *BunStore) List(ctx context.Context, limit, offset int) ([]*models.ArchiveRecord, error) {
	var recs []*models.ArchiveRecord
	q := s.db.NewSelect().Model(&recs).Order("archived_at ASC")
	if limit > 0 {
		q = q.Limit(limit).Offset(offset)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	return recs, nil
}

func (s *BunStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*models.ArchiveRecord, error) {
	var recs []*models.ArchiveRecord
	q := s.db.NewSelect().Model(&recs).
		Where("expires_at IS NOT NULL AND expires_at < ?", now).
		Order("expires_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	return recs, nil
}

// UploadStore implementation

func (s *BunStore) CreateUpload(ctx context.Context, rec *models.UploadRecord) error {
	_, err := s.db.NewInsert().Model(rec).Exec(ctx)
	return err
}

func (s *BunStore) GetUpload(ctx context.Context, id string) (*models.UploadRecord, error) {
	rec := new(models.UploadRecord)
	if err := s.db.NewSelect().Model(rec).Where("id = ?", id).Scan(ctx); err != nil {
		if err == sql.ErrNoRows {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	return rec, nil
}

func (s *BunStore) SetUploadState(ctx context.Context, id, state, blobRef string) error {
	res, err := s.db.NewUpdate().Model((*models.UploadRecord)(nil)).
		Set("state = ?", state).
		Set("blob_ref = ?", blobRef).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *BunStore) PutChunk(ctx context.Context, chunk *models.UploadChunk) error {
	_, err := s.db.NewInsert().Model(chunk).
		On("CONFLICT (upload_id, chunk_index) DO NOTHING").
		Exec(ctx)
	return err
}

func (s *BunStore) GetChunk(ctx context.Context, uploadID string, index int) (*models.UploadChunk, error) {
	chunk := new(models.UploadChunk)
	err := s.db.NewSelect().Model(chunk).
		Where("upload_id = ? AND chunk_index = ?", uploadID, index).
		Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	return chunk, nil
}

func (s *BunStore) ListChunkIndexes(ctx context.Context, uploadID string) ([]int, error) {
	var indexes []int
	err := s.db.NewSelect().Model((*models.UploadChunk)(nil)).
		Column("chunk_index").
		Where("upload_id = ?", uploadID).
		Order("chunk_index ASC").
		Scan(ctx, &indexes)
	if err != nil {
		return nil, err
	}
	return indexes, nil
}

func (s *BunStore) DeleteChunks(ctx context.Context, uploadID string) error {
	_, err := s.db.NewDelete().Model((*models.UploadChunk)(nil)).Where("upload_id = ?", uploadID).Exec(ctx)
	return err
}

func (s *BunStore) DeleteUpload(ctx context.Context, id string) error {
	if _, err := s.db.NewDelete().Model((*models.UploadChunk)(nil)).Where("upload_id = ?", id).Exec(ctx); err != nil {
		return err
	}
	_, err := s.db.NewDelete().Model((*models.UploadRecord)(nil)).Where("id = ?", id).Exec(ctx)
	return err
}

func (s *BunStore) ListExpiredUploads(ctx context.Context, now time.Time, limit int) ([]*models.UploadRecord, error) {
	var recs []*models.UploadRecord
	q := s.db.NewSelect().Model(&recs).
		Where("state = ? AND expires_at < ?", models.UploadStateActive, now).
		Order("expires_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	return recs, nil
}
