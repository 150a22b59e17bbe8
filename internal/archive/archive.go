// Package archive tracks archived documents and enforces retention: every
// archived document carries a policy, and the sweeper hard-deletes whatever
// has outlived it.
package archive

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/polydoc/polydoc-api/internal/domain"
	"github.com/polydoc/polydoc-api/internal/storage"
	"github.com/polydoc/polydoc-api/internal/storage/models"
)

// Manager owns the archive index. Marking the document itself archived is
// the caller's saga; the index only drives retention.
type Manager struct {
	index  storage.ArchiveIndex
	logger *slog.Logger
	now    func() time.Time
}

func NewManager(index storage.ArchiveIndex, logger *slog.Logger) *Manager {
	return &Manager{
		index:  index,
		logger: logger.WithGroup("archive.Manager"),
		now:    time.Now,
	}
}

// Record indexes documentID under the named retention policy.
func (m *Manager) Record(ctx context.Context, documentID, policyName string) error {
	policy, err := domain.ParseRetentionPolicy(policyName)
	if err != nil {
		return domain.ValidationFailed("unknown retention policy %q", policyName)
	}
	now := m.now().UTC()
	rec := &models.ArchiveRecord{
		DocumentID: documentID,
		Policy:     policy.Name,
		ArchivedAt: now,
		ExpiresAt:  policy.ExpiresAt(now),
	}
	if err := m.index.Put(ctx, rec); err != nil {
		return domain.Internal(err)
	}
	return nil
}

// Unrecord removes documentID from the index, typically on restore. Removing
// an unindexed document is a no-op.
func (m *Manager) Unrecord(ctx context.Context, documentID string) error {
	if err := m.index.Delete(ctx, documentID); err != nil {
		return domain.Internal(err)
	}
	return nil
}

// Get returns the archive entry for documentID.
func (m *Manager) Get(ctx context.Context, documentID string) (*models.ArchiveRecord, error) {
	rec, err := m.index.Get(ctx, documentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, domain.NotFound("document %s is not archived", documentID)
		}
		return nil, domain.Internal(err)
	}
	return rec, nil
}

// List pages through the archive index in archive order.
func (m *Manager) List(ctx context.Context, limit, offset int) ([]*models.ArchiveRecord, error) {
	recs, err := m.index.List(ctx, limit, offset)
	if err != nil {
		return nil, domain.Internal(err)
	}
	return recs, nil
}
