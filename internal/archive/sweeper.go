package archive

import (
	"context"
	"log/slog"
	"time"

	"github.com/robbyt/go-supervisor/supervisor"

	"github.com/polydoc/polydoc-api/internal/storage"
)

// DeleteFunc hard-deletes one document across every backend. The sweeper
// injects it rather than importing the write path directly.
type DeleteFunc func(ctx context.Context, documentID string) error

var _ supervisor.Runnable = (*Sweeper)(nil)

// Sweeper scans for archive entries past their retention deadline and
// hard-deletes the underlying documents. The index entry goes only after the
// delete succeeds, so a failed delete is retried next pass.
type Sweeper struct {
	index    storage.ArchiveIndex
	deleteFn DeleteFunc
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	runCancel context.CancelFunc
}

func NewSweeper(index storage.ArchiveIndex, deleteFn DeleteFunc, interval time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		index:    index,
		deleteFn: deleteFn,
		interval: interval,
		logger:   logger.WithGroup("archive.Sweeper"),
		now:      time.Now,
	}
}

// String implements the supervisor.Runnable interface
func (s *Sweeper) String() string {
	return "archive.Sweeper"
}

// Run implements the supervisor.Runnable interface
func (s *Sweeper) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.runCancel = cancel

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-runCtx.Done():
			s.logger.Debug("Retention sweeper shutting down")
			return nil
		case <-ticker.C:
			s.Sweep(runCtx)
		}
	}
}

// Stop implements the supervisor.Runnable interface
func (s *Sweeper) Stop() {
	if s.runCancel != nil {
		s.runCancel()
	}
}

// Sweep deletes every expired document in one pass and reports how many
// were reclaimed.
func (s *Sweeper) Sweep(ctx context.Context) int {
	recs, err := s.index.ListExpired(ctx, s.now(), 0)
	if err != nil {
		s.logger.Error("Retention scan failed", "error", err)
		return 0
	}
	reclaimed := 0
	for _, rec := range recs {
		if ctx.Err() != nil {
			return reclaimed
		}
		if err := s.deleteFn(ctx, rec.DocumentID); err != nil {
			s.logger.Warn("Retention delete failed, will retry next pass",
				"document_id", rec.DocumentID, "policy", rec.Policy, "error", err)
			continue
		}
		if err := s.index.Delete(ctx, rec.DocumentID); err != nil {
			s.logger.Warn("Failed to drop archive entry after delete",
				"document_id", rec.DocumentID, "error", err)
			continue
		}
		reclaimed++
		s.logger.Info("Retention expired document reclaimed",
			"document_id", rec.DocumentID, "policy", rec.Policy)
	}
	return reclaimed
}
