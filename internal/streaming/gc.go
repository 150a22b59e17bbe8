package streaming

import (
	"context"
	"log/slog"
	"time"

	"github.com/robbyt/go-supervisor/supervisor"

	"github.com/polydoc/polydoc-api/internal/storage"
)

var _ supervisor.Runnable = (*GC)(nil)

// GC removes upload sessions that expired before finishing, reclaiming their
// staged chunk data.
type GC struct {
	uploads  storage.UploadStore
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	runCancel context.CancelFunc
}

func NewGC(uploads storage.UploadStore, interval time.Duration, logger *slog.Logger) *GC {
	return &GC{
		uploads:  uploads,
		interval: interval,
		logger:   logger.WithGroup("streaming.GC"),
		now:      time.Now,
	}
}

// String implements the supervisor.Runnable interface
func (g *GC) String() string {
	return "streaming.GC"
}

// Run implements the supervisor.Runnable interface
func (g *GC) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	g.runCancel = cancel

	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	for {
		select {
		case <-runCtx.Done():
			g.logger.Debug("Upload GC shutting down")
			return nil
		case <-ticker.C:
			g.Sweep(runCtx)
		}
	}
}

// Stop implements the supervisor.Runnable interface
func (g *GC) Stop() {
	if g.runCancel != nil {
		g.runCancel()
	}
}

// Sweep deletes every expired active session in one pass.
func (g *GC) Sweep(ctx context.Context) {
	recs, err := g.uploads.ListExpiredUploads(ctx, g.now(), 0)
	if err != nil {
		g.logger.Error("Expired upload scan failed", "error", err)
		return
	}
	for _, rec := range recs {
		if err := g.uploads.DeleteUpload(ctx, rec.ID); err != nil {
			g.logger.Warn("Failed to delete expired upload", "upload_id", rec.ID, "error", err)
			continue
		}
		g.logger.Info("Expired upload reclaimed", "upload_id", rec.ID, "expired_at", rec.ExpiresAt)
	}
}
