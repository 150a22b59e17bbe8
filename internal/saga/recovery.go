package saga

import (
	"context"
	"log/slog"
	"time"

	"github.com/robbyt/go-supervisor/supervisor"

	"github.com/polydoc/polydoc-api/internal/storage"
)

var _ supervisor.Runnable = (*Recovery)(nil)

// Recovery periodically scans for sagas left non-terminal by a crash and
// resumes them. A per-saga lease keeps exactly one process working on a
// record even when several instances share the store.
type Recovery struct {
	coordinator *Coordinator
	store       storage.SagaStore
	interval    time.Duration
	leaseTTL    time.Duration
	logger      *slog.Logger

	runCancel context.CancelFunc
}

func NewRecovery(c *Coordinator, store storage.SagaStore, interval, leaseTTL time.Duration, logger *slog.Logger) *Recovery {
	return &Recovery{
		coordinator: c,
		store:       store,
		interval:    interval,
		leaseTTL:    leaseTTL,
		logger:      logger.WithGroup("saga.Recovery"),
	}
}

// String implements the supervisor.Runnable interface
func (r *Recovery) String() string {
	return "saga.Recovery"
}

// Run implements the supervisor.Runnable interface
func (r *Recovery) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	r.runCancel = cancel

	// One pass at boot picks up crash leftovers before traffic arrives.
	r.scan(runCtx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-runCtx.Done():
			r.logger.Debug("Recovery loop shutting down")
			return nil
		case <-ticker.C:
			r.scan(runCtx)
		}
	}
}

// Stop implements the supervisor.Runnable interface
func (r *Recovery) Stop() {
	if r.runCancel != nil {
		r.runCancel()
	}
}

func (r *Recovery) scan(ctx context.Context) {
	now := r.coordinator.now()
	recs, err := r.store.ListRecoverable(ctx, []string{StatePending, StateRunning, StateCompensating}, now)
	if err != nil {
		r.logger.Error("Recovery scan failed", "error", err)
		return
	}
	if len(recs) == 0 {
		return
	}
	r.logger.Info("Recovery scan found resumable sagas", "count", len(recs))

	for _, rec := range recs {
		if ctx.Err() != nil {
			return
		}
		ok, err := r.store.AcquireLease(ctx, rec.ID, r.coordinator.owner, r.leaseTTL, r.coordinator.now())
		if err != nil {
			r.logger.Error("Failed to acquire saga lease", "saga_id", rec.ID, "error", err)
			continue
		}
		if !ok {
			continue
		}

		// Re-read under the lease: the record may have advanced between the
		// scan and the grant.
		fresh, err := r.store.GetSaga(ctx, rec.ID)
		if err != nil {
			r.logger.Error("Failed to reload saga under lease", "saga_id", rec.ID, "error", err)
			r.releaseLease(ctx, rec.ID)
			continue
		}
		if IsTerminal(fresh.State) {
			r.releaseLease(ctx, rec.ID)
			continue
		}

		if err := r.coordinator.Resume(ctx, fresh); err != nil {
			r.logger.Warn("Saga resume ended with error", "saga_id", rec.ID, "error", err)
		}
		r.releaseLease(ctx, rec.ID)
	}
}

func (r *Recovery) releaseLease(ctx context.Context, sagaID string) {
	if err := r.store.ReleaseLease(ctx, sagaID, r.coordinator.owner); err != nil {
		r.logger.Warn("Failed to release saga lease", "saga_id", sagaID, "error", err)
	}
}
