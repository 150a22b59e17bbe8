package coordinator

import (
	"context"

	"github.com/polydoc/polydoc-api/internal/backend"
	"github.com/polydoc/polydoc-api/internal/cache"
	"github.com/polydoc/polydoc-api/internal/domain"
	"github.com/polydoc/polydoc-api/internal/saga"
)

// Stats is the operator-facing snapshot of the coordinator.
type Stats struct {
	Cache        cache.Stats
	AuditDropped uint64
	Backends     map[backend.Kind]string
	Sagas        map[string]int
}

// Stats reports cache counters, audit loss, backend health and saga
// backlog. Requires admin.
func (a *API) Stats(ctx context.Context, user *domain.User) (*Stats, error) {
	if err := a.gate.Authorize(ctx, user, "coordinator.stats", "", domain.PermAdmin); err != nil {
		return nil, err
	}

	s := &Stats{
		Cache:        a.cache.Stats(),
		AuditDropped: a.audit.Dropped(),
		Backends:     a.Health(ctx),
		Sagas:        make(map[string]int),
	}
	for _, state := range []string{saga.StatePending, saga.StateRunning, saga.StateCompensating, saga.StateOrphaned} {
		recs, err := a.sagaStore.ListByState(ctx, state, 0)
		if err != nil {
			return nil, domain.Internal(err)
		}
		s.Sagas[state] = len(recs)
	}
	return s, nil
}

// Health probes every backend with a short deadline.
func (a *API) Health(ctx context.Context) map[backend.Kind]string {
	out := make(map[backend.Kind]string, 4)
	for _, adapter := range []backend.Adapter{a.relational, a.blobs, a.vector, a.graph} {
		out[adapter.Kind()] = backend.HealthOf(ctx, adapter).String()
	}
	return out
}
