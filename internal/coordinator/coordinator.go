// Package coordinator is the facade over the whole engine: it wires the
// backends, cache, security gate, planner, saga engine and background loops,
// and exposes the operation set callers use.
package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/robbyt/go-supervisor/supervisor"

	"github.com/polydoc/polydoc-api/internal/archive"
	"github.com/polydoc/polydoc-api/internal/backend"
	"github.com/polydoc/polydoc-api/internal/backend/relational"
	"github.com/polydoc/polydoc-api/internal/batch"
	"github.com/polydoc/polydoc-api/internal/cache"
	"github.com/polydoc/polydoc-api/internal/config"
	"github.com/polydoc/polydoc-api/internal/domain"
	"github.com/polydoc/polydoc-api/internal/embedding"
	"github.com/polydoc/polydoc-api/internal/query"
	"github.com/polydoc/polydoc-api/internal/saga"
	"github.com/polydoc/polydoc-api/internal/security"
	"github.com/polydoc/polydoc-api/internal/storage"
	"github.com/polydoc/polydoc-api/internal/streaming"
)

// Deps carries the constructed adapters and stores the API composes over.
type Deps struct {
	Relational *relational.Adapter
	Blobs      backend.BlobAdapter
	Vector     backend.VectorAdapter
	Graph      backend.GraphAdapter

	SagaStore    storage.SagaStore
	ArchiveIndex storage.ArchiveIndex
	UploadStore  storage.UploadStore

	AuthProvider security.AuthProvider
	Embedder     embedding.Embedder
}

// API is the coordinator facade. Construct with New, then Run it under a
// context; operations are safe for concurrent use once Run has started (and
// also before, for tests that skip the background loops).
type API struct {
	cfg    *config.Config
	logger *slog.Logger

	gate    *security.Gate
	audit   *security.AuditBuffer
	cache   *cache.Cache
	reader  *batch.Reader
	writer  *batch.Writer
	planner *query.Planner
	sagas   *saga.Coordinator
	stream  *streaming.Engine
	archive *archive.Manager

	relational *relational.Adapter
	blobs      backend.BlobAdapter
	vector     backend.VectorAdapter
	graph      backend.GraphAdapter
	sagaStore  storage.SagaStore

	runnables []supervisor.Runnable
}

func New(cfg *config.Config, deps Deps, logger *slog.Logger) *API {
	audit := security.NewAuditBuffer(cfg.Audit.BufferSize, cfg.Audit.OverflowPolicy)
	gate := security.NewGate(deps.AuthProvider, security.NewRateLimiter(cfg.RateLimit), audit, logger)

	c := cache.New(cfg.Cache.Capacity, cfg.Cache.Partitions, cfg.Cache.DefaultTTL)

	fanout := batch.NewFanout(cfg.Batch, logger)
	adapters := []backend.Adapter{deps.Relational, deps.Blobs, deps.Vector, deps.Graph}
	byKind := map[backend.Kind]backend.Adapter{
		backend.KindRelational: deps.Relational,
		backend.KindDocument:   deps.Blobs,
		backend.KindVector:     deps.Vector,
		backend.KindGraph:      deps.Graph,
	}

	registry := saga.NewRegistry()
	archives := archive.NewManager(deps.ArchiveIndex, logger)
	registerDefinitions(registry, &stepDeps{
		relational: deps.Relational,
		blobs:      deps.Blobs,
		vector:     deps.Vector,
		graph:      deps.Graph,
		archives:   archives,
		embed:      deps.Embedder,
		logger:     logger,
		now:        time.Now,
	})
	sagas := saga.NewCoordinator(deps.SagaStore, registry, cfg.Saga, logger)

	api := &API{
		cfg:        cfg,
		logger:     logger.WithGroup("coordinator"),
		gate:       gate,
		audit:      audit,
		cache:      c,
		reader:     batch.NewReader(fanout, adapters),
		writer:     batch.NewWriter(fanout, byKind),
		planner:    query.NewPlanner(deps.Relational, deps.Vector, deps.Graph, cfg.Query, logger),
		sagas:      sagas,
		stream:     streaming.NewEngine(deps.UploadStore, deps.Blobs, cfg.Streaming, logger),
		archive:    archives,
		relational: deps.Relational,
		blobs:      deps.Blobs,
		vector:     deps.Vector,
		graph:      deps.Graph,
		sagaStore:  deps.SagaStore,
	}

	api.runnables = []supervisor.Runnable{
		cache.NewSweeper(c, cfg.Cache.SweepInterval, logger),
		security.NewAuditPump(audit, &security.LogSink{Logger: logger.WithGroup("audit")}, logger),
		saga.NewRecovery(sagas, deps.SagaStore, cfg.Saga.RecoveryInterval, cfg.Saga.LeaseTTL, logger),
		streaming.NewGC(deps.UploadStore, cfg.Streaming.UploadTTL/4+time.Second, logger),
		archive.NewSweeper(deps.ArchiveIndex, api.sweepDelete, cfg.Archive.SweepInterval, logger),
	}
	return api
}

// Run starts the background loops and blocks until ctx is canceled.
func (a *API) Run(ctx context.Context) error {
	super, err := supervisor.New(
		supervisor.WithContext(ctx),
		supervisor.WithLogHandler(a.logger.Handler()),
		supervisor.WithRunnables(a.runnables...),
	)
	if err != nil {
		return err
	}
	a.logger.Info("Coordinator starting", "runnables", len(a.runnables))
	return super.Run()
}

// Authenticate resolves a caller token. Every other operation takes the
// returned user.
func (a *API) Authenticate(ctx context.Context, token string) (*domain.User, error) {
	return a.gate.Authenticate(ctx, token)
}

// Warm preloads the read cache with the given documents, loading each through
// the normal read path. Missing, deleted, archived and in-flight documents are
// skipped; partial backend failures do not abort the warm-up.
func (a *API) Warm(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	result, err := a.reader.GetAll(ctx, ids)
	var partial *domain.PartialError
	if err != nil && !errors.As(err, &partial) {
		return mapErr(err)
	}
	relFrags := result.PerBackend[backend.KindRelational]
	if relFrags == nil {
		if relErr, ok := result.Errors[backend.KindRelational]; ok {
			return mapErr(relErr)
		}
		return nil
	}
	merged := result.Merged()
	entries := make(map[string]any, len(ids))
	for _, id := range ids {
		frag, ok := relFrags[id]
		if !ok {
			continue
		}
		doc := merged[id]
		if doc == nil {
			doc = frag.Fields
		}
		if _, deleted := doc["deleted_at"]; deleted {
			continue
		}
		if isArchived(doc) || a.sagas.InFlight(id) {
			continue
		}
		entries[cacheKey(id)] = doc
	}
	a.cache.Warm(entries)
	return nil
}

// sweepDelete is the retention sweeper's hard-delete hook. It runs under an
// internal identity and the normal saga machinery.
func (a *API) sweepDelete(ctx context.Context, documentID string) error {
	values, err := a.hardDeleteValues(ctx, documentID)
	if err != nil {
		if domain.HasTag(err, domain.TagNotFound) {
			return nil
		}
		return err
	}
	_, err = a.sagas.Execute(ctx, KindHardDelete, documentID, values)
	if err == nil {
		a.invalidate(documentID)
	}
	return err
}

// hardDeleteValues snapshots the refs a hard delete needs before rows start
// disappearing.
func (a *API) hardDeleteValues(ctx context.Context, documentID string) (map[string]any, error) {
	frag, err := a.relational.Get(ctx, documentID)
	if err != nil {
		if err == backend.ErrNotFound {
			return nil, domain.NotFound("document %s not found", documentID)
		}
		return nil, err
	}
	// Retention expiry erases everything the document owns.
	values := map[string]any{
		keyOwnerID: frag.OwnerID,
		keyCascade: string(CascadeFull),
	}
	if ref, ok := frag.Fields["content_ref"].(string); ok {
		values[keyBlobRef] = ref
	}
	return values, nil
}

func (a *API) invalidate(documentID string) {
	a.cache.Delete(cacheKey(documentID))
}

func cacheKey(documentID string) string { return "doc:" + documentID }
