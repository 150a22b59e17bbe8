package saga

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polydoc/polydoc-api/internal/backend"
	"github.com/polydoc/polydoc-api/internal/config"
	"github.com/polydoc/polydoc-api/internal/domain"
	"github.com/polydoc/polydoc-api/internal/storage"
	"github.com/polydoc/polydoc-api/internal/storage/models"
)

// memSagaStore is an in-memory storage.SagaStore with the same optimistic
// versioning the SQL store enforces.
type memSagaStore struct {
	mu    sync.Mutex
	sagas map[string]*models.SagaRecord
	logs  []*models.SagaStepLog
}

func newMemSagaStore() *memSagaStore {
	return &memSagaStore{sagas: make(map[string]*models.SagaRecord)}
}

func copyRec(rec *models.SagaRecord) *models.SagaRecord {
	cp := *rec
	return &cp
}

func (m *memSagaStore) CreateSaga(_ context.Context, rec *models.SagaRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sagas[rec.ID]; ok {
		return errors.New("duplicate saga id")
	}
	rec.Version = 1
	m.sagas[rec.ID] = copyRec(rec)
	return nil
}

func (m *memSagaStore) GetSaga(_ context.Context, id string) (*models.SagaRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sagas[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return copyRec(rec), nil
}

func (m *memSagaStore) UpdateSaga(_ context.Context, rec *models.SagaRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.sagas[rec.ID]
	if !ok {
		return storage.ErrNotFound
	}
	if stored.Version != rec.Version {
		return storage.ErrConcurrentUpdate
	}
	rec.Version++
	m.sagas[rec.ID] = copyRec(rec)
	return nil
}

func (m *memSagaStore) ListRecoverable(_ context.Context, states []string, now time.Time) ([]*models.SagaRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.SagaRecord
	for _, rec := range m.sagas {
		for _, state := range states {
			if rec.State != state {
				continue
			}
			if rec.LeaseExpiresAt != nil && rec.LeaseExpiresAt.After(now) {
				continue
			}
			out = append(out, copyRec(rec))
		}
	}
	return out, nil
}

func (m *memSagaStore) ListByState(_ context.Context, state string, limit int) ([]*models.SagaRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.SagaRecord
	for _, rec := range m.sagas {
		if rec.State == state {
			out = append(out, copyRec(rec))
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *memSagaStore) AcquireLease(_ context.Context, sagaID, owner string, ttl time.Duration, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sagas[sagaID]
	if !ok {
		return false, storage.ErrNotFound
	}
	if rec.LeaseOwner != "" && rec.LeaseOwner != owner && rec.LeaseExpiresAt != nil && rec.LeaseExpiresAt.After(now) {
		return false, nil
	}
	expires := now.Add(ttl)
	rec.LeaseOwner = owner
	rec.LeaseExpiresAt = &expires
	return true, nil
}

func (m *memSagaStore) ReleaseLease(_ context.Context, sagaID, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sagas[sagaID]
	if !ok {
		return nil
	}
	if rec.LeaseOwner == owner {
		rec.LeaseOwner = ""
		rec.LeaseExpiresAt = nil
	}
	return nil
}

func (m *memSagaStore) UpsertStepLog(_ context.Context, step *models.SagaStepLog) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, step)
	return int64(len(m.logs)), nil
}

func (m *memSagaStore) GetStepLogs(_ context.Context, sagaID string) ([]*models.SagaStepLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.SagaStepLog
	for _, l := range m.logs {
		if l.SagaID == sagaID {
			out = append(out, l)
		}
	}
	return out, nil
}

func testSagaCfg() config.SagaConfig {
	return config.SagaConfig{
		StepMaxAttempts:   3,
		BackoffInitial:    time.Millisecond,
		BackoffMultiplier: 2.0,
		BackoffMax:        5 * time.Millisecond,
		IDLockMode:        "wait",
		RecoveryInterval:  time.Minute,
		LeaseTTL:          time.Minute,
	}
}

func newTestCoordinator(store storage.SagaStore, registry *Registry, cfg config.SagaConfig) *Coordinator {
	c := NewCoordinator(store, registry, cfg, slog.New(slog.DiscardHandler))
	c.sleep = func(context.Context, time.Duration) error { return nil }
	return c
}

// trace records forward and compensating step invocations in order.
type trace struct {
	mu    sync.Mutex
	calls []string
}

func (t *trace) add(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, name)
}

func (t *trace) get() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.calls...)
}

func step(tr *trace, name string, runErr func() error) StepDef {
	return StepDef{
		Name: name,
		Run: func(_ context.Context, _ *StepContext) error {
			tr.add(name)
			if runErr != nil {
				return runErr()
			}
			return nil
		},
		Compensate: func(_ context.Context, _ *StepContext) error {
			tr.add("undo:" + name)
			return nil
		},
	}
}

func always(err error) func() error { return func() error { return err } }

func TestExecute_CommitPath(t *testing.T) {
	store := newMemSagaStore()
	tr := &trace{}
	registry := NewRegistry()
	registry.Register(&Definition{Kind: "doc.create", Steps: []StepDef{
		step(tr, "a", nil),
		step(tr, "b", nil),
		step(tr, "c", nil),
	}})
	c := newTestCoordinator(store, registry, testSagaCfg())

	sagaID, err := c.Execute(context.Background(), "doc.create", "d1", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, tr.get())

	rec, err := c.Status(context.Background(), sagaID)
	require.NoError(t, err)
	assert.Equal(t, StateCommitted, rec.State)
	assert.Equal(t, 3, rec.Cursor)

	logs, err := store.GetStepLogs(context.Background(), sagaID)
	require.NoError(t, err)
	assert.Len(t, logs, 3)
	for _, l := range logs {
		assert.Equal(t, StepDone, l.Status)
	}
}

func TestExecute_PermanentFailureCompensatesInReverse(t *testing.T) {
	store := newMemSagaStore()
	tr := &trace{}
	boom := backend.Permanent(backend.KindVector, errors.New("dimension mismatch"))
	registry := NewRegistry()
	registry.Register(&Definition{Kind: "doc.create", Steps: []StepDef{
		step(tr, "a", nil),
		step(tr, "b", nil),
		step(tr, "c", always(boom)),
	}})
	c := newTestCoordinator(store, registry, testSagaCfg())

	sagaID, err := c.Execute(context.Background(), "doc.create", "d1", nil)
	require.Error(t, err)
	assert.True(t, backend.IsPermanent(err))
	assert.Equal(t, []string{"a", "b", "c", "undo:b", "undo:a"}, tr.get())

	rec, _ := c.Status(context.Background(), sagaID)
	assert.Equal(t, StateAborted, rec.State)
	assert.Contains(t, rec.LastError, "dimension mismatch")
}

func TestExecute_TransientRetryThenSuccess(t *testing.T) {
	store := newMemSagaStore()
	tr := &trace{}
	var calls int
	flaky := func() error {
		calls++
		if calls < 3 {
			return backend.Transient(backend.KindGraph, errors.New("connection reset"))
		}
		return nil
	}
	registry := NewRegistry()
	registry.Register(&Definition{Kind: "doc.create", Steps: []StepDef{step(tr, "a", flaky)}})
	c := newTestCoordinator(store, registry, testSagaCfg())

	sagaID, err := c.Execute(context.Background(), "doc.create", "d1", nil)
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	rec, _ := c.Status(context.Background(), sagaID)
	assert.Equal(t, StateCommitted, rec.State)
}

func TestExecute_TransientExhaustedCompensates(t *testing.T) {
	store := newMemSagaStore()
	tr := &trace{}
	registry := NewRegistry()
	registry.Register(&Definition{Kind: "doc.create", Steps: []StepDef{
		step(tr, "a", nil),
		step(tr, "b", always(backend.Transient(backend.KindGraph, errors.New("timeout")))),
	}})
	c := newTestCoordinator(store, registry, testSagaCfg())

	sagaID, err := c.Execute(context.Background(), "doc.create", "d1", nil)
	require.Error(t, err)
	assert.Equal(t, []string{"a", "b", "b", "b", "undo:a"}, tr.get())

	rec, _ := c.Status(context.Background(), sagaID)
	assert.Equal(t, StateAborted, rec.State)
}

func TestExecute_CanceledContextCompensates(t *testing.T) {
	store := newMemSagaStore()
	tr := &trace{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	registry := NewRegistry()
	registry.Register(&Definition{Kind: "doc.create", Steps: []StepDef{
		step(tr, "a", nil),
		step(tr, "b", func() error {
			cancel()
			return ctx.Err()
		}),
	}})
	c := newTestCoordinator(store, registry, testSagaCfg())

	sagaID, err := c.Execute(ctx, "doc.create", "d1", nil)
	require.Error(t, err)
	assert.Equal(t, []string{"a", "b", "undo:a"}, tr.get(),
		"completed steps must be undone even when the caller's context dies")

	rec, err := c.Status(context.Background(), sagaID)
	require.NoError(t, err)
	assert.Equal(t, StateAborted, rec.State)
}

func TestExecute_UnknownKind(t *testing.T) {
	c := newTestCoordinator(newMemSagaStore(), NewRegistry(), testSagaCfg())
	_, err := c.Execute(context.Background(), "bogus", "d1", nil)
	assert.Equal(t, domain.TagValidationFailed, domain.TagOf(err))
}

func TestExecute_FailFastWhileSubjectLocked(t *testing.T) {
	store := newMemSagaStore()
	release := make(chan struct{})
	registry := NewRegistry()
	registry.Register(&Definition{Kind: "doc.update", Steps: []StepDef{{
		Name: "block",
		Run: func(_ context.Context, _ *StepContext) error {
			<-release
			return nil
		},
	}}})
	cfg := testSagaCfg()
	cfg.IDLockMode = "fail_fast"
	c := newTestCoordinator(store, registry, cfg)

	done := make(chan error, 1)
	go func() {
		_, err := c.Execute(context.Background(), "doc.update", "d1", nil)
		done <- err
	}()

	require.Eventually(t, func() bool { return c.InFlight("d1") }, time.Second, time.Millisecond)

	_, err := c.Execute(context.Background(), "doc.update", "d1", nil)
	assert.Equal(t, domain.TagBusy, domain.TagOf(err))

	// A different subject is unaffected.
	_, err = c.Execute(context.Background(), "doc.update", "d2", nil)
	assert.NoError(t, err)

	close(release)
	require.NoError(t, <-done)
	assert.False(t, c.InFlight("d1"))
}

func TestExecute_NilCompensationIsSkipped(t *testing.T) {
	store := newMemSagaStore()
	tr := &trace{}
	registry := NewRegistry()
	registry.Register(&Definition{Kind: "doc.create", Steps: []StepDef{
		{Name: "a", Run: func(_ context.Context, _ *StepContext) error { tr.add("a"); return nil }},
		step(tr, "b", always(backend.Permanent(backend.KindGraph, errors.New("bad")))),
	}})
	c := newTestCoordinator(store, registry, testSagaCfg())

	sagaID, err := c.Execute(context.Background(), "doc.create", "d1", nil)
	require.Error(t, err)
	assert.Equal(t, []string{"a", "b"}, tr.get())

	rec, _ := c.Status(context.Background(), sagaID)
	assert.Equal(t, StateAborted, rec.State)
}

func TestExecute_CompensationFailureOrphans(t *testing.T) {
	store := newMemSagaStore()
	registry := NewRegistry()
	registry.Register(&Definition{Kind: "doc.create", Steps: []StepDef{
		{
			Name: "a",
			Run:  func(_ context.Context, _ *StepContext) error { return nil },
			Compensate: func(_ context.Context, _ *StepContext) error {
				return backend.Transient(backend.KindDocument, errors.New("blob store down"))
			},
		},
		{
			Name: "b",
			Run: func(_ context.Context, _ *StepContext) error {
				return backend.Permanent(backend.KindVector, errors.New("bad"))
			},
		},
	}})
	c := newTestCoordinator(store, registry, testSagaCfg())

	sagaID, err := c.Execute(context.Background(), "doc.create", "d1", nil)
	require.Error(t, err)
	assert.Equal(t, domain.TagOrphaned, domain.TagOf(err))

	var derr *domain.Error
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, sagaID, derr.SagaID)

	rec, _ := c.Status(context.Background(), sagaID)
	assert.Equal(t, StateOrphaned, rec.State)
}

func TestExecute_ContextValuesSurviveJSONRoundTrip(t *testing.T) {
	store := newMemSagaStore()
	registry := NewRegistry()
	registry.Register(&Definition{Kind: "doc.create", Steps: []StepDef{
		{Name: "a", Run: func(_ context.Context, sc *StepContext) error {
			sc.Set("blob_ref", "blobs/d1")
			return nil
		}},
	}})
	c := newTestCoordinator(store, registry, testSagaCfg())

	sagaID, err := c.Execute(context.Background(), "doc.create", "d1", map[string]any{"owner_id": "alice"})
	require.NoError(t, err)

	rec, err := store.GetSaga(context.Background(), sagaID)
	require.NoError(t, err)
	values, err := unmarshalValues(rec.ContextJSON)
	require.NoError(t, err)
	assert.Equal(t, "alice", values["owner_id"])
	assert.Equal(t, "blobs/d1", values["blob_ref"])
}

func TestResume_ContinuesFromCursor(t *testing.T) {
	store := newMemSagaStore()
	tr := &trace{}
	registry := NewRegistry()
	registry.Register(&Definition{Kind: "doc.create", Steps: []StepDef{
		step(tr, "a", nil),
		step(tr, "b", nil),
	}})
	c := newTestCoordinator(store, registry, testSagaCfg())

	stepsJSON, err := marshalSteps([]stepState{
		{Name: "a", Status: StepDone, Attempts: 1},
		{Name: "b", Status: StepPending},
	})
	require.NoError(t, err)
	rec := &models.SagaRecord{
		ID:        "saga-1",
		Kind:      "doc.create",
		SubjectID: "d1",
		State:     StateRunning,
		Cursor:    1,
		StepsJSON: stepsJSON,
	}
	require.NoError(t, store.CreateSaga(context.Background(), rec))

	require.NoError(t, c.Resume(context.Background(), rec))
	assert.Equal(t, []string{"b"}, tr.get(), "already-done step must not rerun")

	fresh, _ := store.GetSaga(context.Background(), "saga-1")
	assert.Equal(t, StateCommitted, fresh.State)
}

func TestResume_CompensatingFinishesRollback(t *testing.T) {
	store := newMemSagaStore()
	tr := &trace{}
	registry := NewRegistry()
	registry.Register(&Definition{Kind: "doc.create", Steps: []StepDef{
		step(tr, "a", nil),
		step(tr, "b", nil),
	}})
	c := newTestCoordinator(store, registry, testSagaCfg())

	stepsJSON, err := marshalSteps([]stepState{
		{Name: "a", Status: StepDone, Attempts: 1},
		{Name: "b", Status: StepDone, Attempts: 1},
	})
	require.NoError(t, err)
	rec := &models.SagaRecord{
		ID:        "saga-2",
		Kind:      "doc.create",
		SubjectID: "d1",
		State:     StateCompensating,
		Cursor:    2,
		StepsJSON: stepsJSON,
		LastError: "vector write failed",
	}
	require.NoError(t, store.CreateSaga(context.Background(), rec))

	err = c.Resume(context.Background(), rec)
	require.Error(t, err)
	assert.Equal(t, domain.TagPermanent, domain.TagOf(err))
	assert.Equal(t, []string{"undo:b", "undo:a"}, tr.get())

	fresh, _ := store.GetSaga(context.Background(), "saga-2")
	assert.Equal(t, StateAborted, fresh.State)
}

func TestResume_TerminalIsNoOp(t *testing.T) {
	c := newTestCoordinator(newMemSagaStore(), NewRegistry(), testSagaCfg())
	err := c.Resume(context.Background(), &models.SagaRecord{ID: "x", State: StateCommitted})
	assert.NoError(t, err)
}

func TestStatus_NotFound(t *testing.T) {
	c := newTestCoordinator(newMemSagaStore(), NewRegistry(), testSagaCfg())
	_, err := c.Status(context.Background(), "missing")
	assert.Equal(t, domain.TagNotFound, domain.TagOf(err))
}

func TestStepContext_IdempotencyKey(t *testing.T) {
	sc := NewStepContext("saga-9", "doc.create", "d1", nil)
	assert.Equal(t, "saga-9:vector_upsert", sc.IdempotencyKey("vector_upsert"))
}

func TestRecovery_ScanResumesAbandonedSaga(t *testing.T) {
	store := newMemSagaStore()
	tr := &trace{}
	registry := NewRegistry()
	registry.Register(&Definition{Kind: "doc.create", Steps: []StepDef{step(tr, "a", nil)}})
	c := newTestCoordinator(store, registry, testSagaCfg())

	stepsJSON, err := marshalSteps([]stepState{{Name: "a", Status: StepPending}})
	require.NoError(t, err)
	require.NoError(t, store.CreateSaga(context.Background(), &models.SagaRecord{
		ID:        "saga-3",
		Kind:      "doc.create",
		SubjectID: "d1",
		State:     StateRunning,
		StepsJSON: stepsJSON,
	}))

	r := NewRecovery(c, store, time.Minute, time.Minute, slog.New(slog.DiscardHandler))
	r.scan(context.Background())

	assert.Equal(t, []string{"a"}, tr.get())
	fresh, _ := store.GetSaga(context.Background(), "saga-3")
	assert.Equal(t, StateCommitted, fresh.State)
	assert.Empty(t, fresh.LeaseOwner, "lease released after resume")
}

func TestRecovery_RespectsLiveLease(t *testing.T) {
	store := newMemSagaStore()
	tr := &trace{}
	registry := NewRegistry()
	registry.Register(&Definition{Kind: "doc.create", Steps: []StepDef{step(tr, "a", nil)}})
	c := newTestCoordinator(store, registry, testSagaCfg())

	stepsJSON, _ := marshalSteps([]stepState{{Name: "a", Status: StepPending}})
	expires := time.Now().Add(time.Hour)
	rec := &models.SagaRecord{
		ID:        "saga-4",
		Kind:      "doc.create",
		SubjectID: "d1",
		State:     StateRunning,
		StepsJSON: stepsJSON,
	}
	require.NoError(t, store.CreateSaga(context.Background(), rec))
	store.mu.Lock()
	store.sagas["saga-4"].LeaseOwner = "someone-else"
	store.sagas["saga-4"].LeaseExpiresAt = &expires
	store.mu.Unlock()

	r := NewRecovery(c, store, time.Minute, time.Minute, slog.New(slog.DiscardHandler))
	r.scan(context.Background())

	assert.Empty(t, tr.get(), "leased saga must not be resumed by another owner")
}
