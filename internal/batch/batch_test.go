package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polydoc/polydoc-api/internal/backend"
	"github.com/polydoc/polydoc-api/internal/config"
	"github.com/polydoc/polydoc-api/internal/domain"
)

type fakeAdapter struct {
	kind      backend.Kind
	batchSize int

	mu       sync.Mutex
	frags    map[string]*backend.Fragment
	getErr   error
	putErr   error
	failures int // consume transient failures before succeeding
	getCalls int
	putCalls int
	deleted  []string
}

func newFakeAdapter(kind backend.Kind) *fakeAdapter {
	return &fakeAdapter{kind: kind, batchSize: 100, frags: make(map[string]*backend.Fragment)}
}

func (f *fakeAdapter) Kind() backend.Kind { return f.kind }
func (f *fakeAdapter) MaxBatchSize() int  { return f.batchSize }

func (f *fakeAdapter) Get(ctx context.Context, id string) (*backend.Fragment, error) {
	frags, err := f.GetMany(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	frag, ok := frags[id]
	if !ok {
		return nil, backend.ErrNotFound
	}
	return frag, nil
}

func (f *fakeAdapter) GetMany(_ context.Context, ids []string) (map[string]*backend.Fragment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	if f.failures > 0 {
		f.failures--
		return nil, backend.Transient(f.kind, errors.New("flaky"))
	}
	if f.getErr != nil {
		return nil, f.getErr
	}
	out := make(map[string]*backend.Fragment)
	for _, id := range ids {
		if frag, ok := f.frags[id]; ok {
			out[id] = frag
		}
	}
	return out, nil
}

func (f *fakeAdapter) Exists(ctx context.Context, ids []string) (map[string]bool, error) {
	frags, err := f.GetMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		_, out[id] = frags[id]
	}
	return out, nil
}

func (f *fakeAdapter) Put(_ context.Context, frag *backend.Fragment, _ backend.PutOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putCalls++
	if f.failures > 0 {
		f.failures--
		return backend.Transient(f.kind, errors.New("flaky"))
	}
	if f.putErr != nil {
		return f.putErr
	}
	f.frags[frag.ID] = frag
	return nil
}

func (f *fakeAdapter) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.frags, id)
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeAdapter) Health(context.Context) backend.Health { return backend.HealthOK }

func (f *fakeAdapter) seed(id, owner string, fields map[string]any) {
	f.frags[id] = &backend.Fragment{ID: id, OwnerID: owner, Fields: fields}
}

func testCfg() config.BatchConfig {
	return config.BatchConfig{
		DefaultTimeout:          time.Second,
		PerBackendTimeoutFrac:   0.9,
		TransientRetryAttempts:  3,
		TransientRetryBaseDelay: time.Millisecond,
	}
}

func testFanout() *Fanout {
	return NewFanout(testCfg(), slog.New(slog.DiscardHandler))
}

func fourAdapters() (rel, doc, vec, gr *fakeAdapter, all []backend.Adapter) {
	rel = newFakeAdapter(backend.KindRelational)
	doc = newFakeAdapter(backend.KindDocument)
	vec = newFakeAdapter(backend.KindVector)
	gr = newFakeAdapter(backend.KindGraph)
	return rel, doc, vec, gr, []backend.Adapter{rel, doc, vec, gr}
}

func TestReader_GetAllMergesBackends(t *testing.T) {
	rel, doc, vec, gr, adapters := fourAdapters()
	rel.seed("d1", "alice", map[string]any{"title": "one", "document_id": "d1"})
	doc.seed("d1", "alice", map[string]any{"blob_size": int64(42)})
	vec.seed("d1", "alice", map[string]any{"embedding_ref": "d1"})
	gr.seed("d1", "alice", map[string]any{"degree": 3})

	r := NewReader(testFanout(), adapters)
	res, err := r.GetAll(context.Background(), []string{"d1", "d2"})
	require.NoError(t, err)

	merged := res.Merged()
	require.Contains(t, merged, "d1")
	assert.NotContains(t, merged, "d2")
	view := merged["d1"]
	assert.Equal(t, "one", view["title"])
	assert.Equal(t, int64(42), view["blob_size"])
	assert.Equal(t, 3, view["degree"])
	assert.Len(t, res.Latencies, 4)
}

func TestReader_GetAllPartialFailure(t *testing.T) {
	rel, _, vec, _, adapters := fourAdapters()
	rel.seed("d1", "alice", map[string]any{"title": "one"})
	vec.getErr = backend.Permanent(backend.KindVector, errors.New("collection missing"))

	r := NewReader(testFanout(), adapters)
	res, err := r.GetAll(context.Background(), []string{"d1"})

	var partial *domain.PartialError
	require.ErrorAs(t, err, &partial)
	assert.Contains(t, partial.Errors, string(backend.KindVector))
	assert.Len(t, partial.Errors, 1)

	// The surviving backends still contribute.
	require.Contains(t, res.PerBackend, backend.KindRelational)
	assert.Equal(t, "one", res.PerBackend[backend.KindRelational]["d1"].Fields["title"])
}

func TestReader_GetAllAllBackendsFailed(t *testing.T) {
	rel, doc, vec, gr, adapters := fourAdapters()
	for _, f := range []*fakeAdapter{rel, doc, vec, gr} {
		f.getErr = backend.Permanent(f.kind, errors.New("down"))
	}

	r := NewReader(testFanout(), adapters)
	_, err := r.GetAll(context.Background(), []string{"d1"})
	require.Error(t, err)
	assert.Equal(t, domain.TagTransient, domain.TagOf(err))

	var partial *domain.PartialError
	require.ErrorAs(t, err, &partial)
	assert.Len(t, partial.Errors, 4)
}

func TestReader_GetAllEmptyIDs(t *testing.T) {
	_, _, _, _, adapters := fourAdapters()
	r := NewReader(testFanout(), adapters)
	res, err := r.GetAll(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, res.PerBackend)
}

func TestReader_TransientRetrySucceeds(t *testing.T) {
	rel, _, _, _, adapters := fourAdapters()
	rel.seed("d1", "alice", map[string]any{"title": "one"})
	rel.failures = 2

	r := NewReader(testFanout(), adapters)
	res, err := r.GetAll(context.Background(), []string{"d1"})
	require.NoError(t, err)
	assert.Contains(t, res.PerBackend[backend.KindRelational], "d1")
	assert.Equal(t, 3, rel.getCalls)
}

func TestReader_TransientRetryExhausted(t *testing.T) {
	rel, _, _, _, adapters := fourAdapters()
	rel.failures = 10

	r := NewReader(testFanout(), adapters)
	_, err := r.GetAll(context.Background(), []string{"d1"})

	var partial *domain.PartialError
	require.ErrorAs(t, err, &partial)
	assert.Contains(t, partial.Errors, string(backend.KindRelational))
	assert.Equal(t, 3, rel.getCalls)
}

func TestReader_BatchSplitting(t *testing.T) {
	rel, _, _, _, adapters := fourAdapters()
	rel.batchSize = 10
	ids := make([]string, 25)
	for i := range ids {
		ids[i] = fmt.Sprintf("d%d", i)
		rel.seed(ids[i], "alice", map[string]any{"n": i})
	}

	r := NewReader(testFanout(), adapters)
	res, err := r.GetAll(context.Background(), ids)
	require.NoError(t, err)
	assert.Len(t, res.PerBackend[backend.KindRelational], 25)
	assert.Equal(t, 3, rel.getCalls, "25 ids over batch size 10 is three pages")
}

func TestReader_ExistsAll(t *testing.T) {
	rel, doc, _, _, adapters := fourAdapters()
	rel.seed("d1", "alice", nil)
	doc.seed("d1", "alice", nil)
	rel.seed("d2", "alice", nil)

	r := NewReader(testFanout(), adapters)
	out, err := r.ExistsAll(context.Background(), []string{"d1", "d2"})
	require.NoError(t, err)
	assert.True(t, out[backend.KindRelational]["d1"])
	assert.True(t, out[backend.KindRelational]["d2"])
	assert.True(t, out[backend.KindDocument]["d1"])
	assert.False(t, out[backend.KindDocument]["d2"])
	assert.False(t, out[backend.KindVector]["d1"])
}

func TestWriter_PutAll(t *testing.T) {
	rel, doc, vec, gr, _ := fourAdapters()
	byKind := map[backend.Kind]backend.Adapter{
		backend.KindRelational: rel,
		backend.KindDocument:   doc,
		backend.KindVector:     vec,
		backend.KindGraph:      gr,
	}
	w := NewWriter(testFanout(), byKind)

	frags := map[backend.Kind]*backend.Fragment{
		backend.KindRelational: {ID: "d1", OwnerID: "alice", Fields: map[string]any{"title": "one"}},
		backend.KindVector:     {ID: "d1", OwnerID: "alice"},
	}
	require.NoError(t, w.PutAll(context.Background(), frags, backend.PutOptions{}))
	assert.Contains(t, rel.frags, "d1")
	assert.Contains(t, vec.frags, "d1")
	assert.Empty(t, gr.frags)
}

func TestWriter_PutAllFirstFailureWins(t *testing.T) {
	rel, doc, _, _, _ := fourAdapters()
	doc.putErr = backend.Permanent(backend.KindDocument, errors.New("bad payload"))
	byKind := map[backend.Kind]backend.Adapter{
		backend.KindRelational: rel,
		backend.KindDocument:   doc,
	}
	w := NewWriter(testFanout(), byKind)

	frags := map[backend.Kind]*backend.Fragment{
		backend.KindRelational: {ID: "d1"},
		backend.KindDocument:   {ID: "d1"},
	}
	err := w.PutAll(context.Background(), frags, backend.PutOptions{})
	assert.True(t, backend.IsPermanent(err))
}

func TestWriter_PutAllUnknownBackend(t *testing.T) {
	w := NewWriter(testFanout(), map[backend.Kind]backend.Adapter{})
	err := w.PutAll(context.Background(), map[backend.Kind]*backend.Fragment{
		backend.KindVector: {ID: "d1"},
	}, backend.PutOptions{})
	assert.Equal(t, domain.TagValidationFailed, domain.TagOf(err))
}

func TestWriter_DeleteAll(t *testing.T) {
	rel, doc, _, _, _ := fourAdapters()
	rel.seed("d1", "alice", nil)
	doc.seed("d1", "alice", nil)
	byKind := map[backend.Kind]backend.Adapter{
		backend.KindRelational: rel,
		backend.KindDocument:   doc,
	}
	w := NewWriter(testFanout(), byKind)

	require.NoError(t, w.DeleteAll(context.Background(), "d1"))
	assert.Empty(t, rel.frags)
	assert.Empty(t, doc.frags)
}

func TestSplit(t *testing.T) {
	ids := []string{"a", "b", "c", "d", "e"}
	assert.Len(t, split(ids, 0), 1)
	assert.Len(t, split(ids, 10), 1)

	pages := split(ids, 2)
	require.Len(t, pages, 3)
	assert.Equal(t, []string{"a", "b"}, pages[0])
	assert.Equal(t, []string{"e"}, pages[2])
}
