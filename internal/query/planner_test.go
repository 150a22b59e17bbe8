package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polydoc/polydoc-api/internal/backend"
	"github.com/polydoc/polydoc-api/internal/config"
	"github.com/polydoc/polydoc-api/internal/domain"
	"github.com/polydoc/polydoc-api/internal/security"
)

type stubBase struct {
	kind backend.Kind
}

func (s stubBase) Kind() backend.Kind { return s.kind }
func (s stubBase) Get(context.Context, string) (*backend.Fragment, error) {
	return nil, backend.ErrNotFound
}
func (s stubBase) GetMany(context.Context, []string) (map[string]*backend.Fragment, error) {
	return nil, nil
}
func (s stubBase) Exists(context.Context, []string) (map[string]bool, error) { return nil, nil }
func (s stubBase) Put(context.Context, *backend.Fragment, backend.PutOptions) error {
	return nil
}
func (s stubBase) Delete(context.Context, string) error        { return nil }
func (s stubBase) Health(context.Context) backend.Health       { return backend.HealthOK }
func (s stubBase) MaxBatchSize() int                           { return 100 }

type stubRelational struct {
	stubBase
	rows    []map[string]any
	err     error
	lastQ   backend.RelationalQuery
	queries int
}

func (s *stubRelational) Query(_ context.Context, q backend.RelationalQuery) ([]map[string]any, error) {
	s.lastQ = q
	s.queries++
	return s.rows, s.err
}

func (s *stubRelational) BatchExists(context.Context, []string) (map[string]bool, error) {
	return nil, nil
}

type stubVector struct {
	stubBase
	hits  []backend.ScoredID
	err   error
	lastQ backend.VectorQuery
}

func (s *stubVector) UpsertVector(context.Context, string, []float32, map[string]any) error {
	return nil
}

func (s *stubVector) GetVector(context.Context, string) ([]float32, map[string]any, error) {
	return nil, nil, backend.ErrNotFound
}

func (s *stubVector) SearchVectors(_ context.Context, q backend.VectorQuery) ([]backend.ScoredID, error) {
	s.lastQ = q
	return s.hits, s.err
}

type stubGraph struct {
	stubBase
	rows     []map[string]any
	err      error
	lastSpec backend.TraverseSpec
}

func (s *stubGraph) UpsertNode(context.Context, string, []string, map[string]any) error { return nil }
func (s *stubGraph) UpsertEdge(context.Context, string, string, string, map[string]any) error {
	return nil
}

func (s *stubGraph) QueryPattern(context.Context, backend.GraphQuery) ([]map[string]any, error) {
	return s.rows, s.err
}

func (s *stubGraph) Traverse(_ context.Context, spec backend.TraverseSpec) ([]map[string]any, error) {
	s.lastSpec = spec
	return s.rows, s.err
}

func rowsFor(ids ...string) []map[string]any {
	rows := make([]map[string]any, len(ids))
	for i, id := range ids {
		rows[i] = map[string]any{"document_id": id}
	}
	return rows
}

func hitsFor(ids ...string) []backend.ScoredID {
	hits := make([]backend.ScoredID, len(ids))
	for i, id := range ids {
		hits[i] = backend.ScoredID{ID: id, Score: 1 - float32(i)*0.1}
	}
	return hits
}

func newTestPlanner(rel *stubRelational, vec *stubVector, gr *stubGraph) *Planner {
	if rel == nil {
		rel = &stubRelational{stubBase: stubBase{kind: backend.KindRelational}}
	}
	if vec == nil {
		vec = &stubVector{stubBase: stubBase{kind: backend.KindVector}}
	}
	if gr == nil {
		gr = &stubGraph{stubBase: stubBase{kind: backend.KindGraph}}
	}
	return NewPlanner(rel, vec, gr, config.QueryConfig{MaxSequentialIDs: 100}, slog.New(slog.DiscardHandler))
}

var allScope = security.Scope{All: true}

func TestPlanner_NoSubqueries(t *testing.T) {
	p := newTestPlanner(nil, nil, nil)
	_, err := p.Execute(context.Background(), Request{}, allScope)
	assert.Equal(t, domain.TagValidationFailed, domain.TagOf(err))
}

func TestPlanner_UnqueryableBackend(t *testing.T) {
	p := newTestPlanner(nil, nil, nil)
	_, err := p.Execute(context.Background(), Request{
		Subqueries: []Subquery{{Backend: backend.KindDocument}},
	}, allScope)
	assert.Equal(t, domain.TagValidationFailed, domain.TagOf(err))
}

func TestPlanner_SingleLeg(t *testing.T) {
	rel := &stubRelational{stubBase: stubBase{kind: backend.KindRelational}, rows: rowsFor("d1", "d2")}
	p := newTestPlanner(rel, nil, nil)

	res, err := p.Execute(context.Background(), Request{
		Subqueries: []Subquery{{Backend: backend.KindRelational, Filter: Eq("owner_id", "alice")}},
	}, allScope)
	require.NoError(t, err)
	assert.Equal(t, []string{"d1", "d2"}, res.IDs)
	assert.Equal(t, []string{"document_id"}, rel.lastQ.Projection)
}

func TestPlanner_IntersectionPreservesFirstLegOrder(t *testing.T) {
	rel := &stubRelational{stubBase: stubBase{kind: backend.KindRelational}, rows: rowsFor("d3", "d1", "d2")}
	gr := &stubGraph{stubBase: stubBase{kind: backend.KindGraph}, rows: rowsFor("d2", "d3", "d9")}
	p := newTestPlanner(rel, nil, gr)

	res, err := p.Execute(context.Background(), Request{
		Subqueries: []Subquery{
			{Backend: backend.KindRelational, Filter: Eq("category", "report")},
			{Backend: backend.KindGraph, Filter: Eq("category", "report")},
		},
		Join: JoinIntersection,
	}, allScope)
	require.NoError(t, err)
	assert.Equal(t, []string{"d3", "d2"}, res.IDs)
}

func TestPlanner_IntersectionLegFailureFailsQuery(t *testing.T) {
	rel := &stubRelational{stubBase: stubBase{kind: backend.KindRelational}, rows: rowsFor("d1")}
	gr := &stubGraph{stubBase: stubBase{kind: backend.KindGraph}, err: errors.New("neo4j down")}
	p := newTestPlanner(rel, nil, gr)

	_, err := p.Execute(context.Background(), Request{
		Subqueries: []Subquery{
			{Backend: backend.KindRelational},
			{Backend: backend.KindGraph},
		},
		Join: JoinIntersection,
	}, allScope)
	require.Error(t, err)
}

func TestPlanner_UnionFusesByReciprocalRank(t *testing.T) {
	rel := &stubRelational{stubBase: stubBase{kind: backend.KindRelational}, rows: rowsFor("d1", "d2", "d3")}
	vec := &stubVector{stubBase: stubBase{kind: backend.KindVector}, hits: hitsFor("d2", "d4")}
	p := newTestPlanner(rel, vec, nil)

	res, err := p.Execute(context.Background(), Request{
		Subqueries: []Subquery{
			{Backend: backend.KindRelational, Filter: Eq("category", "report")},
			{Backend: backend.KindVector, Vector: &VectorSpec{Vector: []float32{1}, K: 10}},
		},
		Join: JoinUnion,
	}, allScope)
	require.NoError(t, err)

	// d2 appears in both lists so it fuses highest.
	require.NotEmpty(t, res.IDs)
	assert.Equal(t, "d2", res.IDs[0])
	assert.Len(t, res.IDs, 4)
	assert.Greater(t, res.Scores["d2"], res.Scores["d1"])
}

func TestPlanner_UnionDegradesOnLegFailure(t *testing.T) {
	rel := &stubRelational{stubBase: stubBase{kind: backend.KindRelational}, rows: rowsFor("d1")}
	vec := &stubVector{stubBase: stubBase{kind: backend.KindVector}, err: errors.New("qdrant down")}
	p := newTestPlanner(rel, vec, nil)

	res, err := p.Execute(context.Background(), Request{
		Subqueries: []Subquery{
			{Backend: backend.KindRelational},
			{Backend: backend.KindVector, Vector: &VectorSpec{Vector: []float32{1}, K: 5}},
		},
		Join: JoinUnion,
	}, allScope)

	var partial *domain.PartialError
	require.ErrorAs(t, err, &partial)
	assert.Equal(t, []string{"d1"}, res.IDs)
	assert.Contains(t, res.Errors, backend.KindVector)
}

func TestPlanner_UnionAllLegsFailed(t *testing.T) {
	rel := &stubRelational{stubBase: stubBase{kind: backend.KindRelational}, err: errors.New("down")}
	vec := &stubVector{stubBase: stubBase{kind: backend.KindVector}, err: errors.New("down")}
	p := newTestPlanner(rel, vec, nil)

	_, err := p.Execute(context.Background(), Request{
		Subqueries: []Subquery{
			{Backend: backend.KindRelational},
			{Backend: backend.KindVector, Vector: &VectorSpec{Vector: []float32{1}, K: 5}},
		},
		Join: JoinUnion,
	}, allScope)
	require.Error(t, err)
	assert.Equal(t, domain.TagTransient, domain.TagOf(err))
}

func TestPlanner_AutoJoinSelection(t *testing.T) {
	p := newTestPlanner(nil, nil, nil)

	assert.Equal(t, JoinIntersection, p.chooseJoin(Request{Subqueries: []Subquery{{}}}))
	assert.Equal(t, JoinUnion, p.chooseJoin(Request{Subqueries: []Subquery{
		{Backend: backend.KindRelational},
		{Backend: backend.KindVector, Vector: &VectorSpec{}},
	}}))
	assert.Equal(t, JoinIntersection, p.chooseJoin(Request{Subqueries: []Subquery{
		{Backend: backend.KindRelational},
		{Backend: backend.KindGraph},
	}}))
}

func TestPlanner_SequentialPipesIDs(t *testing.T) {
	rel := &stubRelational{stubBase: stubBase{kind: backend.KindRelational}, rows: rowsFor("d1", "d2")}
	gr := &stubGraph{stubBase: stubBase{kind: backend.KindGraph}, rows: rowsFor("d2")}
	p := newTestPlanner(rel, nil, gr)

	res, err := p.Execute(context.Background(), Request{
		Subqueries: []Subquery{
			{Backend: backend.KindRelational, Filter: Eq("category", "report")},
			{Backend: backend.KindGraph, Traverse: &backend.TraverseSpec{EdgeTypes: []string{"CITES"}, Depth: 2}},
		},
		Join: JoinSequential,
	}, allScope)
	require.NoError(t, err)
	assert.Equal(t, []string{"d2"}, res.IDs)
	assert.Equal(t, []string{"d1", "d2"}, gr.lastSpec.StartIDs)
}

func TestPlanner_SequentialEmptyIntermediate(t *testing.T) {
	rel := &stubRelational{stubBase: stubBase{kind: backend.KindRelational}}
	gr := &stubGraph{stubBase: stubBase{kind: backend.KindGraph}, rows: rowsFor("d9")}
	p := newTestPlanner(rel, nil, gr)

	res, err := p.Execute(context.Background(), Request{
		Subqueries: []Subquery{
			{Backend: backend.KindRelational},
			{Backend: backend.KindGraph, Traverse: &backend.TraverseSpec{Depth: 1}},
		},
		Join: JoinSequential,
	}, allScope)
	require.NoError(t, err)
	assert.Empty(t, res.IDs)
	assert.NotContains(t, res.PerBackend, backend.KindGraph, "later stages are skipped")
}

func TestPlanner_SequentialCapExceeded(t *testing.T) {
	rows := make([]map[string]any, 101)
	for i := range rows {
		rows[i] = map[string]any{"document_id": fmt.Sprintf("d%d", i)}
	}
	rel := &stubRelational{stubBase: stubBase{kind: backend.KindRelational}, rows: rows}
	gr := &stubGraph{stubBase: stubBase{kind: backend.KindGraph}}
	p := newTestPlanner(rel, nil, gr)

	_, err := p.Execute(context.Background(), Request{
		Subqueries: []Subquery{
			{Backend: backend.KindRelational},
			{Backend: backend.KindGraph, Traverse: &backend.TraverseSpec{Depth: 1}},
		},
		Join: JoinSequential,
	}, allScope)
	require.Error(t, err)
	assert.Equal(t, domain.TagValidationFailed, domain.TagOf(err))
}

func TestPlanner_SequentialVectorRestriction(t *testing.T) {
	rel := &stubRelational{stubBase: stubBase{kind: backend.KindRelational}, rows: rowsFor("d1", "d2")}
	vec := &stubVector{stubBase: stubBase{kind: backend.KindVector}, hits: hitsFor("d1")}
	p := newTestPlanner(rel, vec, nil)

	res, err := p.Execute(context.Background(), Request{
		Subqueries: []Subquery{
			{Backend: backend.KindRelational, Filter: Eq("category", "report")},
			{Backend: backend.KindVector, Vector: &VectorSpec{Vector: []float32{1}, K: 5}},
		},
		Join: JoinSequential,
	}, allScope)
	require.NoError(t, err)
	assert.Equal(t, []string{"d1"}, res.IDs)
	assert.Equal(t, []string{"d1", "d2"}, vec.lastQ.MustIDs)
}

func TestPlanner_LimitTruncates(t *testing.T) {
	rel := &stubRelational{stubBase: stubBase{kind: backend.KindRelational}, rows: rowsFor("d1", "d2", "d3")}
	p := newTestPlanner(rel, nil, nil)

	res, err := p.Execute(context.Background(), Request{
		Subqueries: []Subquery{{Backend: backend.KindRelational}},
		Limit:      2,
	}, allScope)
	require.NoError(t, err)
	assert.Equal(t, []string{"d1", "d2"}, res.IDs)
}

func TestIntersectOrdered_DuplicatesCountOnce(t *testing.T) {
	out := intersectOrdered([][]string{
		{"a", "b", "c"},
		{"b", "b", "c"},
	})
	assert.Equal(t, []string{"b", "c"}, out)
}

func TestFuseRanked_TieBreaksByID(t *testing.T) {
	ids, scores := fuseRanked([][]string{{"b"}, {"a"}})
	assert.Equal(t, []string{"a", "b"}, ids)
	assert.InDelta(t, scores["a"], scores["b"], 1e-9)
}
