package query

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/polydoc/polydoc-api/internal/backend"
	"github.com/polydoc/polydoc-api/internal/config"
	"github.com/polydoc/polydoc-api/internal/domain"
	"github.com/polydoc/polydoc-api/internal/security"
)

// Join selects how per-backend id sets combine.
type Join string

const (
	JoinAuto         Join = "auto"
	JoinIntersection Join = "intersection"
	JoinUnion        Join = "union"
	JoinSequential   Join = "sequential"
)

// rrfK dampens the rank contribution in reciprocal rank fusion.
const rrfK = 60

// VectorSpec is the similarity half of a vector subquery.
type VectorSpec struct {
	Vector    []float32
	K         int
	Threshold float32
}

// Subquery targets one backend. Filter applies to relational, vector
// (equality payload constraints) and graph; Vector and Traverse are the
// backend-specific halves.
type Subquery struct {
	Backend  backend.Kind
	Filter   Expr
	Vector   *VectorSpec
	Traverse *backend.TraverseSpec
	Limit    int
}

// Request is one polyglot query.
type Request struct {
	Subqueries []Subquery
	Join       Join
	Limit      int
}

// Result carries the joined ids plus per-backend diagnostics. For union
// joins, Scores holds the fused rank score per id.
type Result struct {
	IDs        []string
	Scores     map[string]float64
	PerBackend map[backend.Kind][]string
	Errors     map[backend.Kind]error
	Latencies  map[backend.Kind]time.Duration
}

// Planner executes polyglot queries against the three queryable backends.
type Planner struct {
	relational backend.RelationalAdapter
	vector     backend.VectorAdapter
	graph      backend.GraphAdapter
	cfg        config.QueryConfig
	logger     *slog.Logger
}

func NewPlanner(
	rel backend.RelationalAdapter,
	vec backend.VectorAdapter,
	gr backend.GraphAdapter,
	cfg config.QueryConfig,
	logger *slog.Logger,
) *Planner {
	return &Planner{
		relational: rel,
		vector:     vec,
		graph:      gr,
		cfg:        cfg,
		logger:     logger.WithGroup("query.Planner"),
	}
}

// Execute runs the request under the caller's row-level scope.
func (p *Planner) Execute(ctx context.Context, req Request, scope security.Scope) (*Result, error) {
	if len(req.Subqueries) == 0 {
		return nil, domain.ValidationFailed("query has no subqueries")
	}
	for _, sub := range req.Subqueries {
		switch sub.Backend {
		case backend.KindRelational, backend.KindVector, backend.KindGraph:
		default:
			return nil, domain.ValidationFailed("backend %q is not queryable", sub.Backend)
		}
	}

	join := req.Join
	if join == "" || join == JoinAuto {
		join = p.chooseJoin(req)
	}

	switch join {
	case JoinIntersection:
		return p.runParallel(ctx, req, scope, true)
	case JoinUnion:
		return p.runParallel(ctx, req, scope, false)
	case JoinSequential:
		return p.runSequential(ctx, req, scope)
	default:
		return nil, domain.ValidationFailed("unknown join strategy %q", req.Join)
	}
}

// chooseJoin picks a strategy when the caller asked for auto. A lone
// subquery needs no join; a vector similarity leg fuses best by rank; plain
// filters compose as a conjunction.
func (p *Planner) chooseJoin(req Request) Join {
	if len(req.Subqueries) == 1 {
		return JoinIntersection
	}
	for _, sub := range req.Subqueries {
		if sub.Vector != nil {
			return JoinUnion
		}
	}
	return JoinIntersection
}

// runParallel fans the subqueries out concurrently, then joins. Intersection
// fails when any leg fails; union degrades, reporting failed legs in Errors.
func (p *Planner) runParallel(ctx context.Context, req Request, scope security.Scope, intersect bool) (*Result, error) {
	result := &Result{
		PerBackend: make(map[backend.Kind][]string),
		Errors:     make(map[backend.Kind]error),
		Latencies:  make(map[backend.Kind]time.Duration),
	}

	type legResult struct {
		index int
		ids   []string
	}
	legs := make([]legResult, 0, len(req.Subqueries))

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for i, sub := range req.Subqueries {
		g.Go(func() error {
			start := time.Now()
			ids, err := p.runSubquery(gctx, sub, scope, nil)
			elapsed := time.Since(start)

			mu.Lock()
			defer mu.Unlock()
			result.Latencies[sub.Backend] = elapsed
			if err != nil {
				result.Errors[sub.Backend] = err
				if intersect {
					return err
				}
				return nil
			}
			result.PerBackend[sub.Backend] = ids
			legs = append(legs, legResult{index: i, ids: ids})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return result, err
	}

	sort.Slice(legs, func(i, j int) bool { return legs[i].index < legs[j].index })
	ranked := make([][]string, len(legs))
	for i, leg := range legs {
		ranked[i] = leg.ids
	}

	if intersect {
		result.IDs = intersectOrdered(ranked)
	} else {
		if len(ranked) == 0 {
			partial := &domain.PartialError{Errors: map[string]error{}}
			for kind, err := range result.Errors {
				partial.Errors[string(kind)] = err
			}
			return result, &domain.Error{Tag: domain.TagTransient, Msg: "all query legs failed", Err: partial}
		}
		result.IDs, result.Scores = fuseRanked(ranked)
	}

	if req.Limit > 0 && len(result.IDs) > req.Limit {
		result.IDs = result.IDs[:req.Limit]
	}
	if !intersect && len(result.Errors) > 0 {
		partial := &domain.PartialError{Errors: map[string]error{}}
		for kind, err := range result.Errors {
			partial.Errors[string(kind)] = err
		}
		return result, partial
	}
	return result, nil
}

// runSequential pipes each leg's id set into the next as a constraint. An
// intermediate set larger than the configured cap aborts the query rather
// than shipping an unbounded IN list downstream.
func (p *Planner) runSequential(ctx context.Context, req Request, scope security.Scope) (*Result, error) {
	result := &Result{
		PerBackend: make(map[backend.Kind][]string),
		Errors:     make(map[backend.Kind]error),
		Latencies:  make(map[backend.Kind]time.Duration),
	}

	var carried []string
	for i, sub := range req.Subqueries {
		if i > 0 {
			if len(carried) == 0 {
				return result, nil
			}
			if len(carried) > p.cfg.MaxSequentialIDs {
				return nil, domain.ValidationFailed(
					"sequential join stage %d produced %d ids, cap is %d; narrow the earlier stages",
					i, len(carried), p.cfg.MaxSequentialIDs)
			}
		}

		var restrict []string
		if i > 0 {
			restrict = carried
		}
		start := time.Now()
		ids, err := p.runSubquery(ctx, sub, scope, restrict)
		result.Latencies[sub.Backend] = time.Since(start)
		if err != nil {
			result.Errors[sub.Backend] = err
			return result, err
		}
		result.PerBackend[sub.Backend] = ids
		carried = ids
	}

	if req.Limit > 0 && len(carried) > req.Limit {
		carried = carried[:req.Limit]
	}
	result.IDs = carried
	return result, nil
}

// runSubquery executes one leg, optionally restricted to an id set from an
// earlier sequential stage.
func (p *Planner) runSubquery(ctx context.Context, sub Subquery, scope security.Scope, restrict []string) ([]string, error) {
	switch sub.Backend {
	case backend.KindRelational:
		filter := sub.Filter
		if restrict != nil {
			filter = restrictExpr(filter, restrict)
		}
		q, err := ToRelational(filter, scope)
		if err != nil {
			return nil, err
		}
		q.Projection = []string{"document_id"}
		q.Limit = sub.Limit
		rows, err := p.relational.Query(ctx, q)
		if err != nil {
			return nil, err
		}
		return idsFromRows(rows), nil

	case backend.KindVector:
		q, err := ToVector(sub.Vector, sub.Filter, scope)
		if err != nil {
			return nil, err
		}
		if restrict != nil {
			q.MustIDs = restrict
		}
		if sub.Limit > 0 && (q.K == 0 || sub.Limit < q.K) {
			q.K = sub.Limit
		}
		hits, err := p.vector.SearchVectors(ctx, q)
		if err != nil {
			return nil, err
		}
		ids := make([]string, len(hits))
		for i, hit := range hits {
			ids[i] = hit.ID
		}
		return ids, nil

	case backend.KindGraph:
		if sub.Traverse != nil {
			spec := *sub.Traverse
			if restrict != nil {
				spec.StartIDs = restrict
			}
			rows, err := p.graph.Traverse(ctx, spec)
			if err != nil {
				return nil, err
			}
			return idsFromRows(rows), nil
		}
		filter := sub.Filter
		if restrict != nil {
			filter = restrictExpr(filter, restrict)
		}
		q, err := ToGraph(filter, scope, sub.Limit)
		if err != nil {
			return nil, err
		}
		rows, err := p.graph.QueryPattern(ctx, q)
		if err != nil {
			return nil, err
		}
		return idsFromRows(rows), nil
	}
	return nil, domain.ValidationFailed("backend %q is not queryable", sub.Backend)
}

func restrictExpr(filter Expr, ids []string) Expr {
	values := make([]any, len(ids))
	for i, id := range ids {
		values[i] = id
	}
	in := &In{Field: "document_id", Values: values}
	if filter == nil {
		return in
	}
	return &And{Children: []Expr{filter, in}}
}

// idsFromRows extracts the document id from heterogeneous result rows.
func idsFromRows(rows []map[string]any) []string {
	ids := make([]string, 0, len(rows))
	seen := make(map[string]struct{}, len(rows))
	for _, row := range rows {
		id := idFromRow(row)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}

func idFromRow(row map[string]any) string {
	for _, key := range []string{"document_id", "id", "_id"} {
		if v, ok := row[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// intersectOrdered keeps ids present in every list, preserving the first
// list's order.
func intersectOrdered(lists [][]string) []string {
	if len(lists) == 0 {
		return nil
	}
	counts := make(map[string]int)
	for _, list := range lists[1:] {
		seen := make(map[string]struct{}, len(list))
		for _, id := range list {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			counts[id]++
		}
	}
	need := len(lists) - 1
	out := make([]string, 0)
	for _, id := range lists[0] {
		if counts[id] == need {
			out = append(out, id)
			counts[id] = -1
		}
	}
	return out
}

// fuseRanked merges ranked lists with reciprocal rank fusion: each list
// contributes 1/(k+rank) per id, and the union is ordered by total score.
func fuseRanked(lists [][]string) ([]string, map[string]float64) {
	scores := make(map[string]float64)
	for _, list := range lists {
		for rank, id := range list {
			scores[id] += 1.0 / float64(rrfK+rank+1)
		}
	}
	ids := make([]string, 0, len(scores))
	for id := range scores {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if scores[ids[i]] != scores[ids[j]] {
			return scores[ids[i]] > scores[ids[j]]
		}
		return ids[i] < ids[j]
	})
	return ids, scores
}
