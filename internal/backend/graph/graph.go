// Package graph implements the relationship-store adapter on Neo4j. Documents
// are nodes keyed by document_id; typed edges connect them.
package graph

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v6/neo4j"

	"github.com/polydoc/polydoc-api/internal/backend"
	"github.com/polydoc/polydoc-api/internal/resilience"
)

var _ backend.GraphAdapter = (*Adapter)(nil)

const defaultMaxBatch = 200

// Labels and relationship types are spliced into Cypher text, so they are
// restricted to identifier characters.
var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type Adapter struct {
	driver  neo4j.Driver
	breaker *resilience.CircuitBreaker
	logger  *slog.Logger
}

// New creates the adapter and verifies connectivity.
func New(ctx context.Context, uri, user, password string, rs resilience.Settings, logger *slog.Logger) (*Adapter, error) {
	driver, err := neo4j.NewDriver(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, fmt.Errorf("failed to create Neo4j driver for %s: %w", uri, err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		if closeErr := driver.Close(ctx); closeErr != nil {
			logger.Warn("failed to close driver after connectivity check", "error", closeErr)
		}
		return nil, fmt.Errorf("failed to verify Neo4j connectivity at %s: %w", uri, err)
	}
	return &Adapter{
		driver:  driver,
		breaker: resilience.New("graphstore", rs, logger),
		logger:  logger.WithGroup("graphstore"),
	}, nil
}

func (a *Adapter) Kind() backend.Kind { return backend.KindGraph }

func (a *Adapter) MaxBatchSize() int { return defaultMaxBatch }

func (a *Adapter) Close(ctx context.Context) error { return a.driver.Close(ctx) }

func (a *Adapter) do(fn func() error) error {
	err := a.breaker.Execute(fn)
	if err == resilience.ErrCircuitOpen {
		return backend.Transient(backend.KindGraph, err)
	}
	return backend.Classify(backend.KindGraph, err)
}

func (a *Adapter) run(ctx context.Context, cypher string, params map[string]any) (*neo4j.EagerResult, error) {
	var result *neo4j.EagerResult
	err := a.do(func() error {
		var err error
		result, err = neo4j.ExecuteQuery(ctx, a.driver, cypher, params,
			neo4j.EagerResultTransformer,
			neo4j.ExecuteQueryWithDatabase(""),
		)
		return err
	})
	return result, err
}

func (a *Adapter) Get(ctx context.Context, id string) (*backend.Fragment, error) {
	result, err := a.run(ctx,
		`MATCH (d:Document {document_id: $id}) RETURN properties(d) AS props`,
		map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	if len(result.Records) == 0 {
		return nil, backend.ErrNotFound
	}
	props, _, err := neo4j.GetRecordValue[map[string]any](result.Records[0], "props")
	if err != nil {
		return nil, backend.Permanent(backend.KindGraph, err)
	}
	return fragmentFromProps(id, props), nil
}

func (a *Adapter) GetMany(ctx context.Context, ids []string) (map[string]*backend.Fragment, error) {
	out := make(map[string]*backend.Fragment, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	result, err := a.run(ctx,
		`MATCH (d:Document) WHERE d.document_id IN $ids
		 RETURN d.document_id AS id, properties(d) AS props`,
		map[string]any{"ids": ids})
	if err != nil {
		return nil, err
	}
	for _, record := range result.Records {
		id, _, _ := neo4j.GetRecordValue[string](record, "id")
		props, _, _ := neo4j.GetRecordValue[map[string]any](record, "props")
		out[id] = fragmentFromProps(id, props)
	}
	return out, nil
}

func (a *Adapter) Exists(ctx context.Context, ids []string) (map[string]bool, error) {
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = false
	}
	if len(ids) == 0 {
		return out, nil
	}
	result, err := a.run(ctx,
		`MATCH (d:Document) WHERE d.document_id IN $ids RETURN d.document_id AS id`,
		map[string]any{"ids": ids})
	if err != nil {
		return nil, err
	}
	for _, record := range result.Records {
		id, _, _ := neo4j.GetRecordValue[string](record, "id")
		out[id] = true
	}
	return out, nil
}

func (a *Adapter) Put(ctx context.Context, frag *backend.Fragment, opts backend.PutOptions) error {
	props := make(map[string]any, len(frag.Fields)+2)
	for k, v := range frag.Fields {
		props[k] = v
	}
	props["document_id"] = frag.ID
	if frag.OwnerID != "" {
		props["owner_id"] = frag.OwnerID
	}
	return a.UpsertNode(ctx, frag.ID, nil, props)
}

func (a *Adapter) UpsertNode(ctx context.Context, id string, labels []string, props map[string]any) error {
	extra, err := labelFragment(labels)
	if err != nil {
		return backend.Permanent(backend.KindGraph, err)
	}
	if props == nil {
		props = map[string]any{}
	}
	props["document_id"] = id
	cypher := fmt.Sprintf(`MERGE (d:Document {document_id: $id}) SET d += $props%s`, extra)
	_, err = a.run(ctx, cypher, map[string]any{"id": id, "props": props})
	return err
}

func (a *Adapter) UpsertEdge(ctx context.Context, from, to, edgeType string, props map[string]any) error {
	if !identRe.MatchString(edgeType) {
		return backend.Permanent(backend.KindGraph, fmt.Errorf("invalid edge type %q", edgeType))
	}
	if props == nil {
		props = map[string]any{}
	}
	cypher := fmt.Sprintf(`
		MATCH (a:Document {document_id: $from})
		MATCH (b:Document {document_id: $to})
		MERGE (a)-[r:%s]->(b)
		SET r += $props`, edgeType)
	_, err := a.run(ctx, cypher, map[string]any{"from": from, "to": to, "props": props})
	return err
}

func (a *Adapter) Delete(ctx context.Context, id string) error {
	_, err := a.run(ctx,
		`MATCH (d:Document {document_id: $id}) DETACH DELETE d`,
		map[string]any{"id": id})
	return err
}

func (a *Adapter) QueryPattern(ctx context.Context, q backend.GraphQuery) ([]map[string]any, error) {
	result, err := a.run(ctx, q.Cypher, q.Params)
	if err != nil {
		return nil, err
	}
	return recordsToMaps(result), nil
}

func (a *Adapter) Traverse(ctx context.Context, spec backend.TraverseSpec) ([]map[string]any, error) {
	depth := spec.Depth
	if depth <= 0 {
		depth = 1
	}
	rel, err := relFragment(spec.EdgeTypes)
	if err != nil {
		return nil, backend.Permanent(backend.KindGraph, err)
	}
	limit := spec.Limit
	if limit <= 0 {
		limit = 100
	}
	// Depth and relationship types cannot be Cypher parameters, so they are
	// validated and formatted into the pattern.
	cypher := fmt.Sprintf(`
		MATCH (start:Document)-[%s*1..%d]-(d:Document)
		WHERE start.document_id IN $ids
		RETURN DISTINCT d.document_id AS document_id, properties(d) AS props
		LIMIT %d`, rel, depth, limit)
	result, err := a.run(ctx, cypher, map[string]any{"ids": spec.StartIDs})
	if err != nil {
		return nil, err
	}
	return recordsToMaps(result), nil
}

func (a *Adapter) Health(ctx context.Context) backend.Health {
	switch a.breaker.CurrentState() {
	case resilience.StateOpen:
		return backend.HealthDown
	case resilience.StateHalfOpen:
		return backend.HealthDegraded
	}
	if err := a.driver.VerifyConnectivity(ctx); err != nil {
		return backend.HealthDown
	}
	return backend.HealthOK
}

func labelFragment(labels []string) (string, error) {
	if len(labels) == 0 {
		return "", nil
	}
	var b strings.Builder
	b.WriteString(" SET d")
	for _, label := range labels {
		if !identRe.MatchString(label) {
			return "", fmt.Errorf("invalid label %q", label)
		}
		b.WriteString(":" + label)
	}
	return b.String(), nil
}

func relFragment(edgeTypes []string) (string, error) {
	if len(edgeTypes) == 0 {
		return "", nil
	}
	parts := make([]string, 0, len(edgeTypes))
	for _, t := range edgeTypes {
		if !identRe.MatchString(t) {
			return "", fmt.Errorf("invalid edge type %q", t)
		}
		parts = append(parts, t)
	}
	return ":" + strings.Join(parts, "|"), nil
}

func recordsToMaps(result *neo4j.EagerResult) []map[string]any {
	out := make([]map[string]any, 0, len(result.Records))
	for _, record := range result.Records {
		row := make(map[string]any, len(record.Keys))
		for _, key := range record.Keys {
			if v, ok := record.Get(key); ok {
				row[key] = v
			}
		}
		out = append(out, row)
	}
	return out
}

func fragmentFromProps(id string, props map[string]any) *backend.Fragment {
	owner, _ := props["owner_id"].(string)
	return &backend.Fragment{ID: id, OwnerID: owner, Fields: props}
}
