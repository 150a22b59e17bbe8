// Package backend defines the uniform adapter contract the coordinator
// drives. Each of the four stores implements Adapter plus its own extension
// interface; the coordinator never talks to a driver directly.
package backend

import (
	"context"
	"io"
	"time"
)

// Kind identifies a backend family.
type Kind string

const (
	KindRelational Kind = "relational"
	KindDocument   Kind = "document"
	KindVector     Kind = "vector"
	KindGraph      Kind = "graph"
)

// AllKinds lists every backend in fan-out order.
var AllKinds = []Kind{KindRelational, KindDocument, KindVector, KindGraph}

// Health is the coarse availability signal an adapter reports.
type Health int

const (
	HealthOK Health = iota
	HealthDegraded
	HealthDown
)

func (h Health) String() string {
	switch h {
	case HealthOK:
		return "ok"
	case HealthDegraded:
		return "degraded"
	default:
		return "down"
	}
}

// Fragment is the per-backend projection of a document. OwnerID is carried on
// every fragment so row-level checks never need a cross-backend read.
type Fragment struct {
	ID      string
	OwnerID string
	Version int64
	Fields  map[string]any
}

// PutOptions modifies Put behavior. IfVersion enables optimistic concurrency:
// the put fails with ErrVersionConflict when the stored version differs.
type PutOptions struct {
	IfVersion      *int64
	IdempotencyKey string
}

// Adapter is the operation set every backend provides. Implementations are
// stateless apart from their connection pool and safe for concurrent use.
type Adapter interface {
	Kind() Kind
	Get(ctx context.Context, id string) (*Fragment, error)
	GetMany(ctx context.Context, ids []string) (map[string]*Fragment, error)
	Exists(ctx context.Context, ids []string) (map[string]bool, error)
	Put(ctx context.Context, frag *Fragment, opts PutOptions) error
	Delete(ctx context.Context, id string) error
	Health(ctx context.Context) Health
	// MaxBatchSize declares the largest id slice GetMany/Exists accepts;
	// the batch layer splits larger requests.
	MaxBatchSize() int
}

// RelationalQuery is the native form the relational adapter accepts. Where is
// a parameterized SQL fragment; all literals travel in Args.
type RelationalQuery struct {
	Where      string
	Args       []any
	Projection []string
	Sort       string
	Limit      int
	Offset     int
}

// RelationalAdapter adds structured queries over document metadata.
type RelationalAdapter interface {
	Adapter
	Query(ctx context.Context, q RelationalQuery) ([]map[string]any, error)
	BatchExists(ctx context.Context, ids []string) (map[string]bool, error)
}

// BlobAdapter adds streaming blob storage to the document store contract.
type BlobAdapter interface {
	Adapter
	PutBlob(ctx context.Context, id string, r io.Reader, size int64) (string, error)
	GetBlob(ctx context.Context, id string) (io.ReadCloser, int64, error)
	DeleteBlob(ctx context.Context, id string) error
}

// VectorQuery is the native form the vector adapter accepts.
type VectorQuery struct {
	Vector         []float32
	K              int
	ScoreThreshold float32
	// Must holds payload equality constraints joined with AND.
	Must map[string]any
	// MustIDs restricts the search to the listed point ids when non-nil.
	MustIDs []string
}

// ScoredID is one approximate-nearest-neighbor hit.
type ScoredID struct {
	ID    string
	Score float32
}

// VectorAdapter adds embedding upsert and ANN search.
type VectorAdapter interface {
	Adapter
	UpsertVector(ctx context.Context, id string, vector []float32, payload map[string]any) error
	// GetVector returns the stored embedding and payload for id. Get and
	// GetMany omit the vector itself; callers that need to re-create a point
	// later use this.
	GetVector(ctx context.Context, id string) ([]float32, map[string]any, error)
	SearchVectors(ctx context.Context, q VectorQuery) ([]ScoredID, error)
}

// GraphQuery is the native form the graph adapter accepts: a parameterized
// Cypher statement, literals out-of-band in Params.
type GraphQuery struct {
	Cypher string
	Params map[string]any
}

// TraverseSpec describes a bounded traversal from a set of start nodes.
type TraverseSpec struct {
	StartIDs  []string
	EdgeTypes []string
	Depth     int
	Limit     int
}

// GraphAdapter adds typed nodes, edges, pattern queries and traversal.
type GraphAdapter interface {
	Adapter
	UpsertNode(ctx context.Context, id string, labels []string, props map[string]any) error
	UpsertEdge(ctx context.Context, from, to, edgeType string, props map[string]any) error
	QueryPattern(ctx context.Context, q GraphQuery) ([]map[string]any, error)
	Traverse(ctx context.Context, spec TraverseSpec) ([]map[string]any, error)
}

// HealthOf probes an adapter with a short deadline so health checks cannot
// hang the stats path.
func HealthOf(ctx context.Context, a Adapter) Health {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return a.Health(ctx)
}
