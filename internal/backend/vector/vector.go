// Package vector implements the embedding-store adapter on Qdrant. One point
// per document; the owner id travels in the payload so similarity hits can be
// filtered without a relational round trip.
package vector

import (
	"context"
	"fmt"
	"log/slog"

	pb "github.com/qdrant/go-client/qdrant"

	"github.com/polydoc/polydoc-api/internal/backend"
	"github.com/polydoc/polydoc-api/internal/resilience"
)

var _ backend.VectorAdapter = (*Adapter)(nil)

const defaultMaxBatch = 200

type Adapter struct {
	client     *pb.Client
	collection string
	vectorSize uint64
	breaker    *resilience.CircuitBreaker
	logger     *slog.Logger
}

// New connects to Qdrant and ensures the target collection exists.
func New(host string, port int, collection string, vectorSize uint64, rs resilience.Settings, logger *slog.Logger) (*Adapter, error) {
	client, err := pb.NewClient(&pb.Config{
		Host: host,
		Port: port,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Qdrant at %s:%d: %w", host, port, err)
	}

	a := &Adapter{
		client:     client,
		collection: collection,
		vectorSize: vectorSize,
		breaker:    resilience.New("vectorstore", rs, logger),
		logger:     logger.WithGroup("vectorstore"),
	}
	if err := a.ensureCollection(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ensure collection %q: %w", collection, err)
	}
	return a, nil
}

func (a *Adapter) ensureCollection(ctx context.Context) error {
	exists, err := a.client.CollectionExists(ctx, a.collection)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return a.client.CreateCollection(ctx, &pb.CreateCollection{
		CollectionName: a.collection,
		VectorsConfig: pb.NewVectorsConfig(&pb.VectorParams{
			Size:     a.vectorSize,
			Distance: pb.Distance_Cosine,
		}),
	})
}

func (a *Adapter) Kind() backend.Kind { return backend.KindVector }

func (a *Adapter) MaxBatchSize() int { return defaultMaxBatch }

func (a *Adapter) Close() error { return a.client.Close() }

func (a *Adapter) do(fn func() error) error {
	err := a.breaker.Execute(fn)
	if err == resilience.ErrCircuitOpen {
		return backend.Transient(backend.KindVector, err)
	}
	return backend.Classify(backend.KindVector, err)
}

func (a *Adapter) Get(ctx context.Context, id string) (*backend.Fragment, error) {
	frags, err := a.GetMany(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	frag, ok := frags[id]
	if !ok {
		return nil, backend.ErrNotFound
	}
	return frag, nil
}

func (a *Adapter) GetMany(ctx context.Context, ids []string) (map[string]*backend.Fragment, error) {
	out := make(map[string]*backend.Fragment, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var points []*pb.RetrievedPoint
	err := a.do(func() error {
		var err error
		points, err = a.client.Get(ctx, &pb.GetPoints{
			CollectionName: a.collection,
			Ids:            pointIDs(ids),
			WithPayload:    pb.NewWithPayload(true),
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	for _, p := range points {
		frag := fragmentFromPayload(p.GetId().GetUuid(), p.GetPayload())
		out[frag.ID] = frag
	}
	return out, nil
}

func (a *Adapter) GetVector(ctx context.Context, id string) ([]float32, map[string]any, error) {
	var points []*pb.RetrievedPoint
	err := a.do(func() error {
		var err error
		points, err = a.client.Get(ctx, &pb.GetPoints{
			CollectionName: a.collection,
			Ids:            pointIDs([]string{id}),
			WithPayload:    pb.NewWithPayload(true),
			WithVectors:    pb.NewWithVectors(true),
		})
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	if len(points) == 0 {
		return nil, nil, backend.ErrNotFound
	}
	p := points[0]
	frag := fragmentFromPayload(p.GetId().GetUuid(), p.GetPayload())
	return p.GetVectors().GetVector().GetData(), frag.Fields, nil
}

func (a *Adapter) Exists(ctx context.Context, ids []string) (map[string]bool, error) {
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = false
	}
	if len(ids) == 0 {
		return out, nil
	}
	var points []*pb.RetrievedPoint
	err := a.do(func() error {
		var err error
		points, err = a.client.Get(ctx, &pb.GetPoints{
			CollectionName: a.collection,
			Ids:            pointIDs(ids),
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	for _, p := range points {
		out[p.GetId().GetUuid()] = true
	}
	return out, nil
}

func (a *Adapter) Put(ctx context.Context, frag *backend.Fragment, opts backend.PutOptions) error {
	vector, ok := frag.Fields["vector"].([]float32)
	if !ok || len(vector) == 0 {
		// Payload-only update keeps the stored embedding.
		return a.do(func() error {
			_, err := a.client.SetPayload(ctx, &pb.SetPayloadPoints{
				CollectionName: a.collection,
				Payload:        payloadFromFragment(frag),
				PointsSelector: pb.NewPointsSelector(pb.NewIDUUID(frag.ID)),
			})
			return err
		})
	}
	return a.UpsertVector(ctx, frag.ID, vector, fragmentPayloadFields(frag))
}

func (a *Adapter) UpsertVector(ctx context.Context, id string, vector []float32, payload map[string]any) error {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["document_id"] = id
	return a.do(func() error {
		_, err := a.client.Upsert(ctx, &pb.UpsertPoints{
			CollectionName: a.collection,
			Points: []*pb.PointStruct{
				{
					Id:      pb.NewIDUUID(id),
					Vectors: pb.NewVectors(vector...),
					Payload: pb.NewValueMap(payload),
				},
			},
		})
		return err
	})
}

func (a *Adapter) Delete(ctx context.Context, id string) error {
	return a.do(func() error {
		_, err := a.client.Delete(ctx, &pb.DeletePoints{
			CollectionName: a.collection,
			Points:         pb.NewPointsSelector(pb.NewIDUUID(id)),
		})
		return err
	})
}

func (a *Adapter) SearchVectors(ctx context.Context, q backend.VectorQuery) ([]backend.ScoredID, error) {
	query := &pb.QueryPoints{
		CollectionName: a.collection,
		Query:          pb.NewQuery(q.Vector...),
		WithPayload:    pb.NewWithPayload(false),
	}
	if q.K > 0 {
		query.Limit = pb.PtrOf(uint64(q.K))
	}
	if q.ScoreThreshold > 0 {
		query.ScoreThreshold = pb.PtrOf(q.ScoreThreshold)
	}
	if filter := buildFilter(q); filter != nil {
		query.Filter = filter
	}

	var hits []*pb.ScoredPoint
	err := a.do(func() error {
		var err error
		hits, err = a.client.Query(ctx, query)
		return err
	})
	if err != nil {
		return nil, err
	}

	out := make([]backend.ScoredID, 0, len(hits))
	for _, hit := range hits {
		out = append(out, backend.ScoredID{
			ID:    hit.GetId().GetUuid(),
			Score: hit.GetScore(),
		})
	}
	return out, nil
}

func (a *Adapter) Health(ctx context.Context) backend.Health {
	switch a.breaker.CurrentState() {
	case resilience.StateOpen:
		return backend.HealthDown
	case resilience.StateHalfOpen:
		return backend.HealthDegraded
	}
	if _, err := a.client.HealthCheck(ctx); err != nil {
		return backend.HealthDown
	}
	return backend.HealthOK
}

func buildFilter(q backend.VectorQuery) *pb.Filter {
	var must []*pb.Condition
	for field, value := range q.Must {
		must = append(must, matchCondition(field, value))
	}
	if len(q.MustIDs) > 0 {
		must = append(must, pb.NewHasID(pointIDs(q.MustIDs)...))
	}
	if len(must) == 0 {
		return nil
	}
	return &pb.Filter{Must: must}
}

func matchCondition(field string, value any) *pb.Condition {
	switch v := value.(type) {
	case string:
		return pb.NewMatch(field, v)
	case bool:
		return pb.NewMatchBool(field, v)
	case int:
		return pb.NewMatchInt(field, int64(v))
	case int64:
		return pb.NewMatchInt(field, v)
	default:
		return pb.NewMatch(field, fmt.Sprintf("%v", v))
	}
}

func pointIDs(ids []string) []*pb.PointId {
	out := make([]*pb.PointId, len(ids))
	for i, id := range ids {
		out[i] = pb.NewIDUUID(id)
	}
	return out
}

func payloadFromFragment(frag *backend.Fragment) map[string]*pb.Value {
	return pb.NewValueMap(fragmentPayloadFields(frag))
}

func fragmentPayloadFields(frag *backend.Fragment) map[string]any {
	fields := make(map[string]any, len(frag.Fields)+2)
	for k, v := range frag.Fields {
		if k == "vector" {
			continue
		}
		fields[k] = v
	}
	fields["document_id"] = frag.ID
	if frag.OwnerID != "" {
		fields["owner_id"] = frag.OwnerID
	}
	return fields
}

func fragmentFromPayload(id string, payload map[string]*pb.Value) *backend.Fragment {
	fields := make(map[string]any, len(payload))
	for k, v := range payload {
		fields[k] = valueToAny(v)
	}
	owner, _ := fields["owner_id"].(string)
	return &backend.Fragment{ID: id, OwnerID: owner, Fields: fields}
}

func valueToAny(v *pb.Value) any {
	switch kind := v.GetKind().(type) {
	case *pb.Value_StringValue:
		return kind.StringValue
	case *pb.Value_IntegerValue:
		return kind.IntegerValue
	case *pb.Value_DoubleValue:
		return kind.DoubleValue
	case *pb.Value_BoolValue:
		return kind.BoolValue
	case *pb.Value_ListValue:
		items := kind.ListValue.GetValues()
		out := make([]any, 0, len(items))
		for _, item := range items {
			out = append(out, valueToAny(item))
		}
		return out
	case *pb.Value_StructValue:
		fields := kind.StructValue.GetFields()
		out := make(map[string]any, len(fields))
		for k, item := range fields {
			out[k] = valueToAny(item)
		}
		return out
	default:
		return nil
	}
}
