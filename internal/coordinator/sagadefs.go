package coordinator

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"

	"github.com/polydoc/polydoc-api/internal/archive"
	"github.com/polydoc/polydoc-api/internal/backend"
	"github.com/polydoc/polydoc-api/internal/backend/relational"
	"github.com/polydoc/polydoc-api/internal/embedding"
	"github.com/polydoc/polydoc-api/internal/saga"
)

// Saga kinds, one per multi-backend write operation.
const (
	KindCreate     = "document.create"
	KindUpdate     = "document.update"
	KindSoftDelete = "document.delete.soft"
	KindHardDelete = "document.delete.hard"
	KindArchive    = "document.archive"
	KindRestore    = "document.restore"
)

// Context keys shared between steps. Values must survive a JSON round trip,
// so binary data travels base64 and times travel RFC 3339.
const (
	keyOwnerID     = "owner_id"
	keyAttrs       = "attrs"
	keyContentB64  = "content_b64"
	keyContentHash = "content_hash"
	keyText        = "text"
	keyBlobRef     = "blob_ref"
	keyBlobSize    = "blob_size"
	keyEdges       = "edges"
	keyIfVersion   = "if_version"
	keyPrevFields  = "prev_fields"
	keyPrevVector  = "prev_vector"
	keyPrevPayload = "prev_vector_payload"
	keyPrevProps   = "prev_graph_props"
	keyPolicy      = "policy"
	keyArchivedAt  = "archived_at"
	keyCascade     = "cascade"
)

// stepDeps is everything the step functions touch. They hold adapters, not
// the facade, so the definitions stay testable with mocks.
type stepDeps struct {
	relational *relational.Adapter
	blobs      backend.BlobAdapter
	vector     backend.VectorAdapter
	graph      backend.GraphAdapter
	archives   *archive.Manager
	embed      embedding.Embedder
	logger     *slog.Logger
	now        func() time.Time
}

func registerDefinitions(r *saga.Registry, d *stepDeps) {
	r.Register(d.createDefinition())
	r.Register(d.updateDefinition())
	r.Register(d.softDeleteDefinition())
	r.Register(d.hardDeleteDefinition())
	r.Register(d.archiveDefinition())
	r.Register(d.restoreDefinition())
}

func (d *stepDeps) createDefinition() *saga.Definition {
	return &saga.Definition{
		Kind: KindCreate,
		Steps: []saga.StepDef{
			{
				Name: "relational_insert",
				Run: func(ctx context.Context, sc *saga.StepContext) error {
					frag := &backend.Fragment{
						ID:      sc.SubjectID,
						OwnerID: sc.GetString(keyOwnerID),
						Fields:  map[string]any{},
					}
					if attrs := attrsFrom(sc); attrs != nil {
						frag.Fields["attrs"] = attrs
					}
					if hash := hashFrom(sc); hash != nil {
						frag.Fields["content_hash"] = hash
					}
					return d.relational.Put(ctx, frag, backend.PutOptions{
						IdempotencyKey: sc.IdempotencyKey("relational_insert"),
					})
				},
				Compensate: func(ctx context.Context, sc *saga.StepContext) error {
					return d.relational.Delete(ctx, sc.SubjectID)
				},
			},
			{
				Name: "blob_put",
				Run: func(ctx context.Context, sc *saga.StepContext) error {
					if sc.GetString(keyBlobRef) != "" {
						// Pre-staged by a streamed upload.
						return nil
					}
					raw := sc.GetString(keyContentB64)
					if raw == "" {
						return nil
					}
					data, err := base64.StdEncoding.DecodeString(raw)
					if err != nil {
						return backend.Permanent(backend.KindDocument, err)
					}
					ref, err := d.blobs.PutBlob(ctx, sc.SubjectID, bytes.NewReader(data), int64(len(data)))
					if err != nil {
						return err
					}
					sc.Set(keyBlobRef, ref)
					sc.Set(keyBlobSize, int64(len(data)))
					return nil
				},
				Compensate: func(ctx context.Context, sc *saga.StepContext) error {
					ref := sc.GetString(keyBlobRef)
					if ref == "" {
						return nil
					}
					return d.blobs.DeleteBlob(ctx, ref)
				},
			},
			{
				Name: "vector_upsert",
				Run: func(ctx context.Context, sc *saga.StepContext) error {
					text := sc.GetString(keyText)
					if text == "" {
						return nil
					}
					vecs, err := d.embed.Embed(ctx, []string{text})
					if err != nil {
						return backend.Transient(backend.KindVector, err)
					}
					if len(vecs) == 0 || len(vecs[0]) == 0 {
						return nil
					}
					return d.vector.UpsertVector(ctx, sc.SubjectID, vecs[0], map[string]any{
						keyOwnerID: sc.GetString(keyOwnerID),
					})
				},
				Compensate: func(ctx context.Context, sc *saga.StepContext) error {
					return d.vector.Delete(ctx, sc.SubjectID)
				},
			},
			{
				Name: "graph_upsert",
				Run: func(ctx context.Context, sc *saga.StepContext) error {
					props := map[string]any{keyOwnerID: sc.GetString(keyOwnerID)}
					for k, v := range attrsFrom(sc) {
						props[k] = v
					}
					if err := d.graph.UpsertNode(ctx, sc.SubjectID, nil, props); err != nil {
						return err
					}
					for _, edge := range edgesFrom(sc) {
						if err := d.graph.UpsertEdge(ctx, sc.SubjectID, edge.To, edge.Type, nil); err != nil {
							return err
						}
					}
					return nil
				},
				Compensate: func(ctx context.Context, sc *saga.StepContext) error {
					return d.graph.Delete(ctx, sc.SubjectID)
				},
			},
			{
				Name: "finalize_refs",
				Run: func(ctx context.Context, sc *saga.StepContext) error {
					frag := &backend.Fragment{
						ID:      sc.SubjectID,
						OwnerID: sc.GetString(keyOwnerID),
						Fields: map[string]any{
							"content_ref":   sc.GetString(keyBlobRef),
							"embedding_ref": embeddingRef(sc),
							"graph_ref":     sc.SubjectID,
							"blob_size":     blobSizeFrom(sc),
						},
					}
					if attrs := attrsFrom(sc); attrs != nil {
						frag.Fields["attrs"] = attrs
					}
					if hash := hashFrom(sc); hash != nil {
						frag.Fields["content_hash"] = hash
					}
					return d.relational.Put(ctx, frag, backend.PutOptions{
						IdempotencyKey: sc.IdempotencyKey("finalize_refs"),
					})
				},
			},
		},
	}
}

func (d *stepDeps) updateDefinition() *saga.Definition {
	return &saga.Definition{
		Kind: KindUpdate,
		Steps: []saga.StepDef{
			{
				Name: "snapshot",
				Run: func(ctx context.Context, sc *saga.StepContext) error {
					prev, err := d.relational.Get(ctx, sc.SubjectID)
					if err != nil {
						return err
					}
					sc.Set(keyPrevFields, prev.Fields)
					return nil
				},
			},
			{
				Name: "relational_update",
				Run: func(ctx context.Context, sc *saga.StepContext) error {
					frag := &backend.Fragment{
						ID:      sc.SubjectID,
						OwnerID: sc.GetString(keyOwnerID),
						// An update rewrites attrs but must not lose the refs
						// the create saga finalized.
						Fields: carriedRefs(sc),
					}
					if attrs := attrsFrom(sc); attrs != nil {
						frag.Fields["attrs"] = attrs
					}
					opts := backend.PutOptions{IdempotencyKey: sc.IdempotencyKey("relational_update")}
					if v, ok := intFrom(sc, keyIfVersion); ok {
						opts.IfVersion = &v
					}
					return d.relational.Put(ctx, frag, opts)
				},
				Compensate: func(ctx context.Context, sc *saga.StepContext) error {
					prev, _ := sc.Get(keyPrevFields)
					fields, ok := prev.(map[string]any)
					if !ok {
						return nil
					}
					frag := &backend.Fragment{
						ID:      sc.SubjectID,
						OwnerID: sc.GetString(keyOwnerID),
						Fields:  fields,
					}
					return d.relational.Put(ctx, frag, backend.PutOptions{
						IdempotencyKey: sc.IdempotencyKey("relational_update:undo"),
					})
				},
			},
			{
				Name: "vector_update",
				Run: func(ctx context.Context, sc *saga.StepContext) error {
					text := sc.GetString(keyText)
					if text == "" {
						return nil
					}
					vecs, err := d.embed.Embed(ctx, []string{text})
					if err != nil {
						return backend.Transient(backend.KindVector, err)
					}
					if len(vecs) == 0 || len(vecs[0]) == 0 {
						return nil
					}
					return d.vector.UpsertVector(ctx, sc.SubjectID, vecs[0], map[string]any{
						keyOwnerID: sc.GetString(keyOwnerID),
					})
				},
			},
			{
				Name: "graph_update",
				Run: func(ctx context.Context, sc *saga.StepContext) error {
					props := map[string]any{keyOwnerID: sc.GetString(keyOwnerID)}
					for k, v := range attrsFrom(sc) {
						props[k] = v
					}
					if err := d.graph.UpsertNode(ctx, sc.SubjectID, nil, props); err != nil {
						return err
					}
					for _, edge := range edgesFrom(sc) {
						if err := d.graph.UpsertEdge(ctx, sc.SubjectID, edge.To, edge.Type, nil); err != nil {
							return err
						}
					}
					return nil
				},
			},
		},
	}
}

// softDeleteDefinition tombstones the relational row and strips the derived
// vector and graph fragments. The blob stays so a restore keeps its content.
// Each removal step captures what it deletes so compensation can put it back.
func (d *stepDeps) softDeleteDefinition() *saga.Definition {
	return &saga.Definition{
		Kind: KindSoftDelete,
		Steps: []saga.StepDef{
			{
				Name: "mark_deleted",
				Run: func(ctx context.Context, sc *saga.StepContext) error {
					at := d.now().UTC()
					return d.relational.SetDeleted(ctx, sc.SubjectID, &at)
				},
				Compensate: func(ctx context.Context, sc *saga.StepContext) error {
					return d.relational.SetDeleted(ctx, sc.SubjectID, nil)
				},
			},
			{
				Name: "vector_remove",
				Run: func(ctx context.Context, sc *saga.StepContext) error {
					vec, payload, err := d.vector.GetVector(ctx, sc.SubjectID)
					switch {
					case err == nil && len(vec) > 0:
						sc.Set(keyPrevVector, vec)
						sc.Set(keyPrevPayload, payload)
					case err != nil && !errors.Is(err, backend.ErrNotFound):
						return err
					}
					return d.vector.Delete(ctx, sc.SubjectID)
				},
				Compensate: func(ctx context.Context, sc *saga.StepContext) error {
					vec := floatsFrom(sc, keyPrevVector)
					if len(vec) == 0 {
						return nil
					}
					payload, _ := sc.Get(keyPrevPayload)
					fields, _ := payload.(map[string]any)
					return d.vector.UpsertVector(ctx, sc.SubjectID, vec, fields)
				},
			},
			{
				Name: "graph_remove",
				Run: func(ctx context.Context, sc *saga.StepContext) error {
					frag, err := d.graph.Get(ctx, sc.SubjectID)
					switch {
					case err == nil:
						sc.Set(keyPrevProps, frag.Fields)
					case !errors.Is(err, backend.ErrNotFound):
						return err
					}
					return d.graph.Delete(ctx, sc.SubjectID)
				},
				Compensate: func(ctx context.Context, sc *saga.StepContext) error {
					v, _ := sc.Get(keyPrevProps)
					props, ok := v.(map[string]any)
					if !ok {
						return nil
					}
					return d.graph.UpsertNode(ctx, sc.SubjectID, nil, props)
				},
			},
		},
	}
}

// hardDeleteDefinition removes a document everywhere. Deletions are
// idempotent and irreversible, so steps carry no compensations; a transient
// fault is retried by the step loop or by recovery. The cascade value decides
// whether the blob goes with the row: none keeps it (deduplicated content may
// be shared), selective and full delete it.
func (d *stepDeps) hardDeleteDefinition() *saga.Definition {
	return &saga.Definition{
		Kind: KindHardDelete,
		Steps: []saga.StepDef{
			{
				Name: "graph_delete",
				Run: func(ctx context.Context, sc *saga.StepContext) error {
					return d.graph.Delete(ctx, sc.SubjectID)
				},
			},
			{
				Name: "vector_delete",
				Run: func(ctx context.Context, sc *saga.StepContext) error {
					return d.vector.Delete(ctx, sc.SubjectID)
				},
			},
			{
				Name: "blob_delete",
				Run: func(ctx context.Context, sc *saga.StepContext) error {
					switch Cascade(sc.GetString(keyCascade)) {
					case CascadeSelective, CascadeFull:
					default:
						return nil
					}
					ref := sc.GetString(keyBlobRef)
					if ref == "" {
						return nil
					}
					return d.blobs.DeleteBlob(ctx, ref)
				},
			},
			{
				Name: "archive_unrecord",
				Run: func(ctx context.Context, sc *saga.StepContext) error {
					return d.archives.Unrecord(ctx, sc.SubjectID)
				},
			},
			{
				Name: "relational_delete",
				Run: func(ctx context.Context, sc *saga.StepContext) error {
					return d.relational.Delete(ctx, sc.SubjectID)
				},
			},
		},
	}
}

func (d *stepDeps) archiveDefinition() *saga.Definition {
	return &saga.Definition{
		Kind: KindArchive,
		Steps: []saga.StepDef{
			{
				Name: "mark_archived",
				Run: func(ctx context.Context, sc *saga.StepContext) error {
					at := d.now().UTC()
					sc.Set(keyArchivedAt, at.Format(time.RFC3339Nano))
					return d.relational.SetArchived(ctx, sc.SubjectID, &at)
				},
				Compensate: func(ctx context.Context, sc *saga.StepContext) error {
					return d.relational.SetArchived(ctx, sc.SubjectID, nil)
				},
			},
			{
				Name: "record_retention",
				Run: func(ctx context.Context, sc *saga.StepContext) error {
					return d.archives.Record(ctx, sc.SubjectID, sc.GetString(keyPolicy))
				},
				Compensate: func(ctx context.Context, sc *saga.StepContext) error {
					return d.archives.Unrecord(ctx, sc.SubjectID)
				},
			},
		},
	}
}

func (d *stepDeps) restoreDefinition() *saga.Definition {
	return &saga.Definition{
		Kind: KindRestore,
		Steps: []saga.StepDef{
			{
				Name: "unmark_archived",
				Run: func(ctx context.Context, sc *saga.StepContext) error {
					return d.relational.SetArchived(ctx, sc.SubjectID, nil)
				},
				Compensate: func(ctx context.Context, sc *saga.StepContext) error {
					raw := sc.GetString(keyArchivedAt)
					at, err := time.Parse(time.RFC3339Nano, raw)
					if err != nil {
						at = d.now().UTC()
					}
					return d.relational.SetArchived(ctx, sc.SubjectID, &at)
				},
			},
			{
				Name: "unrecord_retention",
				Run: func(ctx context.Context, sc *saga.StepContext) error {
					return d.archives.Unrecord(ctx, sc.SubjectID)
				},
				Compensate: func(ctx context.Context, sc *saga.StepContext) error {
					policy := sc.GetString(keyPolicy)
					if policy == "" {
						return nil
					}
					return d.archives.Record(ctx, sc.SubjectID, policy)
				},
			},
		},
	}
}

// Context value accessors tolerant of the JSON round trip a resumed saga
// goes through.

// carriedRefs copies the backend reference columns out of the snapshot so a
// metadata update does not blank them.
func carriedRefs(sc *saga.StepContext) map[string]any {
	fields := map[string]any{}
	prev, _ := sc.Get(keyPrevFields)
	m, ok := prev.(map[string]any)
	if !ok {
		return fields
	}
	for _, k := range []string{"content_hash", "content_ref", "embedding_ref", "graph_ref", "blob_size"} {
		if v, ok := m[k]; ok {
			fields[k] = v
		}
	}
	return fields
}

func attrsFrom(sc *saga.StepContext) map[string]any {
	v, _ := sc.Get(keyAttrs)
	attrs, _ := v.(map[string]any)
	return attrs
}

func hashFrom(sc *saga.StepContext) []byte {
	raw := sc.GetString(keyContentHash)
	if raw == "" {
		return nil
	}
	hash, err := hex.DecodeString(raw)
	if err != nil {
		return nil
	}
	return hash
}

// floatsFrom recovers an embedding; after a JSON round trip it arrives as
// []any of float64.
func floatsFrom(sc *saga.StepContext, key string) []float32 {
	v, ok := sc.Get(key)
	if !ok {
		return nil
	}
	switch vec := v.(type) {
	case []float32:
		return vec
	case []any:
		out := make([]float32, 0, len(vec))
		for _, item := range vec {
			f, ok := item.(float64)
			if !ok {
				return nil
			}
			out = append(out, float32(f))
		}
		return out
	}
	return nil
}

func blobSizeFrom(sc *saga.StepContext) int64 {
	n, _ := intFrom(sc, keyBlobSize)
	return n
}

func intFrom(sc *saga.StepContext, key string) (int64, bool) {
	v, ok := sc.Get(key)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	}
	return 0, false
}

func embeddingRef(sc *saga.StepContext) string {
	if sc.GetString(keyText) == "" {
		return ""
	}
	return sc.SubjectID
}

// edge is a typed relation attached at create or update time.
type edge struct {
	To   string
	Type string
}

func edgesFrom(sc *saga.StepContext) []edge {
	v, ok := sc.Get(keyEdges)
	if !ok {
		return nil
	}
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]edge, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		to, _ := m["to"].(string)
		typ, _ := m["type"].(string)
		if to != "" && typ != "" {
			out = append(out, edge{To: to, Type: typ})
		}
	}
	return out
}
