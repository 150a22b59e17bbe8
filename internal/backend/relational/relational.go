// Package relational implements the structured-metadata adapter on bun.
// It shares the coordinator's SQLite database and owns the documents table,
// including the soft-delete and archive lifecycle columns.
package relational

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/uptrace/bun"

	"github.com/polydoc/polydoc-api/internal/backend"
	"github.com/polydoc/polydoc-api/internal/resilience"
	"github.com/polydoc/polydoc-api/internal/storage/models"
)

var _ backend.RelationalAdapter = (*Adapter)(nil)

const defaultMaxBatch = 500

// Columns that exist on the documents table; any other field in a filter is
// resolved through json_extract over the attrs column.
var fixedColumns = map[string]string{
	"document_id":    "id",
	"id":             "id",
	"owner_id":       "owner_id",
	"schema_version": "schema_version",
	"created_at":     "created_at",
	"updated_at":     "updated_at",
	"deleted_at":     "deleted_at",
	"archived_at":    "archived_at",
	"blob_size":      "blob_size",
}

// ColumnFor maps a logical field name to its SQL expression. Used by the
// filter translator so only this package knows the table layout.
func ColumnFor(field string) string {
	if col, ok := fixedColumns[field]; ok {
		return col
	}
	return fmt.Sprintf("json_extract(attrs_json, '$.%s')", field)
}

type Adapter struct {
	db      *bun.DB
	breaker *resilience.CircuitBreaker
	logger  *slog.Logger
}

func New(db *bun.DB, rs resilience.Settings, logger *slog.Logger) *Adapter {
	return &Adapter{
		db:      db,
		breaker: resilience.New("relational", rs, logger),
		logger:  logger.WithGroup("relational"),
	}
}

func (a *Adapter) Kind() backend.Kind { return backend.KindRelational }

func (a *Adapter) MaxBatchSize() int { return defaultMaxBatch }

// do routes a driver call through the circuit breaker and classifies the
// resulting error for the saga retry loop.
func (a *Adapter) do(fn func() error) error {
	err := a.breaker.Execute(fn)
	if err == resilience.ErrCircuitOpen {
		return backend.Transient(backend.KindRelational, err)
	}
	return backend.Classify(backend.KindRelational, err)
}

func (a *Adapter) Get(ctx context.Context, id string) (*backend.Fragment, error) {
	row := new(models.DocumentRow)
	err := a.do(func() error {
		if err := a.db.NewSelect().Model(row).Where("id = ?", id).Scan(ctx); err != nil {
			if err == sql.ErrNoRows {
				return backend.ErrNotFound
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return fragmentFromRow(row), nil
}

func (a *Adapter) GetMany(ctx context.Context, ids []string) (map[string]*backend.Fragment, error) {
	if len(ids) == 0 {
		return map[string]*backend.Fragment{}, nil
	}
	var rows []*models.DocumentRow
	err := a.do(func() error {
		return a.db.NewSelect().Model(&rows).Where("id IN (?)", bun.In(ids)).Scan(ctx)
	})
	if err != nil {
		return nil, err
	}
	out := make(map[string]*backend.Fragment, len(rows))
	for _, row := range rows {
		out[row.ID] = fragmentFromRow(row)
	}
	return out, nil
}

func (a *Adapter) Exists(ctx context.Context, ids []string) (map[string]bool, error) {
	return a.BatchExists(ctx, ids)
}

func (a *Adapter) BatchExists(ctx context.Context, ids []string) (map[string]bool, error) {
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = false
	}
	if len(ids) == 0 {
		return out, nil
	}
	var present []string
	err := a.do(func() error {
		return a.db.NewSelect().Model((*models.DocumentRow)(nil)).
			Column("id").
			Where("id IN (?)", bun.In(ids)).
			Scan(ctx, &present)
	})
	if err != nil {
		return nil, err
	}
	for _, id := range present {
		out[id] = true
	}
	return out, nil
}

func (a *Adapter) Put(ctx context.Context, frag *backend.Fragment, opts backend.PutOptions) error {
	row, err := rowFromFragment(frag)
	if err != nil {
		return backend.Permanent(backend.KindRelational, err)
	}
	now := time.Now().UTC()

	return a.do(func() error {
		if opts.IfVersion != nil {
			res, err := a.db.NewUpdate().Model(row).
				Set("owner_id = ?", row.OwnerID).
				Set("attrs_json = ?", row.AttrsJSON).
				Set("content_hash = ?", row.ContentHash).
				Set("content_ref = ?", row.ContentRef).
				Set("embedding_ref = ?", row.EmbeddingRef).
				Set("graph_ref = ?", row.GraphRef).
				Set("blob_size = ?", row.BlobSize).
				Set("schema_version = schema_version + 1").
				Set("updated_at = ?", now).
				Where("id = ? AND schema_version = ?", row.ID, *opts.IfVersion).
				Exec(ctx)
			if err != nil {
				return err
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if affected == 0 {
				return backend.ErrVersionConflict
			}
			return nil
		}

		row.CreatedAt = now
		row.UpdatedAt = now
		_, err := a.db.NewInsert().Model(row).
			On("CONFLICT (id) DO UPDATE").
			Set("owner_id = EXCLUDED.owner_id").
			Set("attrs_json = EXCLUDED.attrs_json").
			Set("content_hash = EXCLUDED.content_hash").
			Set("content_ref = EXCLUDED.content_ref").
			Set("embedding_ref = EXCLUDED.embedding_ref").
			Set("graph_ref = EXCLUDED.graph_ref").
			Set("blob_size = EXCLUDED.blob_size").
			Set("schema_version = d.schema_version + 1").
			Set("updated_at = EXCLUDED.updated_at").
			Exec(ctx)
		return err
	})
}

func (a *Adapter) Delete(ctx context.Context, id string) error {
	// Idempotent: deleting a missing id succeeds.
	return a.do(func() error {
		_, err := a.db.NewDelete().Model((*models.DocumentRow)(nil)).Where("id = ?", id).Exec(ctx)
		return err
	})
}

// SetDeleted writes or clears the soft-delete tombstone.
func (a *Adapter) SetDeleted(ctx context.Context, id string, at *time.Time) error {
	return a.setLifecycle(ctx, id, "deleted_at", at)
}

// SetArchived writes or clears the archive marker.
func (a *Adapter) SetArchived(ctx context.Context, id string, at *time.Time) error {
	return a.setLifecycle(ctx, id, "archived_at", at)
}

func (a *Adapter) setLifecycle(ctx context.Context, id, column string, at *time.Time) error {
	return a.do(func() error {
		res, err := a.db.NewUpdate().Model((*models.DocumentRow)(nil)).
			Set(column+" = ?", at).
			Set("updated_at = ?", time.Now().UTC()).
			Where("id = ?", id).
			Exec(ctx)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return backend.ErrNotFound
		}
		return nil
	})
}

// FindByContentHash locates a live document with the same blob hash. Used by
// create-time dedup; tombstoned rows do not count.
func (a *Adapter) FindByContentHash(ctx context.Context, hash []byte) (*backend.Fragment, error) {
	if len(hash) == 0 {
		return nil, backend.ErrNotFound
	}
	row := new(models.DocumentRow)
	err := a.do(func() error {
		if err := a.db.NewSelect().Model(row).
			Where("content_hash = ?", hash).
			Where("deleted_at IS NULL").
			Limit(1).
			Scan(ctx); err != nil {
			if err == sql.ErrNoRows {
				return backend.ErrNotFound
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return fragmentFromRow(row), nil
}

func (a *Adapter) Query(ctx context.Context, q backend.RelationalQuery) ([]map[string]any, error) {
	var rows []*models.DocumentRow
	err := a.do(func() error {
		sel := a.db.NewSelect().Model(&rows)
		if q.Where != "" {
			sel = sel.Where(q.Where, q.Args...)
		}
		if q.Sort != "" {
			sel = sel.Order(q.Sort)
		}
		if q.Limit > 0 {
			sel = sel.Limit(q.Limit)
		}
		if q.Offset > 0 {
			sel = sel.Offset(q.Offset)
		}
		return sel.Scan(ctx)
	})
	if err != nil {
		return nil, err
	}

	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		record := recordFromRow(row)
		if len(q.Projection) > 0 {
			projected := make(map[string]any, len(q.Projection)+1)
			projected["document_id"] = row.ID
			for _, field := range q.Projection {
				if v, ok := record[field]; ok {
					projected[field] = v
				}
			}
			record = projected
		}
		out = append(out, record)
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
	var one int
	if err := a.db.NewSelect().ColumnExpr("1").Scan(ctx, &one); err != nil {
		return backend.HealthDown
	}
	return backend.HealthOK
}

func fragmentFromRow(row *models.DocumentRow) *backend.Fragment {
	return &backend.Fragment{
		ID:      row.ID,
		OwnerID: row.OwnerID,
		Version: row.SchemaVersion,
		Fields:  recordFromRow(row),
	}
}

func recordFromRow(row *models.DocumentRow) map[string]any {
	record := map[string]any{
		"document_id":    row.ID,
		"owner_id":       row.OwnerID,
		"schema_version": row.SchemaVersion,
		"content_ref":    row.ContentRef,
		"embedding_ref":  row.EmbeddingRef,
		"graph_ref":      row.GraphRef,
		"blob_size":      row.BlobSize,
		"created_at":     row.CreatedAt,
		"updated_at":     row.UpdatedAt,
	}
	if row.DeletedAt != nil {
		record["deleted_at"] = *row.DeletedAt
	}
	if row.ArchivedAt != nil {
		record["archived_at"] = *row.ArchivedAt
	}
	if len(row.ContentHash) > 0 {
		record["content_hash"] = row.ContentHash
	}
	if row.AttrsJSON != "" {
		var attrs map[string]any
		if err := json.Unmarshal([]byte(row.AttrsJSON), &attrs); err == nil {
			record["attrs"] = attrs
			for k, v := range attrs {
				if _, taken := record[k]; !taken {
					record[k] = v
				}
			}
		}
	}
	return record
}

func rowFromFragment(frag *backend.Fragment) (*models.DocumentRow, error) {
	row := &models.DocumentRow{
		ID:            frag.ID,
		OwnerID:       frag.OwnerID,
		SchemaVersion: frag.Version,
	}
	if row.SchemaVersion == 0 {
		row.SchemaVersion = 1
	}
	if frag.Fields == nil {
		return row, nil
	}
	if v, ok := frag.Fields["content_hash"].([]byte); ok {
		row.ContentHash = v
	}
	if v, ok := frag.Fields["content_ref"].(string); ok {
		row.ContentRef = v
	}
	if v, ok := frag.Fields["embedding_ref"].(string); ok {
		row.EmbeddingRef = v
	}
	if v, ok := frag.Fields["graph_ref"].(string); ok {
		row.GraphRef = v
	}
	switch v := frag.Fields["blob_size"].(type) {
	case int64:
		row.BlobSize = v
	case int:
		row.BlobSize = int64(v)
	}
	if attrs, ok := frag.Fields["attrs"].(map[string]any); ok {
		raw, err := json.Marshal(attrs)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal attributes: %w", err)
		}
		row.AttrsJSON = string(raw)
	}
	return row, nil
}
