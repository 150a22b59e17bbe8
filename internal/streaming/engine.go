// Package streaming stages large blobs as checksummed chunks, tolerating
// out-of-order and duplicate arrival, then assembles and commits them to the
// blob store in one piece.
package streaming

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/polydoc/polydoc-api/internal/backend"
	"github.com/polydoc/polydoc-api/internal/config"
	"github.com/polydoc/polydoc-api/internal/domain"
	"github.com/polydoc/polydoc-api/internal/storage"
	"github.com/polydoc/polydoc-api/internal/storage/models"
)

// Progress reports how far an upload has come. NextIndex is the first gap;
// everything below it is contiguous.
type Progress struct {
	UploadID  string
	State     string
	ChunkSize int64
	Received  []int
	NextIndex int
	ExpiresAt time.Time
}

// FinishResult reports the committed blob.
type FinishResult struct {
	BlobRef  string
	Size     int64
	Checksum string
}

// Engine coordinates chunked uploads against the staging store and the blob
// backend.
type Engine struct {
	uploads storage.UploadStore
	blobs   backend.BlobAdapter
	cfg     config.StreamingConfig
	logger  *slog.Logger
	now     func() time.Time
}

func NewEngine(uploads storage.UploadStore, blobs backend.BlobAdapter, cfg config.StreamingConfig, logger *slog.Logger) *Engine {
	return &Engine{
		uploads: uploads,
		blobs:   blobs,
		cfg:     cfg,
		logger:  logger.WithGroup("streaming.Engine"),
		now:     time.Now,
	}
}

// Begin opens an upload session and returns its id and chunk size.
func (e *Engine) Begin(ctx context.Context, sizeHint int64, meta map[string]any) (string, int64, error) {
	id := uuid.Must(uuid.NewV7()).String()
	metaJSON := ""
	if len(meta) > 0 {
		raw, err := json.Marshal(meta)
		if err != nil {
			return "", 0, domain.ValidationFailed("upload metadata is not serializable: %v", err)
		}
		metaJSON = string(raw)
	}
	rec := &models.UploadRecord{
		ID:        id,
		State:     models.UploadStateActive,
		ChunkSize: e.cfg.ChunkSize,
		SizeHint:  sizeHint,
		MetaJSON:  metaJSON,
		CreatedAt: e.now().UTC(),
		ExpiresAt: e.now().UTC().Add(e.cfg.UploadTTL),
	}
	if err := e.uploads.CreateUpload(ctx, rec); err != nil {
		return "", 0, domain.Internal(err)
	}
	e.logger.Debug("Upload session opened", "upload_id", id, "chunk_size", e.cfg.ChunkSize)
	return id, e.cfg.ChunkSize, nil
}

// Append stages one chunk. Chunks may arrive in any order. A duplicate with
// the same checksum is a silent no-op; a duplicate with different bytes is
// rejected, as is a chunk whose checksum does not match its data.
func (e *Engine) Append(ctx context.Context, uploadID string, index int, data []byte, checksum string) error {
	if index < 0 {
		return domain.ValidationFailed("chunk index must be >= 0, got %d", index)
	}
	rec, err := e.activeUpload(ctx, uploadID)
	if err != nil {
		return err
	}
	if int64(len(data)) > rec.ChunkSize {
		return domain.ValidationFailed("chunk %d is %d bytes, session chunk size is %d", index, len(data), rec.ChunkSize)
	}

	actual := hashHex(data)
	if checksum != "" && checksum != actual {
		return domain.ValidationFailed("chunk %d checksum mismatch: declared %s, computed %s", index, checksum, actual)
	}

	existing, err := e.uploads.GetChunk(ctx, uploadID, index)
	if err == nil {
		if existing.Checksum == actual {
			return nil
		}
		return domain.ValidationFailed("chunk %d already staged with different content", index)
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return domain.Internal(err)
	}

	chunk := &models.UploadChunk{
		UploadID:   uploadID,
		ChunkIndex: index,
		Checksum:   actual,
		Data:       data,
	}
	if err := e.uploads.PutChunk(ctx, chunk); err != nil {
		return domain.Internal(err)
	}
	return nil
}

// Progress reports received chunk indexes and the next gap.
func (e *Engine) Progress(ctx context.Context, uploadID string) (*Progress, error) {
	rec, err := e.getUpload(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	indexes, err := e.uploads.ListChunkIndexes(ctx, uploadID)
	if err != nil {
		return nil, domain.Internal(err)
	}
	sort.Ints(indexes)

	next := 0
	for _, idx := range indexes {
		if idx != next {
			break
		}
		next++
	}
	return &Progress{
		UploadID:  uploadID,
		State:     rec.State,
		ChunkSize: rec.ChunkSize,
		Received:  indexes,
		NextIndex: next,
		ExpiresAt: rec.ExpiresAt,
	}, nil
}

// Finish verifies completeness, assembles the chunks in order, checks the
// whole-blob checksum and commits to the blob store. The session becomes
// committed; staged chunks are dropped.
func (e *Engine) Finish(ctx context.Context, uploadID string, totalChunks int, totalChecksum string) (*FinishResult, error) {
	if totalChunks <= 0 {
		return nil, domain.ValidationFailed("total chunk count must be positive, got %d", totalChunks)
	}
	if _, err := e.activeUpload(ctx, uploadID); err != nil {
		return nil, err
	}

	indexes, err := e.uploads.ListChunkIndexes(ctx, uploadID)
	if err != nil {
		return nil, domain.Internal(err)
	}
	present := make(map[int]struct{}, len(indexes))
	for _, idx := range indexes {
		present[idx] = struct{}{}
	}
	var missing []int
	for i := 0; i < totalChunks; i++ {
		if _, ok := present[i]; !ok {
			missing = append(missing, i)
		}
	}
	if len(missing) > 0 {
		return nil, domain.ValidationFailed("upload %s is missing %d chunk(s): %v", uploadID, len(missing), head(missing, 10))
	}

	var buf bytes.Buffer
	hasher := sha256.New()
	for i := 0; i < totalChunks; i++ {
		chunk, err := e.uploads.GetChunk(ctx, uploadID, i)
		if err != nil {
			return nil, domain.Internal(err)
		}
		buf.Write(chunk.Data)
		hasher.Write(chunk.Data)
	}
	sum := hex.EncodeToString(hasher.Sum(nil))
	if totalChecksum != "" && totalChecksum != sum {
		return nil, domain.ValidationFailed("upload %s checksum mismatch: declared %s, computed %s", uploadID, totalChecksum, sum)
	}

	ref, err := e.blobs.PutBlob(ctx, uploadID, bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		return nil, err
	}

	if err := e.uploads.SetUploadState(ctx, uploadID, models.UploadStateCommitted, ref); err != nil {
		return nil, domain.Internal(err)
	}
	if err := e.uploads.DeleteChunks(ctx, uploadID); err != nil {
		e.logger.Warn("Failed to drop staged chunks after commit", "upload_id", uploadID, "error", err)
	}

	e.logger.Info("Upload committed", "upload_id", uploadID, "blob_ref", ref, "size", buf.Len())
	return &FinishResult{BlobRef: ref, Size: int64(buf.Len()), Checksum: sum}, nil
}

// Abort cancels the session and drops its staged chunks. Aborting a session
// twice is a no-op.
func (e *Engine) Abort(ctx context.Context, uploadID string) error {
	rec, err := e.getUpload(ctx, uploadID)
	if err != nil {
		return err
	}
	if rec.State == models.UploadStateAborted {
		return nil
	}
	if rec.State == models.UploadStateCommitted {
		return domain.ValidationFailed("upload %s is already committed", uploadID)
	}
	if err := e.uploads.SetUploadState(ctx, uploadID, models.UploadStateAborted, ""); err != nil {
		return domain.Internal(err)
	}
	if err := e.uploads.DeleteChunks(ctx, uploadID); err != nil {
		return domain.Internal(err)
	}
	return nil
}

// OpenBlob streams a committed blob back to the caller.
func (e *Engine) OpenBlob(ctx context.Context, ref string) (io.ReadCloser, int64, error) {
	return e.blobs.GetBlob(ctx, ref)
}

func (e *Engine) getUpload(ctx context.Context, uploadID string) (*models.UploadRecord, error) {
	rec, err := e.uploads.GetUpload(ctx, uploadID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, domain.NotFound("upload %s not found", uploadID)
		}
		return nil, domain.Internal(err)
	}
	return rec, nil
}

func (e *Engine) activeUpload(ctx context.Context, uploadID string) (*models.UploadRecord, error) {
	rec, err := e.getUpload(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	if rec.State != models.UploadStateActive {
		return nil, domain.ValidationFailed("upload %s is %s", uploadID, rec.State)
	}
	if e.now().After(rec.ExpiresAt) {
		return nil, domain.ValidationFailed("upload %s expired at %s", uploadID, rec.ExpiresAt.Format(time.RFC3339))
	}
	return rec, nil
}

func hashHex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func head(xs []int, n int) []int {
	if len(xs) <= n {
		return xs
	}
	return xs[:n]
}

// ChecksumOf computes the hex checksum clients must send per chunk.
func ChecksumOf(data []byte) string { return hashHex(data) }
