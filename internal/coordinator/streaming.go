package coordinator

import (
	"context"
	"io"

	"github.com/polydoc/polydoc-api/internal/domain"
	"github.com/polydoc/polydoc-api/internal/streaming"
)

// BeginUpload opens a chunked upload session.
func (a *API) BeginUpload(ctx context.Context, user *domain.User, sizeHint int64, meta map[string]any) (string, int64, error) {
	if err := a.gate.Authorize(ctx, user, "upload.begin", "", domain.PermWrite); err != nil {
		return "", 0, err
	}
	return a.stream.Begin(ctx, sizeHint, meta)
}

// AppendChunk stages one chunk of an open upload.
func (a *API) AppendChunk(ctx context.Context, user *domain.User, uploadID string, index int, data []byte, checksum string) error {
	if err := a.gate.Authorize(ctx, user, "upload.append", uploadID, domain.PermWrite); err != nil {
		return err
	}
	return a.stream.Append(ctx, uploadID, index, data, checksum)
}

// UploadProgress reports which chunks have arrived.
func (a *API) UploadProgress(ctx context.Context, user *domain.User, uploadID string) (*streaming.Progress, error) {
	if err := a.gate.Authorize(ctx, user, "upload.progress", uploadID, domain.PermRead); err != nil {
		return nil, err
	}
	return a.stream.Progress(ctx, uploadID)
}

// FinishUpload assembles and commits the blob, then creates the document
// that references it through the normal create path.
func (a *API) FinishUpload(ctx context.Context, user *domain.User, uploadID string, totalChunks int, totalChecksum string, req CreateRequest) (*CreateResult, error) {
	if err := a.gate.Authorize(ctx, user, "upload.finish", uploadID, domain.PermWrite); err != nil {
		return nil, err
	}
	fin, err := a.stream.Finish(ctx, uploadID, totalChunks, totalChecksum)
	if err != nil {
		return nil, err
	}
	req.Content = nil
	req.BlobRef = fin.BlobRef
	req.BlobSize = fin.Size
	return a.Create(ctx, user, req)
}

// AbortUpload cancels an open session and drops its staged chunks.
func (a *API) AbortUpload(ctx context.Context, user *domain.User, uploadID string) error {
	if err := a.gate.Authorize(ctx, user, "upload.abort", uploadID, domain.PermWrite); err != nil {
		return err
	}
	return a.stream.Abort(ctx, uploadID)
}

// OpenContent streams a document's blob. The caller owns the ReadCloser.
func (a *API) OpenContent(ctx context.Context, user *domain.User, documentID string) (io.ReadCloser, int64, error) {
	if err := a.gate.Authorize(ctx, user, "document.content", documentID, domain.PermRead); err != nil {
		return nil, 0, err
	}
	frag, err := a.ownedLive(ctx, user, "document.content", documentID)
	if err != nil {
		return nil, 0, err
	}
	ref, _ := frag.Fields["content_ref"].(string)
	if ref == "" {
		return nil, 0, domain.NotFound("document %s has no content", documentID)
	}
	rc, size, err := a.stream.OpenBlob(ctx, ref)
	if err != nil {
		return nil, 0, mapErr(err)
	}
	return rc, size, nil
}
