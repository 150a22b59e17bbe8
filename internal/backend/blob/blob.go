// Package blob implements the document-store adapter over a plain HTTP blob
// service. Fragments are JSON documents; raw content is streamed as blobs.
package blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/polydoc/polydoc-api/internal/backend"
	"github.com/polydoc/polydoc-api/internal/resilience"
)

var _ backend.BlobAdapter = (*Adapter)(nil)

const defaultMaxBatch = 100

type Adapter struct {
	baseURL string
	client  *http.Client
	breaker *resilience.CircuitBreaker
	logger  *slog.Logger
}

func New(baseURL string, timeout time.Duration, rs resilience.Settings, logger *slog.Logger) *Adapter {
	return &Adapter{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		breaker: resilience.New("blobstore", rs, logger),
		logger:  logger.WithGroup("blobstore"),
	}
}

func (a *Adapter) Kind() backend.Kind { return backend.KindDocument }

func (a *Adapter) MaxBatchSize() int { return defaultMaxBatch }

func (a *Adapter) do(fn func() error) error {
	err := a.breaker.Execute(fn)
	if err == resilience.ErrCircuitOpen {
		return backend.Transient(backend.KindDocument, err)
	}
	return backend.Classify(backend.KindDocument, err)
}

// statusError converts a non-2xx response into the adapter error model.
// 4xx responses are permanent: retrying the same request cannot succeed.
func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	err := fmt.Errorf("blob service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return backend.Permanent(backend.KindDocument, err)
	}
	return err
}

func (a *Adapter) Get(ctx context.Context, id string) (*backend.Fragment, error) {
	var frag backend.Fragment
	err := a.do(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/documents/"+id, nil)
		if err != nil {
			return err
		}
		resp, err := a.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound {
			return backend.ErrNotFound
		}
		if resp.StatusCode != http.StatusOK {
			return statusError(resp)
		}
		return json.NewDecoder(resp.Body).Decode(&frag)
	})
	if err != nil {
		return nil, err
	}
	return &frag, nil
}

func (a *Adapter) GetMany(ctx context.Context, ids []string) (map[string]*backend.Fragment, error) {
	out := make(map[string]*backend.Fragment, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var frags []*backend.Fragment
	err := a.do(func() error {
		payload, err := json.Marshal(map[string]any{"ids": ids})
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/documents:batchGet", bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := a.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return statusError(resp)
		}
		return json.NewDecoder(resp.Body).Decode(&frags)
	})
	if err != nil {
		return nil, err
	}
	for _, frag := range frags {
		out[frag.ID] = frag
	}
	return out, nil
}

func (a *Adapter) Exists(ctx context.Context, ids []string) (map[string]bool, error) {
	frags, err := a.GetMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		_, ok := frags[id]
		out[id] = ok
	}
	return out, nil
}

func (a *Adapter) Put(ctx context.Context, frag *backend.Fragment, opts backend.PutOptions) error {
	return a.do(func() error {
		payload, err := json.Marshal(frag)
		if err != nil {
			return backend.Permanent(backend.KindDocument, err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, a.baseURL+"/documents/"+frag.ID, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		if opts.IfVersion != nil {
			req.Header.Set("If-Match", fmt.Sprintf("%d", *opts.IfVersion))
		}
		if opts.IdempotencyKey != "" {
			req.Header.Set("Idempotency-Key", opts.IdempotencyKey)
		}
		resp, err := a.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusPreconditionFailed {
			return backend.ErrVersionConflict
		}
		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusNoContent {
			return statusError(resp)
		}
		return nil
	})
}

func (a *Adapter) Delete(ctx context.Context, id string) error {
	return a.do(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, a.baseURL+"/documents/"+id, nil)
		if err != nil {
			return err
		}
		resp, err := a.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		// Deleting a missing document is a no-op.
		if resp.StatusCode == http.StatusNotFound {
			return nil
		}
		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
			return statusError(resp)
		}
		return nil
	})
}

// PutBlob streams raw content to the blob endpoint and returns the service's
// reference for it.
func (a *Adapter) PutBlob(ctx context.Context, id string, r io.Reader, size int64) (string, error) {
	var ref string
	err := a.do(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, a.baseURL+"/blobs/"+id, r)
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/octet-stream")
		if size > 0 {
			req.ContentLength = size
		}
		resp, err := a.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
			return statusError(resp)
		}
		var body struct {
			Ref string `json:"ref"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Ref == "" {
			ref = id
			return nil
		}
		ref = body.Ref
		return nil
	})
	if err != nil {
		return "", err
	}
	return ref, nil
}

// GetBlob opens the raw content stream. The caller owns the ReadCloser.
func (a *Adapter) GetBlob(ctx context.Context, id string) (io.ReadCloser, int64, error) {
	var (
		body io.ReadCloser
		size int64
	)
	err := a.do(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/blobs/"+id, nil)
		if err != nil {
			return err
		}
		resp, err := a.client.Do(req)
		if err != nil {
			return err
		}
		if resp.StatusCode == http.StatusNotFound {
			resp.Body.Close()
			return backend.ErrNotFound
		}
		if resp.StatusCode != http.StatusOK {
			defer resp.Body.Close()
			return statusError(resp)
		}
		body = resp.Body
		size = resp.ContentLength
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return body, size, nil
}

func (a *Adapter) DeleteBlob(ctx context.Context, id string) error {
	return a.do(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, a.baseURL+"/blobs/"+id, nil)
		if err != nil {
			return err
		}
		resp, err := a.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound {
			return nil
		}
		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
			return statusError(resp)
		}
		return nil
	})
}

func (a *Adapter) Health(ctx context.Context) backend.Health {
	switch a.breaker.CurrentState() {
	case resilience.StateOpen:
		return backend.HealthDown
	case resilience.StateHalfOpen:
		return backend.HealthDegraded
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/healthz", nil)
	if err != nil {
		return backend.HealthDown
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return backend.HealthDown
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return backend.HealthDegraded
	}
	return backend.HealthOK
}
