// Package batch fans document I/O out across the four backends in parallel.
// Reads tolerate partial failure; writes surface the first permanent fault so
// the saga layer can compensate.
package batch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/polydoc/polydoc-api/internal/backend"
	"github.com/polydoc/polydoc-api/internal/config"
	"github.com/polydoc/polydoc-api/internal/domain"
)

// ReadResult collects per-backend fragments and failures from one fan-out.
// A backend appears in Errors or in PerBackend, never both.
type ReadResult struct {
	PerBackend map[backend.Kind]map[string]*backend.Fragment
	Errors     map[backend.Kind]error
	Latencies  map[backend.Kind]time.Duration
}

// Merged flattens the per-backend fragments into one view per document id,
// later backends layering fields over earlier ones in AllKinds order.
func (r *ReadResult) Merged() map[string]map[string]any {
	out := make(map[string]map[string]any)
	for _, kind := range backend.AllKinds {
		frags, ok := r.PerBackend[kind]
		if !ok {
			continue
		}
		for id, frag := range frags {
			view, ok := out[id]
			if !ok {
				view = make(map[string]any)
				out[id] = view
			}
			for k, v := range frag.Fields {
				view[k] = v
			}
		}
	}
	return out
}

// Fanout runs one operation per backend concurrently, each under its own
// slice of the caller's deadline.
type Fanout struct {
	cfg    config.BatchConfig
	logger *slog.Logger
}

func NewFanout(cfg config.BatchConfig, logger *slog.Logger) *Fanout {
	return &Fanout{cfg: cfg, logger: logger.WithGroup("batch")}
}

// backendCtx carves the per-backend deadline out of the caller's remaining
// budget so one slow store cannot eat the whole window.
func (f *Fanout) backendCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	budget := f.cfg.DefaultTimeout
	if deadline, ok := ctx.Deadline(); ok {
		budget = time.Until(deadline)
	}
	share := time.Duration(float64(budget) * f.cfg.PerBackendTimeoutFrac)
	if share <= 0 {
		share = time.Millisecond
	}
	return context.WithTimeout(ctx, share)
}

// withRetry retries fn on transient failures with exponential backoff.
// Permanent failures and context expiry return immediately.
func (f *Fanout) withRetry(ctx context.Context, kind backend.Kind, fn func(context.Context) error) error {
	delay := f.cfg.TransientRetryBaseDelay
	var err error
	for attempt := 1; ; attempt++ {
		err = fn(ctx)
		if err == nil || !backend.IsTransient(err) {
			return err
		}
		if attempt >= f.cfg.TransientRetryAttempts {
			return err
		}
		f.logger.Debug("Retrying after transient failure",
			"backend", kind, "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
}

// Reader is the parallel read path over all configured backends.
type Reader struct {
	fanout   *Fanout
	adapters []backend.Adapter
}

func NewReader(fanout *Fanout, adapters []backend.Adapter) *Reader {
	return &Reader{fanout: fanout, adapters: adapters}
}

// GetAll fetches ids from every backend concurrently. The result is partial
// when some backends fail; the error is a PartialError in that case and
// non-nil only when every backend failed.
func (r *Reader) GetAll(ctx context.Context, ids []string) (*ReadResult, error) {
	result := &ReadResult{
		PerBackend: make(map[backend.Kind]map[string]*backend.Fragment),
		Errors:     make(map[backend.Kind]error),
		Latencies:  make(map[backend.Kind]time.Duration),
	}
	if len(ids) == 0 {
		return result, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)

	for _, adapter := range r.adapters {
		g.Go(func() error {
			start := time.Now()
			frags, err := r.getFrom(gctx, adapter, ids)
			elapsed := time.Since(start)

			mu.Lock()
			defer mu.Unlock()
			result.Latencies[adapter.Kind()] = elapsed
			if err != nil {
				result.Errors[adapter.Kind()] = err
				return nil
			}
			result.PerBackend[adapter.Kind()] = frags
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if len(result.Errors) == 0 {
		return result, nil
	}
	partial := &domain.PartialError{Errors: make(map[string]error, len(result.Errors))}
	for kind, err := range result.Errors {
		partial.Errors[string(kind)] = err
	}
	if len(result.Errors) == len(r.adapters) {
		return result, &domain.Error{
			Tag: domain.TagTransient,
			Msg: "all backends failed",
			Err: partial,
		}
	}
	return result, partial
}

// getFrom splits ids by the adapter's batch limit and merges the pages.
func (r *Reader) getFrom(ctx context.Context, adapter backend.Adapter, ids []string) (map[string]*backend.Fragment, error) {
	bctx, cancel := r.fanout.backendCtx(ctx)
	defer cancel()

	out := make(map[string]*backend.Fragment, len(ids))
	for _, page := range split(ids, adapter.MaxBatchSize()) {
		err := r.fanout.withRetry(bctx, adapter.Kind(), func(ctx context.Context) error {
			frags, err := adapter.GetMany(ctx, page)
			if err != nil {
				return err
			}
			for id, frag := range frags {
				out[id] = frag
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ExistsAll reports, per backend, which of the ids are present.
func (r *Reader) ExistsAll(ctx context.Context, ids []string) (map[backend.Kind]map[string]bool, error) {
	var mu sync.Mutex
	out := make(map[backend.Kind]map[string]bool, len(r.adapters))
	g, gctx := errgroup.WithContext(ctx)

	for _, adapter := range r.adapters {
		g.Go(func() error {
			bctx, cancel := r.fanout.backendCtx(gctx)
			defer cancel()

			merged := make(map[string]bool, len(ids))
			for _, page := range split(ids, adapter.MaxBatchSize()) {
				err := r.fanout.withRetry(bctx, adapter.Kind(), func(ctx context.Context) error {
					present, err := adapter.Exists(ctx, page)
					if err != nil {
						return err
					}
					for id, ok := range present {
						merged[id] = ok
					}
					return nil
				})
				if err != nil {
					return err
				}
			}
			mu.Lock()
			out[adapter.Kind()] = merged
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Writer is the parallel write path. Unlike reads, a write is all-or-nothing
// from the caller's perspective: the first failure aborts the fan-out and is
// returned for the saga layer to compensate.
type Writer struct {
	fanout   *Fanout
	adapters map[backend.Kind]backend.Adapter
}

func NewWriter(fanout *Fanout, adapters map[backend.Kind]backend.Adapter) *Writer {
	return &Writer{fanout: fanout, adapters: adapters}
}

// PutAll writes each fragment to its backend concurrently. Transient faults
// are retried per backend; the first permanent fault cancels the rest.
func (w *Writer) PutAll(ctx context.Context, frags map[backend.Kind]*backend.Fragment, opts backend.PutOptions) error {
	g, gctx := errgroup.WithContext(ctx)

	for kind, frag := range frags {
		adapter, ok := w.adapters[kind]
		if !ok {
			return domain.ValidationFailed("no adapter for backend %s", kind)
		}
		g.Go(func() error {
			bctx, cancel := w.fanout.backendCtx(gctx)
			defer cancel()
			return w.fanout.withRetry(bctx, kind, func(ctx context.Context) error {
				return adapter.Put(ctx, frag, opts)
			})
		})
	}
	return g.Wait()
}

// DeleteAll removes id from every backend concurrently.
func (w *Writer) DeleteAll(ctx context.Context, id string) error {
	g, gctx := errgroup.WithContext(ctx)

	for kind, adapter := range w.adapters {
		g.Go(func() error {
			bctx, cancel := w.fanout.backendCtx(gctx)
			defer cancel()
			return w.fanout.withRetry(bctx, kind, func(ctx context.Context) error {
				return adapter.Delete(ctx, id)
			})
		})
	}
	return g.Wait()
}

func split(ids []string, size int) [][]string {
	if size <= 0 || len(ids) <= size {
		return [][]string{ids}
	}
	var pages [][]string
	for start := 0; start < len(ids); start += size {
		end := min(start+size, len(ids))
		pages = append(pages, ids[start:end])
	}
	return pages
}
