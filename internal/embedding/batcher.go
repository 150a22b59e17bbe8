package embedding

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Batcher splits large embedding requests into bounded batches and runs them
// concurrently, reassembling results in input order.
type Batcher struct {
	embedder  Embedder
	batchSize int
	logger    *slog.Logger
}

func NewBatcher(embedder Embedder, batchSize int, logger *slog.Logger) *Batcher {
	if batchSize < 1 {
		batchSize = 100
	}
	return &Batcher{
		embedder:  embedder,
		batchSize: batchSize,
		logger:    logger.WithGroup("embedding.Batcher"),
	}
}

func (b *Batcher) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if len(texts) <= b.batchSize {
		return b.embedder.Embed(ctx, texts)
	}

	totalItems := len(texts)
	numBatches := (totalItems + b.batchSize - 1) / b.batchSize
	b.logger.Debug("Splitting embedding request",
		"texts", totalItems, "batches", numBatches, "batch_size", b.batchSize)

	results := make([][]float32, totalItems)
	var mu sync.Mutex
	var wg sync.WaitGroup
	errCh := make(chan error, numBatches)

	for i := 0; i < numBatches; i++ {
		start := i * b.batchSize
		end := min(start+b.batchSize, totalItems)

		wg.Add(1)
		go func(batchTexts []string, startIdx, batchIdx int) {
			defer wg.Done()
			vecs, err := b.embedder.Embed(ctx, batchTexts)
			if err != nil {
				errCh <- fmt.Errorf("embedding batch %d failed: %w", batchIdx, err)
				return
			}
			mu.Lock()
			copy(results[startIdx:], vecs)
			mu.Unlock()
		}(texts[start:end], start, i)
	}

	wg.Wait()
	close(errCh)
	if err := <-errCh; err != nil {
		return nil, err
	}
	return results, nil
}
