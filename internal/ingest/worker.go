// Package ingest drives Pending catalog records through the embedding
// provider into the feature store.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/imgdex/internal/embedding"
	"github.com/kalambet/imgdex/internal/storage"
)

// DefaultBatchSize is the number of Pending records taken per batch.
const DefaultBatchSize = 128

// Catalog abstracts the catalog and feature store operations the pipeline needs.
type Catalog interface {
	TakePending(limit int) ([]storage.ImageRecord, error)
	SaveProcessed(entries []storage.FeatureVector) error
	MarkFailed(ids ...int64) error
	// Dimension is the vector length the store accepts, or 0 if unchecked.
	Dimension() int
}

// ProgressFunc is called after each batch with the number of records
// handled so far in the run.
type ProgressFunc func(done int)

// BatchResult describes one processed batch.
type BatchResult struct {
	Taken     int
	Processed int
	Failed    int
}

// Summary accumulates batch results over a run.
type Summary struct {
	Batches   int
	Processed int
	Failed    int
	Elapsed   time.Duration
}

// Worker moves Pending images to Processed or Failed, one batch at a time.
type Worker struct {
	catalog   Catalog
	provider  embedding.Provider
	batchSize int
	progress  ProgressFunc
	logger    *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If batchSize is <= 0, it defaults to DefaultBatchSize.
func NewWorker(catalog Catalog, provider embedding.Provider, batchSize int) *Worker {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Worker{
		catalog:   catalog,
		provider:  provider,
		batchSize: batchSize,
		logger:    slog.Default(),
	}
}

// OnProgress registers a callback invoked after every batch.
func (w *Worker) OnProgress(fn ProgressFunc) {
	w.progress = fn
}

// Run processes batches until no Pending records remain or ctx is
// cancelled. A batch interrupted by cancellation is left Pending.
func (w *Worker) Run(ctx context.Context) (Summary, error) {
	start := time.Now()
	var sum Summary
	for {
		if err := ctx.Err(); err != nil {
			sum.Elapsed = time.Since(start)
			return sum, err
		}

		br, err := w.RunOnce(ctx)
		if err != nil {
			sum.Elapsed = time.Since(start)
			return sum, err
		}
		if br.Taken == 0 {
			break
		}

		sum.Batches++
		sum.Processed += br.Processed
		sum.Failed += br.Failed
		if w.progress != nil {
			w.progress(sum.Processed + sum.Failed)
		}
	}
	sum.Elapsed = time.Since(start)
	w.logger.Info("ingestion complete", "batches", sum.Batches, "processed", sum.Processed, "failed", sum.Failed, "elapsed", sum.Elapsed)
	return sum, nil
}

// RunOnce takes and processes a single batch. Taken is zero when nothing
// is Pending. Per-image and whole-batch embedding failures are recorded as
// Failed and never returned as errors; only catalog errors and ctx
// cancellation are. A cancelled batch is not written at all.
func (w *Worker) RunOnce(ctx context.Context) (BatchResult, error) {
	batch, err := w.catalog.TakePending(w.batchSize)
	if err != nil {
		return BatchResult{}, fmt.Errorf("taking pending batch: %w", err)
	}
	if len(batch) == 0 {
		return BatchResult{}, nil
	}

	paths := make([]string, len(batch))
	for i, r := range batch {
		paths[i] = r.Path
	}

	res, err := w.provider.Embed(ctx, paths)
	if ctxErr := ctx.Err(); ctxErr != nil {
		w.logger.Info("batch interrupted; leaving it pending", "first_id", batch[0].ID, "size", len(batch))
		return BatchResult{}, ctxErr
	}
	if err != nil {
		w.logger.Warn("batch embedding failed", "first_id", batch[0].ID, "size", len(batch), "error", err)
		res = embedding.Result{}
	}
	if len(res.Vectors) != len(res.Valid) {
		w.logger.Warn("provider returned mismatched result", "vectors", len(res.Vectors), "valid", len(res.Valid))
		res = embedding.Result{}
	}

	dim := w.catalog.Dimension()
	succeeded := make([]bool, len(batch))
	features := make([]storage.FeatureVector, 0, len(res.Valid))
	now := time.Now().UTC()
	for i, pos := range res.Valid {
		if pos < 0 || pos >= len(batch) || succeeded[pos] {
			w.logger.Warn("provider returned invalid batch position", "position", pos)
			continue
		}
		if dim > 0 && len(res.Vectors[i]) != dim {
			w.logger.Warn("provider returned vector of wrong dimension", "image_id", batch[pos].ID, "path", batch[pos].Path, "got", len(res.Vectors[i]), "want", dim)
			continue
		}
		succeeded[pos] = true
		features = append(features, storage.FeatureVector{
			ImageID:   batch[pos].ID,
			Vector:    res.Vectors[i],
			UpdatedAt: now,
		})
	}

	var failed []int64
	for i, r := range batch {
		if !succeeded[i] {
			failed = append(failed, r.ID)
			w.logger.Debug("image failed", "image_id", r.ID, "path", r.Path)
		}
	}

	if err := w.catalog.SaveProcessed(features); err != nil {
		return BatchResult{}, fmt.Errorf("saving features: %w", err)
	}
	if err := w.catalog.MarkFailed(failed...); err != nil {
		return BatchResult{}, fmt.Errorf("marking failed images: %w", err)
	}

	return BatchResult{
		Taken:     len(batch),
		Processed: len(features),
		Failed:    len(failed),
	}, nil
}
