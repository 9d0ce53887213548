// Package search answers nearest-neighbour queries against the current index.
package search

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/imgdex/internal/embedding"
	"github.com/kalambet/imgdex/internal/index"
)

const defaultConcurrency = 4

// IndexSource returns the index to search, or nil if none is loaded.
type IndexSource interface {
	Current() *index.Index
}

// Engine combines an embedding provider with the published index.
// "Nothing to search" and "no results" are both reported as an empty
// result rather than an error.
type Engine struct {
	provider    embedding.Provider
	source      IndexSource
	concurrency int
	logger      *slog.Logger
}

// NewEngine creates an Engine. If concurrency is <= 0 it defaults to 4.
func NewEngine(provider embedding.Provider, source IndexSource, concurrency int) *Engine {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	return &Engine{
		provider:    provider,
		source:      source,
		concurrency: concurrency,
		logger:      slog.Default(),
	}
}

// SearchByImage embeds the image at path and returns its k nearest
// neighbours.
func (e *Engine) SearchByImage(ctx context.Context, path string, k int) []index.Result {
	idx := e.source.Current()
	if idx == nil || idx.Len() == 0 {
		e.logger.Warn("search skipped: no index loaded")
		return nil
	}

	vec, err := embedding.EmbedOne(ctx, e.provider, path)
	if err != nil {
		e.logger.Warn("could not embed query image", "path", path, "error", err)
		return nil
	}
	return e.searchIn(idx, vec, k)
}

// SearchByVector returns the k nearest neighbours of vec.
func (e *Engine) SearchByVector(_ context.Context, vec []float32, k int) []index.Result {
	idx := e.source.Current()
	if idx == nil || idx.Len() == 0 {
		e.logger.Warn("search skipped: no index loaded")
		return nil
	}
	return e.searchIn(idx, vec, k)
}

func (e *Engine) searchIn(idx *index.Index, vec []float32, k int) []index.Result {
	results, err := idx.Search(vec, k)
	if err != nil {
		e.logger.Warn("search failed", "error", err)
		return nil
	}
	return results
}

// SearchMany embeds all paths in one provider call, then searches each
// vector concurrently. Paths that fail to embed or search are absent
// from the returned map.
func (e *Engine) SearchMany(ctx context.Context, paths []string, k int) map[string][]index.Result {
	out := make(map[string][]index.Result)
	if len(paths) == 0 {
		return out
	}

	// Pin one snapshot for the whole batch.
	idx := e.source.Current()
	if idx == nil || idx.Len() == 0 {
		e.logger.Warn("batch search skipped: no index loaded")
		return out
	}

	res, err := e.provider.Embed(ctx, paths)
	if err != nil {
		e.logger.Warn("batch embedding failed", "paths", len(paths), "error", err)
		return out
	}

	var mu sync.Mutex
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i, pos := range res.Valid {
		if pos < 0 || pos >= len(paths) || i >= len(res.Vectors) {
			continue
		}
		path, vec := paths[pos], res.Vectors[i]
		g.Go(func() error {
			if gCtx.Err() != nil {
				return nil
			}
			results, err := idx.Search(vec, k)
			if err != nil {
				e.logger.Warn("search failed", "path", path, "error", err)
				return nil
			}
			mu.Lock()
			out[path] = results
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	return out
}
