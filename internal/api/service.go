package api

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kalambet/imgdex/internal/dedup"
	"github.com/kalambet/imgdex/internal/index"
	"github.com/kalambet/imgdex/internal/storage"
)

// Catalog is the part of the store the service layer reads.
type Catalog interface {
	Stats() (storage.Stats, error)
	LoadAll() ([]storage.Entry, error)
}

// Searcher runs similarity queries against the published index.
type Searcher interface {
	SearchByImage(ctx context.Context, path string, k int) []index.Result
	SearchByVector(ctx context.Context, vec []float32, k int) []index.Result
	SearchMany(ctx context.Context, paths []string, k int) map[string][]index.Result
}

// DedupDefaults are used when a duplicates request leaves a field unset.
type DedupDefaults struct {
	Threshold float64
	Neighbors int
	Strategy  string
}

// AppDeps holds dependencies shared by the HTTP and MCP surfaces.
type AppDeps struct {
	Catalog  Catalog
	Search   Searcher
	Holder   *index.Holder
	IndexDir string
	Dim      int
	TopK     int
	Dedup    DedupDefaults
	Token    string

	// FilterPath is the filter list applied when a rebuild asks for it.
	FilterPath string
}

// Service implements the operations exposed over HTTP and MCP.
type Service struct {
	deps      AppDeps
	rebuildMu sync.Mutex
	logger    *slog.Logger
}

func NewService(deps AppDeps) *Service {
	if deps.TopK <= 0 {
		deps.TopK = 10
	}
	if deps.Dedup.Threshold == 0 {
		deps.Dedup.Threshold = dedup.DefaultThreshold
	}
	if deps.Dedup.Neighbors <= 0 {
		deps.Dedup.Neighbors = dedup.DefaultNeighbors
	}
	if deps.Dedup.Strategy == "" {
		deps.Dedup.Strategy = dedup.DefaultStrategy
	}
	return &Service{deps: deps, logger: slog.Default()}
}

// IndexStatus describes the currently published index.
type IndexStatus struct {
	Loaded    bool      `json:"loaded"`
	BuildID   string    `json:"build_id,omitempty"`
	Count     int       `json:"count"`
	Dim       int       `json:"dim,omitempty"`
	CreatedAt time.Time `json:"created_at,omitzero"`
}

// StatsResponse combines catalog counts with index status.
type StatsResponse struct {
	Catalog storage.Stats `json:"catalog"`
	Index   IndexStatus   `json:"index"`
}

func (s *Service) Stats() (StatsResponse, error) {
	st, err := s.deps.Catalog.Stats()
	if err != nil {
		return StatsResponse{}, fmt.Errorf("reading catalog stats: %w", err)
	}
	return StatsResponse{Catalog: st, Index: s.indexStatus()}, nil
}

func (s *Service) indexStatus() IndexStatus {
	idx := s.deps.Holder.Current()
	if idx == nil {
		return IndexStatus{}
	}
	return IndexStatus{
		Loaded:    true,
		BuildID:   idx.BuildID(),
		Count:     idx.Len(),
		Dim:       idx.Dim(),
		CreatedAt: idx.CreatedAt(),
	}
}

func (s *Service) topK(k int) int {
	if k <= 0 {
		return s.deps.TopK
	}
	return k
}

// DuplicatesRequest selects duplicate detection parameters. Zero values
// fall back to the configured defaults.
type DuplicatesRequest struct {
	Threshold float64 `json:"threshold"`
	Neighbors int     `json:"neighbors"`
	Strategy  string  `json:"strategy"`
}

// Duplicates runs duplicate detection over the published index.
func (s *Service) Duplicates(ctx context.Context, req DuplicatesRequest) (*dedup.Result, error) {
	idx := s.deps.Holder.Current()
	if idx == nil {
		return nil, index.ErrNoIndex
	}
	if req.Threshold == 0 {
		req.Threshold = s.deps.Dedup.Threshold
	}
	if req.Neighbors <= 0 {
		req.Neighbors = s.deps.Dedup.Neighbors
	}
	if req.Strategy == "" {
		req.Strategy = s.deps.Dedup.Strategy
	}
	return dedup.Run(ctx, idx, dedup.RunOptions{
		Options:  dedup.Options{Threshold: req.Threshold, Neighbors: req.Neighbors},
		Strategy: req.Strategy,
	})
}

// RebuildResponse reports a freshly published index.
type RebuildResponse struct {
	BuildID    string `json:"build_id"`
	Count      int    `json:"count"`
	Dim        int    `json:"dim"`
	FilterSize int    `json:"filter_size"`
}

// Rebuild builds a new index from the store, publishes it and, when an
// index directory is configured, saves it. Concurrent rebuilds are
// serialized; searches keep using the previous index until the swap.
func (s *Service) Rebuild(ctx context.Context, applyFilter bool) (RebuildResponse, error) {
	s.rebuildMu.Lock()
	defer s.rebuildMu.Unlock()

	if err := ctx.Err(); err != nil {
		return RebuildResponse{}, err
	}

	opts := index.BuildOptions{Dim: s.deps.Dim}
	if applyFilter && s.deps.FilterPath != "" {
		exclude, err := dedup.LoadFilterList(s.deps.FilterPath)
		if err != nil {
			return RebuildResponse{}, err
		}
		opts.Exclude = exclude
	}

	idx, err := index.Build(s.deps.Catalog, opts)
	if err != nil {
		return RebuildResponse{}, err
	}
	if s.deps.IndexDir != "" {
		if err := idx.Save(s.deps.IndexDir); err != nil {
			return RebuildResponse{}, fmt.Errorf("saving index: %w", err)
		}
	}
	s.deps.Holder.Swap(idx)
	s.logger.Info("index rebuilt", "build_id", idx.BuildID(), "count", idx.Len(), "filter_size", len(opts.Exclude))

	return RebuildResponse{
		BuildID:    idx.BuildID(),
		Count:      idx.Len(),
		Dim:        idx.Dim(),
		FilterSize: len(opts.Exclude),
	}, nil
}
