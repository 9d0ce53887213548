// Package dedup finds near-duplicate images in an index and picks one
// survivor per group.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kalambet/imgdex/internal/index"
	"github.com/kalambet/imgdex/internal/storage"
)

const (
	DefaultThreshold = 0.95
	DefaultNeighbors = 50
)

// ErrInvalidThreshold is returned when the similarity threshold is outside
// (0, 1].
var ErrInvalidThreshold = errors.New("threshold must be in (0, 1]")

// Options controls duplicate detection.
type Options struct {
	Threshold float64
	Neighbors int
	// Progress, if set, is called after each row is searched.
	Progress func(done, total int)
}

func (o Options) withDefaults() Options {
	if o.Neighbors <= 0 {
		o.Neighbors = DefaultNeighbors
	}
	return o
}

// Group is a set of rows connected by similarity edges, ascending by row.
type Group struct {
	Members []storage.Entry
	Rows    []int
}

// FindGroups links every pair of rows whose score is at least the
// threshold, considering only each row's nearest neighbours, and returns
// the connected components of more than one image. Groups are ordered by
// their smallest row.
func FindGroups(ctx context.Context, idx *index.Index, opts Options) ([]Group, error) {
	opts = opts.withDefaults()
	if opts.Threshold <= 0 || opts.Threshold > 1 {
		return nil, fmt.Errorf("%w: got %v", ErrInvalidThreshold, opts.Threshold)
	}
	if idx == nil || idx.Len() == 0 {
		return nil, nil
	}

	n := idx.Len()
	m := min(opts.Neighbors, n)
	threshold := float32(opts.Threshold)
	uf := newUnionFind(n)

	edges := 0
	for i := range n {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		self := idx.Row(i)
		hits, err := idx.Search(self.Vector, m)
		if err != nil {
			return nil, fmt.Errorf("searching neighbours of row %d: %w", i, err)
		}
		for _, h := range hits {
			if h.ImageID == self.ImageID {
				continue
			}
			if h.Score >= threshold {
				uf.union(i, h.Row)
				edges++
			}
		}
		if opts.Progress != nil {
			opts.Progress(i+1, n)
		}
	}

	comps := uf.components()
	groups := make([]Group, len(comps))
	for g, rows := range comps {
		members := make([]storage.Entry, len(rows))
		for j, r := range rows {
			members[j] = idx.Row(r)
		}
		groups[g] = Group{Members: members, Rows: rows}
	}
	slog.Debug("duplicate detection complete", "rows", n, "neighbors", m, "edges", edges, "groups", len(groups))
	return groups, nil
}
