// Package index implements an exact, brute-force inner-product index over
// the feature store's vectors.
package index

import (
	"container/heap"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/imgdex/internal/storage"
)

var (
	// ErrEmpty is returned when there are no vectors to index.
	ErrEmpty = errors.New("no features to index")
	// ErrDimensionMismatch is returned when a vector's length differs from
	// the index dimension.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
)

// Loader supplies every stored vector ordered by image id.
type Loader interface {
	LoadAll() ([]storage.Entry, error)
}

// BuildOptions controls Build.
type BuildOptions struct {
	Dim int
	// Exclude lists paths to leave out of the index, typically a dedup
	// filter list.
	Exclude map[string]bool
}

// Index is an immutable in-memory matrix of vectors with their image ids
// and paths. Row i covers data[i*dim:(i+1)*dim].
type Index struct {
	dim       int
	data      []float32
	rows      []storage.Entry
	byID      map[int64]int
	buildID   string
	createdAt time.Time
}

// Result is one search hit.
type Result struct {
	Row     int     `json:"row"`
	ImageID int64   `json:"image_id"`
	Path    string  `json:"path"`
	Score   float32 `json:"score"`
}

// Build loads every vector from loader and builds a new Index.
func Build(loader Loader, opts BuildOptions) (*Index, error) {
	entries, err := loader.LoadAll()
	if err != nil {
		return nil, fmt.Errorf("loading features: %w", err)
	}
	if len(opts.Exclude) > 0 {
		kept := make([]storage.Entry, 0, len(entries))
		for _, e := range entries {
			if !opts.Exclude[e.Path] {
				kept = append(kept, e)
			}
		}
		entries = kept
	}
	return FromEntries(opts.Dim, entries)
}

// FromEntries copies entries into a new Index. When dim is 0 it is taken
// from the first entry. Every entry must have exactly dim components.
func FromEntries(dim int, entries []storage.Entry) (*Index, error) {
	if len(entries) == 0 {
		return nil, ErrEmpty
	}
	if dim <= 0 {
		dim = len(entries[0].Vector)
	}
	if dim == 0 {
		return nil, fmt.Errorf("%w: zero-length vector for image %d", ErrDimensionMismatch, entries[0].ImageID)
	}

	idx := &Index{
		dim:       dim,
		data:      make([]float32, len(entries)*dim),
		rows:      make([]storage.Entry, len(entries)),
		byID:      make(map[int64]int, len(entries)),
		buildID:   uuid.New().String(),
		createdAt: time.Now().UTC(),
	}
	for i, e := range entries {
		if len(e.Vector) != dim {
			return nil, fmt.Errorf("%w: image %d (%s) has %d dimensions, index has %d",
				ErrDimensionMismatch, e.ImageID, e.Path, len(e.Vector), dim)
		}
		if _, dup := idx.byID[e.ImageID]; dup {
			return nil, fmt.Errorf("duplicate image id %d in index input", e.ImageID)
		}
		row := idx.data[i*dim : (i+1)*dim : (i+1)*dim]
		copy(row, e.Vector)
		idx.rows[i] = storage.Entry{ImageID: e.ImageID, Path: e.Path, Vector: row}
		idx.byID[e.ImageID] = i
	}
	return idx, nil
}

// Len returns the number of indexed vectors.
func (idx *Index) Len() int { return len(idx.rows) }

// Dim returns the vector dimension.
func (idx *Index) Dim() int { return idx.dim }

// BuildID identifies this build; it is preserved by Save and Load.
func (idx *Index) BuildID() string { return idx.buildID }

// CreatedAt is when the index was built.
func (idx *Index) CreatedAt() time.Time { return idx.createdAt }

// Row returns the entry at row i. The vector must not be modified.
func (idx *Index) Row(i int) storage.Entry { return idx.rows[i] }

// RowOf returns the row holding imageID.
func (idx *Index) RowOf(imageID int64) (int, bool) {
	r, ok := idx.byID[imageID]
	return r, ok
}

// Paths returns all indexed paths in row order.
func (idx *Index) Paths() []string {
	paths := make([]string, len(idx.rows))
	for i, e := range idx.rows {
		paths[i] = e.Path
	}
	return paths
}

// Search returns the k rows with the highest inner product against query,
// by descending score. Equal scores keep row order. At most min(k, Len())
// results are returned.
func (idx *Index) Search(query []float32, k int) ([]Result, error) {
	if len(query) != idx.dim {
		return nil, fmt.Errorf("%w: query has %d dimensions, index has %d", ErrDimensionMismatch, len(query), idx.dim)
	}
	if k <= 0 {
		return nil, nil
	}
	k = min(k, len(idx.rows))

	h := make(hitHeap, 0, k)
	for row := range idx.rows {
		score := dot(query, idx.data[row*idx.dim:(row+1)*idx.dim])
		if h.Len() < k {
			heap.Push(&h, hit{row: row, score: score})
		} else if score > h[0].score {
			// Rows are scanned ascending, so an equal score never displaces
			// an earlier row.
			h[0] = hit{row: row, score: score}
			heap.Fix(&h, 0)
		}
	}

	sort.Slice(h, func(i, j int) bool { return h[i].better(h[j]) })

	results := make([]Result, len(h))
	for i, x := range h {
		e := idx.rows[x.row]
		results[i] = Result{Row: x.row, ImageID: e.ImageID, Path: e.Path, Score: x.score}
	}
	return results, nil
}

// dot computes the inner product of equal-length vectors.
func dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

type hit struct {
	row   int
	score float32
}

// better orders hits by descending score, then ascending row.
func (a hit) better(b hit) bool {
	if a.score != b.score {
		return a.score > b.score
	}
	return a.row < b.row
}

// hitHeap is a min-heap whose root is the worst hit kept so far.
type hitHeap []hit

func (h hitHeap) Len() int            { return len(h) }
func (h hitHeap) Less(i, j int) bool  { return h[j].better(h[i]) }
func (h hitHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *hitHeap) Push(x interface{}) { *h = append(*h, x.(hit)) }
func (h *hitHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
