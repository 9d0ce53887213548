package search

import (
	"context"
	"errors"
	"testing"

	"github.com/kalambet/imgdex/internal/embedding"
	"github.com/kalambet/imgdex/internal/index"
	"github.com/kalambet/imgdex/internal/storage"
)

// mapProvider embeds paths by table lookup; unknown paths fail.
type mapProvider struct {
	vectors map[string][]float32
	err     error
	calls   int
}

func (m *mapProvider) Embed(_ context.Context, paths []string) (embedding.Result, error) {
	m.calls++
	if m.err != nil {
		return embedding.Result{}, m.err
	}
	var res embedding.Result
	for i, p := range paths {
		if v, ok := m.vectors[p]; ok {
			res.Vectors = append(res.Vectors, v)
			res.Valid = append(res.Valid, i)
		}
	}
	return res, nil
}

func testIndex(t *testing.T) (*index.Holder, *mapProvider) {
	t.Helper()
	entries := []storage.Entry{
		{ImageID: 1, Path: "/a.jpg", Vector: []float32{1, 0, 0}},
		{ImageID: 2, Path: "/b.jpg", Vector: []float32{0, 1, 0}},
		{ImageID: 3, Path: "/c.jpg", Vector: []float32{0, 0, 1}},
	}
	idx, err := index.FromEntries(3, entries)
	if err != nil {
		t.Fatalf("FromEntries: %v", err)
	}
	vectors := make(map[string][]float32)
	for _, e := range entries {
		vectors[e.Path] = e.Vector
	}
	vectors["/query.jpg"] = []float32{0.6, 0.8, 0}
	return index.NewHolder(idx), &mapProvider{vectors: vectors}
}

func TestSearchByImage(t *testing.T) {
	holder, provider := testIndex(t)
	e := NewEngine(provider, holder, 0)

	results := e.SearchByImage(context.Background(), "/query.jpg", 2)
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].Path != "/b.jpg" || results[1].Path != "/a.jpg" {
		t.Errorf("results = %+v, want /b.jpg then /a.jpg", results)
	}
}

func TestSearchByImage_EmptyOnFailure(t *testing.T) {
	holder, provider := testIndex(t)
	e := NewEngine(provider, holder, 0)

	if got := e.SearchByImage(context.Background(), "/unknown.jpg", 3); len(got) != 0 {
		t.Errorf("unembeddable query returned %d results", len(got))
	}

	provider.err = errors.New("boom")
	if got := e.SearchByImage(context.Background(), "/a.jpg", 3); len(got) != 0 {
		t.Errorf("provider error returned %d results", len(got))
	}

	empty := NewEngine(provider, index.NewHolder(nil), 0)
	calls := provider.calls
	if got := empty.SearchByImage(context.Background(), "/a.jpg", 3); len(got) != 0 {
		t.Errorf("absent index returned %d results", len(got))
	}
	if provider.calls != calls {
		t.Error("provider called although no index is loaded")
	}
}

func TestSearchByVector(t *testing.T) {
	holder, provider := testIndex(t)
	e := NewEngine(provider, holder, 0)

	results := e.SearchByVector(context.Background(), []float32{0, 0, 1}, 10)
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	if results[0].ImageID != 3 {
		t.Errorf("top = %+v, want image 3", results[0])
	}
	if provider.calls != 0 {
		t.Errorf("provider calls = %d, want 0", provider.calls)
	}

	if got := e.SearchByVector(context.Background(), []float32{1}, 3); len(got) != 0 {
		t.Errorf("wrong-dimension query returned %d results", len(got))
	}
}

func TestSearchMany(t *testing.T) {
	holder, provider := testIndex(t)
	e := NewEngine(provider, holder, 2)

	out := e.SearchMany(context.Background(), []string{"/a.jpg", "/missing.jpg", "/c.jpg"}, 1)
	if provider.calls != 1 {
		t.Errorf("provider calls = %d, want 1", provider.calls)
	}
	if len(out) != 2 {
		t.Fatalf("got %d entries, want 2", len(out))
	}
	if _, ok := out["/missing.jpg"]; ok {
		t.Error("failed path present in result map")
	}
	if got := out["/c.jpg"]; len(got) != 1 || got[0].Path != "/c.jpg" {
		t.Errorf("/c.jpg results = %+v", got)
	}
}

func TestBenchmark_SelfRetrieval(t *testing.T) {
	holder, provider := testIndex(t)
	e := NewEngine(provider, holder, 0)

	report, err := e.Benchmark(context.Background(), 10, 1)
	if err != nil {
		t.Fatalf("Benchmark: %v", err)
	}
	if report.Queries != 3 {
		t.Errorf("Queries = %d, want 3", report.Queries)
	}
	for _, k := range RecallKs {
		if report.Recall[k] != 1 {
			t.Errorf("Recall@%d = %v, want 1", k, report.Recall[k])
		}
	}
	if report.P99Latency < report.P95Latency {
		t.Errorf("p99 %v < p95 %v", report.P99Latency, report.P95Latency)
	}
}

func TestBenchmark_NoIndex(t *testing.T) {
	e := NewEngine(&mapProvider{}, index.NewHolder(nil), 0)
	if _, err := e.Benchmark(context.Background(), 5, 1); !errors.Is(err, index.ErrNoIndex) {
		t.Errorf("err = %v, want ErrNoIndex", err)
	}
}
