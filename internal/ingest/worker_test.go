package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/kalambet/imgdex/internal/embedding"
	"github.com/kalambet/imgdex/internal/storage"
)

type mockProvider struct {
	mu      sync.Mutex
	batches [][]string
	embedFn func(ctx context.Context, paths []string) (embedding.Result, error)
}

func (m *mockProvider) Embed(ctx context.Context, paths []string) (embedding.Result, error) {
	m.mu.Lock()
	m.batches = append(m.batches, append([]string(nil), paths...))
	m.mu.Unlock()
	return m.embedFn(ctx, paths)
}

// embedAllExcept succeeds for every path not in bad.
func embedAllExcept(bad ...string) func(context.Context, []string) (embedding.Result, error) {
	skip := make(map[string]bool)
	for _, b := range bad {
		skip[b] = true
	}
	return func(_ context.Context, paths []string) (embedding.Result, error) {
		var res embedding.Result
		for i, p := range paths {
			if skip[p] {
				continue
			}
			res.Vectors = append(res.Vectors, []float32{1, 0})
			res.Valid = append(res.Valid, i)
		}
		return res, nil
	}
}

func openTestStore(t *testing.T, opts ...storage.Option) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:", opts...)
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func registerN(t *testing.T, s *storage.Store, n int) []string {
	t.Helper()
	paths := make([]string, n)
	for i := range paths {
		paths[i] = fmt.Sprintf("/img/%03d.jpg", i)
	}
	if _, err := s.Register(paths, 0); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return paths
}

func TestWorker_ProcessesBatch(t *testing.T) {
	store := openTestStore(t)
	paths := registerN(t, store, 4)

	provider := &mockProvider{embedFn: embedAllExcept(paths[1])}
	w := NewWorker(store, provider, 10)

	br, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if br.Taken != 4 || br.Processed != 3 || br.Failed != 1 {
		t.Errorf("BatchResult = %+v, want Taken=4 Processed=3 Failed=1", br)
	}

	bad, err := store.Lookup(paths[1])
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if bad.Status != storage.StatusFailed {
		t.Errorf("status = %s, want failed", bad.Status)
	}

	entries, err := store.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("features = %d, want 3", len(entries))
	}
	for _, e := range entries {
		if e.Path == paths[1] {
			t.Errorf("failed image %s has a feature vector", e.Path)
		}
	}
}

func TestWorker_RunDrainsInOrder(t *testing.T) {
	store := openTestStore(t)
	registerN(t, store, 7)

	provider := &mockProvider{embedFn: embedAllExcept()}
	w := NewWorker(store, provider, 3)

	var progress []int
	w.OnProgress(func(done int) { progress = append(progress, done) })

	sum, err := w.Run(context.Background())
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if sum.Batches != 3 || sum.Processed != 7 || sum.Failed != 0 {
		t.Errorf("Summary = %+v, want 3 batches, 7 processed", sum)
	}
	if len(progress) != 3 || progress[2] != 7 {
		t.Errorf("progress = %v, want [3 6 7]", progress)
	}

	provider.mu.Lock()
	defer provider.mu.Unlock()
	if len(provider.batches) != 3 {
		t.Fatalf("provider calls = %d, want 3", len(provider.batches))
	}
	if provider.batches[0][0] != "/img/000.jpg" || provider.batches[2][0] != "/img/006.jpg" {
		t.Errorf("batches not in ascending id order: %v", provider.batches)
	}

	st, _ := store.Stats()
	if st.Pending != 0 || st.Processed != 7 {
		t.Errorf("stats = %+v, want all processed", st)
	}
}

func TestWorker_WholeBatchFailureContinues(t *testing.T) {
	store := openTestStore(t)
	registerN(t, store, 4)

	calls := 0
	provider := &mockProvider{embedFn: func(ctx context.Context, paths []string) (embedding.Result, error) {
		calls++
		if calls == 1 {
			return embedding.Result{}, errors.New("model crashed")
		}
		return embedAllExcept()(ctx, paths)
	}}
	w := NewWorker(store, provider, 2)

	sum, err := w.Run(context.Background())
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if sum.Failed != 2 || sum.Processed != 2 {
		t.Errorf("Summary = %+v, want 2 failed 2 processed", sum)
	}

	st, _ := store.Stats()
	if st.Failed != 2 || st.Processed != 2 || st.Features != 2 {
		t.Errorf("stats = %+v", st)
	}
}

func TestWorker_EmptyResultMarksAllFailed(t *testing.T) {
	store := openTestStore(t)
	registerN(t, store, 3)

	provider := &mockProvider{embedFn: func(context.Context, []string) (embedding.Result, error) {
		return embedding.Result{}, nil
	}}
	w := NewWorker(store, provider, 0)

	br, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if br.Failed != 3 {
		t.Errorf("Failed = %d, want 3", br.Failed)
	}

	br, err = w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if br.Taken != 0 {
		t.Errorf("failed records were taken again: %+v", br)
	}
}

func TestWorker_IgnoresInvalidPositions(t *testing.T) {
	store := openTestStore(t)
	registerN(t, store, 2)

	provider := &mockProvider{embedFn: func(context.Context, []string) (embedding.Result, error) {
		return embedding.Result{
			Vectors: [][]float32{{1}, {1}, {1}},
			Valid:   []int{1, 1, 9},
		}, nil
	}}
	w := NewWorker(store, provider, 0)

	br, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if br.Processed != 1 || br.Failed != 1 {
		t.Errorf("BatchResult = %+v, want 1 processed 1 failed", br)
	}
}

func TestWorker_CancelledBeforeStart(t *testing.T) {
	store := openTestStore(t)
	registerN(t, store, 2)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	w := NewWorker(store, &mockProvider{embedFn: embedAllExcept()}, 0)
	if _, err := w.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	st, _ := store.Stats()
	if st.Pending != 2 {
		t.Errorf("pending = %d, want 2 untouched", st.Pending)
	}
}

func TestWorker_CancelledMidBatchStaysPending(t *testing.T) {
	store := openTestStore(t)
	paths := registerN(t, store, 6)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The first two images embed, then the run is interrupted.
	provider := &mockProvider{embedFn: func(_ context.Context, batch []string) (embedding.Result, error) {
		cancel()
		return embedding.Result{
			Vectors: [][]float32{{1, 0}, {0, 1}},
			Valid:   []int{0, 1},
		}, nil
	}}
	w := NewWorker(store, provider, 10)

	sum, err := w.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if sum.Processed != 0 || sum.Failed != 0 {
		t.Errorf("Summary = %+v, want nothing recorded", sum)
	}

	st, _ := store.Stats()
	if st.Pending != 6 || st.Failed != 0 || st.Features != 0 {
		t.Errorf("stats = %+v, want all 6 still pending", st)
	}

	// A later run picks the same batch up again.
	w = NewWorker(store, &mockProvider{embedFn: embedAllExcept()}, 10)
	if _, err := w.Run(context.Background()); err != nil {
		t.Fatalf("Run after interrupt: %v", err)
	}
	for _, p := range paths {
		rec, err := store.Lookup(p)
		if err != nil {
			t.Fatalf("Lookup(%s): %v", p, err)
		}
		if rec.Status != storage.StatusProcessed {
			t.Errorf("%s status = %s, want processed", p, rec.Status)
		}
	}
}

func TestWorker_WrongDimensionFailsOnlyThatImage(t *testing.T) {
	store := openTestStore(t, storage.WithDimension(2))
	paths := registerN(t, store, 3)

	provider := &mockProvider{embedFn: func(_ context.Context, batch []string) (embedding.Result, error) {
		return embedding.Result{
			Vectors: [][]float32{{1, 0}, {1}, {0, 1}},
			Valid:   []int{0, 1, 2},
		}, nil
	}}
	w := NewWorker(store, provider, 0)

	sum, err := w.Run(context.Background())
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if sum.Processed != 2 || sum.Failed != 1 {
		t.Errorf("Summary = %+v, want 2 processed 1 failed", sum)
	}

	bad, err := store.Lookup(paths[1])
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if bad.Status != storage.StatusFailed {
		t.Errorf("status = %s, want failed", bad.Status)
	}
	st, _ := store.Stats()
	if st.Pending != 0 || st.Features != 2 {
		t.Errorf("stats = %+v, want 0 pending and 2 features", st)
	}
}
