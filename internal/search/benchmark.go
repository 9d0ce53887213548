package search

import (
	"context"
	"math/rand"
	"sort"
	"time"

	"github.com/kalambet/imgdex/internal/index"
)

// RecallKs are the cut-offs reported by Benchmark.
var RecallKs = []int{1, 5, 10}

// BenchmarkReport holds self-retrieval accuracy and end-to-end latency.
type BenchmarkReport struct {
	Queries    int
	Recall     map[int]float64
	AvgLatency time.Duration
	P95Latency time.Duration
	P99Latency time.Duration
}

// Benchmark queries a random sample of indexed images by path and checks
// whether each image finds itself within the top 1, 5 and 10 results.
// The sample is fixed by seed.
func (e *Engine) Benchmark(ctx context.Context, samples int, seed int64) (BenchmarkReport, error) {
	idx := e.source.Current()
	if idx == nil || idx.Len() == 0 {
		return BenchmarkReport{}, index.ErrNoIndex
	}
	n := min(samples, idx.Len())
	if n <= 0 {
		n = idx.Len()
	}
	maxK := RecallKs[len(RecallKs)-1]

	perm := rand.New(rand.NewSource(seed)).Perm(idx.Len())[:n]
	hits := make(map[int]int, len(RecallKs))
	latencies := make([]time.Duration, 0, n)

	for _, row := range perm {
		if err := ctx.Err(); err != nil {
			return BenchmarkReport{}, err
		}
		want := idx.Row(row).Path

		start := time.Now()
		results := e.SearchByImage(ctx, want, maxK)
		latencies = append(latencies, time.Since(start))

		rank := -1
		for i, r := range results {
			if r.Path == want {
				rank = i
				break
			}
		}
		for _, k := range RecallKs {
			if rank >= 0 && rank < k {
				hits[k]++
			}
		}
	}

	report := BenchmarkReport{Queries: n, Recall: make(map[int]float64, len(RecallKs))}
	for _, k := range RecallKs {
		report.Recall[k] = float64(hits[k]) / float64(n)
	}
	report.AvgLatency, report.P95Latency, report.P99Latency = latencyStats(latencies)
	return report, nil
}

func latencyStats(ds []time.Duration) (avg, p95, p99 time.Duration) {
	if len(ds) == 0 {
		return 0, 0, 0
	}
	sorted := append([]time.Duration(nil), ds...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var total time.Duration
	for _, d := range sorted {
		total += d
	}
	return total / time.Duration(len(sorted)), percentile(sorted, 0.95), percentile(sorted, 0.99)
}

// percentile uses nearest-rank on an ascending slice.
func percentile(sorted []time.Duration, p float64) time.Duration {
	rank := int(p*float64(len(sorted))+0.999999) - 1
	rank = max(0, min(rank, len(sorted)-1))
	return sorted[rank]
}
