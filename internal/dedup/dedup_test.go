package dedup

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/kalambet/imgdex/internal/index"
	"github.com/kalambet/imgdex/internal/storage"
)

// scenarioIndex places A, B, C on an arc so that A·B = 0.97, B·C = 0.96
// and A·C falls below 0.95, plus an unrelated pair D·E = 0.10.
func scenarioIndex(t *testing.T) *index.Index {
	t.Helper()
	ab := math.Acos(0.97)
	bc := math.Acos(0.96)
	at := func(theta float64) []float32 {
		return []float32{float32(math.Cos(theta)), float32(math.Sin(theta)), 0, 0}
	}
	entries := []storage.Entry{
		{ImageID: 1, Path: "/img/A.jpg", Vector: at(0)},
		{ImageID: 2, Path: "/img/B.jpg", Vector: at(ab)},
		{ImageID: 3, Path: "/img/C.jpg", Vector: at(ab + bc)},
		{ImageID: 4, Path: "/img/D.jpg", Vector: []float32{0, 0, 1, 0}},
		{ImageID: 5, Path: "/img/E.jpg", Vector: []float32{0, 0, 0.10, float32(math.Sqrt(1 - 0.01))}},
	}
	idx, err := index.FromEntries(4, entries)
	if err != nil {
		t.Fatalf("FromEntries: %v", err)
	}
	return idx
}

func paths(members []storage.Entry) []string {
	out := make([]string, len(members))
	for i, m := range members {
		out[i] = m.Path
	}
	return out
}

func TestFindGroups_TransitiveChain(t *testing.T) {
	idx := scenarioIndex(t)
	groups, err := FindGroups(context.Background(), idx, Options{Threshold: 0.95})
	if err != nil {
		t.Fatalf("FindGroups: %v", err)
	}
	if len(groups) != 1 {
		t.Fatalf("got %d groups, want 1: %+v", len(groups), groups)
	}
	got := paths(groups[0].Members)
	want := []string{"/img/A.jpg", "/img/B.jpg", "/img/C.jpg"}
	if len(got) != len(want) {
		t.Fatalf("group = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("group[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestFindGroups_InvalidThreshold(t *testing.T) {
	idx := scenarioIndex(t)
	for _, th := range []float64{0, -0.5, 1.01} {
		if _, err := FindGroups(context.Background(), idx, Options{Threshold: th}); !errors.Is(err, ErrInvalidThreshold) {
			t.Errorf("threshold %v: err = %v, want ErrInvalidThreshold", th, err)
		}
	}
}

func TestFindGroups_DisjointAndOrdered(t *testing.T) {
	// Three tight clusters of two plus noise along distinct axes.
	dim := 8
	var entries []storage.Entry
	id := int64(1)
	add := func(axis int, jitter float32) {
		v := make([]float32, dim)
		v[axis] = 1
		v[(axis+1)%dim] = jitter
		n := float32(math.Sqrt(float64(1 + jitter*jitter)))
		for i := range v {
			v[i] /= n
		}
		entries = append(entries, storage.Entry{ImageID: id, Path: filepath.Join("/c", string(rune('a'+id))), Vector: v})
		id++
	}
	add(2, 0)
	add(0, 0)
	add(2, 0.05)
	add(5, 0)
	add(0, 0.05)
	add(7, 0)
	add(5, 0.05)
	idx, err := index.FromEntries(dim, entries)
	if err != nil {
		t.Fatalf("FromEntries: %v", err)
	}

	groups, err := FindGroups(context.Background(), idx, Options{Threshold: 0.99, Neighbors: 3})
	if err != nil {
		t.Fatalf("FindGroups: %v", err)
	}
	if len(groups) != 3 {
		t.Fatalf("got %d groups, want 3", len(groups))
	}
	seen := make(map[int]bool)
	prevFirst := -1
	for _, g := range groups {
		if g.Rows[0] <= prevFirst {
			t.Errorf("groups not ordered by smallest row: %v", g.Rows)
		}
		prevFirst = g.Rows[0]
		for i, r := range g.Rows {
			if seen[r] {
				t.Errorf("row %d appears in more than one group", r)
			}
			seen[r] = true
			if i > 0 && r <= g.Rows[i-1] {
				t.Errorf("members not ascending: %v", g.Rows)
			}
		}
	}
	if seen[5] {
		t.Error("singleton row 5 was grouped")
	}
}

func TestFindGroups_Progress(t *testing.T) {
	idx := scenarioIndex(t)
	var calls, lastTotal int
	_, err := FindGroups(context.Background(), idx, Options{
		Threshold: 0.95,
		Progress:  func(done, total int) { calls = done; lastTotal = total },
	})
	if err != nil {
		t.Fatalf("FindGroups: %v", err)
	}
	if calls != 5 || lastTotal != 5 {
		t.Errorf("progress = %d/%d, want 5/5", calls, lastTotal)
	}
}

func TestFindGroups_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := FindGroups(ctx, scenarioIndex(t), Options{Threshold: 0.95}); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestUnionFind(t *testing.T) {
	uf := newUnionFind(6)
	if !uf.union(0, 3) || !uf.union(3, 5) {
		t.Fatal("union of disjoint sets reported false")
	}
	if uf.union(5, 0) {
		t.Error("union of joined sets reported true")
	}
	uf.union(1, 2)
	comps := uf.components()
	if len(comps) != 2 {
		t.Fatalf("components = %v, want 2 sets", comps)
	}
	if len(comps[0]) != 3 || comps[0][0] != 0 || comps[0][2] != 5 {
		t.Errorf("first component = %v, want [0 3 5]", comps[0])
	}
	if uf.find(4) != 4 {
		t.Error("singleton root changed")
	}
}

func group(entries ...storage.Entry) Group {
	g := Group{Members: entries}
	for i := range entries {
		g.Rows = append(g.Rows, i)
	}
	return g
}

func fixedSizes(m map[string]int64) SizeFunc {
	return func(path string) (int64, bool) {
		sz, ok := m[path]
		return sz, ok
	}
}

func TestSelectSurvivors_Strategies(t *testing.T) {
	g := group(
		storage.Entry{ImageID: 7, Path: "/b.jpg"},
		storage.Entry{ImageID: 3, Path: "/c.jpg"},
		storage.Entry{ImageID: 9, Path: "/a.jpg"},
	)
	sizes := fixedSizes(map[string]int64{"/a.jpg": 100, "/b.jpg": 300, "/c.jpg": 300})

	tests := []struct {
		strategy string
		want     string
	}{
		{StrategyLargest, "/b.jpg"},
		{StrategyFirst, "/c.jpg"},
		{StrategyAlphabetical, "/a.jpg"},
	}
	for _, tt := range tests {
		t.Run(tt.strategy, func(t *testing.T) {
			cmp, err := StrategyByName(tt.strategy)
			if err != nil {
				t.Fatalf("StrategyByName: %v", err)
			}
			d := SelectSurvivors([]Group{g}, cmp, sizes)[0]
			if d.Survivor.Path != tt.want {
				t.Errorf("survivor = %s, want %s", d.Survivor.Path, tt.want)
			}
			if len(d.Filtered) != 2 {
				t.Errorf("filtered = %d, want 2", len(d.Filtered))
			}
		})
	}
}

func TestSelectSurvivors_MissingFileNeverSurvives(t *testing.T) {
	g := group(
		storage.Entry{ImageID: 1, Path: "/gone.jpg"},
		storage.Entry{ImageID: 2, Path: "/here.jpg"},
	)
	sizes := fixedSizes(map[string]int64{"/here.jpg": 0})
	for _, name := range StrategyNames() {
		cmp, _ := StrategyByName(name)
		d := SelectSurvivors([]Group{g}, cmp, sizes)[0]
		if d.Survivor.Path != "/here.jpg" {
			t.Errorf("%s: survivor = %s, want /here.jpg", name, d.Survivor.Path)
		}
		if d.Members[0].Size != 0 || !d.Members[0].Missing {
			t.Errorf("%s: missing member = %+v, want size 0 and missing", name, d.Members[0])
		}
	}
}

func TestStrategyByName(t *testing.T) {
	if _, err := StrategyByName("newest"); err == nil {
		t.Error("expected error for unknown strategy")
	}
	if _, err := StrategyByName(""); err != nil {
		t.Errorf("empty name: %v", err)
	}
}

func TestStatSize(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "x.jpg")
	if err := os.WriteFile(p, make([]byte, 42), 0o644); err != nil {
		t.Fatal(err)
	}
	if sz, ok := StatSize(p); !ok || sz != 42 {
		t.Errorf("StatSize = %d, %v; want 42, true", sz, ok)
	}
	if sz, ok := StatSize(filepath.Join(dir, "nope.jpg")); ok || sz != 0 {
		t.Errorf("StatSize(missing) = %d, %v; want 0, false", sz, ok)
	}
}

func TestRun_CountsAndArtifacts(t *testing.T) {
	idx := scenarioIndex(t)
	res, err := Run(context.Background(), idx, RunOptions{
		Options:  Options{Threshold: 0.95},
		Strategy: StrategyLargest,
		Size:     fixedSizes(map[string]int64{"/img/A.jpg": 10, "/img/B.jpg": 30, "/img/C.jpg": 20}),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.TotalImages != 5 || res.Grouped != 3 {
		t.Errorf("total=%d grouped=%d, want 5 and 3", res.TotalImages, res.Grouped)
	}
	if res.Filtered+res.Retained != res.Grouped {
		t.Errorf("filtered %d + retained %d != grouped %d", res.Filtered, res.Retained, res.Grouped)
	}
	if res.ReclaimableBytes != 30 {
		t.Errorf("ReclaimableBytes = %d, want 30", res.ReclaimableBytes)
	}
	if res.RunID == "" {
		t.Error("RunID is empty")
	}

	dir := t.TempDir()
	if err := res.WriteArtifacts(dir); err != nil {
		t.Fatalf("WriteArtifacts: %v", err)
	}

	set, err := LoadFilterList(filepath.Join(dir, FilterListFile))
	if err != nil {
		t.Fatalf("LoadFilterList: %v", err)
	}
	if len(set) != 2 || !set["/img/A.jpg"] || !set["/img/C.jpg"] {
		t.Errorf("filter set = %v, want A and C", set)
	}

	data, err := os.ReadFile(filepath.Join(dir, ReportFile))
	if err != nil {
		t.Fatal(err)
	}
	var rep Report
	if err := json.Unmarshal(data, &rep); err != nil {
		t.Fatalf("parsing report: %v", err)
	}
	if rep.Summary.DuplicateGroups != 1 || rep.Summary.Strategy != StrategyLargest {
		t.Errorf("summary = %+v", rep.Summary)
	}
	g := rep.Groups[0]
	if g.GroupID != 1 || g.Size != 3 || g.Survivor != "/img/B.jpg" {
		t.Errorf("group = %+v", g)
	}
	for _, img := range g.Images {
		if img.Filtered == (img.Path == g.Survivor) {
			t.Errorf("image %s filtered=%v, survivor %s", img.Path, img.Filtered, g.Survivor)
		}
	}
}

func TestRun_UnknownStrategy(t *testing.T) {
	if _, err := Run(context.Background(), scenarioIndex(t), RunOptions{Options: Options{Threshold: 0.9}, Strategy: "random"}); err == nil {
		t.Error("expected error for unknown strategy")
	}
}

func TestLoadFilterList_Missing(t *testing.T) {
	set, err := LoadFilterList(filepath.Join(t.TempDir(), FilterListFile))
	if err != nil {
		t.Fatalf("LoadFilterList: %v", err)
	}
	if len(set) != 0 {
		t.Errorf("set = %v, want empty", set)
	}
}
