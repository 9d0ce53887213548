package dedup

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/kalambet/imgdex/internal/storage"
)

// Candidate is a group member considered for survival.
type Candidate struct {
	storage.Entry
	// Size is the file size in bytes, or 0 when the file is missing.
	Size    int64
	Missing bool
}

// Comparator reports whether a is preferred over b as a group's survivor.
type Comparator func(a, b Candidate) bool

// Built-in strategy names.
const (
	StrategyLargest      = "largest"
	StrategyFirst        = "first"
	StrategyAlphabetical = "alphabetical"

	DefaultStrategy = StrategyLargest
)

// ErrUnknownStrategy is returned by StrategyByName for unregistered names.
var ErrUnknownStrategy = errors.New("unknown strategy")

var strategies = map[string]Comparator{
	StrategyLargest: func(a, b Candidate) bool {
		if a.Size != b.Size {
			return a.Size > b.Size
		}
		return a.Path < b.Path
	},
	StrategyFirst: func(a, b Candidate) bool {
		return a.ImageID < b.ImageID
	},
	StrategyAlphabetical: func(a, b Candidate) bool {
		if a.Path != b.Path {
			return a.Path < b.Path
		}
		return a.ImageID < b.ImageID
	},
}

// StrategyNames returns the built-in strategy names, sorted.
func StrategyNames() []string {
	names := make([]string, 0, len(strategies))
	for name := range strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// StrategyByName returns the built-in comparator called name.
func StrategyByName(name string) (Comparator, error) {
	if name == "" {
		name = DefaultStrategy
	}
	cmp, ok := strategies[name]
	if !ok {
		return nil, fmt.Errorf("%w %q (valid: %s)", ErrUnknownStrategy, name, strings.Join(StrategyNames(), ", "))
	}
	return cmp, nil
}

// Decision is the outcome for one group.
type Decision struct {
	Group    Group
	Members  []Candidate
	Survivor Candidate
	Filtered []Candidate
}

// SizeFunc returns a file's size and whether it exists.
type SizeFunc func(path string) (int64, bool)

// StatSize reads sizes from the filesystem.
func StatSize(path string) (int64, bool) {
	fi, err := os.Stat(path)
	if err != nil || !fi.Mode().IsRegular() {
		return 0, false
	}
	return fi.Size(), true
}

// SelectSurvivors picks one survivor per group with cmp. An existing file
// always wins over a missing one. Members keep row order; every other
// member is filtered.
func SelectSurvivors(groups []Group, cmp Comparator, size SizeFunc) []Decision {
	if size == nil {
		size = StatSize
	}
	decisions := make([]Decision, len(groups))
	for g, group := range groups {
		members := make([]Candidate, len(group.Members))
		best := 0
		for i, e := range group.Members {
			sz, ok := size(e.Path)
			members[i] = Candidate{Entry: e, Size: sz, Missing: !ok}
			if i > 0 && prefer(members[i], members[best], cmp) {
				best = i
			}
		}

		d := Decision{Group: group, Members: members, Survivor: members[best]}
		for i, c := range members {
			if i != best {
				d.Filtered = append(d.Filtered, c)
			}
		}
		decisions[g] = d
	}
	return decisions
}

func prefer(a, b Candidate, cmp Comparator) bool {
	if a.Missing != b.Missing {
		return !a.Missing
	}
	return cmp(a, b)
}
