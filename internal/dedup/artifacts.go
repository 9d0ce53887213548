package dedup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/imgdex/internal/index"
)

const (
	FilterListFile = "filter_list.json"
	ReportFile     = "dedup_report.json"

	filterListVersion = "1.0"
)

// RunOptions configures a full detection and selection run.
type RunOptions struct {
	Options
	Strategy string
	// Size overrides how file sizes are read; defaults to StatSize.
	Size SizeFunc
}

// Result is the outcome of Run.
type Result struct {
	RunID       string
	GeneratedAt time.Time
	Threshold   float64
	Strategy    string
	TotalImages int
	Decisions   []Decision
	// Grouped is the number of images that belong to some group.
	Grouped  int
	Filtered int
	Retained int
	// ReclaimableBytes is the total size of filtered files.
	ReclaimableBytes int64
}

// Run finds duplicate groups in idx and selects their survivors.
func Run(ctx context.Context, idx *index.Index, opts RunOptions) (*Result, error) {
	if opts.Strategy == "" {
		opts.Strategy = DefaultStrategy
	}
	cmp, err := StrategyByName(opts.Strategy)
	if err != nil {
		return nil, err
	}
	groups, err := FindGroups(ctx, idx, opts.Options)
	if err != nil {
		return nil, err
	}

	res := &Result{
		RunID:       uuid.New().String(),
		GeneratedAt: time.Now().UTC(),
		Threshold:   opts.Threshold,
		Strategy:    opts.Strategy,
		Decisions:   SelectSurvivors(groups, cmp, opts.Size),
	}
	if idx != nil {
		res.TotalImages = idx.Len()
	}
	for _, d := range res.Decisions {
		res.Grouped += len(d.Members)
		res.Retained++
		res.Filtered += len(d.Filtered)
		for _, c := range d.Filtered {
			res.ReclaimableBytes += c.Size
		}
	}
	return res, nil
}

// FilteredPaths returns every filtered path, sorted.
func (r *Result) FilteredPaths() []string {
	paths := make([]string, 0, r.Filtered)
	for _, d := range r.Decisions {
		for _, c := range d.Filtered {
			paths = append(paths, c.Path)
		}
	}
	sort.Strings(paths)
	return paths
}

// FilterList lists images to exclude from the next index build.
type FilterList struct {
	Version        string    `json:"version"`
	Description    string    `json:"description"`
	GeneratedAt    time.Time `json:"generated_at"`
	RunID          string    `json:"run_id"`
	Threshold      float64   `json:"threshold"`
	TotalFiltered  int       `json:"total_filtered"`
	FilteredImages []string  `json:"filtered_images"`
}

// FilterList builds the filter list artifact for r.
func (r *Result) FilterList() FilterList {
	paths := r.FilteredPaths()
	return FilterList{
		Version:        filterListVersion,
		Description:    "Images filtered as near-duplicates; excluded by build-index --apply-filter",
		GeneratedAt:    r.GeneratedAt,
		RunID:          r.RunID,
		Threshold:      r.Threshold,
		TotalFiltered:  len(paths),
		FilteredImages: paths,
	}
}

// Report is the detailed per-group dedup report.
type Report struct {
	Summary ReportSummary `json:"summary"`
	Groups  []ReportGroup `json:"duplicate_groups"`
}

type ReportSummary struct {
	TotalImages     int     `json:"total_images"`
	DuplicateGroups int     `json:"duplicate_groups"`
	FilteredCount   int     `json:"filtered_count"`
	RetainedCount   int     `json:"retained_count"`
	Threshold       float64 `json:"threshold"`
	Strategy        string  `json:"strategy"`
}

type ReportGroup struct {
	GroupID  int           `json:"group_id"`
	Size     int           `json:"size"`
	Survivor string        `json:"survivor"`
	Images   []ReportImage `json:"images"`
}

type ReportImage struct {
	Path     string `json:"path"`
	Size     int64  `json:"size"`
	Filtered bool   `json:"filtered"`
}

// Report builds the report artifact for r. Images are listed by row.
func (r *Result) Report() Report {
	rep := Report{
		Summary: ReportSummary{
			TotalImages:     r.TotalImages,
			DuplicateGroups: len(r.Decisions),
			FilteredCount:   r.Filtered,
			RetainedCount:   r.Retained,
			Threshold:       r.Threshold,
			Strategy:        r.Strategy,
		},
		Groups: make([]ReportGroup, len(r.Decisions)),
	}
	for g, d := range r.Decisions {
		images := make([]ReportImage, len(d.Members))
		for i, c := range d.Members {
			images[i] = ReportImage{
				Path:     c.Path,
				Size:     c.Size,
				Filtered: c.ImageID != d.Survivor.ImageID,
			}
		}
		rep.Groups[g] = ReportGroup{
			GroupID:  g + 1,
			Size:     len(d.Members),
			Survivor: d.Survivor.Path,
			Images:   images,
		}
	}
	return rep
}

// WriteArtifacts writes the filter list and report into dir.
func (r *Result) WriteArtifacts(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	if err := writeJSON(filepath.Join(dir, FilterListFile), r.FilterList()); err != nil {
		return fmt.Errorf("writing filter list: %w", err)
	}
	if err := writeJSON(filepath.Join(dir, ReportFile), r.Report()); err != nil {
		return fmt.Errorf("writing dedup report: %w", err)
	}
	return nil
}

// LoadFilterList reads a filter list and returns its paths as a set. A
// missing file yields an empty set.
func LoadFilterList(path string) (map[string]bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]bool{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading filter list: %w", err)
	}
	var fl FilterList
	if err := json.Unmarshal(data, &fl); err != nil {
		return nil, fmt.Errorf("parsing filter list %s: %w", path, err)
	}
	set := make(map[string]bool, len(fl.FilteredImages))
	for _, p := range fl.FilteredImages {
		set[p] = true
	}
	return set, nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
