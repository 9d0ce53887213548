package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/kalambet/imgdex/internal/config"
	"github.com/kalambet/imgdex/internal/dedup"
	"github.com/kalambet/imgdex/internal/index"
	"github.com/kalambet/imgdex/internal/ingest"
	"github.com/kalambet/imgdex/internal/scanner"
	"github.com/kalambet/imgdex/internal/search"
	"github.com/kalambet/imgdex/internal/storage"
)

// signalContext is cancelled on SIGINT or SIGTERM so long runs stop
// between batches.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
}

func newProgressBar(total int, description, unit string) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetWriter(statusOut),
		progressbar.OptionSetDescription(description),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString(unit),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionFullWidth(),
		progressbar.OptionEnableColorCodes(!noColor),
		progressbar.OptionOnCompletion(func() { fmt.Fprintln(statusOut) }),
	)
}

// --- init ---

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the catalog database and apply migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		versions, err := a.store.AppliedMigrations()
		if err != nil {
			return err
		}
		printSuccess("Catalog ready at %s", filepath.Join(a.cfg.Storage.DataDir, storage.DBFileName))
		printStatus("Migrations", "%v", versions)
		return nil
	},
}

// --- scan ---

var scanCmd = &cobra.Command{
	Use:   "scan <dir>",
	Short: "Register image files under a directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signalContext(cmd)
		defer stop()

		printStep("Scanning %s", args[0])
		res, err := scanner.New(a.store, a.cfg.Scan.RegisterBatch).Scan(ctx, args[0])
		if err != nil {
			return err
		}
		printSuccess("Found %d images, %d new", res.Seen, res.New)
		if res.Skipped > 0 {
			printWarning("Skipped %d unreadable entries", res.Skipped)
		}
		return nil
	},
}

// --- process ---

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Embed every pending image",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signalContext(cmd)
		defer stop()

		stats, err := a.store.Stats()
		if err != nil {
			return err
		}
		if stats.Pending == 0 {
			printSuccess("Nothing to process")
			return nil
		}

		client := a.embedder()
		if err := client.Ping(ctx); err != nil {
			return fmt.Errorf("embedding server not ready: %w", err)
		}
		if model := client.Model(); model != "" {
			printStep("Embedding with model %s", model)
		}

		batchSize, _ := cmd.Flags().GetInt("batch-size")
		if batchSize <= 0 {
			batchSize = a.cfg.Ingest.BatchSize
		}

		bar := newProgressBar(stats.Pending, "Embedding", "images")
		worker := ingest.NewWorker(a.store, client, batchSize)
		worker.OnProgress(func(done int) { bar.Set(done) })

		sum, err := worker.Run(ctx)
		bar.Finish()
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		if errors.Is(err, context.Canceled) {
			printWarning("Interrupted; remaining images stay pending")
		}

		printSuccess("Processed %d images in %s", sum.Processed, sum.Elapsed.Round(time.Millisecond))
		if sum.Failed > 0 {
			printWarning("%d images failed; retry with `imgdex reset-failed` and `imgdex process`", sum.Failed)
		}
		return nil
	},
}

func init() {
	processCmd.Flags().Int("batch-size", 0, "images per batch (default ingest.batch_size)")
}

// --- reset-failed ---

var resetFailedCmd = &cobra.Command{
	Use:   "reset-failed",
	Short: "Move failed images back to pending",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.store.ResetFailed()
		if err != nil {
			return err
		}
		printSuccess("Reset %d failed images to pending", n)
		return nil
	},
}

// --- build-index ---

var buildIndexCmd = &cobra.Command{
	Use:   "build-index",
	Short: "Build and save the similarity index from stored features",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		opts := index.BuildOptions{Dim: a.cfg.Embedding.Dim}
		if apply, _ := cmd.Flags().GetBool("apply-filter"); apply {
			exclude, err := dedup.LoadFilterList(a.filterListPath())
			if err != nil {
				return err
			}
			if len(exclude) == 0 {
				printWarning("No filter list at %s; building the full index", a.filterListPath())
			}
			opts.Exclude = exclude
		}

		start := time.Now()
		idx, err := index.Build(a.store, opts)
		if err != nil {
			return err
		}
		if err := idx.Save(a.indexDir()); err != nil {
			return err
		}

		printSuccess("Indexed %d images (%d dimensions) in %s", idx.Len(), idx.Dim(), time.Since(start).Round(time.Millisecond))
		if len(opts.Exclude) > 0 {
			printStatus("Filtered", "%d images from %s", len(opts.Exclude), dedup.FilterListFile)
		}
		printStatus("Build", "%s", idx.BuildID())
		return nil
	},
}

func init() {
	buildIndexCmd.Flags().Bool("apply-filter", false, "exclude images listed in the dedup filter list")
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <image>...",
	Short: "Find indexed images similar to the given images",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		topK, _ := cmd.Flags().GetInt("top-k")
		if topK <= 0 {
			topK = a.cfg.Search.TopK
		}

		idx, err := a.loadIndex()
		if err != nil {
			return err
		}
		engine := search.NewEngine(a.embedder(), index.NewHolder(idx), a.cfg.Search.Concurrency)

		paths := make([]string, len(args))
		for i, p := range args {
			abs, err := filepath.Abs(p)
			if err != nil {
				return fmt.Errorf("resolving %s: %w", p, err)
			}
			paths[i] = abs
		}

		ctx, stop := signalContext(cmd)
		defer stop()

		var byPath map[string][]index.Result
		if len(paths) == 1 {
			byPath = map[string][]index.Result{paths[0]: engine.SearchByImage(ctx, paths[0], topK)}
		} else {
			byPath = engine.SearchMany(ctx, paths, topK)
		}

		for _, p := range paths {
			results := byPath[p]
			if len(paths) > 1 {
				printStep("%s", p)
			}
			if len(results) == 0 {
				printWarning("No results for %s", p)
				continue
			}
			rows := make([][]string, len(results))
			for i, r := range results {
				rows[i] = []string{strconv.Itoa(i + 1), fmt.Sprintf("%.4f", r.Score), r.Path}
			}
			printTable(cmd.OutOrStdout(), []string{"Rank", "Score", "Path"}, rows)
		}
		return nil
	},
}

func init() {
	searchCmd.Flags().IntP("top-k", "k", 0, "number of results (default search.top_k)")
}

// --- stats ---

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show catalog counts and index status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		st, err := a.store.Stats()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		printTable(out, []string{"Status", "Images"}, [][]string{
			{storage.StatusPending.String(), strconv.Itoa(st.Pending)},
			{storage.StatusProcessed.String(), strconv.Itoa(st.Processed)},
			{storage.StatusFailed.String(), strconv.Itoa(st.Failed)},
			{"total", strconv.Itoa(st.Total)},
		})
		printStatus("Features", "%d", st.Features)
		if fi, err := os.Stat(filepath.Join(a.cfg.Storage.DataDir, storage.DBFileName)); err == nil {
			printStatus("Catalog size", "%s", humanize.Bytes(uint64(fi.Size())))
		}

		idx, err := index.Load(a.indexDir())
		switch {
		case errors.Is(err, index.ErrNoIndex):
			printStatus("Index", "not built")
		case err != nil:
			printStatus("Index", "unusable: %v", err)
		default:
			printStatus("Index", "%d images, %d dimensions, built %s", idx.Len(), idx.Dim(), humanize.Time(idx.CreatedAt()))
			if fi, err := os.Stat(filepath.Join(a.indexDir(), index.VectorsFile)); err == nil {
				printStatus("Index size", "%s", humanize.Bytes(uint64(fi.Size())))
			}
			if stale := st.Features - idx.Len(); stale > 0 {
				printWarning("%d stored features are not indexed; run `imgdex build-index`", stale)
			}
		}
		return nil
	},
}

// --- deduplicate ---

var deduplicateCmd = &cobra.Command{
	Use:   "deduplicate",
	Short: "Find near-duplicate groups and write a filter list and report",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		opts := dedup.RunOptions{
			Options: dedup.Options{
				Threshold: a.cfg.Dedup.Threshold,
				Neighbors: a.cfg.Dedup.Neighbors,
			},
			Strategy: a.cfg.Dedup.Strategy,
		}
		if cmd.Flags().Changed("threshold") {
			opts.Threshold, _ = cmd.Flags().GetFloat64("threshold")
		}
		if cmd.Flags().Changed("neighbors") {
			opts.Neighbors, _ = cmd.Flags().GetInt("neighbors")
		}
		if cmd.Flags().Changed("strategy") {
			opts.Strategy, _ = cmd.Flags().GetString("strategy")
		}
		if _, err := dedup.StrategyByName(opts.Strategy); err != nil {
			return err
		}
		outDir, _ := cmd.Flags().GetString("output-dir")
		if outDir == "" {
			outDir = a.cfg.Storage.DataDir
		}

		idx, err := a.loadIndex()
		if err != nil {
			return err
		}

		ctx, stop := signalContext(cmd)
		defer stop()

		bar := newProgressBar(idx.Len(), "Comparing", "images")
		opts.Progress = func(done, _ int) { bar.Set(done) }
		res, err := dedup.Run(ctx, idx, opts)
		bar.Finish()
		if err != nil {
			return err
		}
		if err := res.WriteArtifacts(outDir); err != nil {
			return err
		}

		printTable(cmd.OutOrStdout(), []string{"Images", "Groups", "Filtered", "Retained", "Reclaimable"}, [][]string{{
			strconv.Itoa(res.TotalImages),
			strconv.Itoa(len(res.Decisions)),
			strconv.Itoa(res.Filtered),
			strconv.Itoa(res.Retained),
			humanize.Bytes(uint64(res.ReclaimableBytes)),
		}})
		printSuccess("Wrote %s and %s to %s", dedup.FilterListFile, dedup.ReportFile, outDir)
		if res.Filtered > 0 {
			printStatus("Next", "imgdex build-index --apply-filter")
		}
		return nil
	},
}

func init() {
	deduplicateCmd.Flags().Float64("threshold", dedup.DefaultThreshold, "similarity threshold in (0, 1]")
	deduplicateCmd.Flags().Int("neighbors", dedup.DefaultNeighbors, "neighbours examined per image")
	deduplicateCmd.Flags().String("strategy", dedup.DefaultStrategy, "survivor strategy: largest, first or alphabetical")
	deduplicateCmd.Flags().String("output-dir", "", "where to write the filter list and report (default: data dir)")
}

// --- benchmark ---

var benchmarkCmd = &cobra.Command{
	Use:   "benchmark",
	Short: "Measure self-retrieval recall and search latency",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		samples, _ := cmd.Flags().GetInt("samples")
		seed, _ := cmd.Flags().GetInt64("seed")

		idx, err := a.loadIndex()
		if err != nil {
			return err
		}
		engine := search.NewEngine(a.embedder(), index.NewHolder(idx), a.cfg.Search.Concurrency)

		ctx, stop := signalContext(cmd)
		defer stop()

		printStep("Querying %d of %d indexed images", min(samples, idx.Len()), idx.Len())
		report, err := engine.Benchmark(ctx, samples, seed)
		if err != nil {
			return err
		}

		rows := make([][]string, 0, len(search.RecallKs)+3)
		for _, k := range search.RecallKs {
			rows = append(rows, []string{fmt.Sprintf("recall@%d", k), fmt.Sprintf("%.2f%%", report.Recall[k]*100)})
		}
		rows = append(rows,
			[]string{"avg latency", report.AvgLatency.Round(time.Microsecond).String()},
			[]string{"p95 latency", report.P95Latency.Round(time.Microsecond).String()},
			[]string{"p99 latency", report.P99Latency.Round(time.Microsecond).String()},
		)
		printTable(cmd.OutOrStdout(), []string{"Metric", "Value"}, rows)
		return nil
	},
}

func init() {
	benchmarkCmd.Flags().Int("samples", 100, "number of indexed images to query")
	benchmarkCmd.Flags().Int64("seed", 42, "sampling seed")
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		rows := make([][]string, len(keys))
		for i, k := range keys {
			rows[i] = []string{k.Key, k.Value, k.EnvVar}
		}
		printTable(cmd.OutOrStdout(), []string{"Key", "Value", "Env"}, rows)
		printStatus("File", "%s", config.FilePath())
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
