package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/imgdex/internal/config"
	"github.com/kalambet/imgdex/internal/dedup"
	"github.com/kalambet/imgdex/internal/embedding"
	"github.com/kalambet/imgdex/internal/index"
	"github.com/kalambet/imgdex/internal/storage"
)

const indexDirName = "index"

// app is the per-invocation state shared by commands.
type app struct {
	cfg   config.Config
	store *storage.Store
}

// openApp loads config, applies global flags, installs the logger and
// opens the catalog.
func openApp(cmd *cobra.Command) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if dir, _ := cmd.Flags().GetString("data-dir"); dir != "" {
		cfg.Storage.DataDir = dir
	}
	verbose, _ := cmd.Flags().GetBool("verbose")
	setupLogging(cfg.Log.Level, verbose)

	store, err := storage.Open(cfg.Storage.DataDir, storage.WithDimension(cfg.Embedding.Dim))
	if err != nil {
		return nil, fmt.Errorf("opening catalog: %w", err)
	}
	return &app{cfg: cfg, store: store}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

func setupLogging(level string, verbose bool) {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn", "warning":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

func (a *app) indexDir() string {
	return filepath.Join(a.cfg.Storage.DataDir, indexDirName)
}

func (a *app) filterListPath() string {
	return filepath.Join(a.cfg.Storage.DataDir, dedup.FilterListFile)
}

func (a *app) embedder() *embedding.Client {
	e := a.cfg.Embedding
	return embedding.NewClient(embedding.Options{
		URL:          e.URL,
		Model:        e.Model,
		Dim:          e.Dim,
		Concurrency:  e.Concurrency,
		MaxImageSize: e.MaxImageSize,
		Timeout:      e.TimeoutDuration(),
	})
}

// loadIndex reads the saved snapshot and checks it against embedding.dim.
func (a *app) loadIndex() (*index.Index, error) {
	idx, err := index.Load(a.indexDir())
	if err != nil {
		return nil, err
	}
	if idx.Dim() != a.cfg.Embedding.Dim {
		return nil, fmt.Errorf("%w: saved index has %d dimensions, embedding.dim is %d",
			index.ErrDimensionMismatch, idx.Dim(), a.cfg.Embedding.Dim)
	}
	return idx, nil
}
