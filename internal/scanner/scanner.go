// Package scanner walks directory trees and registers image files in the catalog.
package scanner

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
)

// Extensions is the allow-list of image file extensions, lower case.
var Extensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".bmp":  true,
	".webp": true,
	".gif":  true,
	".tif":  true,
	".tiff": true,
}

// Registrar inserts paths that are not yet known and reports how many were new.
type Registrar interface {
	Register(paths []string, batchSize int) (int, error)
}

// Result summarizes one scan.
type Result struct {
	Seen    int
	New     int
	Skipped int // unreadable directories or entries
}

// Scanner finds image files under a root directory.
type Scanner struct {
	catalog   Registrar
	batchSize int
	logger    *slog.Logger
}

// New creates a Scanner that registers paths in chunks of batchSize.
func New(catalog Registrar, batchSize int) *Scanner {
	return &Scanner{
		catalog:   catalog,
		batchSize: batchSize,
		logger:    slog.Default(),
	}
}

// IsImage reports whether path has an allow-listed extension.
func IsImage(path string) bool {
	return Extensions[strings.ToLower(filepath.Ext(path))]
}

// Scan walks root recursively and registers every image file found.
// Rescanning a tree only registers files that are new.
func (s *Scanner) Scan(ctx context.Context, root string) (Result, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return Result{}, fmt.Errorf("resolving %s: %w", root, err)
	}

	var res Result
	var pending []string
	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		n, err := s.catalog.Register(pending, s.batchSize)
		if err != nil {
			return fmt.Errorf("registering paths: %w", err)
		}
		res.New += n
		pending = pending[:0]
		return nil
	}

	chunk := s.batchSize
	if chunk <= 0 {
		chunk = 1000
	}

	err = filepath.WalkDir(abs, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if path == abs {
				return walkErr
			}
			s.logger.Warn("skipping unreadable entry", "path", path, "error", walkErr)
			res.Skipped++
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() || !IsImage(path) {
			return nil
		}

		res.Seen++
		pending = append(pending, path)
		if len(pending) >= chunk {
			return flush()
		}
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("walking %s: %w", abs, err)
	}
	if err := flush(); err != nil {
		return res, err
	}

	s.logger.Info("scan complete", "root", abs, "seen", res.Seen, "new", res.New)
	return res, nil
}
