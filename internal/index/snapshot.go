package index

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kalambet/imgdex/internal/storage"
)

const (
	// VectorsFile holds the row-major float32 matrix, native-endian, no header.
	VectorsFile = "index.vec"
	// MetaFile holds the row to image mapping and build metadata.
	MetaFile = "index.json"

	snapshotVersion = 1
)

var (
	// ErrNoIndex is returned by Load when no snapshot exists.
	ErrNoIndex = errors.New("no index snapshot; run build-index first")
	// ErrIncompleteSnapshot is returned when only one half of a snapshot is
	// present or the two halves do not belong together.
	ErrIncompleteSnapshot = errors.New("incomplete index snapshot")
)

type snapshotMeta struct {
	Version   int       `json:"version"`
	BuildID   string    `json:"build_id"`
	CreatedAt time.Time `json:"created_at"`
	Dim       int       `json:"dim"`
	Count     int       `json:"count"`
	Checksum  string    `json:"vectors_sha256"`
	ImageIDs  []int64   `json:"image_ids"`
	Paths     []string  `json:"paths"`
}

// Save writes the index to dir as a vector blob and a metadata file. Each
// file is written under a temporary name and renamed into place.
func (idx *Index) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating index directory: %w", err)
	}

	blob := storage.EncodeVector(idx.data)
	sum := sha256.Sum256(blob)

	meta := snapshotMeta{
		Version:   snapshotVersion,
		BuildID:   idx.buildID,
		CreatedAt: idx.createdAt,
		Dim:       idx.dim,
		Count:     len(idx.rows),
		Checksum:  hex.EncodeToString(sum[:]),
		ImageIDs:  make([]int64, len(idx.rows)),
		Paths:     idx.Paths(),
	}
	for i, e := range idx.rows {
		meta.ImageIDs[i] = e.ImageID
	}
	metaJSON, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding index metadata: %w", err)
	}

	if err := writeFileAtomic(filepath.Join(dir, VectorsFile), blob); err != nil {
		return fmt.Errorf("writing index vectors: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(dir, MetaFile), metaJSON); err != nil {
		return fmt.Errorf("writing index metadata: %w", err)
	}
	return nil
}

// Load reads a snapshot written by Save. Both files must be present and
// agree with each other.
func Load(dir string) (*Index, error) {
	vecPath := filepath.Join(dir, VectorsFile)
	metaPath := filepath.Join(dir, MetaFile)

	blob, vecErr := os.ReadFile(vecPath)
	metaJSON, metaErr := os.ReadFile(metaPath)
	vecMissing := errors.Is(vecErr, os.ErrNotExist)
	metaMissing := errors.Is(metaErr, os.ErrNotExist)
	switch {
	case vecMissing && metaMissing:
		return nil, ErrNoIndex
	case vecMissing:
		return nil, fmt.Errorf("%w: %s present without %s", ErrIncompleteSnapshot, MetaFile, VectorsFile)
	case metaMissing:
		return nil, fmt.Errorf("%w: %s present without %s", ErrIncompleteSnapshot, VectorsFile, MetaFile)
	case vecErr != nil:
		return nil, fmt.Errorf("reading index vectors: %w", vecErr)
	case metaErr != nil:
		return nil, fmt.Errorf("reading index metadata: %w", metaErr)
	}

	var meta snapshotMeta
	if err := json.Unmarshal(metaJSON, &meta); err != nil {
		return nil, fmt.Errorf("parsing index metadata: %w", err)
	}
	if meta.Version != snapshotVersion {
		return nil, fmt.Errorf("unsupported index snapshot version %d", meta.Version)
	}
	if meta.Dim <= 0 || meta.Count <= 0 || len(meta.Paths) != meta.Count || len(meta.ImageIDs) != meta.Count {
		return nil, fmt.Errorf("%w: index metadata is inconsistent (dim=%d count=%d paths=%d ids=%d)",
			storage.ErrCorrupt, meta.Dim, meta.Count, len(meta.Paths), len(meta.ImageIDs))
	}

	if want := meta.Count * meta.Dim * 4; len(blob) != want {
		return nil, fmt.Errorf("%w: %s has %d bytes, want %d", storage.ErrCorrupt, VectorsFile, len(blob), want)
	}
	sum := sha256.Sum256(blob)
	if meta.Checksum != "" && hex.EncodeToString(sum[:]) != meta.Checksum {
		return nil, fmt.Errorf("%w: %s does not match %s", ErrIncompleteSnapshot, VectorsFile, MetaFile)
	}

	data, err := storage.DecodeVector(blob, meta.Dim)
	if err != nil {
		return nil, fmt.Errorf("decoding index vectors: %w", err)
	}

	idx := &Index{
		dim:       meta.Dim,
		data:      data,
		rows:      make([]storage.Entry, meta.Count),
		byID:      make(map[int64]int, meta.Count),
		buildID:   meta.BuildID,
		createdAt: meta.CreatedAt,
	}
	for i := range meta.Count {
		id := meta.ImageIDs[i]
		if _, dup := idx.byID[id]; dup {
			return nil, fmt.Errorf("%w: duplicate image id %d in index metadata", storage.ErrCorrupt, id)
		}
		idx.rows[i] = storage.Entry{
			ImageID: id,
			Path:    meta.Paths[i],
			Vector:  data[i*meta.Dim : (i+1)*meta.Dim : (i+1)*meta.Dim],
		}
		idx.byID[id] = i
	}
	return idx, nil
}

// Exists reports whether any part of a snapshot is present in dir.
func Exists(dir string) bool {
	for _, name := range []string{VectorsFile, MetaFile} {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			return true
		}
	}
	return false
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
