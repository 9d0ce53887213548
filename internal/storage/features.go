package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// --- Feature Store ---

const upsertFeatureSQL = `
	INSERT INTO features (image_id, vector, dim, updated_at) VALUES (?, ?, ?, ?)
	ON CONFLICT(image_id) DO UPDATE SET
		vector = excluded.vector, dim = excluded.dim, updated_at = excluded.updated_at`

// upsertProcessedSQL only writes a vector when its image is Processed.
const upsertProcessedSQL = `
	INSERT INTO features (image_id, vector, dim, updated_at)
	SELECT ?, ?, ?, ? WHERE EXISTS (SELECT 1 FROM images WHERE id = ? AND status = ?)
	ON CONFLICT(image_id) DO UPDATE SET
		vector = excluded.vector, dim = excluded.dim, updated_at = excluded.updated_at`

// SaveBatch upserts vectors keyed by image id in one transaction.
func (s *Store) SaveBatch(entries []FeatureVector) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning feature transaction: %w", err)
	}
	if err := s.upsertTx(tx, entries, false); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// SaveProcessed stores vectors and marks their images Processed in a single
// transaction, so a feature never exists at rest without a Processed record.
func (s *Store) SaveProcessed(entries []FeatureVector) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning feature transaction: %w", err)
	}
	ids := make([]int64, len(entries))
	for i, e := range entries {
		ids[i] = e.ImageID
	}
	if err := markTx(tx, ids, StatusProcessed); err != nil {
		tx.Rollback()
		return err
	}
	if err := s.upsertTx(tx, entries, true); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Store) upsertTx(tx *sql.Tx, entries []FeatureVector, onlyProcessed bool) error {
	query := upsertFeatureSQL
	if onlyProcessed {
		query = upsertProcessedSQL
	}
	stmt, err := tx.Prepare(query)
	if err != nil {
		return fmt.Errorf("preparing feature upsert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if s.dim > 0 && len(e.Vector) != s.dim {
			return fmt.Errorf("vector for image %d has %d dimensions, want %d", e.ImageID, len(e.Vector), s.dim)
		}
		updatedAt := e.UpdatedAt
		if updatedAt.IsZero() {
			updatedAt = time.Now().UTC()
		}
		args := []any{e.ImageID, EncodeVector(e.Vector), len(e.Vector), updatedAt.UTC().Format(time.RFC3339Nano)}
		if onlyProcessed {
			args = append(args, e.ImageID, StatusProcessed)
		}
		if _, err := stmt.Exec(args...); err != nil {
			return fmt.Errorf("saving vector for image %d: %w", e.ImageID, err)
		}
	}
	return nil
}

// LoadAll returns every stored vector paired with its image path, ordered
// by image id. A malformed blob aborts the load with ErrCorrupt.
func (s *Store) LoadAll() ([]Entry, error) {
	rows, err := s.db.Query(`
		SELECT f.image_id, i.path, f.vector, f.dim
		FROM features f JOIN images i ON i.id = f.image_id
		ORDER BY f.image_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying features: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var blob []byte
		var dim int
		if err := rows.Scan(&e.ImageID, &e.Path, &blob, &dim); err != nil {
			return nil, fmt.Errorf("scanning feature row: %w", err)
		}
		vec, err := DecodeVector(blob, s.dim)
		if err != nil {
			return nil, fmt.Errorf("decoding vector for image %d: %w", e.ImageID, err)
		}
		if dim > 0 && len(vec) != dim {
			return nil, fmt.Errorf("decoding vector for image %d: %w: recorded %d dimensions, blob holds %d", e.ImageID, ErrCorrupt, dim, len(vec))
		}
		e.Vector = vec
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// LoadAllProcessedPaths returns the paths of Processed records ordered by id.
func (s *Store) LoadAllProcessedPaths() ([]string, error) {
	rows, err := s.db.Query(`SELECT path FROM images WHERE status = ? ORDER BY id ASC`, StatusProcessed)
	if err != nil {
		return nil, fmt.Errorf("querying processed paths: %w", err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}
