package storage

import (
	"database/sql"
	"fmt"
)

// DefaultRegisterBatch is the number of paths inserted per transaction by Register.
const DefaultRegisterBatch = 1000

// --- Catalog ---

// Register inserts every path not already in the catalog as Pending and
// returns how many were new. Known paths are left untouched.
func (s *Store) Register(paths []string, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = DefaultRegisterBatch
	}

	inserted := 0
	for start := 0; start < len(paths); start += batchSize {
		end := min(start+batchSize, len(paths))
		n, err := s.registerChunk(paths[start:end])
		if err != nil {
			return inserted, err
		}
		inserted += n
	}
	return inserted, nil
}

func (s *Store) registerChunk(paths []string) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("beginning register transaction: %w", err)
	}

	stmt, err := tx.Prepare(`INSERT OR IGNORE INTO images (path, status) VALUES (?, ?)`)
	if err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("preparing register statement: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, p := range paths {
		res, err := stmt.Exec(p, StatusPending)
		if err != nil {
			tx.Rollback()
			return 0, fmt.Errorf("registering %s: %w", p, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			tx.Rollback()
			return 0, err
		}
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing register batch: %w", err)
	}
	return inserted, nil
}

// TakePending returns up to limit Pending records, oldest first.
func (s *Store) TakePending(limit int) ([]ImageRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, path, status FROM images
		WHERE status = ? ORDER BY id ASC LIMIT ?`, StatusPending, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying pending images: %w", err)
	}
	defer rows.Close()

	var records []ImageRecord
	for rows.Next() {
		var r ImageRecord
		if err := rows.Scan(&r.ID, &r.Path, &r.Status); err != nil {
			return nil, fmt.Errorf("scanning pending image: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// MarkProcessed moves Pending records to Processed. Records already in a
// terminal state are left as they are.
func (s *Store) MarkProcessed(ids []int64) error {
	return s.transition(ids, StatusProcessed)
}

// MarkFailed moves Pending records to Failed. Records already in a
// terminal state are left as they are.
func (s *Store) MarkFailed(ids ...int64) error {
	return s.transition(ids, StatusFailed)
}

func (s *Store) transition(ids []int64, to Status) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning status transaction: %w", err)
	}
	if err := markTx(tx, ids, to); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func markTx(tx *sql.Tx, ids []int64, to Status) error {
	stmt, err := tx.Prepare(`UPDATE images SET status = ? WHERE id = ? AND status = ?`)
	if err != nil {
		return fmt.Errorf("preparing status update: %w", err)
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.Exec(to, id, StatusPending); err != nil {
			return fmt.Errorf("marking image %d %s: %w", id, to, err)
		}
	}
	return nil
}

// ResetFailed moves every Failed record back to Pending so the next run
// retries it. Returns the number of records reset.
func (s *Store) ResetFailed() (int, error) {
	res, err := s.db.Exec(`UPDATE images SET status = ? WHERE status = ?`, StatusPending, StatusFailed)
	if err != nil {
		return 0, fmt.Errorf("resetting failed images: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// Lookup returns the catalog record for path.
func (s *Store) Lookup(path string) (ImageRecord, error) {
	var r ImageRecord
	err := s.db.QueryRow(`SELECT id, path, status FROM images WHERE path = ?`, path).Scan(&r.ID, &r.Path, &r.Status)
	if err == sql.ErrNoRows {
		return ImageRecord{}, ErrNotFound
	}
	if err != nil {
		return ImageRecord{}, err
	}
	return r, nil
}

// Stats returns the number of catalog records per status.
func (s *Store) Stats() (Stats, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM images GROUP BY status`)
	if err != nil {
		return Stats{}, fmt.Errorf("counting images: %w", err)
	}
	defer rows.Close()

	var st Stats
	for rows.Next() {
		var status Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return Stats{}, err
		}
		switch status {
		case StatusPending:
			st.Pending = n
		case StatusProcessed:
			st.Processed = n
		case StatusFailed:
			st.Failed = n
		default:
			return Stats{}, fmt.Errorf("unknown status %d in catalog", int(status))
		}
		st.Total += n
	}
	if err := rows.Err(); err != nil {
		return Stats{}, err
	}

	if err := s.db.QueryRow(`SELECT COUNT(*) FROM features`).Scan(&st.Features); err != nil {
		return Stats{}, fmt.Errorf("counting features: %w", err)
	}
	return st, nil
}
