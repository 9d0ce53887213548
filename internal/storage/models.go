package storage

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrCorrupt is returned when a stored feature blob cannot be a valid vector.
var ErrCorrupt = errors.New("corrupt feature data")

// Status is the ingestion state of a catalog record. The only transitions
// are Pending to Processed and Pending to Failed.
type Status int

const (
	StatusPending Status = iota
	StatusProcessed
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusProcessed:
		return "processed"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Terminal reports whether s can no longer change.
func (s Status) Terminal() bool {
	return s == StatusProcessed || s == StatusFailed
}

// ParseStatus maps a status name back to its Status.
func ParseStatus(name string) (Status, error) {
	switch name {
	case "pending":
		return StatusPending, nil
	case "processed":
		return StatusProcessed, nil
	case "failed":
		return StatusFailed, nil
	}
	return 0, fmt.Errorf("unknown status %q", name)
}

type ImageRecord struct {
	ID     int64
	Path   string
	Status Status
}

type FeatureVector struct {
	ImageID   int64
	Vector    []float32
	UpdatedAt time.Time
}

// Entry pairs an image with its stored vector. LoadAll returns entries
// ordered by ImageID.
type Entry struct {
	ImageID int64
	Path    string
	Vector  []float32
}

// Stats holds catalog counts per status. The three counts always sum to Total.
type Stats struct {
	Pending   int `json:"pending"`
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
	Total     int `json:"total"`
	Features  int `json:"features"`
}

// Count returns the count for a single status.
func (s Stats) Count(st Status) int {
	switch st {
	case StatusPending:
		return s.Pending
	case StatusProcessed:
		return s.Processed
	case StatusFailed:
		return s.Failed
	}
	return 0
}
