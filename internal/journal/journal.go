// Package journal keeps a local record of failed job attempts.
package journal

import (
	"encoding/json"
	"fmt"
	"time"

	pebble "github.com/cockroachdb/pebble"

	"fileforge/internal/domain"
)

// Entry is one failed attempt.
type Entry struct {
	JobID   string         `json:"job_id"`
	Surface domain.Surface `json:"surface"`
	Kind    domain.Kind    `json:"kind"`
	Message string         `json:"message"`
	Attempt int            `json:"attempt"`
	At      time.Time      `json:"at"`
}

// Journal is a pebble-backed failure log keyed by job id and attempt.
type Journal struct {
	db *pebble.DB
}

// Open opens or creates the journal at dir.
func Open(dir string) (*Journal, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open failure journal: %w", err)
	}
	return &Journal{db: db}, nil
}

func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

func key(jobID string, attempt int) []byte {
	return []byte(fmt.Sprintf("%s/%04d", jobID, attempt))
}

// Record stores a failed attempt. A nil journal discards it.
func (j *Journal) Record(e Entry) error {
	if j == nil {
		return nil
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal failure record: %w", err)
	}
	return j.db.Set(key(e.JobID, e.Attempt), data, pebble.Sync)
}

// ForJob returns every recorded attempt of jobID in attempt order.
func (j *Journal) ForJob(jobID string) ([]Entry, error) {
	if j == nil {
		return nil, nil
	}
	prefix := []byte(jobID + "/")
	upper := append([]byte(jobID), '/'+1)
	iter, err := j.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upper})
	if err != nil {
		return nil, fmt.Errorf("failed to create iterator: %w", err)
	}
	defer iter.Close()

	var out []Entry
	for iter.First(); iter.Valid(); iter.Next() {
		var e Entry
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, iter.Error()
}

// Prune deletes entries recorded before cutoff and returns how many were removed.
func (j *Journal) Prune(cutoff time.Time) (int, error) {
	if j == nil {
		return 0, nil
	}
	iter, err := j.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return 0, fmt.Errorf("failed to create iterator: %w", err)
	}

	batch := j.db.NewBatch()
	removed := 0
	for iter.First(); iter.Valid(); iter.Next() {
		var e Entry
		if err := json.Unmarshal(iter.Value(), &e); err != nil || e.At.Before(cutoff) {
			k := append([]byte(nil), iter.Key()...)
			if err := batch.Delete(k, nil); err != nil {
				iter.Close()
				batch.Close()
				return 0, err
			}
			removed++
		}
	}
	if err := iter.Error(); err != nil {
		iter.Close()
		batch.Close()
		return 0, fmt.Errorf("iteration error: %w", err)
	}
	iter.Close()
	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, err
	}
	return removed, nil
}
