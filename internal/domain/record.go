package domain

import (
	"errors"
	"strings"
	"time"
)

// StorageRecord describes one archived report. Created on the first Put of a
// hash and immutable thereafter; removed only by explicit retention
// operations.
type StorageRecord struct {
	Hash       ContentHash `json:"hash"`
	Path       string      `json:"path"`
	SizeBytes  int64       `json:"size_bytes"`
	Signed     bool        `json:"signed"`
	CreatedAt  time.Time   `json:"created_at"`
	Provenance *Provenance `json:"provenance,omitempty"`
}

func (r StorageRecord) Validate() error {
	if err := r.Hash.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(r.Path) == "" {
		return errors.New("storage path is required")
	}
	if r.CreatedAt.IsZero() {
		return errors.New("created_at is required")
	}
	return nil
}

// QueueEntry tracks one report awaiting redelivery. Mutated per attempt,
// removed on delivery or purge.
type QueueEntry struct {
	Hash        ContentHash `json:"hash"`
	EnqueuedAt  time.Time   `json:"enqueued_at"`
	Attempts    int         `json:"attempts"`
	LastError   string      `json:"last_error,omitempty"`
	NextAttempt time.Time   `json:"next_attempt"`
}

func (e QueueEntry) Validate() error {
	if err := e.Hash.Validate(); err != nil {
		return err
	}
	if e.EnqueuedAt.IsZero() {
		return errors.New("enqueued_at is required")
	}
	if e.Attempts < 0 {
		return errors.New("attempts must not be negative")
	}
	return nil
}

// Age reports how long the entry has been queued.
func (e QueueEntry) Age(now time.Time) time.Duration {
	return now.Sub(e.EnqueuedAt)
}

// Due reports whether the entry is eligible for another attempt.
func (e QueueEntry) Due(now time.Time) bool {
	return !e.NextAttempt.After(now)
}

// Outcome summarizes one pass of the publish pipeline for a single report.
type Outcome struct {
	Hash      ContentHash
	Stored    bool
	Record    *StorageRecord
	Submitted bool
	Queued    bool
	// SubmitError carries a submission failure that the selected mode
	// absorbed (both/cache). Fatal failures are returned as errors instead.
	SubmitError error
}
