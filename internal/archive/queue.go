package archive

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/vouch-labs/vouch-go/internal/domain"
)

// ErrClaimed is returned when another drainer holds the queue entry, or the
// entry was delivered and removed between listing and claiming. Callers
// treat it as progress, not failure.
var ErrClaimed = errors.New("queue entry claimed elsewhere")

const claimExt = ".claim"

func (a *Archive) queuePath(hash domain.ContentHash) string {
	return filepath.Join(a.root, queueDir, hash.Hex()+recordExt)
}

func (a *Archive) claimPath(hash domain.ContentHash) string {
	return filepath.Join(a.root, queueDir, hash.Hex()+claimExt)
}

// Enqueue records a report for deferred delivery, keeping one entry per
// hash. A hash that is already queued is merged with the existing entry:
// the earliest enqueue time and the highest attempt count win, so
// re-publishing queued content never resets its retry history.
func (a *Archive) Enqueue(entry domain.QueueEntry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	if existing, err := a.peekQueueEntry(entry.Hash); err == nil {
		entry = mergeQueueEntries(existing, entry)
	}
	return a.writeQueueEntry(a.queuePath(entry.Hash), entry)
}

// peekQueueEntry reads the current entry for a hash, pending or claimed,
// without taking ownership.
func (a *Archive) peekQueueEntry(hash domain.ContentHash) (domain.QueueEntry, error) {
	entry, err := a.readQueueEntry(a.queuePath(hash))
	if os.IsNotExist(err) {
		entry, err = a.readQueueEntry(a.claimPath(hash))
	}
	return entry, err
}

func mergeQueueEntries(existing, incoming domain.QueueEntry) domain.QueueEntry {
	merged := incoming
	if !existing.EnqueuedAt.IsZero() && existing.EnqueuedAt.Before(merged.EnqueuedAt) {
		merged.EnqueuedAt = existing.EnqueuedAt
	}
	if existing.Attempts > incoming.Attempts {
		merged.Attempts = existing.Attempts
		merged.LastError = existing.LastError
		merged.NextAttempt = existing.NextAttempt
	}
	return merged
}

// ListQueue returns all pending queue entries. Claimed entries are excluded;
// they belong to an in-flight drain pass.
func (a *Archive) ListQueue() ([]domain.QueueEntry, error) {
	files, err := os.ReadDir(filepath.Join(a.root, queueDir))
	if err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}
	var entries []domain.QueueEntry
	for _, file := range files {
		hash, ok := hashFromFilename(file.Name(), recordExt)
		if !ok {
			continue
		}
		entry, err := a.readQueueEntry(a.queuePath(hash))
		if err != nil {
			if os.IsNotExist(err) {
				// Claimed or dequeued after ReadDir; skip.
				continue
			}
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Claim takes exclusive ownership of a queue entry via an atomic rename, so
// at most one submission per entry is ever in flight. The release callbacks
// must be used exactly once:
//
//   - Delivered removes the entry permanently.
//   - Retry writes the updated entry back as pending.
//   - Abandon removes the entry and reports it to the caller.
func (a *Archive) Claim(hash domain.ContentHash) (Claimed, error) {
	if err := hash.Validate(); err != nil {
		return Claimed{}, err
	}
	pending := a.queuePath(hash)
	claim := a.claimPath(hash)
	if err := os.Rename(pending, claim); err != nil {
		if os.IsNotExist(err) {
			return Claimed{}, ErrClaimed
		}
		return Claimed{}, fmt.Errorf("claim queue entry %s: %w", hash, err)
	}
	entry, err := a.readQueueEntry(claim)
	if err != nil {
		return Claimed{}, fmt.Errorf("read claimed entry %s: %w", hash, err)
	}
	return Claimed{archive: a, Entry: entry}, nil
}

// Claimed is an exclusively held queue entry.
type Claimed struct {
	archive *Archive
	Entry   domain.QueueEntry
}

// Delivered marks the entry as delivered and removes it.
func (c Claimed) Delivered() error {
	if err := os.Remove(c.archive.claimPath(c.Entry.Hash)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove delivered entry %s: %w", c.Entry.Hash, err)
	}
	return nil
}

// Retry returns the updated entry to the pending queue. The release is a
// single rename of the claim file onto the pending path: at no point does
// the entry exist as both pending and claim, or as neither, so a competing
// Claim can never be stranded by a concurrent release.
func (c Claimed) Retry(updated domain.QueueEntry) error {
	if err := updated.Validate(); err != nil {
		return err
	}
	claim := c.archive.claimPath(c.Entry.Hash)
	if err := c.archive.writeQueueEntry(claim, updated); err != nil {
		return err
	}
	if err := os.Rename(claim, c.archive.queuePath(c.Entry.Hash)); err != nil {
		return fmt.Errorf("release claim %s: %w", c.Entry.Hash, err)
	}
	return nil
}

// Abandon removes the entry permanently. The caller is responsible for
// surfacing the abandonment; the queue never drops entries silently.
func (c Claimed) Abandon() error {
	return c.Delivered()
}

// Dequeue removes a pending entry without claiming it first, for explicit
// purges and for marking out-of-band deliveries.
func (a *Archive) Dequeue(hash domain.ContentHash) error {
	if err := hash.Validate(); err != nil {
		return err
	}
	if err := os.Remove(a.queuePath(hash)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, hash)
		}
		return fmt.Errorf("dequeue %s: %w", hash, err)
	}
	return nil
}

// PurgeQueue removes all pending entries and returns how many were removed.
func (a *Archive) PurgeQueue() (int, error) {
	entries, err := a.ListQueue()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, entry := range entries {
		if err := a.Dequeue(entry.Hash); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// RecoverStaleClaims returns claims older than maxAge to the pending queue.
// A claim only outlives its drain pass when the draining process crashed
// mid-submission, so recovery makes those entries eligible again instead of
// leaking them.
func (a *Archive) RecoverStaleClaims(maxAge time.Duration) (int, error) {
	files, err := os.ReadDir(filepath.Join(a.root, queueDir))
	if err != nil {
		return 0, fmt.Errorf("list queue: %w", err)
	}
	cutoff := a.now().Add(-maxAge)
	recovered := 0
	for _, file := range files {
		if !strings.HasSuffix(file.Name(), claimExt) {
			continue
		}
		info, err := file.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		stem := strings.TrimSuffix(file.Name(), claimExt)
		hash, err := domain.ParseContentHash("sha256:" + stem)
		if err != nil {
			continue
		}
		if err := os.Rename(a.claimPath(hash), a.queuePath(hash)); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return recovered, fmt.Errorf("recover claim %s: %w", hash, err)
		}
		recovered++
	}
	return recovered, nil
}

func (a *Archive) writeQueueEntry(path string, entry domain.QueueEntry) error {
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("encode queue entry %s: %w", entry.Hash, err)
	}
	if err := writeFileAtomic(path, data); err != nil {
		return fmt.Errorf("store queue entry %s: %w", entry.Hash, err)
	}
	return nil
}

func (a *Archive) readQueueEntry(path string) (domain.QueueEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.QueueEntry{}, err
	}
	var entry domain.QueueEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return domain.QueueEntry{}, fmt.Errorf("decode queue entry %s: %w", path, err)
	}
	return entry, nil
}
