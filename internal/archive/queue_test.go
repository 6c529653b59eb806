package archive

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vouch-labs/vouch-go/internal/domain"
)

func queuedEntry(hash domain.ContentHash) domain.QueueEntry {
	return domain.QueueEntry{
		Hash:       hash,
		EnqueuedAt: time.Now().UTC(),
		Attempts:   1,
		LastError:  "connection refused",
	}
}

func TestEnqueueListDequeue(t *testing.T) {
	a := newArchive(t)
	hash := domain.NewContentHash([]byte("queued"))

	if err := a.Enqueue(queuedEntry(hash)); err != nil {
		t.Fatalf("Enqueue() err=%v", err)
	}
	entries, err := a.ListQueue()
	if err != nil {
		t.Fatalf("ListQueue() err=%v", err)
	}
	if len(entries) != 1 || entries[0].Hash != hash {
		t.Fatalf("ListQueue()=%+v", entries)
	}
	if entries[0].LastError != "connection refused" {
		t.Fatalf("LastError=%q", entries[0].LastError)
	}

	if err := a.Dequeue(hash); err != nil {
		t.Fatalf("Dequeue() err=%v", err)
	}
	entries, err = a.ListQueue()
	if err != nil {
		t.Fatalf("ListQueue() err=%v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("ListQueue() after dequeue=%d want 0", len(entries))
	}

	if err := a.Dequeue(hash); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Dequeue(missing) err=%v want ErrNotFound", err)
	}
}

func TestEnqueueMergesExisting(t *testing.T) {
	a := newArchive(t)
	hash := domain.NewContentHash([]byte("queued"))

	first := queuedEntry(hash)
	first.Attempts = 3
	first.EnqueuedAt = time.Now().UTC().Add(-time.Hour)
	first.NextAttempt = time.Now().UTC().Add(time.Minute)
	if err := a.Enqueue(first); err != nil {
		t.Fatalf("Enqueue(first) err=%v", err)
	}

	// A fresh first-attempt enqueue must not reset accumulated history.
	fresh := queuedEntry(hash)
	fresh.LastError = "connection reset"
	if err := a.Enqueue(fresh); err != nil {
		t.Fatalf("Enqueue(fresh) err=%v", err)
	}

	entries, err := a.ListQueue()
	if err != nil {
		t.Fatalf("ListQueue() err=%v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("ListQueue()=%d want 1", len(entries))
	}
	merged := entries[0]
	if merged.Attempts != 3 {
		t.Fatalf("Attempts=%d want 3 kept from the existing entry", merged.Attempts)
	}
	if !merged.EnqueuedAt.Equal(first.EnqueuedAt) {
		t.Fatalf("EnqueuedAt=%v want the earliest %v", merged.EnqueuedAt, first.EnqueuedAt)
	}
	if merged.LastError != first.LastError || !merged.NextAttempt.Equal(first.NextAttempt) {
		t.Fatalf("merged=%+v want error and schedule of the further-along entry", merged)
	}

	// A further-along incoming entry wins over a stale one.
	bumped := queuedEntry(hash)
	bumped.Attempts = 5
	bumped.LastError = "503 from collector"
	if err := a.Enqueue(bumped); err != nil {
		t.Fatalf("Enqueue(bumped) err=%v", err)
	}
	entries, err = a.ListQueue()
	if err != nil {
		t.Fatalf("ListQueue() err=%v", err)
	}
	if entries[0].Attempts != 5 || entries[0].LastError != "503 from collector" {
		t.Fatalf("merged=%+v want the incoming entry's progress", entries[0])
	}
	if !entries[0].EnqueuedAt.Equal(first.EnqueuedAt) {
		t.Fatalf("EnqueuedAt=%v want still the earliest", entries[0].EnqueuedAt)
	}
}

func TestClaimExcludesFromListing(t *testing.T) {
	a := newArchive(t)
	hash := domain.NewContentHash([]byte("queued"))
	if err := a.Enqueue(queuedEntry(hash)); err != nil {
		t.Fatalf("Enqueue() err=%v", err)
	}

	claimed, err := a.Claim(hash)
	if err != nil {
		t.Fatalf("Claim() err=%v", err)
	}
	if claimed.Entry.Hash != hash {
		t.Fatalf("claimed hash=%s want %s", claimed.Entry.Hash, hash)
	}

	entries, err := a.ListQueue()
	if err != nil {
		t.Fatalf("ListQueue() err=%v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("claimed entry still listed: %+v", entries)
	}

	if _, err := a.Claim(hash); !errors.Is(err, ErrClaimed) {
		t.Fatalf("second Claim() err=%v want ErrClaimed", err)
	}

	if err := claimed.Delivered(); err != nil {
		t.Fatalf("Delivered() err=%v", err)
	}
	if _, err := a.Claim(hash); !errors.Is(err, ErrClaimed) {
		t.Fatalf("Claim() after delivery err=%v want ErrClaimed", err)
	}
}

func TestClaimRetryRequeues(t *testing.T) {
	a := newArchive(t)
	hash := domain.NewContentHash([]byte("queued"))
	if err := a.Enqueue(queuedEntry(hash)); err != nil {
		t.Fatalf("Enqueue() err=%v", err)
	}

	claimed, err := a.Claim(hash)
	if err != nil {
		t.Fatalf("Claim() err=%v", err)
	}
	updated := claimed.Entry
	updated.Attempts++
	updated.LastError = "503 from collector"
	updated.NextAttempt = time.Now().Add(time.Minute)
	if err := claimed.Retry(updated); err != nil {
		t.Fatalf("Retry() err=%v", err)
	}

	entries, err := a.ListQueue()
	if err != nil {
		t.Fatalf("ListQueue() err=%v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("ListQueue()=%d want 1", len(entries))
	}
	if entries[0].Attempts != 2 || entries[0].LastError != "503 from collector" {
		t.Fatalf("requeued entry=%+v", entries[0])
	}
}

// Claim/Retry cycles racing over one entry must never lose it: the entry
// has to exist as pending or claim at every instant, so after any storm of
// contending drainers it is still pending exactly once.
func TestRetryReleaseKeepsEntryUnderConcurrentClaims(t *testing.T) {
	a := newArchive(t)
	hash := domain.NewContentHash([]byte("contended"))
	if err := a.Enqueue(queuedEntry(hash)); err != nil {
		t.Fatalf("Enqueue() err=%v", err)
	}

	var wg sync.WaitGroup
	for worker := 0; worker < 4; worker++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				claimed, err := a.Claim(hash)
				if err != nil {
					if errors.Is(err, ErrClaimed) {
						continue
					}
					t.Errorf("Claim() err=%v", err)
					return
				}
				updated := claimed.Entry
				updated.Attempts++
				if err := claimed.Retry(updated); err != nil {
					t.Errorf("Retry() err=%v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	entries, err := a.ListQueue()
	if err != nil {
		t.Fatalf("ListQueue() err=%v", err)
	}
	if len(entries) != 1 || entries[0].Hash != hash {
		t.Fatalf("queue after contention=%+v want the entry still pending", entries)
	}
	if entries[0].Attempts < 2 {
		t.Fatalf("Attempts=%d want progress recorded across releases", entries[0].Attempts)
	}

	claimed, err := a.Claim(hash)
	if err != nil {
		t.Fatalf("Claim() after contention err=%v", err)
	}
	if err := claimed.Retry(claimed.Entry); err != nil {
		t.Fatalf("Retry() err=%v", err)
	}
}

func TestClaimMissingEntry(t *testing.T) {
	a := newArchive(t)
	if _, err := a.Claim(domain.NewContentHash([]byte("nope"))); !errors.Is(err, ErrClaimed) {
		t.Fatalf("Claim(missing) err=%v want ErrClaimed", err)
	}
}

func TestPurgeQueue(t *testing.T) {
	a := newArchive(t)
	for _, payload := range []string{"one", "two", "three"} {
		if err := a.Enqueue(queuedEntry(domain.NewContentHash([]byte(payload)))); err != nil {
			t.Fatalf("Enqueue(%s) err=%v", payload, err)
		}
	}
	removed, err := a.PurgeQueue()
	if err != nil {
		t.Fatalf("PurgeQueue() err=%v", err)
	}
	if removed != 3 {
		t.Fatalf("PurgeQueue()=%d want 3", removed)
	}
	entries, err := a.ListQueue()
	if err != nil {
		t.Fatalf("ListQueue() err=%v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("queue not empty after purge: %+v", entries)
	}
}

func TestRecoverStaleClaims(t *testing.T) {
	a := newArchive(t)
	hash := domain.NewContentHash([]byte("stale"))
	if err := a.Enqueue(queuedEntry(hash)); err != nil {
		t.Fatalf("Enqueue() err=%v", err)
	}
	if _, err := a.Claim(hash); err != nil {
		t.Fatalf("Claim() err=%v", err)
	}

	// Fresh claim is left alone.
	recovered, err := a.RecoverStaleClaims(time.Hour)
	if err != nil {
		t.Fatalf("RecoverStaleClaims() err=%v", err)
	}
	if recovered != 0 {
		t.Fatalf("RecoverStaleClaims()=%d want 0", recovered)
	}

	// Pretend the drainer crashed an hour ago.
	a.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	recovered, err = a.RecoverStaleClaims(time.Hour)
	if err != nil {
		t.Fatalf("RecoverStaleClaims() err=%v", err)
	}
	if recovered != 1 {
		t.Fatalf("RecoverStaleClaims()=%d want 1", recovered)
	}
	entries, err := a.ListQueue()
	if err != nil {
		t.Fatalf("ListQueue() err=%v", err)
	}
	if len(entries) != 1 || entries[0].Hash != hash {
		t.Fatalf("recovered queue=%+v", entries)
	}
}
