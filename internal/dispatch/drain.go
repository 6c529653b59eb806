package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vouch-labs/vouch-go/internal/archive"
	"github.com/vouch-labs/vouch-go/internal/domain"
	"github.com/vouch-labs/vouch-go/internal/journal"
)

// DrainReport summarizes one drain pass. Abandoned entries are always
// surfaced here; the queue never drops them silently.
type DrainReport struct {
	Delivered int
	Retried   int
	Abandoned int
	Skipped   int
	Abandons  []Abandoned
}

// Abandoned names a queue entry the drain gave up on and why.
type Abandoned struct {
	Hash     domain.ContentHash
	Attempts int
	Reason   string
}

// Drain attempts delivery of every due queue entry. It is idempotent and
// safe to run concurrently with other drains and with new enqueues: the
// queue is scanned without holding a lock across network I/O, each entry is
// claimed atomically before submission, and an entry found already claimed
// or delivered by another pass counts as progress, not error.
func (d *Dispatcher) Drain(ctx context.Context) (DrainReport, error) {
	var report DrainReport
	if d.store == nil || d.submitter == nil {
		return report, errors.New("drain requires an archive and a submitter")
	}

	if recovered, err := d.store.RecoverStaleClaims(d.cfg.StaleClaimAge); err != nil {
		d.logger.Warn("stale claim recovery failed", "error", err)
	} else if recovered > 0 {
		d.logger.Info("recovered stale queue claims", "count", recovered)
	}

	entries, err := d.store.ListQueue()
	if err != nil {
		return report, fmt.Errorf("list queue: %w", err)
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		if !entry.Due(d.now()) {
			report.Skipped++
			continue
		}
		if err := d.drainOne(ctx, entry.Hash, &report); err != nil {
			return report, err
		}
	}
	return report, nil
}

func (d *Dispatcher) drainOne(ctx context.Context, hash domain.ContentHash, report *DrainReport) error {
	claimed, err := d.store.Claim(hash)
	if err != nil {
		if errors.Is(err, archive.ErrClaimed) {
			report.Skipped++
			return nil
		}
		return fmt.Errorf("claim %s: %w", hash, err)
	}
	entry := claimed.Entry

	doc, err := d.store.Get(hash)
	if err != nil {
		if errors.Is(err, archive.ErrNotFound) {
			// The report was removed from under its queue entry; nothing
			// left to deliver.
			d.abandon(claimed, claimed.Entry, report, "archived report no longer exists")
			return nil
		}
		// Put the entry back untouched; this is a storage fault, not a
		// delivery failure.
		if retryErr := claimed.Retry(entry); retryErr != nil {
			return retryErr
		}
		return fmt.Errorf("load queued report %s: %w", hash, err)
	}

	resp, submitErr := d.submitter.Submit(ctx, hash, doc)
	if submitErr == nil {
		if err := claimed.Delivered(); err != nil {
			return err
		}
		report.Delivered++
		d.logger.Info("queued report delivered", "hash", hash, "attempts", entry.Attempts+1)
		d.record(journal.Event{Action: journal.ActionDelivered, Hash: hash, Attempts: entry.Attempts + 1, Detail: responseDetail(resp)})
		return nil
	}

	entry.Attempts++
	entry.LastError = submitErr.Error()

	if !isTransient(submitErr) {
		d.abandon(claimed, entry, report, fmt.Sprintf("rejected by collector: %v", submitErr))
		return nil
	}
	if entry.Attempts >= d.cfg.MaxAttempts {
		d.abandon(claimed, entry, report, fmt.Sprintf("gave up after %d attempts: %v", entry.Attempts, submitErr))
		return nil
	}
	if entry.Age(d.now()) > d.cfg.MaxAge {
		d.abandon(claimed, entry, report, fmt.Sprintf("entry older than %s: %v", d.cfg.MaxAge, submitErr))
		return nil
	}

	entry.NextAttempt = d.now().UTC().Add(d.nextDelay(entry.Attempts, submitErr))
	if err := claimed.Retry(entry); err != nil {
		return err
	}
	report.Retried++
	d.logger.Info("queued report retry scheduled",
		"hash", hash, "attempts", entry.Attempts, "next_attempt", entry.NextAttempt)
	d.record(journal.Event{Action: journal.ActionRetried, Hash: hash, Attempts: entry.Attempts, Detail: entry.LastError})
	return nil
}

func (d *Dispatcher) abandon(claimed archive.Claimed, entry domain.QueueEntry, report *DrainReport, reason string) {
	if err := claimed.Abandon(); err != nil {
		d.logger.Error("abandoning queue entry failed", "hash", entry.Hash, "error", err)
		return
	}
	report.Abandoned++
	report.Abandons = append(report.Abandons, Abandoned{Hash: entry.Hash, Attempts: entry.Attempts, Reason: reason})
	d.logger.Warn("queued report abandoned", "hash", entry.Hash, "attempts", entry.Attempts, "reason", reason)
	d.record(journal.Event{Action: journal.ActionAbandoned, Hash: entry.Hash, Attempts: entry.Attempts, Detail: reason})
}

// Run drains the queue on a fixed interval until the context is canceled,
// for hosts that want background delivery alongside explicit drains.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return errors.New("drain interval must be positive")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := d.Drain(ctx); err != nil && !errors.Is(err, context.Canceled) {
				d.logger.Error("background drain failed", "error", err)
			}
		}
	}
}
