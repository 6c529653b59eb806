// Package dispatch decides, per configured mode, whether a signed report is
// archived locally, submitted to the collection service, or both, and owns
// the retry/backoff handling for reports that could not be delivered.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vouch-labs/vouch-go/internal/apiclient"
	"github.com/vouch-labs/vouch-go/internal/archive"
	"github.com/vouch-labs/vouch-go/internal/domain"
	"github.com/vouch-labs/vouch-go/internal/journal"
)

// Submitter delivers one signed report to the remote collection service.
// *apiclient.Client satisfies it.
type Submitter interface {
	Submit(ctx context.Context, hash domain.ContentHash, signedXML []byte) (*apiclient.SubmitResponse, error)
}

// Config is the dispatcher's already-validated operating configuration.
type Config struct {
	Mode domain.Mode

	// Queue policy, used in cache mode and by Drain.
	MaxAttempts   int
	MaxAge        time.Duration
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	StaleClaimAge time.Duration
}

// DefaultConfig returns the queue policy used when the caller does not
// override it.
func DefaultConfig(mode domain.Mode) Config {
	return Config{
		Mode:          mode,
		MaxAttempts:   10,
		MaxAge:        7 * 24 * time.Hour,
		BaseDelay:     time.Second,
		MaxDelay:      15 * time.Minute,
		StaleClaimAge: time.Hour,
	}
}

func (c Config) Validate() error {
	if c.MaxAttempts <= 0 {
		return errors.New("max attempts must be positive")
	}
	if c.MaxAge <= 0 {
		return errors.New("max age must be positive")
	}
	if c.BaseDelay <= 0 || c.MaxDelay < c.BaseDelay {
		return errors.New("delays must satisfy 0 < base <= max")
	}
	if c.StaleClaimAge <= 0 {
		return errors.New("stale claim age must be positive")
	}
	return nil
}

// Dispatcher runs the publish side of the pipeline.
type Dispatcher struct {
	store     *archive.Archive
	submitter Submitter
	cfg       Config
	logger    *slog.Logger
	journal   *journal.Journal
	mirror    *archive.Mirror
	now       func() time.Time
}

// Option configures optional dispatcher collaborators.
type Option func(*Dispatcher)

// WithJournal records every dispatch outcome to j.
func WithJournal(j *journal.Journal) Option {
	return func(d *Dispatcher) { d.journal = j }
}

// WithMirror replicates archived reports to an object store, best effort.
func WithMirror(m *archive.Mirror) Option {
	return func(d *Dispatcher) { d.mirror = m }
}

// New builds a Dispatcher. The submitter may be nil only in local mode.
func New(store *archive.Archive, submitter Submitter, cfg Config, logger *slog.Logger, opts ...Option) (*Dispatcher, error) {
	if store == nil && cfg.Mode.Stores() {
		return nil, errors.New("archive is required for storing modes")
	}
	if submitter == nil && cfg.Mode.Submits() {
		return nil, fmt.Errorf("submitter is required for mode %s", cfg.Mode)
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d := &Dispatcher{
		store:     store,
		submitter: submitter,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Publish runs one signed report through the configured mode.
//
// Mode semantics:
//   - local: archive only, never contacts the remote service.
//   - api: submit only; any failure is returned as an error, with no local
//     fallback and no queueing.
//   - both: archive and submit; a submission failure is reported on
//     Outcome.SubmitError but does not undo the local put.
//   - cache: archive always; a transient submission failure enqueues the
//     report for Drain instead of failing the caller, so local success is
//     observable even offline.
func (d *Dispatcher) Publish(ctx context.Context, hash domain.ContentHash, signedXML []byte, prov *domain.Provenance) (domain.Outcome, error) {
	if err := hash.Validate(); err != nil {
		return domain.Outcome{}, err
	}
	outcome := domain.Outcome{Hash: hash}

	if d.cfg.Mode.Stores() {
		record, err := d.store.Put(hash, signedXML, prov)
		if err != nil {
			return outcome, fmt.Errorf("archive report: %w", err)
		}
		outcome.Stored = true
		outcome.Record = &record
		d.record(journal.Event{Action: journal.ActionStored, Hash: hash})
		d.pushMirror(ctx, record, signedXML)
	}

	if !d.cfg.Mode.Submits() {
		return outcome, nil
	}

	resp, err := d.submitter.Submit(ctx, hash, signedXML)
	if err == nil {
		outcome.Submitted = true
		d.record(journal.Event{Action: journal.ActionDelivered, Hash: hash, Detail: responseDetail(resp)})
		return outcome, nil
	}

	switch d.cfg.Mode {
	case domain.ModeAPI:
		return outcome, err
	case domain.ModeBoth:
		outcome.SubmitError = err
		d.logger.Warn("submission failed, report archived locally", "hash", hash, "error", err)
		d.record(journal.Event{Action: journal.ActionRejected, Hash: hash, Detail: err.Error()})
		return outcome, nil
	default: // cache
		outcome.SubmitError = err
		if !isTransient(err) {
			// Policy rejection: retrying cannot succeed, and the local
			// record already stands.
			d.logger.Warn("submission rejected by collector", "hash", hash, "error", err)
			d.record(journal.Event{Action: journal.ActionRejected, Hash: hash, Detail: err.Error()})
			return outcome, nil
		}
		entry := domain.QueueEntry{
			Hash:        hash,
			EnqueuedAt:  d.now().UTC(),
			Attempts:    1,
			LastError:   err.Error(),
			NextAttempt: d.now().UTC().Add(d.nextDelay(1, err)),
		}
		if qErr := d.store.Enqueue(entry); qErr != nil {
			return outcome, fmt.Errorf("queue report after failed submission: %w", qErr)
		}
		outcome.Queued = true
		d.logger.Info("submission deferred", "hash", hash, "error", err, "next_attempt", entry.NextAttempt)
		d.record(journal.Event{Action: journal.ActionQueued, Hash: hash, Attempts: entry.Attempts, Detail: err.Error()})
		return outcome, nil
	}
}

func (d *Dispatcher) nextDelay(attempts int, err error) time.Duration {
	return backoffDelay(attempts, d.cfg.BaseDelay, d.cfg.MaxDelay, retryAfterOf(err))
}

func (d *Dispatcher) record(event journal.Event) {
	if d.journal == nil {
		return
	}
	if err := d.journal.Record(event); err != nil {
		d.logger.Warn("journal write failed", "error", err)
	}
}

func (d *Dispatcher) pushMirror(ctx context.Context, record domain.StorageRecord, data []byte) {
	if d.mirror == nil {
		return
	}
	if err := d.mirror.Push(ctx, record, data); err != nil {
		d.logger.Warn("mirror push failed", "hash", record.Hash, "error", err)
	}
}

func isTransient(err error) bool {
	var submitErr *apiclient.SubmitError
	if errors.As(err, &submitErr) {
		return submitErr.Transient()
	}
	// Errors without a classification are transport-level failures.
	return true
}

func retryAfterOf(err error) time.Duration {
	var submitErr *apiclient.SubmitError
	if errors.As(err, &submitErr) {
		return submitErr.RetryAfter()
	}
	return 0
}

func responseDetail(resp *apiclient.SubmitResponse) string {
	if resp == nil {
		return ""
	}
	if resp.Duplicate {
		return "duplicate"
	}
	return resp.ID
}
