// Package pipeline ties capture, signing, and dispatch together behind the
// single entry point a test-runner host calls when a report is ready.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/vouch-labs/vouch-go/internal/apiclient"
	"github.com/vouch-labs/vouch-go/internal/archive"
	"github.com/vouch-labs/vouch-go/internal/canonical"
	"github.com/vouch-labs/vouch-go/internal/config"
	"github.com/vouch-labs/vouch-go/internal/dispatch"
	"github.com/vouch-labs/vouch-go/internal/domain"
	"github.com/vouch-labs/vouch-go/internal/journal"
	"github.com/vouch-labs/vouch-go/internal/provenance"
	"github.com/vouch-labs/vouch-go/internal/sign"
	"github.com/vouch-labs/vouch-go/internal/storage/objectstore"
)

// Pipeline owns the assembled collaborators for one configuration. Build
// it once per process and reuse it across reports.
type Pipeline struct {
	cfg        config.Config
	signer     *sign.Signer
	dispatcher *dispatch.Dispatcher
	journal    *journal.Journal
	logger     *slog.Logger

	// capture is swappable for tests.
	capture func(context.Context) domain.Provenance
}

// New assembles archive, API client, journal, and mirror per cfg. The
// signer is optional: without one, reports pass through unsigned.
func New(ctx context.Context, cfg config.Config, signer *sign.Signer, logger *slog.Logger) (*Pipeline, error) {
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var store *archive.Archive
	if cfg.Mode.Stores() {
		a, err := archive.New(cfg.ArchiveRoot)
		if err != nil {
			return nil, fmt.Errorf("open archive: %w", err)
		}
		store = a
	}

	var submitter dispatch.Submitter
	if cfg.Mode.Submits() {
		client, err := newClient(ctx, cfg.API)
		if err != nil {
			return nil, err
		}
		submitter = client
	}

	dispatchCfg := dispatch.Config{
		Mode:          cfg.Mode,
		MaxAttempts:   cfg.Queue.MaxAttempts,
		MaxAge:        cfg.Queue.MaxAge,
		BaseDelay:     cfg.Queue.BaseDelay,
		MaxDelay:      cfg.Queue.MaxDelay,
		StaleClaimAge: cfg.Queue.StaleClaimAge,
	}

	var opts []dispatch.Option
	p := &Pipeline{cfg: cfg, signer: signer, logger: logger, capture: provenance.Capture}

	if cfg.JournalPath != "" {
		j, err := journal.Open(cfg.JournalPath)
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		p.journal = j
		opts = append(opts, dispatch.WithJournal(j))
	}

	if cfg.Mirror.Enabled {
		mirror, err := newMirror(ctx, cfg)
		if err != nil {
			p.close()
			return nil, err
		}
		opts = append(opts, dispatch.WithMirror(mirror))
	}

	d, err := dispatch.New(store, submitter, dispatchCfg, logger, opts...)
	if err != nil {
		p.close()
		return nil, err
	}
	p.dispatcher = d
	return p, nil
}

func newClient(ctx context.Context, api config.APIConfig) (*apiclient.Client, error) {
	opts := []apiclient.Option{apiclient.WithTimeout(api.Timeout)}
	if api.ClientID != "" {
		opts = append(opts, apiclient.WithClientCredentials(ctx, api.ClientID, api.ClientSecret, api.TokenURL))
	}
	client, err := apiclient.New(api.BaseURL, api.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("build api client: %w", err)
	}
	return client, nil
}

func newMirror(ctx context.Context, cfg config.Config) (*archive.Mirror, error) {
	storeCfg := cfg.MirrorStoreConfig()
	store, err := objectstore.NewMinioStore(storeCfg)
	if err != nil {
		return nil, fmt.Errorf("build mirror store: %w", err)
	}
	if err := store.EnsureBucket(ctx, storeCfg.Bucket, storeCfg.Region); err != nil {
		return nil, fmt.Errorf("ensure mirror bucket: %w", err)
	}
	return archive.NewMirror(store, storeCfg.Bucket)
}

// Process runs one report through capture, sign, and dispatch.
func (p *Pipeline) Process(ctx context.Context, report []byte) (domain.Outcome, error) {
	prov := p.capture(ctx)
	enriched, err := provenance.Inject(report, prov)
	if err != nil {
		return domain.Outcome{}, err
	}

	var (
		hash domain.ContentHash
		doc  []byte
	)
	if p.signer != nil {
		signed, err := p.signer.Sign(enriched)
		if err != nil {
			return domain.Outcome{}, fmt.Errorf("sign report: %w", err)
		}
		hash, doc = signed.Hash, signed.XML
	} else {
		hash, err = canonical.HashReport(enriched, canonical.DefaultLimits())
		if err != nil {
			return domain.Outcome{}, err
		}
		doc = enriched
	}

	return p.dispatcher.Publish(ctx, hash, doc, &prov)
}

// Drain delivers queued reports. Only meaningful in cache mode.
func (p *Pipeline) Drain(ctx context.Context) (dispatch.DrainReport, error) {
	return p.dispatcher.Drain(ctx)
}

// Run drains the queue on the configured interval until ctx is canceled.
func (p *Pipeline) Run(ctx context.Context) error {
	return p.dispatcher.Run(ctx, p.cfg.Queue.DrainInterval)
}

// Close releases the journal. The pipeline must not be used afterwards.
func (p *Pipeline) Close() error {
	return p.close()
}

func (p *Pipeline) close() error {
	if p.journal == nil {
		return nil
	}
	err := p.journal.Close()
	p.journal = nil
	return err
}

// OnReportReady is the one-shot form: assemble a pipeline from cfg, run a
// single report through it, and tear it down. Hosts handling many reports
// should build a Pipeline once instead.
func OnReportReady(ctx context.Context, report []byte, signer *sign.Signer, cfg config.Config) (domain.Outcome, error) {
	logger := slog.Default()
	p, err := New(ctx, cfg, signer, logger)
	if err != nil {
		return domain.Outcome{}, err
	}
	defer p.Close()
	return p.Process(ctx, report)
}
