// Command vouch signs, verifies, archives, and publishes JUnit XML test
// reports. Configuration comes from VOUCH_ environment variables or an
// optional YAML file; see internal/config.
package main

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/vouch-labs/vouch-go/internal/archive"
	"github.com/vouch-labs/vouch-go/internal/config"
	"github.com/vouch-labs/vouch-go/internal/domain"
	"github.com/vouch-labs/vouch-go/internal/pipeline"
	"github.com/vouch-labs/vouch-go/internal/provenance"
	"github.com/vouch-labs/vouch-go/internal/sign"
	"github.com/vouch-labs/vouch-go/internal/verify"
)

const usage = `usage: vouch <command> [flags]

commands:
  sign     sign a report with an enveloped XMLDSig signature
  verify   verify a signed report against trusted certificates
  publish  run a report through the configured pipeline
  drain    deliver queued reports to the collection service
  queue    list pending queue entries
  archive  inspect the local report archive
  version  print the tool version
`

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, os.Args[1:]); err != nil {
		if errors.Is(err, errVerificationFailed) {
			os.Exit(1)
		}
		logger.Error("command failed", "error", err)
		os.Exit(1)
	}
}

var errVerificationFailed = errors.New("verification failed")

func run(ctx context.Context, logger *slog.Logger, args []string) error {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return errors.New("missing command")
	}
	switch args[0] {
	case "sign":
		return cmdSign(args[1:])
	case "verify":
		return cmdVerify(args[1:])
	case "publish":
		return cmdPublish(ctx, logger, args[1:])
	case "drain":
		return cmdDrain(ctx, logger, args[1:])
	case "queue":
		return cmdQueue(args[1:])
	case "archive":
		return cmdArchive(args[1:])
	case "version":
		fmt.Println(provenance.Version)
		return nil
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", args[0])
	}
}

// loadConfig reads from exactly one source: the file when a path is given,
// the VOUCH_ environment otherwise. Both layer over the same defaults.
func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.FromEnv()
	}
	return config.LoadFile(path)
}

func readInput(path string) ([]byte, error) {
	if path == "" || path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func writeOutput(path string, data []byte) error {
	if path == "" || path == "-" {
		_, err := os.Stdout.Write(data)
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func newSigner(keyPath, certPath, algName string) (*sign.Signer, error) {
	if keyPath == "" {
		return nil, errors.New("signing key is required (-key or VOUCH_KEY)")
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read key: %w", err)
	}
	key, err := sign.LoadPrivateKeyPEM(keyPEM)
	if err != nil {
		return nil, err
	}
	var algorithm domain.Algorithm
	if algName == "" {
		algorithm, err = sign.AlgorithmForKey(key)
	} else {
		algorithm, err = domain.ParseAlgorithm(algName)
	}
	if err != nil {
		return nil, err
	}
	var cert *x509.Certificate
	if certPath != "" {
		certPEM, err := os.ReadFile(certPath)
		if err != nil {
			return nil, fmt.Errorf("read certificate: %w", err)
		}
		cert, err = sign.LoadCertificatePEM(certPEM)
		if err != nil {
			return nil, err
		}
	}
	return sign.New(algorithm, key, cert)
}

func cmdSign(args []string) error {
	fs := flag.NewFlagSet("sign", flag.ContinueOnError)
	keyPath := fs.String("key", os.Getenv("VOUCH_KEY"), "PEM private key path")
	certPath := fs.String("cert", os.Getenv("VOUCH_CERT"), "PEM certificate path (optional)")
	algName := fs.String("alg", "", "signature algorithm: rsa-sha256 or ecdsa-sha256 (default: inferred from key type)")
	out := fs.String("out", "", "output path (default stdout)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	signer, err := newSigner(*keyPath, *certPath, *algName)
	if err != nil {
		return err
	}
	report, err := readInput(fs.Arg(0))
	if err != nil {
		return err
	}
	signed, err := signer.Sign(report)
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stderr, signed.Hash)
	return writeOutput(*out, signed.XML)
}

func cmdVerify(args []string) error {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	trustPath := fs.String("trust", "", "PEM file with trusted certificates")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *trustPath == "" {
		return errors.New("trusted certificates are required (-trust)")
	}
	certPEM, err := os.ReadFile(*trustPath)
	if err != nil {
		return fmt.Errorf("read trust anchors: %w", err)
	}
	cert, err := sign.LoadCertificatePEM(certPEM)
	if err != nil {
		return err
	}
	verifier, err := verify.New(cert)
	if err != nil {
		return err
	}
	signed, err := readInput(fs.Arg(0))
	if err != nil {
		return err
	}

	result := verifier.Verify(signed)
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return err
	}
	if !result.Valid {
		return errVerificationFailed
	}
	return nil
}

func cmdPublish(ctx context.Context, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("publish", flag.ContinueOnError)
	configPath := fs.String("config", os.Getenv("VOUCH_CONFIG"), "YAML config file (optional)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	var signer *sign.Signer
	if cfg.KeyPath != "" {
		signer, err = newSigner(cfg.KeyPath, cfg.CertPath, "")
		if err != nil {
			return err
		}
	}

	report, err := readInput(fs.Arg(0))
	if err != nil {
		return err
	}

	p, err := pipeline.New(ctx, cfg, signer, logger)
	if err != nil {
		return err
	}
	defer func() { _ = p.Close() }()

	outcome, err := p.Process(ctx, report)
	if err != nil {
		return err
	}
	logger.Info("report published",
		"hash", outcome.Hash, "stored", outcome.Stored,
		"submitted", outcome.Submitted, "queued", outcome.Queued)
	return nil
}

func cmdDrain(ctx context.Context, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("drain", flag.ContinueOnError)
	configPath := fs.String("config", os.Getenv("VOUCH_CONFIG"), "YAML config file (optional)")
	watch := fs.Bool("watch", false, "keep draining on the configured interval")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	p, err := pipeline.New(ctx, cfg, nil, logger)
	if err != nil {
		return err
	}
	defer func() { _ = p.Close() }()

	if *watch {
		err := p.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}

	report, err := p.Drain(ctx)
	if err != nil {
		return err
	}
	logger.Info("drain finished",
		"delivered", report.Delivered, "retried", report.Retried,
		"abandoned", report.Abandoned, "skipped", report.Skipped)
	for _, abandoned := range report.Abandons {
		logger.Warn("report abandoned",
			"hash", abandoned.Hash, "attempts", abandoned.Attempts, "reason", abandoned.Reason)
	}
	return nil
}

func openArchive(configPath string) (*archive.Archive, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	return archive.New(cfg.ArchiveRoot)
}

func cmdQueue(args []string) error {
	fs := flag.NewFlagSet("queue", flag.ContinueOnError)
	configPath := fs.String("config", os.Getenv("VOUCH_CONFIG"), "YAML config file (optional)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	store, err := openArchive(*configPath)
	if err != nil {
		return err
	}
	entries, err := store.ListQueue()
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(entries)
}

func cmdArchive(args []string) error {
	fs := flag.NewFlagSet("archive", flag.ContinueOnError)
	configPath := fs.String("config", os.Getenv("VOUCH_CONFIG"), "YAML config file (optional)")
	stats := fs.Bool("stats", false, "print archive statistics instead of records")
	signedOnly := fs.Bool("signed", false, "list signed reports only")
	if err := fs.Parse(args); err != nil {
		return err
	}
	store, err := openArchive(*configPath)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if *stats {
		s, err := store.Stats()
		if err != nil {
			return err
		}
		return enc.Encode(s)
	}
	records, err := store.List(archive.Filter{SignedOnly: *signedOnly})
	if err != nil {
		return err
	}
	return enc.Encode(records)
}
