// Package config assembles the pipeline's operating configuration from
// environment variables, an optional YAML file, or both. Config is a plain
// value: the core packages never read configuration sources themselves.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vouch-labs/vouch-go/internal/domain"
	"github.com/vouch-labs/vouch-go/internal/platform/env"
	"github.com/vouch-labs/vouch-go/internal/storage/objectstore"
)

// APIConfig locates and authenticates against the collection service.
// Either a static bearer token or OAuth2 client credentials may be set,
// not both.
type APIConfig struct {
	BaseURL      string        `yaml:"base_url"`
	Token        string        `yaml:"token"`
	ClientID     string        `yaml:"client_id"`
	ClientSecret string        `yaml:"client_secret"`
	TokenURL     string        `yaml:"token_url"`
	Timeout      time.Duration `yaml:"-"`
}

// QueueConfig is the retry policy for reports queued after a transient
// submission failure.
type QueueConfig struct {
	MaxAttempts   int           `yaml:"max_attempts"`
	MaxAge        time.Duration `yaml:"-"`
	BaseDelay     time.Duration `yaml:"-"`
	MaxDelay      time.Duration `yaml:"-"`
	StaleClaimAge time.Duration `yaml:"-"`
	DrainInterval time.Duration `yaml:"-"`
}

// MirrorConfig enables best-effort replication of the archive to an
// S3-compatible bucket.
type MirrorConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
	Bucket    string `yaml:"bucket"`
}

// Config is the full assembled configuration. Treat it as immutable once
// validated.
type Config struct {
	Mode        domain.Mode
	ArchiveRoot string
	KeyPath     string
	CertPath    string
	JournalPath string
	API         APIConfig
	Queue       QueueConfig
	Mirror      MirrorConfig
}

// Default returns the configuration used when no source overrides a value.
func Default() Config {
	return Config{
		Mode:        domain.ModeLocal,
		ArchiveRoot: defaultArchiveRoot(),
		API:         APIConfig{Timeout: 30 * time.Second},
		Queue: QueueConfig{
			MaxAttempts:   10,
			MaxAge:        7 * 24 * time.Hour,
			BaseDelay:     time.Second,
			MaxDelay:      15 * time.Minute,
			StaleClaimAge: time.Hour,
			DrainInterval: 5 * time.Minute,
		},
		Mirror: MirrorConfig{
			Endpoint: "localhost:9000",
			Region:   "us-east-1",
			Bucket:   "vouch-reports",
		},
	}
}

// defaultArchiveRoot follows the XDG data directory convention.
func defaultArchiveRoot() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "vouch")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "vouch-archive"
	}
	return filepath.Join(home, ".local", "share", "vouch")
}

// FromEnv builds configuration from VOUCH_-prefixed environment variables
// layered over defaults.
func FromEnv() (Config, error) {
	cfg := Default()

	mode, err := domain.ParseMode(env.String("VOUCH_MODE", cfg.Mode.String()))
	if err != nil {
		return Config{}, err
	}
	cfg.Mode = mode

	cfg.ArchiveRoot = env.String("VOUCH_ARCHIVE_ROOT", cfg.ArchiveRoot)
	cfg.KeyPath = env.String("VOUCH_KEY", cfg.KeyPath)
	cfg.CertPath = env.String("VOUCH_CERT", cfg.CertPath)
	cfg.JournalPath = env.String("VOUCH_JOURNAL", cfg.JournalPath)

	cfg.API.BaseURL = env.String("VOUCH_API_URL", cfg.API.BaseURL)
	cfg.API.Token = env.String("VOUCH_API_TOKEN", cfg.API.Token)
	cfg.API.ClientID = env.String("VOUCH_API_CLIENT_ID", cfg.API.ClientID)
	cfg.API.ClientSecret = env.String("VOUCH_API_CLIENT_SECRET", cfg.API.ClientSecret)
	cfg.API.TokenURL = env.String("VOUCH_API_TOKEN_URL", cfg.API.TokenURL)
	if cfg.API.Timeout, err = env.Duration("VOUCH_API_TIMEOUT", cfg.API.Timeout); err != nil {
		return Config{}, err
	}

	if cfg.Queue.MaxAttempts, err = env.Int("VOUCH_QUEUE_MAX_ATTEMPTS", cfg.Queue.MaxAttempts); err != nil {
		return Config{}, err
	}
	if cfg.Queue.MaxAge, err = env.Duration("VOUCH_QUEUE_MAX_AGE", cfg.Queue.MaxAge); err != nil {
		return Config{}, err
	}
	if cfg.Queue.BaseDelay, err = env.Duration("VOUCH_QUEUE_BASE_DELAY", cfg.Queue.BaseDelay); err != nil {
		return Config{}, err
	}
	if cfg.Queue.MaxDelay, err = env.Duration("VOUCH_QUEUE_MAX_DELAY", cfg.Queue.MaxDelay); err != nil {
		return Config{}, err
	}
	if cfg.Queue.StaleClaimAge, err = env.Duration("VOUCH_QUEUE_STALE_CLAIM_AGE", cfg.Queue.StaleClaimAge); err != nil {
		return Config{}, err
	}
	if cfg.Queue.DrainInterval, err = env.Duration("VOUCH_QUEUE_DRAIN_INTERVAL", cfg.Queue.DrainInterval); err != nil {
		return Config{}, err
	}

	if cfg.Mirror.Enabled, err = env.Bool("VOUCH_MIRROR_ENABLED", cfg.Mirror.Enabled); err != nil {
		return Config{}, err
	}
	cfg.Mirror.Endpoint = env.String("VOUCH_MIRROR_ENDPOINT", cfg.Mirror.Endpoint)
	cfg.Mirror.AccessKey = env.String("VOUCH_MIRROR_ACCESS_KEY", cfg.Mirror.AccessKey)
	cfg.Mirror.SecretKey = env.String("VOUCH_MIRROR_SECRET_KEY", cfg.Mirror.SecretKey)
	cfg.Mirror.Region = env.String("VOUCH_MIRROR_REGION", cfg.Mirror.Region)
	if cfg.Mirror.UseSSL, err = env.Bool("VOUCH_MIRROR_USE_SSL", cfg.Mirror.UseSSL); err != nil {
		return Config{}, err
	}
	cfg.Mirror.Bucket = env.String("VOUCH_MIRROR_BUCKET", cfg.Mirror.Bucket)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// fileSchema is the YAML shape of a config file. Durations are strings in
// Go duration syntax ("30s", "15m").
type fileSchema struct {
	Mode        string `yaml:"mode"`
	ArchiveRoot string `yaml:"archive_root"`
	Key         string `yaml:"key"`
	Cert        string `yaml:"cert"`
	Journal     string `yaml:"journal"`

	API struct {
		APIConfig `yaml:",inline"`
		Timeout   string `yaml:"timeout"`
	} `yaml:"api"`

	Queue struct {
		QueueConfig   `yaml:",inline"`
		MaxAge        string `yaml:"max_age"`
		BaseDelay     string `yaml:"base_delay"`
		MaxDelay      string `yaml:"max_delay"`
		StaleClaimAge string `yaml:"stale_claim_age"`
		DrainInterval string `yaml:"drain_interval"`
	} `yaml:"queue"`

	Mirror *MirrorConfig `yaml:"mirror"`
}

// LoadFile layers a YAML file over defaults. Values absent from the file
// keep their defaults.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	return parseYAML(data)
}

func parseYAML(data []byte) (Config, error) {
	var file fileSchema
	if err := yaml.Unmarshal(data, &file); err != nil {
		return Config{}, fmt.Errorf("decode config file: %w", err)
	}

	cfg := Default()
	if file.Mode != "" {
		mode, err := domain.ParseMode(file.Mode)
		if err != nil {
			return Config{}, err
		}
		cfg.Mode = mode
	}
	setString(&cfg.ArchiveRoot, file.ArchiveRoot)
	setString(&cfg.KeyPath, file.Key)
	setString(&cfg.CertPath, file.Cert)
	setString(&cfg.JournalPath, file.Journal)

	setString(&cfg.API.BaseURL, file.API.BaseURL)
	setString(&cfg.API.Token, file.API.Token)
	setString(&cfg.API.ClientID, file.API.ClientID)
	setString(&cfg.API.ClientSecret, file.API.ClientSecret)
	setString(&cfg.API.TokenURL, file.API.TokenURL)
	if err := setDuration(&cfg.API.Timeout, file.API.Timeout, "api.timeout"); err != nil {
		return Config{}, err
	}

	if file.Queue.MaxAttempts > 0 {
		cfg.Queue.MaxAttempts = file.Queue.MaxAttempts
	}
	if err := setDuration(&cfg.Queue.MaxAge, file.Queue.MaxAge, "queue.max_age"); err != nil {
		return Config{}, err
	}
	if err := setDuration(&cfg.Queue.BaseDelay, file.Queue.BaseDelay, "queue.base_delay"); err != nil {
		return Config{}, err
	}
	if err := setDuration(&cfg.Queue.MaxDelay, file.Queue.MaxDelay, "queue.max_delay"); err != nil {
		return Config{}, err
	}
	if err := setDuration(&cfg.Queue.StaleClaimAge, file.Queue.StaleClaimAge, "queue.stale_claim_age"); err != nil {
		return Config{}, err
	}
	if err := setDuration(&cfg.Queue.DrainInterval, file.Queue.DrainInterval, "queue.drain_interval"); err != nil {
		return Config{}, err
	}

	if file.Mirror != nil {
		mirror := cfg.Mirror
		mirror.Enabled = file.Mirror.Enabled
		mirror.UseSSL = file.Mirror.UseSSL
		setString(&mirror.Endpoint, file.Mirror.Endpoint)
		setString(&mirror.AccessKey, file.Mirror.AccessKey)
		setString(&mirror.SecretKey, file.Mirror.SecretKey)
		setString(&mirror.Region, file.Mirror.Region)
		setString(&mirror.Bucket, file.Mirror.Bucket)
		cfg.Mirror = mirror
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setString(dst *string, value string) {
	if strings.TrimSpace(value) != "" {
		*dst = value
	}
}

func setDuration(dst *time.Duration, value, field string) error {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", field, err)
	}
	*dst = d
	return nil
}

// MirrorStoreConfig converts the mirror settings to an object store
// configuration.
func (c Config) MirrorStoreConfig() objectstore.Config {
	return objectstore.Config{
		Endpoint:  c.Mirror.Endpoint,
		AccessKey: c.Mirror.AccessKey,
		SecretKey: c.Mirror.SecretKey,
		Region:    c.Mirror.Region,
		UseSSL:    c.Mirror.UseSSL,
		Bucket:    c.Mirror.Bucket,
	}
}

func (c Config) Validate() error {
	if !c.Mode.Valid() {
		return fmt.Errorf("mode unsupported: %s", c.Mode)
	}
	if c.Mode.Stores() && strings.TrimSpace(c.ArchiveRoot) == "" {
		return errors.New("archive root is required for storing modes")
	}
	if c.Mode.Submits() {
		if strings.TrimSpace(c.API.BaseURL) == "" {
			return fmt.Errorf("api base url is required for mode %s", c.Mode)
		}
		if c.API.Token != "" && c.API.ClientID != "" {
			return errors.New("api token and client credentials are mutually exclusive")
		}
		if c.API.ClientID != "" && (c.API.ClientSecret == "" || c.API.TokenURL == "") {
			return errors.New("client credentials require client_secret and token_url")
		}
	}
	if c.API.Timeout <= 0 {
		return errors.New("api timeout must be positive")
	}
	if c.Queue.MaxAttempts <= 0 {
		return errors.New("queue max attempts must be positive")
	}
	if c.Queue.MaxAge <= 0 {
		return errors.New("queue max age must be positive")
	}
	if c.Queue.BaseDelay <= 0 || c.Queue.MaxDelay < c.Queue.BaseDelay {
		return errors.New("queue delays must satisfy 0 < base <= max")
	}
	if c.Queue.StaleClaimAge <= 0 {
		return errors.New("queue stale claim age must be positive")
	}
	if c.Queue.DrainInterval <= 0 {
		return errors.New("queue drain interval must be positive")
	}
	if c.Mirror.Enabled {
		if err := c.MirrorStoreConfig().Validate(); err != nil {
			return fmt.Errorf("mirror: %w", err)
		}
	}
	return nil
}
