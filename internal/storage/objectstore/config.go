package objectstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/vouch-labs/vouch-go/internal/platform/env"
)

// Config describes the S3-compatible endpoint backing the archive mirror.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
	Bucket    string
}

func ConfigFromEnv() (Config, error) {
	useSSL, err := env.Bool("VOUCH_MIRROR_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Endpoint:  env.String("VOUCH_MIRROR_ENDPOINT", "localhost:9000"),
		AccessKey: env.String("VOUCH_MIRROR_ACCESS_KEY", ""),
		SecretKey: env.String("VOUCH_MIRROR_SECRET_KEY", ""),
		Region:    env.String("VOUCH_MIRROR_REGION", "us-east-1"),
		UseSSL:    useSSL,
		Bucket:    env.String("VOUCH_MIRROR_BUCKET", "vouch-reports"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("region is required")
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("bucket is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	return nil
}
