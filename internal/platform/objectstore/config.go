package objectstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/animus-labs/wheelwright/internal/platform/env"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
}

func ConfigFromEnv() (Config, error) {
	useSSL, err := env.Bool("WHEELWRIGHT_MINIO_USE_SSL", true)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Endpoint:  env.String("WHEELWRIGHT_MINIO_ENDPOINT", ""),
		AccessKey: env.String("WHEELWRIGHT_MINIO_ACCESS_KEY", ""),
		SecretKey: env.String("WHEELWRIGHT_MINIO_SECRET_KEY", ""),
		Region:    env.String("WHEELWRIGHT_MINIO_REGION", "us-east-1"),
		UseSSL:    useSSL,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("WHEELWRIGHT_MINIO_ENDPOINT is required")
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("WHEELWRIGHT_MINIO_ACCESS_KEY is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("WHEELWRIGHT_MINIO_SECRET_KEY is required")
	}
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("WHEELWRIGHT_MINIO_REGION is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	return nil
}
