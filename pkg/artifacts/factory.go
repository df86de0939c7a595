package artifacts

import (
	"context"
	"fmt"
)

// StoreType represents the type of artifact storage backend.
type StoreType string

const (
	StoreTypeFS  StoreType = "fs"
	StoreTypeS3  StoreType = "s3"
	StoreTypeGCS StoreType = "gcs"
)

// Config selects and configures a backend.
type Config struct {
	Type     StoreType `yaml:"type" toml:"type"`
	Dir      string    `yaml:"dir" toml:"dir"`
	Bucket   string    `yaml:"bucket" toml:"bucket"`
	Region   string    `yaml:"region" toml:"region"`
	Endpoint string    `yaml:"endpoint" toml:"endpoint"`
	Prefix   string    `yaml:"prefix" toml:"prefix"`
}

// Open creates the configured store. The filesystem store is the default.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Type {
	case "", StoreTypeFS:
		dir := cfg.Dir
		if dir == "" {
			dir = "quarantine"
		}
		return NewFileStore(dir)
	case StoreTypeS3:
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("artifacts: bucket is required for s3 storage")
		}
		region := cfg.Region
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Store(ctx, S3StoreConfig{Bucket: cfg.Bucket, Region: region, Endpoint: cfg.Endpoint, Prefix: cfg.Prefix})
	case StoreTypeGCS:
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("artifacts: bucket is required for gcs storage")
		}
		return openGCS(ctx, cfg)
	default:
		return nil, fmt.Errorf("artifacts: unsupported storage type: %s", cfg.Type)
	}
}
