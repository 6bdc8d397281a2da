package artifacts

import (
	"context"
	"fmt"
	"path/filepath"
)

// Backend names a Store implementation.
type Backend string

const (
	BackendFS  Backend = "fs"
	BackendS3  Backend = "s3"
	BackendGCS Backend = "gcs"
)

type GCSConfig struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
}

// Config selects and configures the artifact backend.
type Config struct {
	Backend Backend `yaml:"backend"`
	// Dir is the FileStore root. Relative paths resolve against the
	// process working directory.
	Dir string    `yaml:"dir"`
	S3  S3Config  `yaml:"s3"`
	GCS GCSConfig `yaml:"gcs"`
}

// DefaultConfig stores bundles on the local filesystem under data/artifacts.
func DefaultConfig() Config {
	return Config{
		Backend: BackendFS,
		Dir:     filepath.Join("data", "artifacts"),
		S3:      S3Config{Region: "us-east-1"},
	}
}

// Open builds the Store selected by cfg.Backend. An empty backend means fs.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", BackendFS:
		dir := cfg.Dir
		if dir == "" {
			dir = DefaultConfig().Dir
		}
		return NewFileStore(dir)
	case BackendS3:
		if cfg.S3.Region == "" {
			cfg.S3.Region = DefaultConfig().S3.Region
		}
		return NewS3Store(ctx, cfg.S3)
	case BackendGCS:
		return openGCS(ctx, cfg.GCS)
	default:
		return nil, fmt.Errorf("unsupported artifact backend %q", cfg.Backend)
	}
}
