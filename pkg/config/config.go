// Package config loads rulekernel settings from an optional YAML file and
// RULEKERNEL_* environment variables. Environment values win over the file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/Masterminds/semver/v3"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/helm/rulekernel/pkg/artifacts"
	"github.com/Mindburn-Labs/helm/rulekernel/pkg/kernelvm"
	"github.com/Mindburn-Labs/helm/rulekernel/pkg/observability"
)

// EnvPrefix starts every environment override.
const EnvPrefix = "RULEKERNEL_"

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

type Config struct {
	TenantID   string               `yaml:"tenant_id"`
	Kernel     KernelConfig         `yaml:"kernel"`
	Evaluation EvaluationConfig     `yaml:"evaluation"`
	Store      StoreConfig          `yaml:"store"`
	Artifacts  artifacts.Config     `yaml:"artifacts"`
	Telemetry  observability.Config `yaml:"telemetry"`
	Log        LogConfig            `yaml:"log"`
}

type KernelConfig struct {
	HandlerVMVersion string `yaml:"handler_vm_version"`
	// TimeoutMs bounds a single evaluation. Zero disables the deadline.
	TimeoutMs   int `yaml:"timeout_ms"`
	MaxASTDepth int `yaml:"max_ast_depth"`
}

// Timeout returns TimeoutMs as a duration.
func (k KernelConfig) Timeout() time.Duration {
	return time.Duration(k.TimeoutMs) * time.Millisecond
}

// EvaluationConfig bounds batch evaluation.
type EvaluationConfig struct {
	Concurrency int `yaml:"concurrency"`
	// RatePerSecond throttles batch evaluations; zero means unlimited.
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
}

type StoreConfig struct {
	// Driver is memory, sqlite, postgres or redis. With redis, locks live
	// in redis and the pack index in sqlite at DSN.
	Driver        string `yaml:"driver"`
	DSN           string `yaml:"dsn"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

func Default() *Config {
	return &Config{
		TenantID: "default",
		Kernel: KernelConfig{
			HandlerVMVersion: kernelvm.VMVersion,
			TimeoutMs:        5000,
			MaxASTDepth:      kernelvm.DefaultMaxDepth,
		},
		Evaluation: EvaluationConfig{Concurrency: 4},
		Store: StoreConfig{
			Driver:    DriverSQLite,
			DSN:       "data/rulekernel.db",
			RedisAddr: "localhost:6379",
		},
		Artifacts: artifacts.DefaultConfig(),
		Telemetry: *observability.DefaultConfig(),
		Log:       LogConfig{Level: "info"},
	}
}

// Load reads path (when non-empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	num := func(key string, dst *int) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = b
		}
	}

	str("TENANT_ID", &c.TenantID)
	str("HANDLER_VM_VERSION", &c.Kernel.HandlerVMVersion)
	num("TIMEOUT_MS", &c.Kernel.TimeoutMs)
	num("MAX_AST_DEPTH", &c.Kernel.MaxASTDepth)
	num("EVAL_CONCURRENCY", &c.Evaluation.Concurrency)

	str("STORE_DRIVER", &c.Store.Driver)
	str("STORE_DSN", &c.Store.DSN)
	str("REDIS_ADDR", &c.Store.RedisAddr)
	str("REDIS_PASSWORD", &c.Store.RedisPassword)

	var backend string
	str("ARTIFACTS_BACKEND", &backend)
	if backend != "" {
		c.Artifacts.Backend = artifacts.Backend(backend)
	}
	str("ARTIFACTS_DIR", &c.Artifacts.Dir)
	str("S3_BUCKET", &c.Artifacts.S3.Bucket)
	str("S3_REGION", &c.Artifacts.S3.Region)
	str("S3_ENDPOINT", &c.Artifacts.S3.Endpoint)
	str("S3_PREFIX", &c.Artifacts.S3.Prefix)
	str("GCS_BUCKET", &c.Artifacts.GCS.Bucket)
	str("GCS_PREFIX", &c.Artifacts.GCS.Prefix)

	flag("TELEMETRY_ENABLED", &c.Telemetry.Enabled)
	flag("TELEMETRY_INSECURE", &c.Telemetry.Insecure)
	str("OTLP_ENDPOINT", &c.Telemetry.Endpoint)
	str("ENVIRONMENT", &c.Telemetry.Environment)

	str("LOG_LEVEL", &c.Log.Level)
	flag("LOG_DEVELOPMENT", &c.Log.Development)

	return errors.Join(errs...)
}

// Validate rejects settings the binary cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.TenantID == "" {
		errs = append(errs, errors.New("tenant_id is required"))
	}
	if _, err := semver.StrictNewVersion(c.Kernel.HandlerVMVersion); err != nil {
		errs = append(errs, fmt.Errorf("kernel.handler_vm_version %q: %w", c.Kernel.HandlerVMVersion, err))
	}
	if c.Kernel.TimeoutMs < 0 {
		errs = append(errs, errors.New("kernel.timeout_ms must not be negative"))
	}
	if c.Kernel.MaxASTDepth <= 0 {
		errs = append(errs, errors.New("kernel.max_ast_depth must be positive"))
	}
	if c.Evaluation.Concurrency <= 0 {
		errs = append(errs, errors.New("evaluation.concurrency must be positive"))
	}
	if c.Evaluation.RatePerSecond < 0 {
		errs = append(errs, errors.New("evaluation.rate_per_second must not be negative"))
	}
	switch c.Store.Driver {
	case DriverMemory, DriverSQLite, DriverPostgres:
	case DriverRedis:
		if c.Store.RedisAddr == "" {
			errs = append(errs, errors.New("store.redis_addr is required for the redis driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q: want memory, sqlite, postgres or redis", c.Store.Driver))
	}
	switch c.Artifacts.Backend {
	case "", artifacts.BackendFS, artifacts.BackendS3, artifacts.BackendGCS:
	default:
		errs = append(errs, fmt.Errorf("artifacts.backend %q: want fs, s3 or gcs", c.Artifacts.Backend))
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, errors.New("telemetry.sample_rate must be within [0, 1]"))
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	return errors.Join(errs...)
}
