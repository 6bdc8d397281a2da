package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/Mindburn-Labs/helm/rulekernel/pkg/artifacts"
	"github.com/Mindburn-Labs/helm/rulekernel/pkg/config"
	"github.com/Mindburn-Labs/helm/rulekernel/pkg/kernelvm"
	"github.com/Mindburn-Labs/helm/rulekernel/pkg/kernelvm/handlers"
	"github.com/Mindburn-Labs/helm/rulekernel/pkg/logging"
	"github.com/Mindburn-Labs/helm/rulekernel/pkg/observability"
	"github.com/Mindburn-Labs/helm/rulekernel/pkg/registry"
	"github.com/Mindburn-Labs/helm/rulekernel/pkg/store"
)

// app holds the flags and lazily opened dependencies shared by commands.
type app struct {
	stdout, stderr io.Writer

	configPath string
	verbose    bool
	jsonOut    bool
	tenant     string

	cfg       *config.Config
	log       *zap.Logger
	telemetry *observability.Provider
	handlers  *kernelvm.Registry

	locks   store.LockStore
	index   store.PackIndex
	blobs   artifacts.Store
	closers []func() error

	exit int
}

func (a *app) setup(ctx context.Context) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.tenant != "" {
		cfg.TenantID = a.tenant
	}
	level := cfg.Log.Level
	if a.verbose {
		level = "debug"
	}
	log, err := logging.New(level, cfg.Log.Development, a.stderr)
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	tel, err := observability.New(ctx, &cfg.Telemetry, log)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	a.cfg, a.log, a.telemetry = cfg, log, tel
	a.handlers = handlers.NewDefaultRegistry()
	a.closers = append(a.closers, func() error {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return tel.Shutdown(sctx)
	})
	return nil
}

// close releases everything opened during the run in reverse order.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && a.log != nil {
			a.log.Warn("close failed", zap.Error(err))
		}
	}
	a.closers = nil
	if a.log != nil {
		_ = a.log.Sync()
	}
}

func (a *app) validateOptions() []kernelvm.ValidateOption {
	return []kernelvm.ValidateOption{kernelvm.WithMaxDepth(a.cfg.Kernel.MaxASTDepth)}
}

// openStores connects the lock store and pack index selected by the
// store driver. It is a no-op after the first call.
func (a *app) openStores(ctx context.Context) error {
	if a.locks != nil {
		return nil
	}
	sc := a.cfg.Store
	switch sc.Driver {
	case config.DriverMemory:
		m := store.NewMemoryStore()
		a.locks, a.index = m, m
		return nil
	case config.DriverSQLite, config.DriverPostgres:
		s, err := a.openSQL(ctx, sc.Driver, sc.DSN)
		if err != nil {
			return err
		}
		a.locks, a.index = s, s
		return nil
	case config.DriverRedis:
		rs := store.NewRedisLockStoreAddr(sc.RedisAddr, sc.RedisPassword, sc.RedisDB)
		a.closers = append(a.closers, rs.Close)
		if err := rs.Ping(ctx); err != nil {
			return fmt.Errorf("redis %s: %w", sc.RedisAddr, err)
		}
		s, err := a.openSQL(ctx, config.DriverSQLite, sc.DSN)
		if err != nil {
			return err
		}
		a.locks, a.index = rs, s
		return nil
	default:
		return fmt.Errorf("unsupported store driver %q", sc.Driver)
	}
}

func (a *app) openSQL(ctx context.Context, driver, dsn string) (*store.SQLStore, error) {
	if driver == config.DriverSQLite && dsn != "" && dsn != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}
	s, err := store.OpenSQL(ctx, driver, dsn)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, s.Close)
	a.log.Debug("store opened", zap.String("driver", driver))
	return s, nil
}

func (a *app) openBlobs(ctx context.Context) (artifacts.Store, error) {
	if a.blobs != nil {
		return a.blobs, nil
	}
	b, err := artifacts.Open(ctx, a.cfg.Artifacts)
	if err != nil {
		return nil, err
	}
	if c, ok := b.(io.Closer); ok {
		a.closers = append(a.closers, c.Close)
	}
	a.blobs = b
	return b, nil
}

func (a *app) publisher(ctx context.Context) (*registry.Publisher, error) {
	if err := a.openStores(ctx); err != nil {
		return nil, err
	}
	blobs, err := a.openBlobs(ctx)
	if err != nil {
		return nil, err
	}
	return registry.NewPublisher(a.index, blobs,
		registry.WithRegistry(a.handlers),
		registry.WithValidateOptions(a.validateOptions()...),
		registry.WithLogger(a.log)), nil
}

// printJSON writes v indented to stdout.
func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (a *app) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(a.stdout, format, args...)
}

// readJSON decodes the JSON file at path into v.
func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}
