// Package app wires the configured components of the UDF service.
//
// Every constructor takes the loaded configuration and is usable both as an
// fx provider (see Module) and directly, as execute_udf does.
package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/isdmx/openeo-udf/cache"
	"github.com/isdmx/openeo-udf/config"
	"github.com/isdmx/openeo-udf/cubestore"
	"github.com/isdmx/openeo-udf/dispatch"
	"github.com/isdmx/openeo-udf/metrics"
	"github.com/isdmx/openeo-udf/registry"
	"github.com/isdmx/openeo-udf/sandbox"
)

// Module provides the dispatcher and everything it depends on, and closes
// the dispatcher and the cache on stop
var Module = fx.Module("udf",
	fx.Provide(
		NewRegistry,
		NewExecutor,
		NewCubeStore,
		NewCache,
		metrics.New,
		NewDispatcher,
	),
	fx.Invoke(registerShutdown),
)

// NewRegistry loads the built-in functions and those in udf.functions_dir
func NewRegistry(cfg *config.Config, logger *zap.Logger) (*registry.Registry, error) {
	return registry.New(logger, cfg.UDF.FunctionsDir, cfg.UDF.DefaultEntrypoint)
}

// NewExecutor creates the configured sandbox backend
func NewExecutor(cfg *config.Config, logger *zap.Logger) (sandbox.Executor, error) {
	logger.Info("configuration loaded",
		zap.String("server.transport", cfg.Server.Transport),
		zap.Int("server.http_port", cfg.Server.HTTPPort),
		zap.String("sandbox.backend", cfg.Sandbox.Backend),
		zap.Int("sandbox.timeout_sec", cfg.Sandbox.TimeoutSec),
		zap.Int("sandbox.memory_mb", cfg.Sandbox.MemoryMB),
		zap.Int("dispatch.pool_size", cfg.Dispatch.PoolSize),
		zap.Int("dispatch.queue_size", cfg.Dispatch.QueueSize),
		zap.Bool("cache.enabled", cfg.Cache.Enabled),
	)
	return sandbox.NewExecutor(logger, cfg.GetSandboxConfig())
}

// NewCubeStore creates the loader of cube references. s3:// references are
// always enabled; local files only below cubes.base_dir.
func NewCubeStore(cfg *config.Config, logger *zap.Logger) *cubestore.Store {
	opts := []cubestore.Option{
		cubestore.WithS3(cubestore.NewS3Client(cubestore.S3Config{
			Endpoint:  cfg.S3.Endpoint,
			Region:    cfg.S3.Region,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
		})),
	}
	if cfg.Cubes.BaseDir != "" {
		opts = append(opts, cubestore.WithBaseDir(cfg.Cubes.BaseDir))
	}
	return cubestore.New(logger, opts...)
}

// NewCache creates the result cache, cache.Noop when disabled
func NewCache(cfg *config.Config, logger *zap.Logger) (cache.Cache, error) {
	if !cfg.Cache.Enabled {
		return cache.Noop{}, nil
	}

	ttl := time.Duration(cfg.Cache.TTLSec) * time.Second
	switch cfg.Cache.Backend {
	case "redis":
		r := cache.NewRedis(cache.RedisOptions{
			Address:  cfg.Cache.RedisAddress,
			Password: cfg.Cache.RedisPassword,
			DB:       cfg.Cache.RedisDB,
			TTL:      ttl,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.Ping(ctx); err != nil {
			// The cache is optional; lookups fail open.
			logger.Warn("redis cache is not reachable", zap.String("address", cfg.Cache.RedisAddress), zap.Error(err))
		}
		return r, nil
	case "memory":
		return cache.NewMemory(ttl, cfg.Cache.MaxEntries), nil
	default:
		return nil, fmt.Errorf("invalid cache.backend: %s", cfg.Cache.Backend)
	}
}

// NewDispatcher creates the dispatcher
func NewDispatcher(
	cfg *config.Config,
	logger *zap.Logger,
	executor sandbox.Executor,
	reg *registry.Registry,
	store *cubestore.Store,
	c cache.Cache,
	m *metrics.Metrics,
) (*dispatch.Dispatcher, error) {
	return dispatch.New(logger, cfg.GetDispatchConfig(), executor, reg,
		dispatch.WithCubeLoader(store),
		dispatch.WithCache(c),
		dispatch.WithMetrics(m),
	)
}

func registerShutdown(lc fx.Lifecycle, cfg *config.Config, d *dispatch.Dispatcher, c cache.Cache) {
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, cfg.GetShutdownTimeout())
			defer cancel()
			err := d.Close(ctx)
			if cerr := c.Close(); err == nil {
				err = cerr
			}
			return err
		},
	})
}
