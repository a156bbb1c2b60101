package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/isdmx/openeo-udf/app"
	"github.com/isdmx/openeo-udf/config"
	"github.com/isdmx/openeo-udf/dispatch"
	"github.com/isdmx/openeo-udf/httpapi"
	"github.com/isdmx/openeo-udf/logger"
	"github.com/isdmx/openeo-udf/mcpserver"
	"github.com/isdmx/openeo-udf/metrics"
	"github.com/isdmx/openeo-udf/registry"
	"github.com/isdmx/openeo-udf/worker"
)

func main() {
	// The process backend starts this binary again as its worker
	if worker.IsWorker() {
		worker.Main()
	}

	flags := pflag.NewFlagSet("run_udf_server", pflag.ExitOnError)
	flags.String("config", "", "path to the configuration file")
	flags.String("transport", "", "transport: http, mcp-stdio or mcp-http")
	flags.Int("port", 0, "HTTP port")
	_ = flags.Parse(os.Args[1:])

	_ = viper.BindPFlag("config", flags.Lookup("config"))
	if flags.Changed("transport") {
		_ = viper.BindPFlag("server.transport", flags.Lookup("transport"))
	}
	if flags.Changed("port") {
		_ = viper.BindPFlag("server.http_port", flags.Lookup("port"))
	}

	fxApp := fx.New(
		// Provide dependencies
		fx.Provide(
			// Config
			config.New,

			// Logger with configuration
			logger.NewFromConfig,

			// Transports
			newHTTPServer,
			newMCPServer,
		),

		// Registry, sandbox executor, cube store, cache, metrics and dispatcher
		app.Module,

		// Start the appropriate transport based on config
		fx.Invoke(startTransport),

		fx.StopTimeout(2*time.Minute),

		// Use the application logger for fx logs
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)

	// Start the application
	fxApp.Run()
}

func newHTTPServer(cfg *config.Config, log *zap.Logger, d *dispatch.Dispatcher, reg *registry.Registry, m *metrics.Metrics) *httpapi.Server {
	return httpapi.New(log, httpapi.Options{
		Address:        fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		RateLimitRPS:   cfg.Server.RateLimitRPS,
		RateLimitBurst: cfg.Server.RateLimitBurst,
	}, d, reg, m)
}

func newMCPServer(cfg *config.Config, log *zap.Logger, d *dispatch.Dispatcher, reg *registry.Registry) (*mcpserver.MCPServer, error) {
	return mcpserver.New(cfg, log, d, reg)
}

func startTransport(
	lc fx.Lifecycle,
	shutdowner fx.Shutdowner,
	cfg *config.Config,
	log *zap.Logger,
	httpServer *httpapi.Server,
	mcpServer *mcpserver.MCPServer,
) error {
	switch cfg.Server.Transport {
	case config.TransportHTTP:
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				return httpServer.Start()
			},
			OnStop: httpServer.Shutdown,
		})
	case config.TransportMCPStdio:
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				go func() {
					if err := mcpServer.ServeStdio(); err != nil {
						log.Error("MCP stdio server failed", zap.Error(err))
					}
					// stdin closed: the client is gone
					_ = shutdowner.Shutdown()
				}()
				return nil
			},
		})
	case config.TransportMCPHTTP:
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				go func() {
					if err := mcpServer.ServeHTTP(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						log.Error("MCP HTTP server failed", zap.Error(err))
						_ = shutdowner.Shutdown(fx.ExitCode(1))
					}
				}()
				return nil
			},
			OnStop: mcpServer.Shutdown,
		})
	default:
		return fmt.Errorf("unsupported transport: %s", cfg.Server.Transport)
	}
	return nil
}
