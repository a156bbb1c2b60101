package integration

import (
	"context"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isdmx/openeo-udf/app"
	"github.com/isdmx/openeo-udf/client"
	"github.com/isdmx/openeo-udf/config"
	"github.com/isdmx/openeo-udf/datacube"
	"github.com/isdmx/openeo-udf/httpapi"
	"github.com/isdmx/openeo-udf/logger"
	"github.com/isdmx/openeo-udf/mcpserver"
	"github.com/isdmx/openeo-udf/metrics"
	"github.com/isdmx/openeo-udf/udf"
	"github.com/isdmx/openeo-udf/worker"
)

// TestMain lets the process backend start the test binary as its worker
func TestMain(m *testing.M) {
	if worker.IsWorker() {
		worker.Main()
	}
	os.Exit(m.Run())
}

func testConfig(backend string) *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Transport:          "http",
			HTTPPort:           8080,
			ShutdownTimeoutSec: 10,
		},
		Sandbox: config.SandboxConfig{
			Backend:                backend,
			TimeoutSec:             10,
			MemoryMB:               256,
			EnableInProcessBackend: backend == "inprocess",
		},
		Dispatch: config.DispatchConfig{
			PoolSize:  2,
			QueueSize: 8,
		},
		S3: config.S3Config{Region: "us-east-1"},
		Logging: config.LoggingConfig{
			Mode:  "development",
			Level: "info",
		},
	}
}

func timeCube(t *testing.T) *datacube.DataCube {
	t.Helper()
	c, err := datacube.New([]float64{1, 2, 3, 4, 5, 6}, []datacube.Dimension{
		{Name: "time", Labels: []string{"2024-01-01", "2024-01-02", "2024-01-03"}},
		{Name: "x", Labels: []string{"0", "1"}},
	})
	require.NoError(t, err)
	return c
}

// stack builds the service the way run_udf_server does and serves it over REST
type stack struct {
	client *client.Client
	mcp    *mcpserver.MCPServer
}

func newStack(t *testing.T, cfg *config.Config) *stack {
	t.Helper()
	log, err := logger.New(cfg.Logging.Mode, cfg.Logging.Level)
	require.NoError(t, err)

	reg, err := app.NewRegistry(cfg, log)
	require.NoError(t, err)
	executor, err := app.NewExecutor(cfg, log)
	require.NoError(t, err)
	c, err := app.NewCache(cfg, log)
	require.NoError(t, err)
	m := metrics.New()
	d, err := app.NewDispatcher(cfg, log, executor, reg, app.NewCubeStore(cfg, log), c, m)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.GetShutdownTimeout())
		defer cancel()
		assert.NoError(t, d.Close(ctx))
	})

	api := httpapi.New(log, httpapi.Options{}, d, reg, m)
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	mcp, err := mcpserver.New(cfg, log, d, reg)
	require.NoError(t, err)

	return &stack{
		client: client.New(log, srv.URL, client.WithRetries(10, 10*time.Millisecond)),
		mcp:    mcp,
	}
}

func TestEndToEnd(t *testing.T) {
	for _, backend := range []string{"process", "inprocess"} {
		t.Run(backend, func(t *testing.T) {
			s := newStack(t, testConfig(backend))
			ctx := context.Background()

			t.Run("MeanOverTime", func(t *testing.T) {
				res, err := s.client.Run(ctx, &udf.Request{
					Code: udf.Code{Language: udf.LanguageStarlark, Source: `
def apply_datacube(cubes, context):
    return cubes[0].reduce("time", "mean")
`},
					Cubes: []*datacube.DataCube{timeCube(t)},
				})
				require.NoError(t, err)
				require.True(t, res.OK(), "unexpected error: %+v", res.Error)
				assert.Equal(t, []float64{3, 4}, res.Cubes[0].Values())
				assert.NotEmpty(t, res.RequestID)
			})

			t.Run("RegisteredFunction", func(t *testing.T) {
				res, err := s.client.Run(ctx, &udf.Request{
					Code:    udf.Code{Function: "reduce_dimension"},
					Cubes:   []*datacube.DataCube{timeCube(t)},
					Context: map[string]any{"reducer": "max"},
				})
				require.NoError(t, err)
				require.True(t, res.OK(), "unexpected error: %+v", res.Error)
				assert.Equal(t, []float64{5, 6}, res.Cubes[0].Values())
			})

			t.Run("FailuresAreIsolated", func(t *testing.T) {
				failing := &udf.Request{
					Code:  udf.Code{Language: udf.LanguageStarlark, Source: "def apply_datacube(cubes, context):\n    return 1 // 0\n"},
					Cubes: []*datacube.DataCube{timeCube(t)},
				}
				healthy := &udf.Request{
					Code:  udf.Code{Language: udf.LanguageCEL, Source: "x + 1.0"},
					Cubes: []*datacube.DataCube{timeCube(t)},
				}

				var wg sync.WaitGroup
				results := make([]*udf.Result, 6)
				for i := range results {
					wg.Add(1)
					go func(i int) {
						defer wg.Done()
						req := healthy
						if i%2 == 0 {
							req = failing
						}
						res, err := s.client.Run(ctx, req)
						assert.NoError(t, err)
						results[i] = res
					}(i)
				}
				wg.Wait()

				for i, res := range results {
					require.NotNil(t, res)
					if i%2 == 0 {
						require.NotNil(t, res.Error)
						assert.Equal(t, udf.KindUserCode, res.Error.Kind)
						continue
					}
					require.True(t, res.OK(), "unexpected error: %+v", res.Error)
					assert.Equal(t, 7.0, res.Cubes[0].Values()[5])
				}
			})

			t.Run("Timeout", func(t *testing.T) {
				res, err := s.client.Run(ctx, &udf.Request{
					Code:   udf.Code{Language: udf.LanguageStarlark, Source: "def apply_datacube(cubes, context):\n    while True:\n        pass\n"},
					Cubes:  []*datacube.DataCube{timeCube(t)},
					Budget: &udf.Budget{TimeoutMS: 200},
				})
				require.NoError(t, err)
				require.NotNil(t, res.Error)
				assert.Equal(t, udf.KindTimeout, res.Error.Kind)
			})

			t.Run("InvalidRequest", func(t *testing.T) {
				res, err := s.client.Run(ctx, &udf.Request{Code: udf.Code{Language: "python", Source: "x"}, Cubes: []*datacube.DataCube{timeCube(t)}})
				require.NoError(t, err)
				require.NotNil(t, res.Error)
				assert.Equal(t, udf.KindInvalidRequest, res.Error.Kind)
			})

			t.Run("Info", func(t *testing.T) {
				fns, err := s.client.Functions(ctx)
				require.NoError(t, err)
				assert.Len(t, fns, 4)

				health, err := s.client.Health(ctx)
				require.NoError(t, err)
				assert.Equal(t, 2, health.Pool.PoolSize)
			})
		})
	}
}

func TestConfigLoggerSandboxFactory(t *testing.T) {
	cfg := testConfig("docker")
	cfg.Sandbox.Backend = "inprocess" // not enabled

	log, err := logger.New(cfg.Logging.Mode, cfg.Logging.Level)
	require.NoError(t, err)

	_, err = app.NewExecutor(cfg, log)
	require.Error(t, err)
}
