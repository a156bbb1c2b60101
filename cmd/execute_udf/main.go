package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/isdmx/openeo-udf/app"
	"github.com/isdmx/openeo-udf/client"
	"github.com/isdmx/openeo-udf/config"
	"github.com/isdmx/openeo-udf/cubestore"
	"github.com/isdmx/openeo-udf/logger"
	"github.com/isdmx/openeo-udf/metrics"
	"github.com/isdmx/openeo-udf/udf"
	"github.com/isdmx/openeo-udf/worker"
)

// Exit codes
const (
	exitOK          = 0
	exitErrorResult = 1
	exitUsage       = 2
)

var errUsage = errors.New("usage error")

type options struct {
	requestFile string
	codeFile    string
	language    string
	function    string
	entrypoint  string
	cubes       []string
	params      []string
	output      string
	timeout     time.Duration
	memoryMB    int
	server      string
}

func main() {
	// The process backend starts this binary again as its worker
	if worker.IsWorker() {
		worker.Main()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	v := viper.New()
	opts, err := parseFlags(args, v, stderr)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return exitOK
		}
		fmt.Fprintf(stderr, "execute_udf: %v\n", err)
		return exitUsage
	}

	cfg, err := config.Load(v)
	if err != nil {
		fmt.Fprintf(stderr, "execute_udf: %v\n", err)
		return exitUsage
	}
	log, err := logger.New(cfg.Logging.Mode, cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(stderr, "execute_udf: %v\n", err)
		return exitUsage
	}
	defer func() { _ = log.Sync() }()

	req, err := buildRequest(ctx, log, cfg, opts)
	if err != nil {
		fmt.Fprintf(stderr, "execute_udf: %v\n", err)
		return exitUsage
	}

	var res *udf.Result
	if opts.server != "" {
		res, err = client.New(log, opts.server).Run(ctx, req)
	} else {
		res, err = execute(ctx, log, cfg, req)
	}
	if err != nil {
		fmt.Fprintf(stderr, "execute_udf: %v\n", err)
		return exitUsage
	}

	if err := writeResult(opts.output, stdout, res); err != nil {
		fmt.Fprintf(stderr, "execute_udf: %v\n", err)
		return exitUsage
	}
	if !res.OK() {
		fmt.Fprintf(stderr, "execute_udf: %s\n", res.Error)
		return exitErrorResult
	}
	return exitOK
}

func parseFlags(args []string, v *viper.Viper, stderr io.Writer) (*options, error) {
	opts := &options{}
	flags := pflag.NewFlagSet("execute_udf", pflag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.StringVar(&opts.requestFile, "request", "", "request file (.json, .yaml or .yml)")
	flags.StringVar(&opts.codeFile, "code", "", "UDF source file (.star or .cel)")
	flags.StringVar(&opts.language, "language", "", "language of --code when the extension does not tell")
	flags.StringVar(&opts.function, "function", "", "name of a registered function")
	flags.StringVar(&opts.entrypoint, "entrypoint", "", "Starlark function to call")
	flags.StringArrayVar(&opts.cubes, "cube", nil, "input cube (.json, .yaml or s3://bucket/key), repeatable")
	flags.StringArrayVar(&opts.params, "param", nil, "context parameter key=value, repeatable")
	flags.StringVarP(&opts.output, "output", "o", "", "result file, stdout if empty")
	flags.DurationVar(&opts.timeout, "timeout", 0, "time budget")
	flags.IntVar(&opts.memoryMB, "memory-mb", 0, "memory budget in MiB")
	flags.StringVar(&opts.server, "server", "", "URL of a running server to send the request to")
	flags.String("config", "", "path to the configuration file")
	flags.String("backend", "", "sandbox backend: process, docker or podman")

	if err := flags.Parse(args); err != nil {
		return nil, err
	}
	if flags.NArg() > 0 {
		return nil, fmt.Errorf("%w: unexpected arguments %v", errUsage, flags.Args())
	}

	_ = v.BindPFlag("config", flags.Lookup("config"))
	if flags.Changed("backend") {
		_ = v.BindPFlag("sandbox.backend", flags.Lookup("backend"))
	}

	sources := 0
	for _, s := range []string{opts.requestFile, opts.codeFile, opts.function} {
		if s != "" {
			sources++
		}
	}
	if sources != 1 {
		return nil, fmt.Errorf("%w: exactly one of --request, --code or --function is required", errUsage)
	}
	return opts, nil
}

// buildRequest reads or assembles the request and loads its cubes
func buildRequest(ctx context.Context, log *zap.Logger, cfg *config.Config, opts *options) (*udf.Request, error) {
	req := &udf.Request{}
	switch {
	case opts.requestFile != "":
		if err := readRequest(opts.requestFile, req); err != nil {
			return nil, err
		}
	case opts.codeFile != "":
		src, err := os.ReadFile(opts.codeFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read code: %w", err)
		}
		lang, err := codeLanguage(opts.codeFile, opts.language)
		if err != nil {
			return nil, err
		}
		req.Code = udf.Code{Language: lang, Source: string(src)}
	default:
		req.Code = udf.Code{Function: opts.function, Language: udf.Language(opts.language)}
	}
	if opts.entrypoint != "" {
		req.Code.Entrypoint = opts.entrypoint
	}

	for _, p := range opts.params {
		key, value, err := parseParam(p)
		if err != nil {
			return nil, err
		}
		if req.Context == nil {
			req.Context = make(map[string]any)
		}
		req.Context[key] = value
	}

	if opts.timeout > 0 || opts.memoryMB > 0 {
		if req.Budget == nil {
			req.Budget = &udf.Budget{}
		}
		if opts.timeout > 0 {
			req.Budget.TimeoutMS = opts.timeout.Milliseconds()
		}
		if opts.memoryMB > 0 {
			req.Budget.MemoryMB = opts.memoryMB
		}
	}

	// Cube references are resolved here so that a server never reads the
	// caller's files
	refs := append(append([]string(nil), req.CubeRefs...), opts.cubes...)
	if len(refs) > 0 {
		store := cubestore.New(log, cubestore.WithAnyFile(), cubestore.WithS3(cubestore.NewS3Client(cubestore.S3Config{
			Endpoint:  cfg.S3.Endpoint,
			Region:    cfg.S3.Region,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
		})))
		cubes, err := store.LoadAll(ctx, refs)
		if err != nil {
			return nil, err
		}
		req.Cubes = append(req.Cubes, cubes...)
		req.CubeRefs = nil
	}

	return req, nil
}

func readRequest(path string, req *udf.Request) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read request: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, req)
	default:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		err = dec.Decode(req)
	}
	if err != nil {
		return fmt.Errorf("failed to decode request %s: %w", path, err)
	}
	return nil
}

func codeLanguage(path, override string) (udf.Language, error) {
	if override != "" {
		return udf.Language(override), nil
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".star", ".starlark", ".py":
		return udf.LanguageStarlark, nil
	case ".cel":
		return udf.LanguageCEL, nil
	default:
		return "", fmt.Errorf("%w: cannot tell the language of %s, use --language", errUsage, path)
	}
}

// parseParam splits key=value; the value is typed as a YAML scalar
func parseParam(p string) (string, any, error) {
	key, raw, ok := strings.Cut(p, "=")
	if !ok || key == "" {
		return "", nil, fmt.Errorf("%w: --param %q is not key=value", errUsage, p)
	}

	var node yaml.Node
	if err := yaml.Unmarshal([]byte(raw), &node); err != nil || len(node.Content) == 0 {
		return key, raw, nil
	}
	scalar := node.Content[0]
	if scalar.Kind != yaml.ScalarNode {
		return "", nil, fmt.Errorf("%w: --param %s must be a number, bool or string", errUsage, key)
	}
	var value any
	if err := scalar.Decode(&value); err != nil {
		return key, raw, nil
	}
	return key, value, nil
}

// execute runs req locally through a dispatcher configured like the server's
func execute(ctx context.Context, log *zap.Logger, cfg *config.Config, req *udf.Request) (*udf.Result, error) {
	reg, err := app.NewRegistry(cfg, log)
	if err != nil {
		return nil, err
	}
	executor, err := app.NewExecutor(cfg, log)
	if err != nil {
		return nil, err
	}
	c, err := app.NewCache(cfg, log)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	d, err := app.NewDispatcher(cfg, log, executor, reg, app.NewCubeStore(cfg, log), c, metrics.New())
	if err != nil {
		return nil, err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.GetShutdownTimeout())
		defer cancel()
		_ = d.Close(closeCtx)
	}()

	return d.Submit(ctx, req), nil
}

func writeResult(path string, stdout io.Writer, res *udf.Result) error {
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	data = append(data, '\n')

	if path == "" {
		_, err = stdout.Write(data)
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
