package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/isdmx/openeo-udf/cache"
	"github.com/isdmx/openeo-udf/datacube"
	"github.com/isdmx/openeo-udf/metrics"
	"github.com/isdmx/openeo-udf/sandbox"
	"github.com/isdmx/openeo-udf/udf"
)

// Config sizes the pool and sets the server budget
type Config struct {
	// PoolSize is the number of concurrent executions, the number of CPUs if zero.
	PoolSize int
	// QueueSize is the number of requests that may wait for a slot.
	QueueSize int
	// Timeout and MemoryMB are the limits a request budget may only lower.
	Timeout  time.Duration
	MemoryMB int
}

// Resolver turns function references into inline source
type Resolver interface {
	Resolve(req *udf.Request) (*udf.Request, error)
}

// CubeLoader loads cube references
type CubeLoader interface {
	LoadAll(ctx context.Context, refs []string) ([]*datacube.DataCube, error)
}

// Stats is a snapshot of the pool
type Stats struct {
	PoolSize  int `json:"pool_size"`
	QueueSize int `json:"queue_size"`
	Running   int `json:"running"`
	Queued    int `json:"queued"`
}

// Dispatcher admits requests and executes them through a sandbox.Executor
type Dispatcher struct {
	logger   *zap.Logger
	cfg      Config
	executor sandbox.Executor
	resolver Resolver
	loader   CubeLoader
	cache    cache.Cache
	metrics  *metrics.Metrics

	pool  *ants.Pool
	slots chan struct{}

	mu       sync.RWMutex
	closed   bool
	closing  chan struct{}
	admitted atomic.Int64
	running  atomic.Int64
	queued   atomic.Int64
	wg       sync.WaitGroup
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithCubeLoader enables cube references
func WithCubeLoader(loader CubeLoader) Option {
	return func(d *Dispatcher) {
		d.loader = loader
	}
}

// WithCache enables the result cache
func WithCache(c cache.Cache) Option {
	return func(d *Dispatcher) {
		d.cache = c
	}
}

// WithMetrics records pool and result metrics
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// New creates a Dispatcher and its pool
func New(logger *zap.Logger, cfg Config, executor sandbox.Executor, resolver Resolver, opts ...Option) (*Dispatcher, error) {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = runtime.NumCPU()
	}
	if cfg.QueueSize < 0 {
		return nil, fmt.Errorf("queue size must not be negative, got %d", cfg.QueueSize)
	}

	d := &Dispatcher{
		logger:   logger,
		cfg:      cfg,
		executor: executor,
		resolver: resolver,
		cache:    cache.Noop{},
		slots:    make(chan struct{}, cfg.PoolSize),
		closing:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}

	// Admission and queueing happen on slots; the pool only ever sees
	// PoolSize tasks at once.
	pool, err := ants.NewPool(cfg.PoolSize, ants.WithPanicHandler(func(v interface{}) {
		logger.Error("dispatch task panicked", zap.Any("panic", v))
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}
	d.pool = pool

	logger.Info("dispatcher started", zap.Int("pool_size", cfg.PoolSize), zap.Int("queue_size", cfg.QueueSize))
	return d, nil
}

// Submit runs req and returns its result. It blocks while the request waits
// in the queue and while it executes; it never returns a nil result.
func (d *Dispatcher) Submit(ctx context.Context, req *udf.Request) *udf.Result {
	start := time.Now()

	r := *req
	if r.ID == "" {
		r.ID = uuid.NewString()
	}

	res, lang := d.submit(ctx, &r)
	res.RequestID = r.ID
	res.DurationMS = time.Since(start).Milliseconds()
	d.observe(r.ID, lang, res, time.Since(start))
	return res
}

// submit returns the result and the language the request resolved to
func (d *Dispatcher) submit(ctx context.Context, req *udf.Request) (*udf.Result, udf.Language) {
	if len(req.CubeRefs) > 0 {
		if err := d.loadRefs(ctx, req); err != nil {
			return udf.Failure(err), req.Code.Language
		}
	}

	if err := req.Validate(); err != nil {
		return udf.Failure(err), req.Code.Language
	}
	resolved, err := d.resolver.Resolve(req)
	if err != nil {
		return udf.Failure(err), req.Code.Language
	}
	lang := resolved.Code.Language

	key := d.cacheKey(resolved)
	if key != "" {
		if res, ok := d.cached(ctx, key); ok {
			return res, lang
		}
	}

	execReq := sandbox.ExecuteRequest{
		Request:  resolved,
		Timeout:  d.clampTimeout(resolved.Budget),
		MemoryMB: d.clampMemory(resolved.Budget),
	}

	res := d.run(ctx, execReq)
	if key != "" && res.OK() {
		if err := d.cache.Set(ctx, key, res); err != nil {
			d.logger.Warn("failed to store result in cache", zap.String("request_id", req.ID), zap.Error(err))
		}
	}
	return res, lang
}

func (d *Dispatcher) loadRefs(ctx context.Context, req *udf.Request) error {
	if d.loader == nil {
		return udf.InvalidRequestf("cube references are not supported by this server")
	}
	cubes, err := d.loader.LoadAll(ctx, req.CubeRefs)
	if err != nil {
		if errors.Is(err, datacube.ErrShapeMismatch) || errors.Is(err, datacube.ErrInvalidCoordinate) {
			return err
		}
		return udf.InvalidRequestf("failed to load cube references: %v", err)
	}
	req.Cubes = append(append([]*datacube.DataCube(nil), req.Cubes...), cubes...)
	req.CubeRefs = nil
	return nil
}

// run admits the request, waits for a free slot and executes it on the pool
func (d *Dispatcher) run(ctx context.Context, execReq sandbox.ExecuteRequest) *udf.Result {
	if res := d.admit(); res != nil {
		return res
	}
	defer d.wg.Done()
	defer d.admitted.Add(-1)

	d.setQueued(1)
	res := d.acquire(ctx)
	d.setQueued(-1)
	if res != nil {
		return res
	}

	done := make(chan *udf.Result, 1)
	err := d.pool.Submit(func() {
		defer func() { <-d.slots }()
		d.setRunning(1)
		defer d.setRunning(-1)
		defer func() {
			if r := recover(); r != nil {
				done <- &udf.Result{Error: udf.NewError(udf.KindInternal, "executor panic: %v", r)}
			}
		}()

		if err := ctx.Err(); err != nil {
			done <- udf.Failure(err)
			return
		}
		done <- d.executor.Execute(ctx, execReq)
	})
	if err != nil {
		<-d.slots
		return d.rejected(err)
	}

	return <-done
}

// admit counts the request against PoolSize+QueueSize
func (d *Dispatcher) admit() *udf.Result {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return shuttingDown()
	}
	if d.admitted.Add(1) > int64(d.cfg.PoolSize+d.cfg.QueueSize) {
		d.admitted.Add(-1)
		return &udf.Result{Error: udf.NewError(udf.KindCapacityExceeded,
			"all %d workers are busy and %d requests are queued", d.cfg.PoolSize, d.cfg.QueueSize)}
	}
	d.wg.Add(1)
	return nil
}

// acquire waits for an execution slot. Requests still waiting when the
// dispatcher closes are rejected.
func (d *Dispatcher) acquire(ctx context.Context) *udf.Result {
	select {
	case d.slots <- struct{}{}:
	case <-d.closing:
		return shuttingDown()
	case <-ctx.Done():
		return udf.Failure(ctx.Err())
	}

	select {
	case <-d.closing:
		<-d.slots
		return shuttingDown()
	default:
		return nil
	}
}

func shuttingDown() *udf.Result {
	return &udf.Result{Error: udf.NewError(udf.KindCapacityExceeded, "dispatcher is shutting down")}
}

func (d *Dispatcher) rejected(err error) *udf.Result {
	if errors.Is(err, ants.ErrPoolClosed) {
		return shuttingDown()
	}
	return &udf.Result{Error: udf.NewError(udf.KindInternal, "failed to schedule request: %v", err)}
}

func (d *Dispatcher) cacheKey(req *udf.Request) string {
	if _, isNoop := d.cache.(cache.Noop); isNoop {
		return ""
	}
	key, err := req.Hash()
	if err != nil {
		d.logger.Warn("failed to hash request", zap.String("request_id", req.ID), zap.Error(err))
		return ""
	}
	return key
}

func (d *Dispatcher) cached(ctx context.Context, key string) (*udf.Result, bool) {
	res, ok, err := d.cache.Get(ctx, key)
	if err != nil {
		d.logger.Warn("result cache lookup failed", zap.Error(err))
		return nil, false
	}
	if !ok || res == nil || res.Validate() != nil || !res.OK() {
		return nil, false
	}
	if d.metrics != nil {
		d.metrics.CacheHit.Inc()
	}
	hit := *res
	return &hit, true
}

func (d *Dispatcher) clampTimeout(b *udf.Budget) time.Duration {
	if t := b.Timeout(); t > 0 && (d.cfg.Timeout <= 0 || t < d.cfg.Timeout) {
		return t
	}
	return d.cfg.Timeout
}

func (d *Dispatcher) clampMemory(b *udf.Budget) int {
	if b != nil && b.MemoryMB > 0 && (d.cfg.MemoryMB <= 0 || b.MemoryMB < d.cfg.MemoryMB) {
		return b.MemoryMB
	}
	return d.cfg.MemoryMB
}

func (d *Dispatcher) setQueued(delta int64) {
	n := d.queued.Add(delta)
	if d.metrics != nil {
		d.metrics.Queued.Set(float64(n))
	}
}

func (d *Dispatcher) setRunning(delta int64) {
	n := d.running.Add(delta)
	if d.metrics != nil {
		d.metrics.InFlight.Set(float64(n))
	}
}

func (d *Dispatcher) observe(id string, lang udf.Language, res *udf.Result, elapsed time.Duration) {
	outcome := "ok"
	if res.Error != nil {
		outcome = string(res.Error.Kind)
	}
	if d.metrics != nil {
		d.metrics.ObserveResult(outcome)
		if lang != "" {
			d.metrics.ObserveDuration(string(lang), elapsed)
		}
	}

	fields := []zap.Field{
		zap.String("request_id", id),
		zap.String("outcome", outcome),
		zap.Duration("duration", elapsed),
	}
	if res.Error != nil && res.Error.Kind == udf.KindInternal {
		d.logger.Error("udf request failed", append(fields, zap.String("message", res.Error.Message))...)
		return
	}
	d.logger.Info("udf request finished", fields...)
}

// Stats returns a snapshot of the pool
func (d *Dispatcher) Stats() Stats {
	return Stats{
		PoolSize:  d.cfg.PoolSize,
		QueueSize: d.cfg.QueueSize,
		Running:   int(d.running.Load()),
		Queued:    int(d.queued.Load()),
	}
}

// Close stops admitting requests, rejects queued ones and waits for running
// ones until ctx is done. The pool is released once the last one returns.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.closing)
	}
	d.mu.Unlock()

	waited := make(chan struct{})
	go func() {
		d.wg.Wait()
		d.pool.Release()
		close(waited)
	}()

	select {
	case <-waited:
		d.logger.Info("dispatcher stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatcher stopped with %d requests running: %w", d.running.Load(), ctx.Err())
	}
}
