package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/isdmx/openeo-udf/dispatch"
	"github.com/isdmx/openeo-udf/metrics"
	"github.com/isdmx/openeo-udf/registry"
	"github.com/isdmx/openeo-udf/udf"
)

// BasePath prefixes every API route
const BasePath = "/api/v1"

// DefaultMaxBodyBytes bounds the size of a request body
const DefaultMaxBodyBytes = 512 << 20

// Dispatcher runs requests
type Dispatcher interface {
	Submit(ctx context.Context, req *udf.Request) *udf.Result
	Stats() dispatch.Stats
}

// FunctionLister lists registered functions
type FunctionLister interface {
	List() []registry.Function
}

// Options configures the server
type Options struct {
	Address string
	// RateLimitRPS enables a token bucket in front of POST /udf when positive.
	RateLimitRPS   float64
	RateLimitBurst int
	MaxBodyBytes   int64
}

// Server is the REST transport
type Server struct {
	logger     *zap.Logger
	opts       Options
	dispatcher Dispatcher
	functions  FunctionLister
	metrics    *metrics.Metrics
	limiter    *rate.Limiter
	router     *gin.Engine
	httpServer *http.Server
}

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status string         `json:"status"`
	Pool   dispatch.Stats `json:"pool"`
}

// FunctionsResponse is the body of GET /functions
type FunctionsResponse struct {
	Functions []registry.Function `json:"functions"`
}

func init() {
	gin.SetMode(gin.ReleaseMode)
}

// New creates the server and its routes. m may be nil.
func New(logger *zap.Logger, opts Options, dispatcher Dispatcher, functions FunctionLister, m *metrics.Metrics) *Server {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}

	s := &Server{
		logger:     logger,
		opts:       opts,
		dispatcher: dispatcher,
		functions:  functions,
		metrics:    m,
	}
	if opts.RateLimitRPS > 0 {
		burst := opts.RateLimitBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(opts.RateLimitRPS), burst)
	}

	router := gin.New()
	router.Use(gin.Recovery(), s.accessLog())

	api := router.Group(BasePath)
	api.POST("/udf", s.rateLimit(), s.runUDF)
	api.GET("/functions", s.listFunctions)
	api.GET("/health", s.health)
	if m != nil {
		router.GET("/metrics", gin.WrapH(m.Handler()))
	}

	s.router = router
	return s
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds the address and serves in the background. Bind errors are
// returned so that startup fails.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.opts.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.opts.Address, err)
	}

	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("starting REST server", zap.String("address", ln.Addr().String()))

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("REST server failed", zap.Error(err))
		}
	}()
	return nil
}

// Shutdown stops accepting connections and waits for open requests
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("stopping REST server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) runUDF(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.opts.MaxBodyBytes)

	var req udf.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		e := udf.FromError(err)
		if e.Kind == udf.KindInternal {
			e = udf.NewError(udf.KindInvalidRequest, "malformed request body: %v", err)
		}
		s.respond(c, &udf.Result{Error: e})
		return
	}

	s.respond(c, s.dispatcher.Submit(c.Request.Context(), &req))
}

func (s *Server) respond(c *gin.Context, res *udf.Result) {
	status := StatusCode(res)
	if status == http.StatusServiceUnavailable {
		c.Header("Retry-After", "1")
	}
	if res.RequestID != "" {
		c.Header("X-Request-ID", res.RequestID)
	}
	c.JSON(status, res)
}

func (s *Server) listFunctions(c *gin.Context) {
	c.JSON(http.StatusOK, FunctionsResponse{Functions: s.functions.List()})
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{Status: "ok", Pool: s.dispatcher.Stats()})
}

func (s *Server) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.limiter == nil || s.limiter.Allow() {
			c.Next()
			return
		}
		c.Header("Retry-After", "1")
		c.AbortWithStatusJSON(http.StatusTooManyRequests, &udf.Result{
			Error: udf.NewError(udf.KindCapacityExceeded, "rate limit of %v requests per second exceeded", s.opts.RateLimitRPS),
		})
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("client", c.ClientIP()))
	}
}

// StatusCode maps a result to its HTTP status
func StatusCode(res *udf.Result) int {
	if res.Error == nil {
		return http.StatusOK
	}
	switch res.Error.Kind {
	case udf.KindInvalidRequest, udf.KindShapeMismatch, udf.KindInvalidCoordinate:
		return http.StatusBadRequest
	case udf.KindUserCode, udf.KindResourceExceeded:
		return http.StatusUnprocessableEntity
	case udf.KindTimeout:
		return http.StatusGatewayTimeout
	case udf.KindCapacityExceeded:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
