// Package client calls a running UDF server over REST.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/isdmx/openeo-udf/httpapi"
	"github.com/isdmx/openeo-udf/registry"
	"github.com/isdmx/openeo-udf/udf"
)

// Client sends requests to a server, retrying while it reports being busy
type Client struct {
	logger     *zap.Logger
	baseURL    string
	httpClient *http.Client
	maxRetries uint64
	backoff    time.Duration
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the default http.Client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithRetries sets how often a busy server is retried and the base of the
// Fibonacci backoff between attempts
func WithRetries(maxRetries uint64, backoff time.Duration) Option {
	return func(c *Client) {
		c.maxRetries = maxRetries
		c.backoff = backoff
	}
}

// New creates a client for the server at baseURL, e.g. http://localhost:8080
func New(logger *zap.Logger, baseURL string, opts ...Option) *Client {
	c := &Client{
		logger:     logger,
		baseURL:    strings.TrimRight(baseURL, "/") + httpapi.BasePath,
		httpClient: &http.Client{},
		maxRetries: 5,
		backoff:    500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run sends req and returns the server's result. Error results are returned
// as results; the error is only set when no result could be obtained. A
// capacity_exceeded result is returned once the retries are used up.
func (c *Client) Run(ctx context.Context, req *udf.Request) (*udf.Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	var res *udf.Result
	b := retry.WithMaxRetries(c.maxRetries, retry.NewFibonacci(c.backoff))
	err = retry.Do(ctx, b, func(ctx context.Context) error {
		var status int
		res, status, err = c.post(ctx, body)
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			return retry.RetryableError(err)
		}
		if status == http.StatusServiceUnavailable || status == http.StatusTooManyRequests {
			c.logger.Debug("server busy, retrying", zap.Int("status", status))
			return retry.RetryableError(fmt.Errorf("server busy: %s", http.StatusText(status)))
		}
		return nil
	})
	if res != nil {
		return res, nil
	}
	return nil, err
}

func (c *Client) post(ctx context.Context, body []byte) (*udf.Result, int, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/udf", bytes.NewReader(body))
	if err != nil {
		return nil, 0, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	var res udf.Result
	if err := decode(resp, &res); err != nil {
		return nil, resp.StatusCode, err
	}
	return &res, resp.StatusCode, nil
}

// Functions lists the functions registered on the server
func (c *Client) Functions(ctx context.Context) ([]registry.Function, error) {
	var out httpapi.FunctionsResponse
	if err := c.get(ctx, "/functions", &out); err != nil {
		return nil, err
	}
	return out.Functions, nil
}

// Health returns the server's pool statistics
func (c *Client) Health(ctx context.Context) (*httpapi.HealthResponse, error) {
	var out httpapi.HealthResponse
	if err := c.get(ctx, "/health", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("GET %s: %s: %s", path, resp.Status, strings.TrimSpace(string(msg)))
	}
	return decode(resp, out)
}

func decode(resp *http.Response, out any) error {
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("empty response with status %s", resp.Status)
		}
		return fmt.Errorf("failed to decode response with status %s: %w", resp.Status, err)
	}
	return nil
}
