// Package fetch provides the rate-gated HTTP primitive used for all calls to
// external vendor origins. Every attempt first passes the per-origin token
// bucket; throttling responses feed back into the limiter as a penalty so
// back-off applies to the origin as a whole, not just the current caller.
package fetch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"github.com/dealgrid/price_reconciler/internal/ratelimit"
)

const (
	defaultTimeout             = 15 * time.Second
	defaultMaxAttempts         = 3
	defaultBackoffBase         = 200 * time.Millisecond
	defaultBackoffCap          = 5 * time.Second
	defaultMaxResponseBytes    = 10 * 1024 * 1024 // 10MB
	defaultMaxIdleConns        = 100
	defaultMaxIdleConnsPerHost = 10
	defaultIdleConnTimeout     = 90 * time.Second
)

// ClientConfig holds configuration for the rate-gated client
type ClientConfig struct {
	Timeout          time.Duration // per-attempt timeout
	MaxAttempts      int
	BackoffBase      time.Duration
	BackoffCap       time.Duration
	MaxResponseBytes int64
	UserAgent        string
}

// ApplyDefaults fills in zero-valued fields
func (c *ClientConfig) ApplyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = defaultBackoffBase
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = defaultBackoffCap
	}
	if c.MaxResponseBytes <= 0 {
		c.MaxResponseBytes = defaultMaxResponseBytes
	}
}

// Result is the outcome of a gated HTTP call. A non-2xx response is not an
// error: Success is false and Retryable classifies whether a later attempt
// could succeed.
type Result struct {
	Success   bool
	Status    int
	Data      []byte
	Retryable bool
}

// Client is a rate-gated HTTP client with bounded retry
type Client struct {
	http    *http.Client
	limiter *ratelimit.OriginLimiter
	logger  *slog.Logger
	cfg     ClientConfig
}

// NewClient creates a gated client sharing one transport across origins
func NewClient(cfg ClientConfig, limiter *ratelimit.OriginLimiter, log *slog.Logger) *Client {
	cfg.ApplyDefaults()
	if log == nil {
		log = slog.Default()
	}

	return &Client{
		http: &http.Client{
			// Per-attempt timeout is applied via request context;
			// ResponseHeaderTimeout protects the connect + header phase.
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				ResponseHeaderTimeout: cfg.Timeout,
				MaxIdleConns:          defaultMaxIdleConns,
				MaxIdleConnsPerHost:   defaultMaxIdleConnsPerHost,
				IdleConnTimeout:       defaultIdleConnTimeout,
			},
		},
		limiter: limiter,
		logger:  log,
		cfg:     cfg,
	}
}

// Get performs a gated GET
func (c *Client) Get(ctx context.Context, rawURL string) (*Result, error) {
	return c.do(ctx, http.MethodGet, rawURL, nil)
}

// Post performs a gated POST with a JSON body
func (c *Client) Post(ctx context.Context, rawURL string, body []byte) (*Result, error) {
	return c.do(ctx, http.MethodPost, rawURL, body)
}

func (c *Client) do(ctx context.Context, method, rawURL string, body []byte) (*Result, error) {
	var last *Result

	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := c.sleepBackoff(ctx, attempt); err != nil {
				return nil, err
			}
		}

		// The limiter gate applies per attempt, so retries against a
		// throttled origin pay the penalty too.
		if err := c.limiter.Acquire(ctx, rawURL); err != nil {
			return nil, err
		}

		result, err := c.attempt(ctx, method, rawURL, body)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.logger.Debug("Request attempt failed",
				"method", method,
				"url", rawURL,
				"attempt", attempt,
				"error", err,
			)
			last = &Result{Retryable: true}
			continue
		}

		if result.Success || !result.Retryable {
			return result, nil
		}

		if result.Status == http.StatusTooManyRequests {
			c.limiter.Penalize(rawURL)
		}
		last = result
	}

	return last, nil
}

func (c *Client) attempt(ctx context.Context, method, rawURL string, body []byte) (*Result, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(attemptCtx, method, rawURL, reader)
	if err != nil {
		return nil, fmt.Errorf("fetch: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("fetch: read body: %w", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return &Result{Success: true, Status: resp.StatusCode, Data: data}, nil
	}

	return &Result{
		Success:   false,
		Status:    resp.StatusCode,
		Data:      data,
		Retryable: IsRetryableStatus(resp.StatusCode),
	}, nil
}

// sleepBackoff waits the bounded exponential backoff with jitter before a
// retry attempt
func (c *Client) sleepBackoff(ctx context.Context, attempt int) error {
	delay := c.cfg.BackoffBase << (attempt - 2)
	if delay > c.cfg.BackoffCap {
		delay = c.cfg.BackoffCap
	}
	delay += time.Duration(rand.Int63n(int64(c.cfg.BackoffBase)))

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}

// IsRetryableStatus classifies a response status. 4xx responses short-circuit
// retry, except request timeout and throttling; 5xx and everything else that
// reached us malformed is worth another attempt.
func IsRetryableStatus(status int) bool {
	switch {
	case status == http.StatusRequestTimeout:
		return true
	case status == http.StatusTooManyRequests:
		return true
	case status >= 400 && status < 500:
		return false
	case status >= 500:
		return true
	default:
		return true
	}
}
