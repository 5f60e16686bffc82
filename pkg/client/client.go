// Package client provides the HTTP client used by the Steam sources, with a
// process-wide request rate, a shared rate-limit cool-down, an optional
// Redis response cache, and error classification.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/Sternrassler/steam-harvester/pkg/cache"
	"github.com/Sternrassler/steam-harvester/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Prometheus metrics for HTTP client operations.
var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_http_requests_total",
		Help: "Total HTTP requests by endpoint and status",
	}, []string{"endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "harvest_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds by endpoint",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"endpoint"})

	httpErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_http_errors_total",
		Help: "Total HTTP errors by class",
	}, []string{"class"})
)

// maxBodySize bounds how much of a response body is read.
const maxBodySize = 64 << 20

// Client performs rate-limited, classified HTTP requests.
type Client struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	tracker    *ratelimit.Tracker
	cache      *cache.Manager
	config     Config
	logger     zerolog.Logger
}

// Config holds the client configuration.
type Config struct {
	// User-Agent header sent with every request
	UserAgent string

	// Timeout bounds one request including reading the body
	Timeout time.Duration

	// RequestsPerSecond is the process-wide request rate. <= 0 disables it.
	RequestsPerSecond float64
	Burst             int

	// Tracker holds the shared rate-limit cool-down. nil uses an
	// in-memory tracker with DefaultCooldown.
	Tracker *ratelimit.Tracker

	// DefaultCooldown applies when a 429 carries no Retry-After.
	DefaultCooldown time.Duration

	// Cache stores successful responses. nil disables caching.
	Cache    *cache.Manager
	CacheTTL time.Duration
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(userAgent string) Config {
	return Config{
		UserAgent:         userAgent,
		Timeout:           30 * time.Second,
		RequestsPerSecond: 4,
		Burst:             1,
		DefaultCooldown:   ratelimit.DefaultCooldown,
		CacheTTL:          cache.DefaultTTL,
	}
}

// New creates a new HTTP client.
func New(cfg Config) (*Client, error) {
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("timeout must be > 0 (got %v)", cfg.Timeout)
	}
	if cfg.RequestsPerSecond > 0 && cfg.Burst < 1 {
		return nil, fmt.Errorf("burst must be >= 1 when a request rate is set (got %d)", cfg.Burst)
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = cache.DefaultTTL
	}

	logger := log.With().Str("component", "http-client").Logger()

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	tracker := cfg.Tracker
	if tracker == nil {
		tracker = ratelimit.NewTracker(ratelimit.NewMemoryStore(), cfg.DefaultCooldown, logger)
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		limiter: rate.NewLimiter(limit, max(cfg.Burst, 1)),
		tracker: tracker,
		cache:   cfg.Cache,
		config:  cfg,
		logger:  logger,
	}, nil
}

// Do performs an HTTP request with rate limiting, caching, and error
// classification. A non-2xx response is returned as *HTTPError with the
// body closed. Cancelling the request context stops the waits before the
// request; a request already on the wire runs to completion or timeout.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	endpoint := req.URL.Path

	// Step 1: Serve from cache
	var cacheKey cache.Key
	if c.cache != nil && req.Method == http.MethodGet {
		cacheKey = cache.KeyFromURL(req.URL)
		entry, err := c.cache.Get(ctx, cacheKey)
		switch {
		case err == nil:
			c.logger.Debug().Str("endpoint", endpoint).Msg("Serving response from cache")
			httpRequestsTotal.WithLabelValues(endpoint, "cached").Inc()
			return cache.EntryToResponse(entry, req), nil
		case !errors.Is(err, cache.ErrCacheMiss):
			c.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("Cache get error")
		}
	}

	// Step 2: Wait out any active cool-down, then for a rate token
	if err := c.tracker.Wait(ctx); err != nil {
		return nil, fmt.Errorf("wait for cool-down: %w", err)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("wait for rate limiter: %w", ctx.Err())
		}
		return nil, fmt.Errorf("wait for rate limiter: %w", err)
	}

	// Step 3: Execute
	req = req.WithContext(context.WithoutCancel(ctx))
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", "application/json")

	c.logger.Debug().
		Str("endpoint", endpoint).
		Str("method", req.Method).
		Msg("Executing request")

	startTime := time.Now()
	resp, err := c.httpClient.Do(req)
	httpRequestDuration.WithLabelValues(endpoint).Observe(time.Since(startTime).Seconds())
	if err != nil {
		httpErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		httpRequestsTotal.WithLabelValues(endpoint, "network_error").Inc()
		c.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("HTTP request failed")
		return nil, &HTTPError{ErrorClass: ErrorClassNetwork, Message: "request failed", Err: err}
	}
	httpRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()

	// Step 4: Classify
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		errClass := classifyStatus(resp.StatusCode)
		httpErrorsTotal.WithLabelValues(string(errClass)).Inc()

		httpErr := &HTTPError{
			StatusCode: resp.StatusCode,
			ErrorClass: errClass,
			Message:    resp.Status,
		}
		if errClass == ErrorClassRateLimit {
			if _, err := c.tracker.UpdateFromResponse(ctx, resp); err != nil {
				c.logger.Warn().Err(err).Msg("Failed to record rate-limit cool-down")
			}
			if state, err := c.tracker.GetState(ctx); err == nil {
				httpErr.RetryAfter = state.Remaining()
			}
		}

		c.logger.Warn().
			Str("endpoint", endpoint).
			Int("status", resp.StatusCode).
			Str("error_class", string(errClass)).
			Msg("Request error")
		return nil, httpErr
	}

	// Step 5: Cache on success
	if c.cache != nil && req.Method == http.MethodGet && resp.StatusCode == http.StatusOK {
		entry, err := cache.ResponseToEntry(resp, c.config.CacheTTL)
		if err != nil {
			resp.Body.Close()
			httpErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
			return nil, &HTTPError{ErrorClass: ErrorClassNetwork, Message: "read body", Err: err}
		}
		if entry.TTL() > 0 {
			if err := c.cache.Set(ctx, cacheKey, entry); err != nil {
				c.logger.Warn().Err(err).Msg("Failed to cache response")
			} else {
				c.logger.Debug().
					Str("endpoint", endpoint).
					Dur("ttl", entry.TTL()).
					Msg("Cached response")
			}
		}
	}

	return resp, nil
}

// Get performs a GET request to rawURL with the given query parameters.
func (c *Client) Get(ctx context.Context, rawURL string, query url.Values) (*http.Response, error) {
	req, err := newGetRequest(ctx, rawURL, query)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

// GetJSON performs a GET request and decodes the JSON body into out.
// A body that is not valid JSON for out yields an error wrapping ErrDecode.
// Undecodable and null bodies are evicted from the cache so a retry reaches
// the server.
func (c *Client) GetJSON(ctx context.Context, rawURL string, query url.Values, out any) error {
	req, err := newGetRequest(ctx, rawURL, query)
	if err != nil {
		return err
	}
	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		httpErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		c.evict(ctx, req.URL)
		return &HTTPError{ErrorClass: ErrorClassNetwork, Message: "read body", Err: err}
	}

	if err := json.Unmarshal(body, out); err != nil {
		c.evict(ctx, req.URL)
		return fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if bytes.Equal(bytes.TrimSpace(body), []byte("null")) {
		c.evict(ctx, req.URL)
	}
	return nil
}

// evict drops the cached response for u, if any.
func (c *Client) evict(ctx context.Context, u *url.URL) {
	if c.cache == nil {
		return
	}
	if err := c.cache.Delete(context.WithoutCancel(ctx), cache.KeyFromURL(u)); err != nil {
		c.logger.Warn().Err(err).Str("endpoint", u.Path).Msg("Failed to evict cached response")
	}
}

func newGetRequest(ctx context.Context, rawURL string, query url.Values) (*http.Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

// Tracker returns the cool-down tracker the client gates on.
func (c *Client) Tracker() *ratelimit.Tracker {
	return c.tracker
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}
