// Package client fetches single records from the remote API with a borrowed
// session, classifies every response and holds the per-task retry policy.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/Sternrassler/eid-harvester/pkg/ratelimit"
	"github.com/Sternrassler/eid-harvester/pkg/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for fetch operations.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_requests_total",
		Help: "Total record requests by HTTP status (or network_error)",
	}, []string{"status"})

	requestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "harvest_request_duration_seconds",
		Help:    "Record request duration in seconds",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_errors_total",
		Help: "Total failed attempts by error class",
	}, []string{"class"})
)

// DefaultTimeout bounds a single attempt.
const DefaultTimeout = 5 * time.Minute

// maxBodyBytes guards against runaway responses.
const maxBodyBytes = 64 << 20

// Config holds the client configuration.
type Config struct {
	// BaseURL of the API, e.g. "https://www.scopus.com".
	BaseURL string

	// PathTemplate is formatted with the escaped EID.
	PathTemplate string

	// UserAgent sent with every request.
	UserAgent string

	// Timeout per attempt.
	Timeout time.Duration

	// RateLimiter gates requests on the remote quota. Optional.
	RateLimiter *ratelimit.Tracker
}

// DefaultConfig returns a configuration for the document-details gateway.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:      baseURL,
		PathTemplate: "/gateway/doc-details/documents/%s",
		UserAgent:    "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36",
		Timeout:      DefaultTimeout,
	}
}

// Client performs authenticated record fetches.
type Client struct {
	httpClient  *http.Client
	rateLimiter *ratelimit.Tracker
	config      Config
	logger      zerolog.Logger
}

// New creates a new client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if cfg.PathTemplate == "" {
		return nil, fmt.Errorf("path template is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	return &Client{
		// Timeouts come from the per-attempt context.
		httpClient:  &http.Client{},
		rateLimiter: cfg.RateLimiter,
		config:      cfg,
		logger:      log.With().Str("component", "client").Logger(),
	}, nil
}

// URL returns the record URL for eid.
func (c *Client) URL(eid string) string {
	return c.config.BaseURL + fmt.Sprintf(c.config.PathTemplate, url.PathEscape(eid))
}

// Fetch performs one attempt for eid using sess. It never returns an error
// directly; failures are reported through Result.Kind and Result.Err.
// Waiting on the rate limit happens before the attempt's timeout starts.
func (c *Client) Fetch(ctx context.Context, eid string, sess *session.Session) Result {
	if c.rateLimiter != nil {
		if err := c.rateLimiter.Wait(ctx); err != nil {
			errorsTotal.WithLabelValues(string(ErrorClassRateLimit)).Inc()
			return Result{
				Kind: RetryableFailure,
				Err: &FetchError{
					ErrorClass: ErrorClassRateLimit,
					Message:    "waiting for rate limit",
					Err:        fmt.Errorf("%w: %w", ErrTransientNetwork, err),
				},
			}
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL(eid), nil)
	if err != nil {
		return Result{Kind: FatalFailure, Err: fmt.Errorf("create request: %w", err)}
	}
	sess.Apply(req)
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", "application/json")

	c.logger.Debug().Str("eid", eid).Str("url", req.URL.String()).Msg("Requesting record")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		requestDuration.Observe(time.Since(start).Seconds())
		return c.networkFailure(eid, err)
	}
	defer resp.Body.Close()

	if c.rateLimiter != nil {
		if err := c.rateLimiter.UpdateFromHeaders(ctx, resp.Header); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to update rate limit from headers")
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	requestDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return c.networkFailure(eid, fmt.Errorf("read body: %w", err))
	}

	requestsTotal.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()

	result := Classify(resp.StatusCode, body)
	if result.Kind != Success {
		var fe *FetchError
		if errors.As(result.Err, &fe) {
			errorsTotal.WithLabelValues(string(fe.ErrorClass)).Inc()
		}
		c.logger.Debug().
			Str("eid", eid).
			Int("status", resp.StatusCode).
			Str("kind", result.Kind.String()).
			Msg("Attempt failed")
	}
	return result
}

func (c *Client) networkFailure(eid string, err error) Result {
	requestsTotal.WithLabelValues("network_error").Inc()
	errorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
	c.logger.Debug().Err(err).Str("eid", eid).Msg("Request failed")

	msg := "request failed"
	if errors.Is(err, context.DeadlineExceeded) {
		msg = "request timed out"
	}
	return Result{
		Kind: RetryableFailure,
		Err: &FetchError{
			ErrorClass: ErrorClassNetwork,
			Message:    msg,
			Err:        fmt.Errorf("%w: %w", ErrTransientNetwork, err),
		},
	}
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}
