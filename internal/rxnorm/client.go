// Package rxnorm is a resilient client for the NLM RxNav drug terminology API.
// Every call goes through a shared circuit breaker, an explicit retry policy
// and an outbound token bucket.
package rxnorm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/juju/ratelimit"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxverify/internal/observability/metrics"
	"github.com/drfirst/go-rxverify/pkg/circuitbreaker"
	"github.com/drfirst/go-rxverify/pkg/retry"
)

const maxBodyBytes = 4 << 20

// Config holds reference client configuration
type Config struct {
	// BaseURL is the REST root, e.g. https://rxnav.nlm.nih.gov/REST
	BaseURL string
	// Timeout bounds a single HTTP attempt
	Timeout time.Duration
	// RequestsPerSecond is the outbound token refill rate (0 = unthrottled)
	RequestsPerSecond float64
	// Burst is the bucket capacity
	Burst int64
	// MaxEntries is passed to approximate-term search
	MaxEntries int
	// Retry is the per-call retry policy
	Retry retry.Policy
	// UserAgent is sent on every request
	UserAgent string
}

// DefaultConfig returns defaults for the public RxNav service
func DefaultConfig() Config {
	return Config{
		BaseURL:           "https://rxnav.nlm.nih.gov/REST",
		Timeout:           10 * time.Second,
		RequestsPerSecond: 20,
		Burst:             20,
		MaxEntries:        10,
		Retry:             retry.DefaultPolicy(),
		UserAgent:         "go-rxverify/0.1",
	}
}

// Breaker gates calls to the upstream. *circuitbreaker.CircuitBreaker satisfies it.
type Breaker interface {
	Execute(ctx context.Context, fn func() (interface{}, error)) (interface{}, error)
}

// Client talks to RxNav
type Client struct {
	cfg     Config
	base    *url.URL
	http    *http.Client
	breaker Breaker
	bucket  *ratelimit.Bucket
	metrics *metrics.Metrics
	logger  *zap.Logger
	tracer  trace.Tracer
}

// New creates a reference client. A nil breaker gets a private one with the
// default policy; m may be nil.
func New(cfg Config, breaker Breaker, m *metrics.Metrics, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("base url %q must be absolute", cfg.BaseURL)
	}

	if breaker == nil {
		cb, err := circuitbreaker.New(circuitbreaker.DefaultConfig("rxnorm"), logger)
		if err != nil {
			return nil, fmt.Errorf("create breaker: %w", err)
		}
		breaker = cb
	}

	c := &Client{
		cfg:     cfg,
		base:    base,
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: breaker,
		metrics: m,
		logger:  logger,
		tracer:  otel.Tracer("rxnorm-client"),
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		c.bucket = ratelimit.NewBucketWithRate(cfg.RequestsPerSecond, burst)
	}
	return c, nil
}

// statusError is a retryable upstream status (429 or 5xx)
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("rxnav returned status %d", e.code)
}

// Fetch performs GET {BaseURL}/{endpoint}?{query} behind the breaker and
// retry policy. It never returns an error; the outcome carries the verdict.
func (c *Client) Fetch(ctx context.Context, endpoint string, query url.Values) Outcome {
	label := endpointLabel(endpoint)
	ctx, span := c.tracer.Start(ctx, "rxnorm.fetch",
		trace.WithAttributes(attribute.String("endpoint", label)))
	defer span.End()

	start := time.Now()
	out := c.fetch(ctx, endpoint, query)

	span.SetAttributes(
		attribute.String("outcome", out.Kind.String()),
		attribute.Int("http.status_code", out.Status),
	)
	if out.Err != nil {
		span.RecordError(out.Err)
		span.SetStatus(codes.Error, out.Kind.String())
	}
	if c.metrics != nil {
		c.metrics.ReferenceRequests.WithLabelValues(label, out.Kind.String()).Inc()
		c.metrics.ReferenceLatency.WithLabelValues(label).Observe(time.Since(start).Seconds())
	}
	if out.Failed() {
		c.logger.Warn("reference lookup failed",
			zap.String("endpoint", label),
			zap.String("outcome", out.Kind.String()),
			zap.Int("status", out.Status),
			zap.Error(out.Err))
	}
	return out
}

func (c *Client) fetch(ctx context.Context, endpoint string, query url.Values) Outcome {
	ref, err := url.Parse(strings.TrimLeft(endpoint, "/"))
	if err != nil {
		return Outcome{Kind: OutcomeFatal, Err: fmt.Errorf("parse endpoint %q: %w", endpoint, err)}
	}
	u := c.base.ResolveReference(ref)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	target := u.String()

	res, err := c.breaker.Execute(ctx, func() (interface{}, error) {
		return retry.Do(ctx, c.cfg.Retry, func(ctx context.Context) (Outcome, error) {
			return c.attempt(ctx, target)
		}, func(err error, attempt int, delay time.Duration) {
			if c.metrics != nil {
				c.metrics.ReferenceRetries.Inc()
			}
			c.logger.Debug("retrying reference lookup",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err))
		})
	})
	if err != nil {
		out := Outcome{Kind: OutcomeTransient, Err: err}
		var se *statusError
		if errors.As(err, &se) {
			out.Status = se.code
		}
		return out
	}
	return res.(Outcome)
}

// attempt performs one HTTP round trip. Retryable faults come back as errors;
// definitive answers, including 404 and other 4xx, come back as outcomes.
func (c *Client) attempt(ctx context.Context, target string) (Outcome, error) {
	if err := c.throttle(ctx); err != nil {
		return Outcome{}, retry.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return Outcome{Kind: OutcomeFatal, Err: err}, nil
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Outcome{}, retry.Permanent(ctx.Err())
		}
		return Outcome{}, fmt.Errorf("rxnav request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Outcome{}, fmt.Errorf("read rxnav body: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return Outcome{}, &statusError{code: resp.StatusCode}
	case resp.StatusCode == http.StatusNotFound:
		return Outcome{Kind: OutcomeNotFound, Status: resp.StatusCode}, nil
	case resp.StatusCode >= 300:
		return Outcome{
			Kind:   OutcomeFatal,
			Status: resp.StatusCode,
			Err:    fmt.Errorf("rxnav returned status %d", resp.StatusCode),
		}, nil
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || strings.EqualFold(string(trimmed), "Not found") {
		return Outcome{Kind: OutcomeNotFound, Status: resp.StatusCode}, nil
	}
	return Outcome{Kind: OutcomeData, Status: resp.StatusCode, Body: trimmed}, nil
}

func (c *Client) throttle(ctx context.Context) error {
	if c.bucket == nil {
		return nil
	}
	wait := c.bucket.Take(1)
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// endpointLabel reduces "rxcui/123/related.json" to "related" for metrics
func endpointLabel(endpoint string) string {
	if i := strings.IndexByte(endpoint, '?'); i >= 0 {
		endpoint = endpoint[:i]
	}
	return strings.TrimSuffix(path.Base(endpoint), ".json")
}
