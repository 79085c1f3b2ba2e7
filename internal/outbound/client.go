// Package outbound wraps third-party provider calls with the shared rate
// limiter, a per-provider circuit breaker, in-flight accounting, a
// per-attempt timeout, and retry with backoff.
package outbound

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"conductor/internal/breaker"
	"conductor/internal/config"
	"conductor/internal/logging"
	"conductor/internal/ratelimit"
	"conductor/internal/services"
)

const (
	defaultRetryBaseDelay = 1 * time.Second
	defaultRetryMaxDelay  = 10 * time.Second
	defaultMaxBodyBytes   = 4 << 20
)

// ErrRateLimited is returned when the provider's backoff outlasts the wait
// budget. The caller should reschedule the work.
var ErrRateLimited = fmt.Errorf("%w: provider backoff exceeds wait budget", services.ErrRateLimited)

// RequestFunc issues one HTTP request using ctx.
type RequestFunc func(ctx context.Context) (*http.Response, error)

// Response is a fully read provider response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Client guards provider calls.
type Client struct {
	limiter     *ratelimit.Limiter
	breakers    *breaker.Registry
	logger      *slog.Logger
	maxWait     time.Duration
	callTimeout time.Duration
	attempts    int
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxBody     int64
	sleeper     func(ctx context.Context, d time.Duration) error
}

// Option customizes a Client.
type Option func(*Client)

// WithRetryAttempts overrides the configured attempt count.
func WithRetryAttempts(attempts int) Option {
	return func(c *Client) {
		if attempts > 0 {
			c.attempts = attempts
		}
	}
}

// WithRetryBackoff overrides the retry backoff delays.
func WithRetryBackoff(base, maxDelay time.Duration) Option {
	return func(c *Client) {
		c.baseDelay = base
		c.maxDelay = maxDelay
	}
}

// WithSleeper overrides how retry sleeps are performed (useful for tests).
func WithSleeper(sleeper func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) {
		if sleeper != nil {
			c.sleeper = sleeper
		}
	}
}

// WithMaxBodyBytes caps how much of a response body is read.
func WithMaxBodyBytes(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxBody = n
		}
	}
}

// BreakerSettings derives provider breaker settings from cfg. Only
// retryable dependency failures count toward tripping. Rate-limit responses
// are handled by the limiter and do not count.
func BreakerSettings(cfg *config.Config) breaker.Settings {
	return breaker.Settings{
		MaxFailures:  cfg.Breaker.MaxFailures,
		ResetTimeout: cfg.BreakerResetTimeout(),
		IsFailure:    countsAsFailure,
	}
}

func countsAsFailure(err error) bool {
	var statusErr *services.HTTPStatusError
	if errors.As(err, &statusErr) && statusErr.RateLimited() {
		return false
	}
	return services.IsRetryable(err)
}

// New constructs a Client. breakers may be nil, in which case a registry is
// built from cfg.
func New(cfg *config.Config, limiter *ratelimit.Limiter, breakers *breaker.Registry, logger *slog.Logger, opts ...Option) *Client {
	logger = logging.NewComponentLogger(logger, "outbound")
	if breakers == nil {
		breakers = breaker.NewRegistry(BreakerSettings(cfg), logger)
	}
	c := &Client{
		limiter:     limiter,
		breakers:    breakers,
		logger:      logger,
		maxWait:     cfg.OutboundMaxWait(),
		callTimeout: cfg.OutboundCallTimeout(),
		attempts:    cfg.Outbound.RetryAttempts,
		baseDelay:   defaultRetryBaseDelay,
		maxDelay:    defaultRetryMaxDelay,
		maxBody:     defaultMaxBodyBytes,
		sleeper:     sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.attempts <= 0 {
		c.attempts = 1
	}
	return c
}

// Breakers exposes the provider breaker registry.
func (c *Client) Breakers() *breaker.Registry {
	return c.breakers
}

// Do runs send against provider under the full guard. Non-2xx responses are
// returned as *services.HTTPStatusError.
func (c *Client) Do(ctx context.Context, provider string, send RequestFunc) (*Response, error) {
	if send == nil {
		return nil, services.Wrap(services.ErrValidation, "outbound", "do", "nil request function", nil)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = services.WithProvider(ctx, provider)
	logger := logging.WithContext(ctx, c.logger)

	var lastErr error
	failures := 0
	for attempt := 1; attempt <= c.attempts; attempt++ {
		slot, err := c.limiter.WaitForSlot(ctx, provider, c.maxWait)
		if err != nil {
			return nil, err
		}
		if !slot.Proceeded {
			if lastErr != nil {
				return nil, fmt.Errorf("%w (last error: %v)", ErrRateLimited, lastErr)
			}
			return nil, ErrRateLimited
		}

		resp, err := c.attempt(ctx, provider, send)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		failures++

		var statusErr *services.HTTPStatusError
		if errors.As(err, &statusErr) && statusErr.RateLimited() {
			c.limiter.ReportRateLimit(ctx, provider, statusErr.RetryAfter)
		}

		if errors.Is(err, breaker.ErrOpen) || !services.IsRetryable(err) || ctx.Err() != nil {
			return nil, err
		}
		if attempt == c.attempts {
			break
		}

		delay := services.BackoffDelay(attempt, c.baseDelay, c.maxDelay) + c.limiter.AdaptiveDelay(provider, failures)
		logger.Debug("retrying provider call",
			logging.Int("attempt", attempt),
			logging.Duration("delay", delay),
			logging.Error(err),
		)
		if err := c.sleeper(ctx, delay); err != nil {
			return nil, err
		}
	}
	return nil, services.Wrap(services.ErrDependency, "outbound", provider, fmt.Sprintf("call failed after %d attempts", c.attempts), lastErr)
}

func (c *Client) attempt(ctx context.Context, provider string, send RequestFunc) (*Response, error) {
	return breaker.Call(c.breakers.Get(provider), func() (*Response, error) {
		var out *Response
		err := c.limiter.WithConcurrencyTracking(ctx, provider, func(ctx context.Context) error {
			resp, err := breaker.WithTimeout(ctx, c.callTimeout, func(ctx context.Context) (*Response, error) {
				return c.roundTrip(ctx, provider, send)
			})
			out = resp
			return err
		})
		return out, err
	})
}

// roundTrip reads the whole body inside the attempt so the body never
// outlives the attempt's context.
func (c *Client) roundTrip(ctx context.Context, provider string, send RequestFunc) (*Response, error) {
	resp, err := send(ctx)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, services.Wrap(services.ErrTransient, "outbound", provider, "empty response", nil)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody))
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "outbound", provider, "read response body", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, services.NewHTTPStatusError(provider, resp, string(body))
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
