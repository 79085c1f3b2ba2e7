package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"conductor/internal/config"
	"conductor/internal/logging"
	"conductor/internal/services"
)

const (
	defaultSlotJitter     = 2 * time.Second
	defaultPersistTimeout = 5 * time.Second
	minCooldownJitter     = 0.10
	maxCooldownJitter     = 0.20
)

// Availability is the result of CheckAvailability.
type Availability struct {
	Available       bool
	WaitRecommended bool
	Remaining       time.Duration
}

// SlotResult is the result of WaitForSlot.
type SlotResult struct {
	Proceeded   bool
	RateLimited bool
	Waited      time.Duration
}

// Limiter coordinates provider access through a shared Store.
type Limiter struct {
	cfg     *config.Config
	store   Store
	cache   *LocalCache
	logger  *slog.Logger
	now     func() time.Time
	rand    func() float64
	sleeper func(ctx context.Context, d time.Duration) error

	persistTimeout time.Duration
	pending        sync.WaitGroup
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// WithRand overrides the [0,1) random source used for jitter.
func WithRand(r func() float64) Option {
	return func(l *Limiter) {
		if r != nil {
			l.rand = r
		}
	}
}

// WithSleeper overrides how the limiter waits.
func WithSleeper(sleeper func(ctx context.Context, d time.Duration) error) Option {
	return func(l *Limiter) {
		if sleeper != nil {
			l.sleeper = sleeper
		}
	}
}

// WithCache shares a LocalCache between limiters in one process.
func WithCache(cache *LocalCache) Option {
	return func(l *Limiter) {
		if cache != nil {
			l.cache = cache
		}
	}
}

// New constructs a Limiter.
func New(cfg *config.Config, store Store, logger *slog.Logger, opts ...Option) *Limiter {
	l := &Limiter{
		cfg:            cfg,
		store:          store,
		cache:          NewLocalCache(),
		logger:         logging.NewComponentLogger(logger, "ratelimit"),
		now:            time.Now,
		rand:           rand.Float64,
		sleeper:        sleepContext,
		persistTimeout: defaultPersistTimeout,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Limits returns the static limits for provider.
func (l *Limiter) Limits(provider string) Limits {
	return LimitsFromConfig(l.cfg, provider)
}

// Cache exposes the process-local backoff cache.
func (l *Limiter) Cache() *LocalCache {
	return l.cache
}

// CheckAvailability reports whether provider may be called now. The local
// cache is consulted first; store failures fail open.
func (l *Limiter) CheckAvailability(ctx context.Context, provider string) Availability {
	now := l.now()
	if until, ok := l.cache.BackoffUntil(provider, now); ok {
		return Availability{Remaining: until.Sub(now)}
	}

	state, err := l.store.ProviderState(ctx, provider)
	if err != nil {
		logging.WarnWithContext(
			logging.WithContext(services.WithProvider(ctx, provider), l.logger),
			"provider state unavailable; allowing call",
			"provider_state_read_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check the provider state store connection"),
			logging.String(logging.FieldImpact, "rate limits are not enforced for this call"),
		)
		return Availability{Available: true}
	}

	if state.InBackoff(now) {
		l.cache.Set(provider, *state.BackoffUntil)
		return Availability{Remaining: state.BackoffUntil.Sub(now)}
	}

	limits := l.Limits(provider)
	if limits.MaxConcurrent > 0 && state.ConcurrentRequests >= int64(limits.MaxConcurrent) {
		return Availability{Available: true, WaitRecommended: true}
	}
	return Availability{Available: true}
}

// ReportRateLimit records a provider rate-limit signal. The cooldown is
// retryAfter when positive, otherwise the configured cooldown, plus 10-20%
// jitter. The local cache is updated before returning; persistence happens in
// the background and failures are only logged.
func (l *Limiter) ReportRateLimit(ctx context.Context, provider string, retryAfter time.Duration) time.Time {
	now := l.now()
	cooldown := retryAfter
	if cooldown <= 0 {
		cooldown = l.Limits(provider).Cooldown
	}
	jitter := time.Duration(float64(cooldown) * (minCooldownJitter + (maxCooldownJitter-minCooldownJitter)*l.rand()))
	until := now.Add(cooldown + jitter)

	l.cache.Set(provider, until)

	logger := logging.WithContext(services.WithProvider(ctx, provider), l.logger)
	logger.Info("provider rate limited",
		logging.String(logging.FieldEventType, "provider_rate_limited"),
		logging.Duration("cooldown", cooldown+jitter),
		logging.String("backoff_until", until.UTC().Format(time.RFC3339)),
	)

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ensureContext(ctx)), l.persistTimeout)
	l.pending.Add(1)
	go func() {
		defer l.pending.Done()
		defer cancel()
		if err := l.store.SetBackoff(persistCtx, provider, until, now); err != nil {
			logging.WarnWithContext(logger, "persist provider backoff failed", "provider_backoff_persist_failed",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check the provider state store connection"),
				logging.String(logging.FieldImpact, "other workers may keep calling the provider until it throttles them"),
			)
		}
	}()
	return until
}

// Flush waits for background persistence started by ReportRateLimit.
func (l *Limiter) Flush() {
	l.pending.Wait()
}

// WithConcurrencyTracking brackets fn with an increment and a decrement of
// the provider's in-flight counter. The decrement runs on every exit path,
// including a panic in fn, which is re-raised. If the increment fails fn
// still runs and no decrement is issued.
func (l *Limiter) WithConcurrencyTracking(ctx context.Context, provider string, fn func(context.Context) error) error {
	if fn == nil {
		return fmt.Errorf("concurrency tracking: nil function")
	}
	ctx = ensureContext(ctx)
	logger := logging.WithContext(services.WithProvider(ctx, provider), l.logger)

	if err := l.store.IncrementConcurrent(ctx, provider); err != nil {
		logging.WarnWithContext(logger, "increment concurrency failed; running untracked", "provider_concurrency_increment_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "provider concurrency is under-reported for this call"),
		)
		return fn(ctx)
	}

	defer func() {
		decCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.persistTimeout)
		defer cancel()
		if err := l.store.DecrementConcurrent(decCtx, provider); err != nil {
			logging.WarnWithContext(logger, "decrement concurrency failed", "provider_concurrency_decrement_failed",
				logging.Error(err),
				logging.String(logging.FieldImpact, "provider concurrency stays over-reported until the next decrement"),
			)
		}
	}()

	return fn(ctx)
}

// AdaptiveDelay returns the throttle to apply after recentErrorCount recent
// failures: the ideal request spacing scaled by (1+count), capped at the
// provider cooldown.
func (l *Limiter) AdaptiveDelay(provider string, recentErrorCount int) time.Duration {
	if recentErrorCount <= 0 {
		return 0
	}
	limits := l.Limits(provider)
	delay := limits.IdealSpacing() * time.Duration(1+recentErrorCount)
	if limits.Cooldown > 0 && delay > limits.Cooldown {
		return limits.Cooldown
	}
	return delay
}

// WaitForSlot blocks until provider may be called or reports that the caller
// should reschedule. When the remaining backoff exceeds maxWait it returns
// immediately with RateLimited set and without sleeping.
func (l *Limiter) WaitForSlot(ctx context.Context, provider string, maxWait time.Duration) (SlotResult, error) {
	ctx = ensureContext(ctx)
	avail := l.CheckAvailability(ctx, provider)

	if avail.Available {
		var waited time.Duration
		if avail.WaitRecommended {
			waited = l.jitter(defaultSlotJitter)
			if err := l.sleeper(ctx, waited); err != nil {
				return SlotResult{Waited: waited}, err
			}
		}
		return SlotResult{Proceeded: true, Waited: waited}, nil
	}

	if avail.Remaining > maxWait {
		return SlotResult{RateLimited: true}, nil
	}

	wait := avail.Remaining + l.jitter(defaultSlotJitter)
	logging.WithContext(services.WithProvider(ctx, provider), l.logger).Debug("waiting for provider slot",
		logging.Duration("wait", wait),
	)
	if err := l.sleeper(ctx, wait); err != nil {
		return SlotResult{Waited: wait}, err
	}
	return SlotResult{Proceeded: true, Waited: wait}, nil
}

func (l *Limiter) jitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	return time.Duration(l.rand() * float64(limit))
}

func ensureContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
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
