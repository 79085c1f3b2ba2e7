package ratelimit_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"conductor/internal/logging"
	"conductor/internal/ratelimit"
	"conductor/internal/testsupport"
)

type memStore struct {
	mu        sync.Mutex
	states    map[string]ratelimit.State
	readErr   error
	incErr    error
	backoffs  int
	decrement int
}

func newMemStore() *memStore {
	return &memStore{states: map[string]ratelimit.State{}}
}

func (m *memStore) ProviderState(_ context.Context, provider string) (ratelimit.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readErr != nil {
		return ratelimit.State{}, m.readErr
	}
	state := m.states[provider]
	state.Provider = provider
	return state, nil
}

func (m *memStore) IncrementConcurrent(_ context.Context, provider string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.incErr != nil {
		return m.incErr
	}
	state := m.states[provider]
	state.ConcurrentRequests++
	m.states[provider] = state
	return nil
}

func (m *memStore) DecrementConcurrent(_ context.Context, provider string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decrement++
	state := m.states[provider]
	if state.ConcurrentRequests > 0 {
		state.ConcurrentRequests--
	}
	m.states[provider] = state
	return nil
}

func (m *memStore) SetBackoff(_ context.Context, provider string, until, reportedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.backoffs++
	state := m.states[provider]
	if state.BackoffUntil == nil || until.After(*state.BackoffUntil) {
		state.BackoffUntil = &until
	}
	state.LastRateLimitAt = &reportedAt
	m.states[provider] = state
	return nil
}

func (m *memStore) concurrent(provider string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[provider].ConcurrentRequests
}

type recordingSleeper struct {
	mu    sync.Mutex
	calls []time.Duration
}

func (r *recordingSleeper) Sleep(_ context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, d)
	return nil
}

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newLimiter(t *testing.T, store ratelimit.Store, randValue float64, sleeper *recordingSleeper) *ratelimit.Limiter {
	t.Helper()
	cfg := testsupport.NewConfig(t, testsupport.WithProvider("anthropic", 2, 60000, 60))
	opts := []ratelimit.Option{
		ratelimit.WithClock(func() time.Time { return fixedNow }),
		ratelimit.WithRand(func() float64 { return randValue }),
	}
	if sleeper != nil {
		opts = append(opts, ratelimit.WithSleeper(sleeper.Sleep))
	}
	return ratelimit.New(cfg, store, logging.NewNop(), opts...)
}

func TestReportRateLimitBackoffWindow(t *testing.T) {
	for _, r := range []float64{0, 0.5, 0.999} {
		store := newMemStore()
		limiter := newLimiter(t, store, r, nil)

		until := limiter.ReportRateLimit(context.Background(), "anthropic", 60*time.Second)
		limiter.Flush()

		lower, upper := fixedNow.Add(60*time.Second), fixedNow.Add(72*time.Second)
		if until.Before(lower) || until.After(upper) {
			t.Fatalf("rand=%v: backoff %v outside [%v, %v]", r, until, lower, upper)
		}
		state, _ := store.ProviderState(context.Background(), "anthropic")
		if state.BackoffUntil == nil || !state.BackoffUntil.Equal(until) {
			t.Fatalf("expected persisted backoff %v, got %v", until, state.BackoffUntil)
		}
	}
}

func TestReportRateLimitUsesConfiguredCooldown(t *testing.T) {
	limiter := newLimiter(t, newMemStore(), 0, nil)
	until := limiter.ReportRateLimit(context.Background(), "anthropic", 0)
	limiter.Flush()

	want := fixedNow.Add(66 * time.Second)
	if !until.Equal(want) {
		t.Fatalf("expected cooldown 60s + 10%% jitter (%v), got %v", want, until)
	}
}

func TestReportRateLimitUpdatesCacheBeforePersisting(t *testing.T) {
	store := newMemStore()
	store.readErr = errors.New("store down")
	limiter := newLimiter(t, store, 0, nil)

	limiter.ReportRateLimit(context.Background(), "anthropic", 30*time.Second)
	avail := limiter.CheckAvailability(context.Background(), "anthropic")
	if avail.Available {
		t.Fatal("expected cached backoff to block even when the store is unreadable")
	}
	if avail.Remaining != 33*time.Second {
		t.Fatalf("expected 33s remaining, got %v", avail.Remaining)
	}
	limiter.Flush()
}

func TestCheckAvailabilityFailsOpen(t *testing.T) {
	store := newMemStore()
	store.readErr = errors.New("connection refused")
	limiter := newLimiter(t, store, 0, nil)

	avail := limiter.CheckAvailability(context.Background(), "anthropic")
	if !avail.Available || avail.WaitRecommended {
		t.Fatalf("expected plain availability on read failure, got %+v", avail)
	}
}

func TestCheckAvailabilityRecommendsWaitAtCap(t *testing.T) {
	store := newMemStore()
	limiter := newLimiter(t, store, 0, nil)
	ctx := context.Background()

	_ = store.IncrementConcurrent(ctx, "anthropic")
	if avail := limiter.CheckAvailability(ctx, "anthropic"); avail.WaitRecommended {
		t.Fatalf("below cap should not recommend waiting: %+v", avail)
	}
	_ = store.IncrementConcurrent(ctx, "anthropic")
	avail := limiter.CheckAvailability(ctx, "anthropic")
	if !avail.Available || !avail.WaitRecommended {
		t.Fatalf("expected available with wait recommended at cap, got %+v", avail)
	}
}

func TestCheckAvailabilityCachesPersistedBackoff(t *testing.T) {
	store := newMemStore()
	limiter := newLimiter(t, store, 0, nil)
	ctx := context.Background()

	_ = store.SetBackoff(ctx, "anthropic", fixedNow.Add(10*time.Second), fixedNow)
	if avail := limiter.CheckAvailability(ctx, "anthropic"); avail.Available || avail.Remaining != 10*time.Second {
		t.Fatalf("expected 10s backoff, got %+v", avail)
	}

	store.readErr = errors.New("gone")
	if avail := limiter.CheckAvailability(ctx, "anthropic"); avail.Available {
		t.Fatal("expected local cache to keep the provider blocked")
	}
}

func TestWithConcurrencyTrackingNetZero(t *testing.T) {
	store := newMemStore()
	limiter := newLimiter(t, store, 0, nil)
	ctx := context.Background()

	err := limiter.WithConcurrencyTracking(ctx, "anthropic", func(context.Context) error {
		if got := store.concurrent("anthropic"); got != 1 {
			t.Fatalf("expected 1 in-flight request during call, got %d", got)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sentinel := errors.New("provider failed")
	err = limiter.WithConcurrencyTracking(ctx, "anthropic", func(context.Context) error { return sentinel })
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected fn error to propagate, got %v", err)
	}

	if got := store.concurrent("anthropic"); got != 0 {
		t.Fatalf("expected net-zero concurrency, got %d", got)
	}
}

func TestWithConcurrencyTrackingDecrementsOnPanic(t *testing.T) {
	store := newMemStore()
	limiter := newLimiter(t, store, 0, nil)

	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("expected panic to be re-raised")
			}
		}()
		_ = limiter.WithConcurrencyTracking(context.Background(), "anthropic", func(context.Context) error {
			panic("boom")
		})
	}()

	if got := store.concurrent("anthropic"); got != 0 {
		t.Fatalf("expected decrement after panic, got %d", got)
	}
}

func TestWithConcurrencyTrackingIncrementFailureRunsUntracked(t *testing.T) {
	store := newMemStore()
	store.incErr = errors.New("write failed")
	limiter := newLimiter(t, store, 0, nil)

	called := false
	if err := limiter.WithConcurrencyTracking(context.Background(), "anthropic", func(context.Context) error {
		called = true
		return nil
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("expected fn to run despite increment failure")
	}
	if store.decrement != 0 {
		t.Fatalf("expected no decrement without increment, got %d", store.decrement)
	}
}

func TestAdaptiveDelay(t *testing.T) {
	limiter := newLimiter(t, newMemStore(), 0, nil)

	tests := []struct {
		count int
		want  time.Duration
	}{
		{0, 0},
		{1, 2 * time.Second},
		{4, 5 * time.Second},
		{100, 60 * time.Second},
	}
	for _, tt := range tests {
		if got := limiter.AdaptiveDelay("anthropic", tt.count); got != tt.want {
			t.Fatalf("AdaptiveDelay(%d) = %v, want %v", tt.count, got, tt.want)
		}
	}
}

func TestWaitForSlotReschedulesWithoutSleeping(t *testing.T) {
	sleeper := &recordingSleeper{}
	limiter := newLimiter(t, newMemStore(), 0.5, sleeper)

	limiter.ReportRateLimit(context.Background(), "anthropic", 60*time.Second)
	limiter.Flush()

	res, err := limiter.WaitForSlot(context.Background(), "anthropic", 10*time.Second)
	if err != nil {
		t.Fatalf("WaitForSlot: %v", err)
	}
	if res.Proceeded || !res.RateLimited {
		t.Fatalf("expected {false, true}, got %+v", res)
	}
	if len(sleeper.calls) != 0 {
		t.Fatalf("expected no sleep, got %v", sleeper.calls)
	}
}

func TestWaitForSlotSleepsThroughShortBackoff(t *testing.T) {
	sleeper := &recordingSleeper{}
	store := newMemStore()
	limiter := newLimiter(t, store, 0.5, sleeper)
	_ = store.SetBackoff(context.Background(), "anthropic", fixedNow.Add(3*time.Second), fixedNow)

	res, err := limiter.WaitForSlot(context.Background(), "anthropic", 10*time.Second)
	if err != nil {
		t.Fatalf("WaitForSlot: %v", err)
	}
	if !res.Proceeded || res.RateLimited {
		t.Fatalf("expected to proceed, got %+v", res)
	}
	if len(sleeper.calls) != 1 || sleeper.calls[0] != 4*time.Second {
		t.Fatalf("expected one 4s sleep (3s + 1s jitter), got %v", sleeper.calls)
	}
}

func TestWaitForSlotJitterOnlyWhenRecommended(t *testing.T) {
	sleeper := &recordingSleeper{}
	store := newMemStore()
	limiter := newLimiter(t, store, 0.25, sleeper)
	ctx := context.Background()

	res, err := limiter.WaitForSlot(ctx, "anthropic", time.Second)
	if err != nil || !res.Proceeded || len(sleeper.calls) != 0 {
		t.Fatalf("expected immediate proceed, got %+v err=%v sleeps=%v", res, err, sleeper.calls)
	}

	_ = store.IncrementConcurrent(ctx, "anthropic")
	_ = store.IncrementConcurrent(ctx, "anthropic")
	res, err = limiter.WaitForSlot(ctx, "anthropic", time.Second)
	if err != nil || !res.Proceeded {
		t.Fatalf("expected proceed at cap, got %+v err=%v", res, err)
	}
	if len(sleeper.calls) != 1 || sleeper.calls[0] != 500*time.Millisecond {
		t.Fatalf("expected one 500ms jitter sleep, got %v", sleeper.calls)
	}
}

func TestWaitForSlotHonoursCancellation(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := newMemStore()
	limiter := ratelimit.New(cfg, store, logging.NewNop(),
		ratelimit.WithClock(func() time.Time { return fixedNow }),
	)
	_ = store.SetBackoff(context.Background(), "anthropic", fixedNow.Add(time.Hour), fixedNow)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := limiter.WaitForSlot(ctx, "anthropic", 2*time.Hour)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestUnknownProviderUsesDefaults(t *testing.T) {
	limiter := newLimiter(t, newMemStore(), 0, nil)
	limits := limiter.Limits("mystery")
	if limits.MaxConcurrent != 5 || limits.Cooldown != time.Minute || limits.SoftLimitRPM != 60 {
		t.Fatalf("unexpected default limits: %+v", limits)
	}
}

func TestLimitsFromConfigWithoutConfigUsesDefaults(t *testing.T) {
	limits := ratelimit.LimitsFromConfig(nil, "perplexity")
	if limits.MaxConcurrent != 3 || limits.Cooldown != time.Minute || limits.SoftLimitRPM != 20 {
		t.Fatalf("unexpected default limits: %+v", limits)
	}
}
