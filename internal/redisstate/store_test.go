package redisstate_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"conductor/internal/logging"
	"conductor/internal/ratelimit"
	"conductor/internal/redisstate"
	"conductor/internal/testsupport"
)

func openStore(t *testing.T) *redisstate.Store {
	t.Helper()
	addr := os.Getenv("CONDUCTOR_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("CONDUCTOR_TEST_REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { rdb.Close() })
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Fatalf("ping redis: %v", err)
	}
	prefix := "conductor-test-" + uuid.NewString()
	t.Cleanup(func() {
		ctx := context.Background()
		keys, _ := rdb.Keys(ctx, prefix+":*").Result()
		if len(keys) > 0 {
			rdb.Del(ctx, keys...)
		}
	})
	return redisstate.New(rdb, redisstate.WithPrefix(prefix))
}

func TestMissingProviderReportsZeroState(t *testing.T) {
	store := openStore(t)
	state, err := store.ProviderState(context.Background(), "apollo")
	if err != nil {
		t.Fatalf("ProviderState: %v", err)
	}
	if state.ConcurrentRequests != 0 || state.BackoffUntil != nil {
		t.Fatalf("expected zero state, got %+v", state)
	}
}

func TestConcurrentCountersAreExactAndClamped(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	var g errgroup.Group
	for i := 0; i < 50; i++ {
		g.Go(func() error { return store.IncrementConcurrent(ctx, "apollo") })
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("IncrementConcurrent: %v", err)
	}
	state, _ := store.ProviderState(ctx, "apollo")
	if state.ConcurrentRequests != 50 {
		t.Fatalf("expected 50 in flight, got %d", state.ConcurrentRequests)
	}

	var dec errgroup.Group
	for i := 0; i < 60; i++ {
		dec.Go(func() error { return store.DecrementConcurrent(ctx, "apollo") })
	}
	if err := dec.Wait(); err != nil {
		t.Fatalf("DecrementConcurrent: %v", err)
	}
	state, _ = store.ProviderState(ctx, "apollo")
	if state.ConcurrentRequests != 0 {
		t.Fatalf("expected clamp at zero, got %d", state.ConcurrentRequests)
	}
}

func TestBackoffVisibleToAnotherLimiter(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	cfg := testsupport.NewConfig(t, testsupport.WithProvider("apollo", 2, 60000, 60))

	reporter := ratelimit.New(cfg, store, logging.NewNop())
	until := reporter.ReportRateLimit(ctx, "apollo", 30*time.Second)
	reporter.Flush()

	observer := ratelimit.New(cfg, store, logging.NewNop())
	avail := observer.CheckAvailability(ctx, "apollo")
	if avail.Available || avail.Remaining <= 0 {
		t.Fatalf("expected backoff to be shared, got %+v", avail)
	}

	states, err := store.ProviderStates(ctx)
	if err != nil || len(states) != 1 {
		t.Fatalf("ProviderStates: %+v %v", states, err)
	}
	if states[0].BackoffUntil == nil || states[0].BackoffUntil.UnixMilli() != until.UnixMilli() {
		t.Fatalf("unexpected persisted backoff: %+v want %s", states[0], until)
	}
}

func TestSetBackoffKeepsLaterDeadline(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	later := time.Now().Add(10 * time.Minute)
	if err := store.SetBackoff(ctx, "apollo", later, time.Now()); err != nil {
		t.Fatalf("SetBackoff later: %v", err)
	}
	if err := store.SetBackoff(ctx, "apollo", time.Now().Add(time.Minute), time.Now()); err != nil {
		t.Fatalf("SetBackoff earlier: %v", err)
	}
	state, err := store.ProviderState(ctx, "apollo")
	if err != nil {
		t.Fatalf("ProviderState: %v", err)
	}
	if state.BackoffUntil == nil || state.BackoffUntil.UnixMilli() != later.UnixMilli() {
		t.Fatalf("earlier report shortened backoff: got %v want %v", state.BackoffUntil, later)
	}
}
