package ratelimit_test

import (
	"context"
	"sync"
	"testing"

	"conductor/internal/logging"
	"conductor/internal/ratelimit"
	"conductor/internal/testsupport"
)

func TestConcurrencyTrackingAcrossProcessesIsNetZero(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	first := testsupport.MustOpenStore(t, cfg)
	second := testsupport.MustOpenStore(t, cfg)

	limiters := []*ratelimit.Limiter{
		ratelimit.New(cfg, first, logging.NewNop()),
		ratelimit.New(cfg, second, logging.NewNop()),
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(l *ratelimit.Limiter) {
			defer wg.Done()
			_ = l.WithConcurrencyTracking(context.Background(), "jina", func(context.Context) error { return nil })
		}(limiters[i%2])
	}
	wg.Wait()

	state, err := first.ProviderState(context.Background(), "jina")
	if err != nil {
		t.Fatalf("ProviderState: %v", err)
	}
	if state.ConcurrentRequests != 0 {
		t.Fatalf("expected net-zero concurrency, got %d", state.ConcurrentRequests)
	}
}

func TestReportRateLimitVisibleToOtherProcess(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	reporterStore := testsupport.MustOpenStore(t, cfg)
	observerStore := testsupport.MustOpenStore(t, cfg)

	reporter := ratelimit.New(cfg, reporterStore, logging.NewNop())
	observer := ratelimit.New(cfg, observerStore, logging.NewNop())

	reporter.ReportRateLimit(context.Background(), "perplexity", 0)
	reporter.Flush()

	avail := observer.CheckAvailability(context.Background(), "perplexity")
	if avail.Available {
		t.Fatalf("expected other process to observe backoff, got %+v", avail)
	}
}
