package pgstore_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"conductor/internal/coordinator"
	"conductor/internal/logging"
	"conductor/internal/pgstore"
	"conductor/internal/queue"
	"conductor/internal/testsupport"
)

var (
	_ coordinator.Store = (*pgstore.Store)(nil)
	// one database is shared, so tests in this package run serially
	serial sync.Mutex
)

func openStore(t *testing.T) *pgstore.Store {
	t.Helper()
	dsn := os.Getenv("CONDUCTOR_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CONDUCTOR_TEST_POSTGRES_DSN not set")
	}
	serial.Lock()
	t.Cleanup(serial.Unlock)

	cfg := testsupport.NewConfig(t)
	cfg.Store.PostgresDSN = dsn
	store, err := pgstore.Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.Truncate(context.Background()); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	return store
}

func TestInsertSingleFlight(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	first, err := store.Insert(ctx, queue.NewItem{OperationType: "deal_enrichment", Classification: queue.ClassificationMajor, Context: map[string]any{"batch": "a"}})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	second, err := store.Insert(ctx, queue.NewItem{OperationType: "deal_enrichment", Classification: queue.ClassificationMajor})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if first.Status != queue.StatusRunning || first.StartedAt == nil {
		t.Fatalf("expected first running with started_at, got %+v", first)
	}
	if second.Status != queue.StatusQueued || second.StartedAt != nil {
		t.Fatalf("expected second queued, got %+v", second)
	}
	if first.Context["batch"] != "a" {
		t.Fatalf("context not round-tripped: %+v", first.Context)
	}

	ok, err := store.Transition(ctx, second.ID, queue.StatusQueued, queue.StatusRunning)
	if err != nil || ok {
		t.Fatalf("promotion while slot is held should report false, got %v %v", ok, err)
	}
}

func TestConcurrentInsertsClaimOneSlot(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	var g errgroup.Group
	for i := 0; i < 10; i++ {
		g.Go(func() error {
			_, err := store.Insert(ctx, queue.NewItem{OperationType: "buyer_enrichment", Classification: queue.ClassificationMajor})
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	running, err := store.List(ctx, queue.ListFilter{OperationType: "buyer_enrichment", Statuses: []queue.Status{queue.StatusRunning}})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(running) != 1 {
		t.Fatalf("expected one running item, got %d", len(running))
	}
}

func TestConcurrentIncrementsAreExact(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	item, err := store.Insert(ctx, queue.NewItem{OperationType: "deal_enrichment", Classification: queue.ClassificationMajor})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	var g errgroup.Group
	for i := 0; i < 50; i++ {
		g.Go(func() error {
			_, err := store.IncrementCounters(ctx, item.ID, 1, 0)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("IncrementCounters: %v", err)
	}
	got, err := store.GetByID(ctx, item.ID)
	if err != nil || got.CompletedItems != 50 {
		t.Fatalf("expected 50 completed, got %+v %v", got, err)
	}
}

func TestCoordinatorDrainOnPostgres(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	cfg := testsupport.NewConfig(t)
	coord := coordinator.New(cfg, store, nil, logging.NewNop())

	if _, err := coord.Enqueue(ctx, "deal_enrichment", nil); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	next, err := coord.Enqueue(ctx, "deal_enrichment", nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := coord.CompleteOperation(ctx, "deal_enrichment", queue.StatusCompleted); err != nil {
		t.Fatalf("CompleteOperation: %v", err)
	}
	got, err := store.GetByID(ctx, next.ID)
	if err != nil || got.Status != queue.StatusRunning {
		t.Fatalf("expected queued item promoted, got %+v %v", got, err)
	}
}

func TestFailStaleAndErrorLogCap(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return base })

	item, err := store.Insert(ctx, queue.NewItem{OperationType: "guide_generation", Classification: queue.ClassificationMajor})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := store.AppendErrorLog(ctx, item.ID, 2, queue.ErrorEntry{ItemID: "a", Error: "x"}, queue.ErrorEntry{ItemID: "b", Error: "y"}); err != nil {
		t.Fatalf("AppendErrorLog: %v", err)
	}

	stale, err := store.StaleRunning(ctx, base.Add(time.Minute))
	if err != nil || len(stale) != 1 {
		t.Fatalf("expected one stale item, got %d %v", len(stale), err)
	}
	changed, err := store.FailStale(ctx, item.ID, queue.ErrorEntry{ItemID: item.ID, Error: "stale"}, 2)
	if err != nil || !changed {
		t.Fatalf("FailStale: %v %v", changed, err)
	}
	got, _ := store.GetByID(ctx, item.ID)
	if got.Status != queue.StatusFailed || len(got.ErrorLog) != 2 || got.ErrorLog[1].Error != "stale" {
		t.Fatalf("unexpected failed item: %+v", got)
	}
	if changed, _ := store.FailStale(ctx, item.ID, queue.ErrorEntry{Error: "again"}, 2); changed {
		t.Fatal("failing a non-running item should be a no-op")
	}
}

func TestProviderCountersClampAtZero(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	if err := store.DecrementConcurrent(ctx, "apollo"); err != nil {
		t.Fatalf("DecrementConcurrent: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := store.IncrementConcurrent(ctx, "apollo"); err != nil {
			t.Fatalf("IncrementConcurrent: %v", err)
		}
	}
	for i := 0; i < 5; i++ {
		if err := store.DecrementConcurrent(ctx, "apollo"); err != nil {
			t.Fatalf("DecrementConcurrent: %v", err)
		}
	}
	until := time.Now().Add(time.Minute).UTC().Truncate(time.Microsecond)
	if err := store.SetBackoff(ctx, "apollo", until, time.Now()); err != nil {
		t.Fatalf("SetBackoff: %v", err)
	}
	state, err := store.ProviderState(ctx, "apollo")
	if err != nil {
		t.Fatalf("ProviderState: %v", err)
	}
	if state.ConcurrentRequests != 0 || state.BackoffUntil == nil || !state.BackoffUntil.Equal(until) {
		t.Fatalf("unexpected provider state: %+v", state)
	}
}

func TestSetBackoffKeepsLaterDeadline(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	later := time.Now().Add(10 * time.Minute).UTC().Truncate(time.Microsecond)
	if err := store.SetBackoff(ctx, "hubspot", later, time.Now()); err != nil {
		t.Fatalf("SetBackoff later: %v", err)
	}
	if err := store.SetBackoff(ctx, "hubspot", time.Now().Add(time.Minute), time.Now()); err != nil {
		t.Fatalf("SetBackoff earlier: %v", err)
	}
	state, err := store.ProviderState(ctx, "hubspot")
	if err != nil {
		t.Fatalf("ProviderState: %v", err)
	}
	if state.BackoffUntil == nil || !state.BackoffUntil.Equal(later) {
		t.Fatalf("earlier report shortened backoff: got %v want %v", state.BackoffUntil, later)
	}
}

func TestTryLeaderIsExclusive(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	release, ok, err := store.TryLeader(ctx, pgstore.SweepLockKey)
	if err != nil || !ok {
		t.Fatalf("first TryLeader: %v %v", ok, err)
	}
	if _, ok, err := store.TryLeader(ctx, pgstore.SweepLockKey); err != nil || ok {
		t.Fatalf("second TryLeader should fail, got %v %v", ok, err)
	}
	release()
	release2, ok, err := store.TryLeader(ctx, pgstore.SweepLockKey)
	if err != nil || !ok {
		t.Fatalf("TryLeader after release: %v %v", ok, err)
	}
	release2()
}
