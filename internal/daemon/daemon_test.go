package daemon_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"conductor/internal/api"
	"conductor/internal/config"
	"conductor/internal/daemon"
	"conductor/internal/dispatch"
	"conductor/internal/logging"
	"conductor/internal/queue"
	"conductor/internal/queueaccess"
	"conductor/internal/testsupport"
)

func openSession(t *testing.T, cfg *config.Config) *queueaccess.Session {
	t.Helper()
	session, err := queueaccess.Open(context.Background(), cfg, logging.NewNop(),
		queueaccess.WithDispatchOptions(dispatch.WithSynchronous()))
	if err != nil {
		t.Fatalf("queueaccess.Open: %v", err)
	}
	t.Cleanup(func() { _ = session.Close() })
	return session
}

func TestDaemonStartStop(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Queue.SweepIntervalSeconds = 0
	session := openSession(t, cfg)

	d, err := daemon.New(cfg, session, logging.NewNop())
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	t.Cleanup(func() { d.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	status := d.Status(ctx)
	if !status.Running {
		t.Fatal("expected daemon to report running")
	}
	if status.APIAddress == "" {
		t.Fatal("expected api address once started")
	}

	resp, err := http.Get("http://" + status.APIAddress + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from /healthz, got %d", resp.StatusCode)
	}
	var health api.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode health: %v", err)
	}

	// Second start should fail
	if err := d.Start(ctx); err == nil {
		t.Fatal("expected second start to fail")
	}

	d.Stop()
	if d.Status(ctx).Running {
		t.Fatal("expected daemon to be stopped")
	}
}

func TestSecondDaemonOnSameDataDirIsRejected(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Queue.SweepIntervalSeconds = 0
	session := openSession(t, cfg)

	first, err := daemon.New(cfg, session, logging.NewNop())
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	t.Cleanup(func() { first.Close() })
	if err := first.Start(context.Background()); err != nil {
		t.Fatalf("first Start: %v", err)
	}

	second, err := daemon.New(cfg, session, logging.NewNop())
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	if err := second.Start(context.Background()); err == nil {
		second.Close()
		t.Fatal("expected lock contention error")
	}

	first.Stop()
	if err := second.Start(context.Background()); err != nil {
		t.Fatalf("start after release: %v", err)
	}
	second.Close()
}

func TestSweepOncePromotesWaitingOperation(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.API.Bind = ""
	session := openSession(t, cfg)
	ctx := context.Background()

	d, err := daemon.New(cfg, session, logging.NewNop())
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}

	running, err := session.Coordinator.Enqueue(ctx, "guide_generation", nil)
	if err != nil {
		t.Fatalf("Enqueue running: %v", err)
	}
	waiting, err := session.Coordinator.Enqueue(ctx, "guide_generation", map[string]any{"guideId": "g-2"})
	if err != nil {
		t.Fatalf("Enqueue waiting: %v", err)
	}
	if waiting.Status != queue.StatusQueued {
		t.Fatalf("expected second item queued, got %s", waiting.Status)
	}

	// A worker that dies after marking its row failed never calls complete,
	// so nothing drains until the periodic sweep.
	if ok, err := session.Queue.Transition(ctx, running.ID, queue.StatusRunning, queue.StatusFailed); err != nil || !ok {
		t.Fatalf("Transition: ok=%v err=%v", ok, err)
	}

	result := d.SweepOnce(ctx)
	if result.Err != nil {
		t.Fatalf("sweep error: %v", result.Err)
	}
	if result.Skipped {
		t.Fatal("sqlite sweep must never be skipped")
	}
	if len(result.Promoted) != 1 || result.Promoted[0].ID != waiting.ID {
		t.Fatalf("expected %s promoted, got %+v", waiting.ID, result.Promoted)
	}
	if got := d.Status(ctx).LastSweep; got == nil || len(got.Promoted) != 1 {
		t.Fatalf("expected last sweep recorded, got %+v", got)
	}

	again := d.SweepOnce(ctx)
	if len(again.Promoted) != 0 {
		t.Fatalf("expected idle second sweep, got %+v", again.Promoted)
	}
}

func TestSweepNotifiesWhenQueuedOperationsStart(t *testing.T) {
	var mu sync.Mutex
	var bodies []string
	ntfy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(body))
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer ntfy.Close()

	cfg := testsupport.NewConfig(t)
	cfg.API.Bind = ""
	cfg.Notifications.NtfyTopic = ntfy.URL
	session := openSession(t, cfg)
	ctx := context.Background()

	d, err := daemon.New(cfg, session, logging.NewNop())
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}

	running, err := session.Coordinator.Enqueue(ctx, "deal_enrichment", nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := session.Coordinator.Enqueue(ctx, "deal_enrichment", nil); err != nil {
		t.Fatalf("Enqueue waiting: %v", err)
	}
	if ok, err := session.Queue.Transition(ctx, running.ID, queue.StatusRunning, queue.StatusCompleted); err != nil || !ok {
		t.Fatalf("Transition: ok=%v err=%v", ok, err)
	}

	if result := d.SweepOnce(ctx); len(result.Promoted) != 1 {
		t.Fatalf("expected one promotion, got %+v", result)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(bodies) != 1 || bodies[0] != "Started queued operations: deal_enrichment" {
		t.Fatalf("unexpected notifications: %q", bodies)
	}
}
