package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"conductor/internal/api"
)

type cliTestEnv struct {
	baseDir    string
	configPath string
}

func setupCLITestEnv(t *testing.T, extra string) *cliTestEnv {
	t.Helper()
	base := t.TempDir()
	t.Setenv("HOME", filepath.Join(base, "home"))
	configPath := filepath.Join(base, "conductor.toml")
	content := fmt.Sprintf(`[paths]
data_dir = %q
log_dir = %q

[store]
backend = "sqlite"
sqlite_path = %q

[api]
bind = "127.0.0.1:0"
token = "s3cret"
`, filepath.Join(base, "data"), filepath.Join(base, "logs"), filepath.Join(base, "data", "conductor.db"))
	if err := os.WriteFile(configPath, []byte(content+extra), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return &cliTestEnv{baseDir: base, configPath: configPath}
}

func runCLI(t *testing.T, env *cliTestEnv, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(append([]string{"--config", env.configPath}, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func requireContains(t *testing.T, output, substr string) {
	t.Helper()
	if !strings.Contains(output, substr) {
		t.Fatalf("expected %q to contain %q", output, substr)
	}
}

func enqueueJSON(t *testing.T, env *cliTestEnv, opType string, args ...string) api.EnqueueResponse {
	t.Helper()
	out, _, err := runCLI(t, env, append([]string{"--json", "queue", "enqueue", opType}, args...)...)
	if err != nil {
		t.Fatalf("queue enqueue %s: %v", opType, err)
	}
	var resp api.EnqueueResponse
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		t.Fatalf("decode enqueue output %q: %v", out, err)
	}
	return resp
}

func TestQueueLifecycleThroughCLI(t *testing.T) {
	env := setupCLITestEnv(t, "")

	first := enqueueJSON(t, env, "deal_enrichment", "--set", "dealId=d-1")
	if first.Status != "running" {
		t.Fatalf("expected first item running, got %s", first.Status)
	}
	if first.Item.Context["dealId"] != "d-1" {
		t.Fatalf("expected context to round-trip, got %+v", first.Item.Context)
	}
	second := enqueueJSON(t, env, "deal_enrichment", "--context", `{"dealId":"d-2","priority":2}`)
	if second.Status != "queued" {
		t.Fatalf("expected second item queued, got %s", second.Status)
	}

	out, _, err := runCLI(t, env, "queue", "list")
	if err != nil {
		t.Fatalf("queue list: %v", err)
	}
	requireContains(t, out, first.ID)
	requireContains(t, out, second.ID)
	requireContains(t, out, "Queued")

	if _, _, err := runCLI(t, env, "queue", "progress", "deal_enrichment", "--total", "4", "--completed", "1", "--failed", "1", "--error", "timeout", "--error-item", "d-1/a"); err != nil {
		t.Fatalf("queue progress: %v", err)
	}
	out, _, err = runCLI(t, env, "queue", "show", first.ID)
	if err != nil {
		t.Fatalf("queue show: %v", err)
	}
	requireContains(t, out, "2/4 (50%, 1 failed)")
	requireContains(t, out, "d-1/a: timeout")

	out, _, err = runCLI(t, env, "queue", "pause", "deal_enrichment")
	if err != nil {
		t.Fatalf("queue pause: %v", err)
	}
	requireContains(t, out, "Paused deal_enrichment")
	if _, _, err := runCLI(t, env, "queue", "pause", "deal_enrichment"); err == nil {
		t.Fatal("expected pausing twice to fail")
	}
	if _, _, err := runCLI(t, env, "queue", "resume", "deal_enrichment"); err != nil {
		t.Fatalf("queue resume: %v", err)
	}

	if _, _, err := runCLI(t, env, "queue", "complete", "deal_enrichment", "--status", "running"); err == nil {
		t.Fatal("expected non-terminal completion status to be rejected")
	}
	out, _, err = runCLI(t, env, "queue", "complete", "deal_enrichment")
	if err != nil {
		t.Fatalf("queue complete: %v", err)
	}
	requireContains(t, out, "Marked deal_enrichment completed")

	out, _, err = runCLI(t, env, "--json", "queue", "status", "deal_enrichment")
	if err != nil {
		t.Fatalf("queue status: %v", err)
	}
	var status api.OperationResponse
	if err := json.Unmarshal([]byte(out), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.Item.ID != second.ID || status.Item.Status != "running" {
		t.Fatalf("expected %s promoted to running, got %+v", second.ID, status.Item)
	}

	out, _, err = runCLI(t, env, "queue", "health")
	if err != nil {
		t.Fatalf("queue health: %v", err)
	}
	requireContains(t, out, "Completed")
	requireContains(t, out, "Running")
}

func TestQueueRequeueAndClear(t *testing.T) {
	env := setupCLITestEnv(t, "")

	item := enqueueJSON(t, env, "guide_generation")
	if _, _, err := runCLI(t, env, "queue", "complete", "guide_generation", "--status", "failed"); err != nil {
		t.Fatalf("complete failed: %v", err)
	}

	out, _, err := runCLI(t, env, "queue", "requeue", item.ID)
	if err != nil {
		t.Fatalf("queue requeue: %v", err)
	}
	requireContains(t, out, "Requeued 1 failed items, started 1")

	if _, _, err := runCLI(t, env, "queue", "complete", "guide_generation"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	out, _, err = runCLI(t, env, "queue", "clear")
	if err != nil {
		t.Fatalf("queue clear: %v", err)
	}
	requireContains(t, out, "Removed 1 finished items")

	out, _, err = runCLI(t, env, "queue", "list")
	if err != nil {
		t.Fatalf("queue list: %v", err)
	}
	requireContains(t, out, "Queue is empty")
}

func TestQueueDrainTriggersProcessor(t *testing.T) {
	var hits atomic.Int32
	var lastBody atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		lastBody.Store(body)
		hits.Add(1)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	env := setupCLITestEnv(t, fmt.Sprintf(`
[operations.buyer_enrichment]
classification = "major"
endpoint = %q
`, srv.URL))

	enqueueJSON(t, env, "buyer_enrichment")
	waiting := enqueueJSON(t, env, "buyer_enrichment", "--set", "buyerId=b-7")
	if _, _, err := runCLI(t, env, "queue", "complete", "buyer_enrichment"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("expected one trigger, got %d", hits.Load())
	}
	body, _ := lastBody.Load().(map[string]any)
	if body["fromQueue"] != true || body["queueId"] != waiting.ID || body["buyerId"] != "b-7" {
		t.Fatalf("unexpected trigger body: %+v", body)
	}

	out, _, err := runCLI(t, env, "queue", "drain")
	if err != nil {
		t.Fatalf("queue drain: %v", err)
	}
	requireContains(t, out, "Nothing to start")
}

func TestProviderCommands(t *testing.T) {
	env := setupCLITestEnv(t, "")

	out, _, err := runCLI(t, env, "provider", "report", "perplexity", "--retry-after", "2m")
	if err != nil {
		t.Fatalf("provider report: %v", err)
	}
	requireContains(t, out, "perplexity backing off until")

	out, _, err = runCLI(t, env, "--json", "provider", "status")
	if err != nil {
		t.Fatalf("provider status: %v", err)
	}
	var list api.ProviderListResponse
	if err := json.Unmarshal([]byte(out), &list); err != nil {
		t.Fatalf("decode providers: %v", err)
	}
	found := false
	for _, p := range list.Providers {
		if p.Provider == "perplexity" {
			found = true
			if p.Available || p.BackoffUntil == "" {
				t.Fatalf("expected perplexity in backoff, got %+v", p)
			}
		}
		if p.Provider == "anthropic" && !p.Available {
			t.Fatalf("expected anthropic available, got %+v", p)
		}
	}
	if !found {
		t.Fatalf("perplexity missing from %+v", list.Providers)
	}

	out, _, err = runCLI(t, env, "provider", "delay", "anthropic", "--errors", "2")
	if err != nil {
		t.Fatalf("provider delay: %v", err)
	}
	// 50 rpm gives 1.2s spacing, times (1+2).
	requireContains(t, out, "3.6s")
}

func TestProviderCallThroughGuard(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("hello"))
	}))
	defer srv.Close()

	env := setupCLITestEnv(t, "")
	out, _, err := runCLI(t, env, "provider", "call", "jina", srv.URL)
	if err != nil {
		t.Fatalf("provider call: %v", err)
	}
	requireContains(t, out, "jina 200 (5 bytes)")
}

func TestConfigInitShowValidate(t *testing.T) {
	env := setupCLITestEnv(t, "")

	out, _, err := runCLI(t, env, "config", "validate")
	if err != nil {
		t.Fatalf("config validate: %v", err)
	}
	requireContains(t, out, "Configuration valid")

	out, _, err = runCLI(t, env, "config", "show")
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	requireContains(t, out, "deal_enrichment")
	if strings.Contains(out, "s3cret") {
		t.Fatalf("expected api token to be redacted:\n%s", out)
	}

	target := filepath.Join(env.baseDir, "sample", "conductor.toml")
	out, _, err = runCLI(t, env, "config", "init", "--path", target)
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	requireContains(t, out, "Wrote sample configuration")
	if _, _, err := runCLI(t, env, "config", "init", "--path", target); err == nil {
		t.Fatal("expected init to refuse overwriting without --overwrite")
	}
}

func TestRedactDSN(t *testing.T) {
	got := redactDSN("postgres://conductor:hunter2@db:5432/conductor?sslmode=disable")
	if strings.Contains(got, "hunter2") || !strings.HasPrefix(got, "postgres://conductor:") {
		t.Fatalf("unexpected redaction: %s", got)
	}
	if redactDSN("host=db user=x") != "host=db user=x" {
		t.Fatal("expected keyword DSN to be left alone")
	}
}

func TestFormatStatusLabel(t *testing.T) {
	if got := formatStatusLabel("deal_enrichment"); got != "Deal Enrichment" {
		t.Fatalf("formatStatusLabel = %q", got)
	}
	if got := formatStatusLabel(""); got != "" {
		t.Fatalf("expected empty label, got %q", got)
	}
}

func TestDoctorCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusMethodNotAllowed)
	}))
	defer srv.Close()

	env := setupCLITestEnv(t, fmt.Sprintf(`
[operations.scoring]
classification = "minor"
endpoint = %q
`, srv.URL))

	out, _, err := runCLI(t, env, "doctor", "--notify")
	if err != nil {
		t.Fatalf("doctor: %v\n%s", err, out)
	}
	requireContains(t, out, "no ntfy topic configured")
	requireContains(t, out, "Queue backend (sqlite)")
	requireContains(t, out, "Processor scoring")
	requireContains(t, out, "reachable (405)")
}

func TestDoctorCommandFailsOnBrokenEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	env := setupCLITestEnv(t, fmt.Sprintf(`
[operations.scoring]
classification = "minor"
endpoint = %q
`, srv.URL))

	out, _, err := runCLI(t, env, "doctor")
	if err == nil {
		t.Fatal("expected doctor to fail")
	}
	requireContains(t, out, "server error (503)")
}

func TestDaemonLogsCommand(t *testing.T) {
	env := setupCLITestEnv(t, "")
	logDir := filepath.Join(env.baseDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	content := "level=INFO msg=\"sweep finished\"\nlevel=WARN msg=\"drain failed\"\nlevel=INFO msg=\"api server listening\"\n"
	if err := os.WriteFile(filepath.Join(logDir, "conductord.log"), []byte(content), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}

	out, _, err := runCLI(t, env, "daemon", "logs", "-n", "2")
	if err != nil {
		t.Fatalf("daemon logs: %v", err)
	}
	if strings.Contains(out, "sweep finished") {
		t.Fatalf("expected only the last two lines:\n%s", out)
	}
	requireContains(t, out, "api server listening")

	out, _, err = runCLI(t, env, "daemon", "logs", "--grep", "WARN")
	if err != nil {
		t.Fatalf("daemon logs --grep: %v", err)
	}
	if strings.TrimSpace(out) != `level=WARN msg="drain failed"` {
		t.Fatalf("unexpected filtered output: %q", out)
	}
}
