package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"conductor/internal/api"
	"conductor/internal/config"
	"conductor/internal/coordinator"
	"conductor/internal/logging"
	"conductor/internal/queue"
	"conductor/internal/ratelimit"
	"conductor/internal/testsupport"
)

type apiFixture struct {
	cfg     *config.Config
	store   *queue.Store
	limiter *ratelimit.Limiter
	handler http.Handler
}

func newAPI(t *testing.T, mutate func(*config.Config)) *apiFixture {
	t.Helper()
	cfg := testsupport.NewConfig(t, testsupport.WithProvider("apollo", 2, 60000, 60))
	cfg.API.RatePerSecond = 1000
	cfg.API.Burst = 1000
	if mutate != nil {
		mutate(cfg)
	}
	store := testsupport.MustOpenStore(t, cfg)
	coord := coordinator.New(cfg, store, nil, logging.NewNop())
	limiter := ratelimit.New(cfg, store, logging.NewNop())
	t.Cleanup(limiter.Flush)
	srv := api.New(cfg, api.Deps{Coordinator: coord, Limiter: limiter, States: store}, logging.NewNop())
	return &apiFixture{cfg: cfg, store: store, limiter: limiter, handler: srv.Handler()}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestOperationLifecycleOverHTTP(t *testing.T) {
	f := newAPI(t, nil)

	rec := f.do(t, http.MethodPost, "/v1/operations/deal_enrichment", map[string]any{"batch": "a"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	first := decode[api.EnqueueResponse](t, rec)
	if first.Status != "running" || first.Item.Context["batch"] != "a" {
		t.Fatalf("unexpected enqueue response: %+v", first)
	}

	rec = f.do(t, http.MethodPost, "/v1/operations/deal_enrichment", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 for queued item, got %d", rec.Code)
	}
	second := decode[api.EnqueueResponse](t, rec)
	if second.Status != "queued" {
		t.Fatalf("expected queued, got %s", second.Status)
	}

	rec = f.do(t, http.MethodGet, "/v1/operations/deal_enrichment", nil)
	if got := decode[api.OperationResponse](t, rec); rec.Code != http.StatusOK || got.Item.ID != first.ID {
		t.Fatalf("unexpected status response: %d %+v", rec.Code, got)
	}

	if rec = f.do(t, http.MethodPost, "/v1/operations/deal_enrichment/pause", nil); rec.Code != http.StatusOK {
		t.Fatalf("pause: %d %s", rec.Code, rec.Body.String())
	}
	if rec = f.do(t, http.MethodPost, "/v1/operations/deal_enrichment/pause", nil); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 pausing twice, got %d", rec.Code)
	}
	if rec = f.do(t, http.MethodPost, "/v1/operations/deal_enrichment/resume", nil); rec.Code != http.StatusOK {
		t.Fatalf("resume: %d %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodPost, "/v1/operations/deal_enrichment/complete", api.CompleteRequest{Status: "completed"})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("complete: %d %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodGet, "/v1/items/"+second.ID, nil)
	if got := decode[api.OperationResponse](t, rec); got.Item.Status != "running" {
		t.Fatalf("expected queued item promoted, got %+v", got.Item)
	}

	rec = f.do(t, http.MethodGet, "/v1/operations?type=deal_enrichment&status=completed", nil)
	if got := decode[api.OperationListResponse](t, rec); len(got.Items) != 1 || got.Items[0].ID != first.ID {
		t.Fatalf("unexpected list: %+v", got)
	}
}

func TestCompleteRejectsNonTerminalStatus(t *testing.T) {
	f := newAPI(t, nil)
	f.do(t, http.MethodPost, "/v1/operations/scoring", nil)

	rec := f.do(t, http.MethodPost, "/v1/operations/scoring/complete", api.CompleteRequest{Status: "paused"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	rec = f.do(t, http.MethodGet, "/v1/operations/guide_generation", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for idle type, got %d", rec.Code)
	}
}

func TestProgressEndpoint(t *testing.T) {
	f := newAPI(t, nil)
	created := decode[api.EnqueueResponse](t, f.do(t, http.MethodPost, "/v1/operations/deal_enrichment", nil))

	total := 4
	rec := f.do(t, http.MethodPost, "/v1/operations/deal_enrichment/progress", api.ProgressRequest{
		CompletedDelta: 1,
		FailedDelta:    1,
		Total:          &total,
		Error:          &api.ErrorEntry{ItemID: "deal-9", Error: "enrichment failed"},
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("progress: %d %s", rec.Code, rec.Body.String())
	}

	got := decode[api.OperationResponse](t, f.do(t, http.MethodGet, "/v1/items/"+created.ID, nil)).Item
	if got.Progress.Total != 4 || got.Progress.Completed != 1 || got.Progress.Failed != 1 || got.Progress.Percent != 50 {
		t.Fatalf("unexpected progress: %+v", got.Progress)
	}
	if len(got.ErrorLog) != 1 || got.ErrorLog[0].ItemID != "deal-9" || got.ErrorLog[0].Timestamp == "" {
		t.Fatalf("unexpected error log: %+v", got.ErrorLog)
	}
}

func TestBearerTokenRequired(t *testing.T) {
	f := newAPI(t, func(cfg *config.Config) { cfg.API.Token = "s3cret" })

	if rec := f.do(t, http.MethodGet, "/v1/operations", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/v1/operations", nil, "Authorization", "Bearer wrong"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong token, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/v1/operations", nil, "Authorization", "Bearer s3cret"); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/healthz", nil); rec.Code != http.StatusOK {
		t.Fatalf("healthz should not require a token, got %d", rec.Code)
	}
}

func TestClientRateLimit(t *testing.T) {
	f := newAPI(t, func(cfg *config.Config) {
		cfg.API.RatePerSecond = 0.001
		cfg.API.Burst = 1
	})

	if rec := f.do(t, http.MethodGet, "/healthz", nil); rec.Code != http.StatusOK {
		t.Fatalf("first request: %d", rec.Code)
	}
	rec := f.do(t, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
}

func TestProviderRateLimitReport(t *testing.T) {
	f := newAPI(t, nil)

	rec := f.do(t, http.MethodGet, "/v1/providers/apollo", nil)
	status := decode[api.ProviderStatus](t, rec)
	if !status.Available || status.Limits.MaxConcurrent != 2 || status.Limits.CooldownMs != 60000 {
		t.Fatalf("unexpected idle provider status: %+v", status)
	}

	rec = f.do(t, http.MethodPost, "/v1/providers/apollo/rate-limit", api.RateLimitRequest{RetryAfterSeconds: 30})
	if rec.Code != http.StatusOK || decode[api.RateLimitResponse](t, rec).BackoffUntil == "" {
		t.Fatalf("rate-limit report: %d %s", rec.Code, rec.Body.String())
	}
	f.limiter.Flush()

	status = decode[api.ProviderStatus](t, f.do(t, http.MethodGet, "/v1/providers/apollo", nil))
	if status.Available || status.RemainingMs < 30000 || status.BackoffUntil == "" {
		t.Fatalf("expected provider in backoff, got %+v", status)
	}

	list := decode[api.ProviderListResponse](t, f.do(t, http.MethodGet, "/v1/providers", nil))
	if len(list.Providers) != 1 || list.Providers[0].Provider != "apollo" {
		t.Fatalf("unexpected provider list: %+v", list)
	}

	rec = f.do(t, http.MethodPost, "/v1/providers/apollo/rate-limit", api.RateLimitRequest{RetryAfterSeconds: -1})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative retry, got %d", rec.Code)
	}
	rec = f.do(t, http.MethodPost, "/v1/providers/apollo/rate-limit", api.RateLimitRequest{RetryAfterSeconds: 1e12})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for oversized retry, got %d", rec.Code)
	}
}

func TestCompleteByQueueIDChecksType(t *testing.T) {
	f := newAPI(t, nil)
	item := decode[api.EnqueueResponse](t, f.do(t, http.MethodPost, "/v1/operations/deal_enrichment", nil))

	rec := f.do(t, http.MethodPost, "/v1/operations/buyer_enrichment/complete", api.CompleteRequest{QueueID: item.ID})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for type mismatch, got %d %s", rec.Code, rec.Body.String())
	}
	rec = f.do(t, http.MethodPost, "/v1/operations/deal_enrichment/complete", api.CompleteRequest{QueueID: item.ID})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("complete: %d %s", rec.Code, rec.Body.String())
	}
}

func TestMaintenanceEndpoints(t *testing.T) {
	f := newAPI(t, nil)

	rec := f.do(t, http.MethodPost, "/v1/maintenance/sweep", nil)
	if got := decode[api.SweepResponse](t, rec); rec.Code != http.StatusOK || got.Recovered != 0 {
		t.Fatalf("unexpected sweep: %d %+v", rec.Code, got)
	}
	rec = f.do(t, http.MethodPost, "/v1/maintenance/drain", nil)
	if got := decode[api.DrainResponse](t, rec); rec.Code != http.StatusOK || len(got.Promoted) != 0 {
		t.Fatalf("unexpected drain: %d %+v", rec.Code, got)
	}
}
