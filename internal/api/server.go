package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"conductor/internal/breaker"
	"conductor/internal/config"
	"conductor/internal/coordinator"
	"conductor/internal/logging"
	"conductor/internal/queue"
	"conductor/internal/ratelimit"
	"conductor/internal/services"
)

const (
	maxBodyBytes = 1 << 20
	// Longest backoff a client may report in one call.
	maxRetryAfter = 24 * time.Hour
)

// ProviderStates reads persisted provider state. queue.Store, pgstore.Store
// and redisstate.Store all satisfy it.
type ProviderStates interface {
	ProviderState(ctx context.Context, provider string) (ratelimit.State, error)
	ProviderStates(ctx context.Context) ([]ratelimit.State, error)
}

// Deps are the collaborators the API serves.
type Deps struct {
	Coordinator *coordinator.Coordinator
	Limiter     *ratelimit.Limiter
	States      ProviderStates
	// Breakers is optional; when set provider responses include breaker state.
	Breakers *breaker.Registry
}

// Server is the HTTP API.
type Server struct {
	deps    Deps
	logger  *slog.Logger
	clients *clientLimiter
	router  chi.Router
}

// New builds the router from cfg.API settings.
func New(cfg *config.Config, deps Deps, logger *slog.Logger) *Server {
	s := &Server{
		deps:    deps,
		logger:  logging.NewComponentLogger(logger, "api"),
		clients: newClientLimiter(cfg.API.RatePerSecond, cfg.API.Burst),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(s.logger))
	r.Use(s.clients.middleware)

	r.Get("/healthz", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(cfg.API.Token))

		r.Route("/v1/operations", func(r chi.Router) {
			r.Get("/", s.handleList)
			r.Route("/{type}", func(r chi.Router) {
				r.Post("/", s.handleEnqueue)
				r.Get("/", s.handleStatus)
				r.Post("/pause", s.handlePause)
				r.Post("/resume", s.handleResume)
				r.Post("/complete", s.handleComplete)
				r.Post("/progress", s.handleProgress)
			})
		})
		r.Get("/v1/items/{id}", s.handleGetItem)
		r.Post("/v1/maintenance/sweep", s.handleSweep)
		r.Post("/v1/maintenance/drain", s.handleDrain)
		r.Get("/v1/providers", s.handleProviders)
		r.Get("/v1/providers/{id}", s.handleProvider)
		r.Post("/v1/providers/{id}/rate-limit", s.handleRateLimit)
	})

	s.router = r
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// RunJanitor evicts idle client buckets until ctx is done.
func (s *Server) RunJanitor(ctx context.Context) {
	s.clients.run(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	summary, err := s.deps.Coordinator.Health(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, FromHealth(summary))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := queue.ListFilter{OperationType: strings.TrimSpace(query.Get("type"))}
	for _, value := range query["status"] {
		for _, part := range strings.Split(value, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			status, ok := queue.ParseStatus(part)
			if !ok {
				writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "unknown status " + strconv.Quote(part)})
				return
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid limit"})
			return
		}
		filter.Limit = limit
	}
	items, err := s.deps.Coordinator.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, OperationListResponse{Items: FromQueueItems(items)})
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := decodeBody(r, &body, true); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	item, err := s.deps.Coordinator.Enqueue(r.Context(), chi.URLParam(r, "type"), body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if item.Status == queue.StatusQueued {
		status = http.StatusAccepted
	}
	writeJSON(w, status, EnqueueResponse{ID: item.ID, Status: string(item.Status), Item: FromQueueItem(item)})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	item, err := s.deps.Coordinator.Status(r.Context(), chi.URLParam(r, "type"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if item == nil {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "no active operation"})
		return
	}
	writeJSON(w, http.StatusOK, OperationResponse{Item: FromQueueItem(item)})
}

func (s *Server) handleGetItem(w http.ResponseWriter, r *http.Request) {
	item, err := s.deps.Coordinator.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if item == nil {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "queue item not found"})
		return
	}
	writeJSON(w, http.StatusOK, OperationResponse{Item: FromQueueItem(item)})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	item, err := s.deps.Coordinator.Pause(r.Context(), chi.URLParam(r, "type"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, OperationResponse{Item: FromQueueItem(item)})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	item, err := s.deps.Coordinator.Resume(r.Context(), chi.URLParam(r, "type"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, OperationResponse{Item: FromQueueItem(item)})
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req CompleteRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	final := queue.Status(strings.ToLower(strings.TrimSpace(req.Status)))
	if final == "" {
		final = queue.StatusCompleted
	}

	opType := chi.URLParam(r, "type")
	var err error
	if id := strings.TrimSpace(req.QueueID); id != "" {
		err = s.deps.Coordinator.CompleteItem(r.Context(), opType, id, final)
	} else {
		err = s.deps.Coordinator.CompleteOperation(r.Context(), opType, final)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	var req ProgressRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	opType := chi.URLParam(r, "type")
	if req.Total != nil {
		s.deps.Coordinator.SetTotal(r.Context(), opType, req.QueueID, *req.Total)
	}
	s.deps.Coordinator.UpdateProgress(r.Context(), opType, coordinator.Progress{
		QueueID:        req.QueueID,
		CompletedDelta: req.CompletedDelta,
		FailedDelta:    req.FailedDelta,
		Error:          ToErrorEntry(req.Error),
	})
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	recovered, err := s.deps.Coordinator.RecoverStaleOperations(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SweepResponse{Recovered: recovered})
}

func (s *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	promoted, err := s.deps.Coordinator.DrainAll(r.Context(), 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, DrainResponse{Promoted: FromQueueItems(promoted)})
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	if s.deps.States == nil {
		writeJSON(w, http.StatusOK, ProviderListResponse{Providers: []ProviderStatus{}})
		return
	}
	states, err := s.deps.States.ProviderStates(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]ProviderStatus, 0, len(states))
	for _, state := range states {
		out = append(out, s.providerStatus(r.Context(), state))
	}
	writeJSON(w, http.StatusOK, ProviderListResponse{Providers: out})
}

func (s *Server) handleProvider(w http.ResponseWriter, r *http.Request) {
	provider := strings.TrimSpace(chi.URLParam(r, "id"))
	state := ratelimit.State{Provider: provider}
	if s.deps.States != nil {
		read, err := s.deps.States.ProviderState(r.Context(), provider)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		state = read
	}
	writeJSON(w, http.StatusOK, s.providerStatus(r.Context(), state))
}

func (s *Server) providerStatus(ctx context.Context, state ratelimit.State) ProviderStatus {
	avail := s.deps.Limiter.CheckAvailability(ctx, state.Provider)
	status := FromProviderState(state, avail, s.deps.Limiter.Limits(state.Provider))
	if s.deps.Breakers != nil {
		for _, snap := range s.deps.Breakers.Snapshots() {
			if snap.Name == state.Provider {
				status.Breaker = string(snap.State)
				status.BreakerFailures = snap.Failures
			}
		}
	}
	return status
}

func (s *Server) handleRateLimit(w http.ResponseWriter, r *http.Request) {
	var req RateLimitRequest
	if err := decodeBody(r, &req, true); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	if req.RetryAfterSeconds < 0 {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "retryAfterSeconds must not be negative"})
		return
	}
	if req.RetryAfterSeconds > maxRetryAfter.Seconds() {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: fmt.Sprintf("retryAfterSeconds must not exceed %.0f", maxRetryAfter.Seconds())})
		return
	}
	provider := strings.TrimSpace(chi.URLParam(r, "id"))
	retryAfter := time.Duration(req.RetryAfterSeconds * float64(time.Second))
	until := s.deps.Limiter.ReportRateLimit(r.Context(), provider, retryAfter)
	writeJSON(w, http.StatusOK, RateLimitResponse{Provider: provider, BackoffUntil: formatTime(until)})
}

func decodeBody(r *http.Request, dst any, allowEmpty bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) && allowEmpty {
			return nil
		}
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return errors.New("invalid JSON body: " + err.Error())
	}
	return nil
}

// writeError maps domain errors onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, coordinator.ErrNoActiveOperation):
		status = http.StatusConflict
	case errors.Is(err, coordinator.ErrInvalidStatus), errors.Is(err, services.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, queue.ErrNotFound), errors.Is(err, services.ErrNotFound):
		status = http.StatusNotFound
	}
	if status == http.StatusInternalServerError {
		logging.ErrorWithContext(logging.WithContext(r.Context(), s.logger), "api request failed", "api_request_failed",
			logging.Error(err),
			logging.String("path", r.URL.Path),
			logging.String(logging.FieldErrorHint, "check the queue store connection"),
		)
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
