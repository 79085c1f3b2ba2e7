// Package dispatch wakes the processor registered for an operation type once
// the coordinator promotes a queued item.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"conductor/internal/logging"
	"conductor/internal/services"
)

const defaultTimeout = 10 * time.Second

// Trigger describes a promoted item to hand to its processor.
type Trigger struct {
	OperationType string
	QueueID       string
	Context       map[string]any
}

// Payload builds the POST body: the item context plus fromQueue and queueId,
// which always win over same-named context keys.
func (t Trigger) Payload() map[string]any {
	body := make(map[string]any, len(t.Context)+2)
	for k, v := range t.Context {
		body[k] = v
	}
	body["fromQueue"] = true
	body["queueId"] = t.QueueID
	return body
}

// Dispatcher posts triggers to per-operation-type endpoints.
type Dispatcher struct {
	endpoints map[string]string
	client    *http.Client
	logger    *slog.Logger
	async     bool
	pending   sync.WaitGroup
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(d *Dispatcher) {
		if client != nil {
			d.client = client
		}
	}
}

// WithSynchronous makes Fire wait for the POST to finish. Used by tests and
// the CLI, where the process may exit right after promotion.
func WithSynchronous() Option {
	return func(d *Dispatcher) {
		d.async = false
	}
}

// New constructs a Dispatcher. endpoints maps operation type to URL; types
// without an endpoint are skipped.
func New(endpoints map[string]string, timeout time.Duration, logger *slog.Logger, opts ...Option) *Dispatcher {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	cp := make(map[string]string, len(endpoints))
	for k, v := range endpoints {
		if v = strings.TrimSpace(v); v != "" {
			cp[k] = v
		}
	}
	d := &Dispatcher{
		endpoints: cp,
		client:    &http.Client{Timeout: timeout},
		logger:    logging.NewComponentLogger(logger, "dispatch"),
		async:     true,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Endpoint returns the URL registered for opType.
func (d *Dispatcher) Endpoint(opType string) (string, bool) {
	url, ok := d.endpoints[opType]
	return url, ok
}

// Fire posts t to its processor without awaiting a result beyond logging.
// It reports whether an endpoint was registered. Failures are logged and
// never retried.
func (d *Dispatcher) Fire(ctx context.Context, t Trigger) bool {
	endpoint, ok := d.Endpoint(t.OperationType)
	logger := logging.WithContext(services.WithQueueID(services.WithOperationType(ctx, t.OperationType), t.QueueID), d.logger)
	if !ok {
		logger.Info("no processor endpoint registered; waiting for periodic trigger",
			logging.String(logging.FieldEventType, "dispatch_skipped"),
		)
		return false
	}

	send := func() {
		sendCtx := context.WithoutCancel(ctx)
		if err := d.Post(sendCtx, endpoint, t); err != nil {
			logging.WarnWithContext(logger, "processor trigger failed", "dispatch_failed",
				logging.Error(err),
				logging.String("endpoint", endpoint),
				logging.String(logging.FieldErrorHint, "the periodic sweep will retrigger the processor"),
				logging.String(logging.FieldImpact, "promoted operation waits for the next fallback trigger"),
			)
			return
		}
		logger.Info("processor triggered",
			logging.String(logging.FieldEventType, "dispatch_sent"),
			logging.String("endpoint", endpoint),
		)
	}
	if d.async {
		d.pending.Add(1)
		go func() {
			defer d.pending.Done()
			send()
		}()
	} else {
		send()
	}
	return true
}

// Wait blocks until asynchronous triggers have finished.
func (d *Dispatcher) Wait() {
	d.pending.Wait()
}

// Post sends one trigger and returns any transport or status error.
func (d *Dispatcher) Post(ctx context.Context, endpoint string, t Trigger) error {
	body, err := json.Marshal(t.Payload())
	if err != nil {
		return fmt.Errorf("encode trigger: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build trigger request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if rid, ok := services.RequestIDFromContext(ctx); ok {
		req.Header.Set("X-Request-ID", rid)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("post trigger: %w", err)
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return services.NewHTTPStatusError(t.OperationType, resp, string(snippet))
	}
	return nil
}
