package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"conductor/internal/config"
)

const userAgent = "conductor/0.1.0"

// Service defines the notification surface used by the daemon and CLI.
type Service interface {
	NotifyStaleRecovered(ctx context.Context, recovered, promoted int) error
	NotifyDrainStarted(ctx context.Context, operationTypes []string) error
	NotifyError(ctx context.Context, err error, context string) error
	TestNotification(ctx context.Context) error
}

// NewService builds a notification service backed by ntfy when configured.
// When no ntfy topic is configured, a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	if cfg == nil {
		return noopService{}
	}
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}
	return &ntfyService{
		endpoint: topic,
		client:   &http.Client{Timeout: cfg.NotifyTimeout()},
	}
}

type payload struct {
	title    string
	message  string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint string
	client   *http.Client
}

func (n *ntfyService) NotifyStaleRecovered(ctx context.Context, recovered, promoted int) error {
	if recovered <= 0 {
		return nil
	}
	message := fmt.Sprintf("Failed %d stale operations", recovered)
	if promoted > 0 {
		message = fmt.Sprintf("%s, started %d queued", message, promoted)
	}
	data := payload{
		title:    "Conductor - Stale Operations",
		message:  message,
		tags:     []string{"conductor", "queue", "stale"},
		priority: "high",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyDrainStarted(ctx context.Context, operationTypes []string) error {
	if len(operationTypes) == 0 {
		return nil
	}
	data := payload{
		title:   "Conductor - Queue Drained",
		message: fmt.Sprintf("Started queued operations: %s", strings.Join(operationTypes, ", ")),
		tags:    []string{"conductor", "queue", "started"},
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyError(ctx context.Context, err error, contextLabel string) error {
	var builder strings.Builder
	builder.WriteString("Error")
	if contextLabel = strings.TrimSpace(contextLabel); contextLabel != "" {
		builder.WriteString(" during ")
		builder.WriteString(contextLabel)
	}
	builder.WriteString(": ")
	if err != nil {
		builder.WriteString(strings.TrimSpace(err.Error()))
	} else {
		builder.WriteString("unknown")
	}

	data := payload{
		title:    "Conductor - Error",
		message:  builder.String(),
		tags:     []string{"conductor", "error", "alert"},
		priority: "high",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) TestNotification(ctx context.Context) error {
	data := payload{
		title:    "Conductor - Test",
		message:  "Notification system test",
		tags:     []string{"conductor", "test"},
		priority: "low",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) send(ctx context.Context, data payload) error {
	if n == nil || n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.message))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type noopService struct{}

func (noopService) NotifyStaleRecovered(context.Context, int, int) error { return nil }
func (noopService) NotifyDrainStarted(context.Context, []string) error   { return nil }
func (noopService) NotifyError(context.Context, error, string) error     { return nil }
func (noopService) TestNotification(context.Context) error               { return nil }
