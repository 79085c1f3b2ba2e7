package logging_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"conductor/internal/config"
	"conductor/internal/logging"
	"conductor/internal/services"
)

func TestNewFromConfigWritesLogFile(t *testing.T) {
	cfg := config.Default()
	cfg.Paths.LogDir = t.TempDir()

	logger, err := logging.NewFromConfig(&cfg)
	if err != nil {
		t.Fatalf("NewFromConfig returned error: %v", err)
	}
	logger.Info("hello from config")

	content, err := os.ReadFile(filepath.Join(cfg.Paths.LogDir, "conductor.log"))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(content), "hello from config") {
		t.Fatalf("expected message in log file, got %q", content)
	}
}

func TestConsoleLoggerOmitsCallerForInfo(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "console-info.log")

	logger, err := logging.New(logging.Options{Format: "console", Level: "info", OutputPaths: []string{logPath}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logger.Info("message without caller")

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if strings.Contains(string(content), ".go:") {
		t.Fatalf("expected no caller information in info logs, got %q", content)
	}
}

func TestConsoleLoggerIncludesCallerForDebug(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "console-debug.log")

	logger, err := logging.New(logging.Options{Format: "console", Level: "debug", OutputPaths: []string{logPath}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logger.Info("message with caller")

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(content), ".go:") {
		t.Fatalf("expected caller information in debug logs, got %q", content)
	}
}

func TestConsoleLoggerLiftsComponentAndOperation(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "console.log")

	logger, err := logging.New(logging.Options{Format: "console", Level: "info", OutputPaths: []string{logPath}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logger = logging.NewComponentLogger(logger, "coordinator")
	logger.Info("operation promoted", logging.OperationType("deal_enrichment"), logging.Int("remaining", 2))

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	line := string(content)
	if !strings.Contains(line, "INFO coordinator: operation promoted [deal_enrichment]") {
		t.Fatalf("unexpected console layout: %q", line)
	}
	if !strings.Contains(line, "remaining=2") {
		t.Fatalf("expected remaining attr, got %q", line)
	}
}

func TestJSONLoggerUsesLowercaseLevels(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "json.log")

	logger, err := logging.New(logging.Options{Format: "json", Level: "info", OutputPaths: []string{logPath}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logger.Warn("json message", logging.String("k", "v"))

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	var record map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(content), &record); err != nil {
		t.Fatalf("decode json log: %v", err)
	}
	if record["level"] != "warn" {
		t.Fatalf("expected lowercase level, got %v", record["level"])
	}
	if _, ok := record["ts"]; !ok {
		t.Fatalf("expected ts key, got %v", record)
	}
	if record["k"] != "v" {
		t.Fatalf("expected k=v, got %v", record["k"])
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	if _, err := logging.New(logging.Options{Format: "xml"}); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func TestNewInvalidLevelDefaultsToInfo(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "level.log")
	logger, err := logging.New(logging.Options{Format: "console", Level: "invalid", OutputPaths: []string{logPath}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logger.Debug("hidden")
	logger.Info("visible")

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if strings.Contains(string(content), "hidden") || !strings.Contains(string(content), "visible") {
		t.Fatalf("expected info level filtering, got %q", content)
	}
}

type captureHandler struct {
	attrs   []slog.Attr
	records []slog.Record
}

func (h *captureHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *captureHandler) Handle(_ context.Context, r slog.Record) error {
	h.records = append(h.records, r)
	return nil
}

func (h *captureHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	h.attrs = append(h.attrs, attrs...)
	return h
}

func (h *captureHandler) WithGroup(string) slog.Handler { return h }

func TestWithContextAddsFields(t *testing.T) {
	ctx := context.Background()
	ctx = services.WithOperationType(ctx, "deal_enrichment")
	ctx = services.WithQueueID(ctx, "q-42")
	ctx = services.WithProvider(ctx, "anthropic")
	ctx = services.WithRequestID(ctx, "req-1")

	handler := &captureHandler{}
	logger := logging.WithContext(ctx, slog.New(handler))
	logger.Info("ctx")

	got := map[string]string{}
	for _, attr := range handler.attrs {
		got[attr.Key] = attr.Value.String()
	}
	want := map[string]string{
		logging.FieldOperationType: "deal_enrichment",
		logging.FieldQueueID:       "q-42",
		logging.FieldProvider:      "anthropic",
		logging.FieldCorrelationID: "req-1",
	}
	for key, value := range want {
		if got[key] != value {
			t.Fatalf("expected %s=%q, got %q", key, value, got[key])
		}
	}
}

func TestWithContextNoFieldsReturnsSameLogger(t *testing.T) {
	base := logging.NewNop()
	if logging.WithContext(context.Background(), base) != base {
		t.Fatal("expected logger to be returned unchanged")
	}
}

func TestWarnWithContextInjectsDefaults(t *testing.T) {
	handler := &captureHandler{}
	logging.WarnWithContext(slog.New(handler), "degraded", "provider_state_unavailable")

	if len(handler.records) != 1 {
		t.Fatalf("expected one record, got %d", len(handler.records))
	}
	keys := map[string]bool{}
	handler.records[0].Attrs(func(a slog.Attr) bool {
		keys[a.Key] = true
		return true
	})
	for _, key := range []string{logging.FieldEventType, logging.FieldErrorHint, logging.FieldImpact} {
		if !keys[key] {
			t.Fatalf("expected %s to be injected", key)
		}
	}
}

func TestLoggersRedactSecrets(t *testing.T) {
	for _, format := range []string{"console", "json"} {
		t.Run(format, func(t *testing.T) {
			logPath := filepath.Join(t.TempDir(), format+".log")
			logger, err := logging.New(logging.Options{Format: format, Level: "info", OutputPaths: []string{logPath}})
			if err != nil {
				t.Fatalf("New returned error: %v", err)
			}
			logger.Info("configuration snapshot",
				logging.String("api_token", "s3cret"),
				logging.String("postgres_dsn", "postgres://conductor:hunter2@db:5432/conductor"),
				logging.String("queue_backend", "postgres"),
			)

			content, err := os.ReadFile(logPath)
			if err != nil {
				t.Fatalf("read log file: %v", err)
			}
			line := string(content)
			if strings.Contains(line, "s3cret") || strings.Contains(line, "hunter2") {
				t.Fatalf("expected secrets redacted, got %q", line)
			}
			if !strings.Contains(line, "conductor:xxxxx@db:5432") || !strings.Contains(line, "postgres") {
				t.Fatalf("expected redacted dsn and plain fields, got %q", line)
			}
		})
	}
}

func TestErrorWithContextKeepsExplicitHint(t *testing.T) {
	handler := &captureHandler{}
	logging.ErrorWithContext(slog.New(handler), "drain failed", "drain_failed",
		logging.String(logging.FieldErrorHint, "inspect the processor endpoint"),
	)
	if len(handler.records) != 1 {
		t.Fatalf("expected one record, got %d", len(handler.records))
	}
	got := map[string]string{}
	handler.records[0].Attrs(func(a slog.Attr) bool {
		got[a.Key] = a.Value.String()
		return true
	})
	if got[logging.FieldErrorHint] != "inspect the processor endpoint" || got[logging.FieldEventType] != "drain_failed" {
		t.Fatalf("unexpected attrs: %v", got)
	}
	if _, ok := got[logging.FieldImpact]; ok {
		t.Fatal("error lines should not get a default impact")
	}
}
