package logging

import (
	"context"
	"log/slog"

	"conductor/internal/services"
)

const (
	// FieldComponent is the standardized structured logging key for component names.
	FieldComponent = "component"
	// FieldOperationType is the key for the coordinated operation type (e.g. deal_enrichment).
	FieldOperationType = "operation_type"
	// FieldQueueID is the key for queue item identifiers.
	FieldQueueID = "queue_id"
	// FieldProvider is the key for external provider identifiers.
	FieldProvider = "provider"
	// FieldCorrelationID is the standardized structured logging key for request correlation identifiers.
	FieldCorrelationID = "correlation_id"
	// FieldEventType classifies a log line for filtering (e.g. stale_recovered).
	FieldEventType = "event_type"
	// FieldErrorHint carries a short operator-facing next step.
	FieldErrorHint = "error_hint"
	// FieldImpact describes the consequence of a warning.
	FieldImpact = "impact"
)

// ContextFields extracts standardized slog attributes from the provided context.
func ContextFields(ctx context.Context) []slog.Attr {
	if ctx == nil {
		return nil
	}
	fields := make([]slog.Attr, 0, 4)
	if opType, ok := services.OperationTypeFromContext(ctx); ok {
		fields = append(fields, OperationType(opType))
	}
	if id, ok := services.QueueIDFromContext(ctx); ok {
		fields = append(fields, QueueID(id))
	}
	if provider, ok := services.ProviderFromContext(ctx); ok {
		fields = append(fields, Provider(provider))
	}
	if rid, ok := services.RequestIDFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldCorrelationID, rid))
	}
	return fields
}

// WithContext returns a logger augmented with structured fields derived from the supplied context.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = NewNop()
	}
	fields := ContextFields(ctx)
	if len(fields) == 0 {
		return logger
	}
	return logger.With(Args(fields...)...)
}
