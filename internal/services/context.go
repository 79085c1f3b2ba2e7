package services

import "context"

type contextKey string

const (
	operationTypeKey contextKey = "operation_type"
	queueIDKey       contextKey = "queue_id"
	providerKey      contextKey = "provider"
	requestIDKey     contextKey = "request_id"
)

// WithOperationType annotates context with the coordinated operation type.
func WithOperationType(ctx context.Context, opType string) context.Context {
	return withString(ctx, operationTypeKey, opType)
}

// OperationTypeFromContext returns the operation type if present.
func OperationTypeFromContext(ctx context.Context) (string, bool) {
	return stringFrom(ctx, operationTypeKey)
}

// WithQueueID annotates context with the queue item identifier.
func WithQueueID(ctx context.Context, id string) context.Context {
	return withString(ctx, queueIDKey, id)
}

// QueueIDFromContext extracts the queue item identifier if present.
func QueueIDFromContext(ctx context.Context) (string, bool) {
	return stringFrom(ctx, queueIDKey)
}

// WithProvider annotates context with the external provider id.
func WithProvider(ctx context.Context, provider string) context.Context {
	return withString(ctx, providerKey, provider)
}

// ProviderFromContext returns the provider id if present.
func ProviderFromContext(ctx context.Context) (string, bool) {
	return stringFrom(ctx, providerKey)
}

// WithRequestID annotates context with a correlation identifier.
func WithRequestID(ctx context.Context, id string) context.Context {
	return withString(ctx, requestIDKey, id)
}

// RequestIDFromContext extracts the correlation identifier if present.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	return stringFrom(ctx, requestIDKey)
}

func withString(ctx context.Context, key contextKey, value string) context.Context {
	if value == "" {
		return ctx
	}
	return context.WithValue(ctx, key, value)
}

func stringFrom(ctx context.Context, key contextKey) (string, bool) {
	if ctx == nil {
		return "", false
	}
	if v, ok := ctx.Value(key).(string); ok && v != "" {
		return v, true
	}
	return "", false
}
