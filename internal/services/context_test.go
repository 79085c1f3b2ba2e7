package services_test

import (
	"context"
	"testing"

	"conductor/internal/services"
)

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	ctx = services.WithOperationType(ctx, "deal_enrichment")
	ctx = services.WithQueueID(ctx, "q-1")
	ctx = services.WithProvider(ctx, "anthropic")
	ctx = services.WithRequestID(ctx, "req-123")

	if v, ok := services.OperationTypeFromContext(ctx); !ok || v != "deal_enrichment" {
		t.Fatalf("unexpected operation type: %v %v", v, ok)
	}
	if v, ok := services.QueueIDFromContext(ctx); !ok || v != "q-1" {
		t.Fatalf("unexpected queue id: %v %v", v, ok)
	}
	if v, ok := services.ProviderFromContext(ctx); !ok || v != "anthropic" {
		t.Fatalf("unexpected provider: %v %v", v, ok)
	}
	if v, ok := services.RequestIDFromContext(ctx); !ok || v != "req-123" {
		t.Fatalf("unexpected request id: %v %v", v, ok)
	}
}

func TestBlankValuesPreserveContext(t *testing.T) {
	ctx := context.Background()
	ctx = services.WithOperationType(ctx, "")
	ctx = services.WithProvider(ctx, "")
	if _, ok := services.OperationTypeFromContext(ctx); ok {
		t.Fatal("expected no operation type value")
	}
	if _, ok := services.ProviderFromContext(ctx); ok {
		t.Fatal("expected no provider value")
	}
}
