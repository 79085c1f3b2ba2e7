package ratelimit

import (
	"context"
	"time"
)

// State is the persisted, cross-process view of one provider.
type State struct {
	Provider           string
	BackoffUntil       *time.Time
	ConcurrentRequests int64
	LastRateLimitAt    *time.Time
}

// InBackoff reports whether the provider is cooling down at now.
func (s State) InBackoff(now time.Time) bool {
	return s.BackoffUntil != nil && s.BackoffUntil.After(now)
}

// Store persists provider state. Implementations must make the concurrency
// counter updates atomic on the store side; DecrementConcurrent must never
// drive the stored value below zero.
type Store interface {
	ProviderState(ctx context.Context, provider string) (State, error)
	IncrementConcurrent(ctx context.Context, provider string) error
	DecrementConcurrent(ctx context.Context, provider string) error
	SetBackoff(ctx context.Context, provider string, until, reportedAt time.Time) error
}
