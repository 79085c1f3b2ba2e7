package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"conductor/internal/ratelimit"
)

// ProviderState returns the persisted state for provider.
func (s *Store) ProviderState(ctx context.Context, provider string) (ratelimit.State, error) {
	state := ratelimit.State{Provider: provider}
	err := s.pool.QueryRow(ctx,
		`SELECT backoff_until, concurrent_requests, last_rate_limit_at FROM provider_state WHERE provider = $1`,
		provider,
	).Scan(&state.BackoffUntil, &state.ConcurrentRequests, &state.LastRateLimitAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return state, nil
	}
	if err != nil {
		return state, fmt.Errorf("read provider state: %w", err)
	}
	return state, nil
}

// IncrementConcurrent atomically adds one in-flight request.
func (s *Store) IncrementConcurrent(ctx context.Context, provider string) error {
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO provider_state (provider, concurrent_requests, updated_at)
        VALUES ($1, 1, $2)
        ON CONFLICT (provider) DO UPDATE SET
            concurrent_requests = provider_state.concurrent_requests + 1,
            updated_at = EXCLUDED.updated_at`,
		provider, s.timestamp(),
	); err != nil {
		return fmt.Errorf("increment concurrent requests: %w", err)
	}
	return nil
}

// DecrementConcurrent atomically removes one in-flight request, clamped at zero.
func (s *Store) DecrementConcurrent(ctx context.Context, provider string) error {
	if _, err := s.pool.Exec(ctx,
		`UPDATE provider_state
        SET concurrent_requests = GREATEST(concurrent_requests - 1, 0), updated_at = $1
        WHERE provider = $2`,
		s.timestamp(), provider,
	); err != nil {
		return fmt.Errorf("decrement concurrent requests: %w", err)
	}
	return nil
}

// SetBackoff records a provider-signalled cooldown.
// An earlier deadline never shortens a backoff already stored.
func (s *Store) SetBackoff(ctx context.Context, provider string, until, reportedAt time.Time) error {
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO provider_state (provider, backoff_until, last_rate_limit_at, concurrent_requests, updated_at)
        VALUES ($1, $2, $3, 0, $4)
        ON CONFLICT (provider) DO UPDATE SET
            backoff_until = GREATEST(provider_state.backoff_until, EXCLUDED.backoff_until),
            last_rate_limit_at = EXCLUDED.last_rate_limit_at,
            updated_at = EXCLUDED.updated_at`,
		provider, until.UTC(), reportedAt.UTC(), s.timestamp(),
	); err != nil {
		return fmt.Errorf("set provider backoff: %w", err)
	}
	return nil
}

// ProviderStates lists every provider with persisted state.
func (s *Store) ProviderStates(ctx context.Context) ([]ratelimit.State, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT provider, backoff_until, concurrent_requests, last_rate_limit_at FROM provider_state ORDER BY provider`,
	)
	if err != nil {
		return nil, fmt.Errorf("list provider state: %w", err)
	}
	defer rows.Close()
	var states []ratelimit.State
	for rows.Next() {
		var state ratelimit.State
		if err := rows.Scan(&state.Provider, &state.BackoffUntil, &state.ConcurrentRequests, &state.LastRateLimitAt); err != nil {
			return nil, fmt.Errorf("scan provider state: %w", err)
		}
		states = append(states, state)
	}
	return states, rows.Err()
}
