package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"conductor/internal/ratelimit"
)

var _ ratelimit.Store = (*Store)(nil)

// ProviderState returns the persisted state for provider. A provider with no
// row yet reports zero concurrency and no backoff.
func (s *Store) ProviderState(ctx context.Context, provider string) (ratelimit.State, error) {
	ctx = ensureContext(ctx)
	state := ratelimit.State{Provider: provider}
	var (
		backoffRaw   *string
		lastLimitRaw *string
	)
	err := s.db.QueryRowContext(
		ctx,
		`SELECT backoff_until, concurrent_requests, last_rate_limit_at FROM provider_state WHERE provider = ?`,
		provider,
	).Scan(&backoffRaw, &state.ConcurrentRequests, &lastLimitRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return state, nil
	}
	if err != nil {
		return state, fmt.Errorf("read provider state: %w", err)
	}
	state.BackoffUntil = parseOptionalTime(backoffRaw)
	state.LastRateLimitAt = parseOptionalTime(lastLimitRaw)
	return state, nil
}

// IncrementConcurrent atomically adds one in-flight request for provider.
func (s *Store) IncrementConcurrent(ctx context.Context, provider string) error {
	now := formatTime(s.now())
	if _, err := s.execWithRetry(
		ctx,
		`INSERT INTO provider_state (provider, concurrent_requests, updated_at)
        VALUES (?, 1, ?)
        ON CONFLICT(provider) DO UPDATE SET
            concurrent_requests = concurrent_requests + 1,
            updated_at = excluded.updated_at`,
		provider,
		now,
	); err != nil {
		return fmt.Errorf("increment concurrent requests: %w", err)
	}
	return nil
}

// DecrementConcurrent atomically removes one in-flight request, never going
// below zero.
func (s *Store) DecrementConcurrent(ctx context.Context, provider string) error {
	if _, err := s.execWithRetry(
		ctx,
		`UPDATE provider_state
        SET concurrent_requests = MAX(concurrent_requests - 1, 0), updated_at = ?
        WHERE provider = ?`,
		formatTime(s.now()),
		provider,
	); err != nil {
		return fmt.Errorf("decrement concurrent requests: %w", err)
	}
	return nil
}

// SetBackoff records a provider-signalled cooldown. An earlier deadline
// never shortens a backoff already stored.
func (s *Store) SetBackoff(ctx context.Context, provider string, until, reportedAt time.Time) error {
	if _, err := s.execWithRetry(
		ctx,
		`INSERT INTO provider_state (provider, backoff_until, last_rate_limit_at, concurrent_requests, updated_at)
        VALUES (?, ?, ?, 0, ?)
        ON CONFLICT(provider) DO UPDATE SET
            backoff_until = CASE
                WHEN provider_state.backoff_until IS NULL OR excluded.backoff_until > provider_state.backoff_until
                THEN excluded.backoff_until
                ELSE provider_state.backoff_until
            END,
            last_rate_limit_at = excluded.last_rate_limit_at,
            updated_at = excluded.updated_at`,
		provider,
		formatTime(until),
		formatTime(reportedAt),
		formatTime(s.now()),
	); err != nil {
		return fmt.Errorf("set provider backoff: %w", err)
	}
	return nil
}

// ProviderStates lists every provider with persisted state.
func (s *Store) ProviderStates(ctx context.Context) ([]ratelimit.State, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(ctx,
		`SELECT provider, backoff_until, concurrent_requests, last_rate_limit_at FROM provider_state ORDER BY provider`,
	)
	if err != nil {
		return nil, fmt.Errorf("list provider state: %w", err)
	}
	defer rows.Close()

	var states []ratelimit.State
	for rows.Next() {
		var (
			state        ratelimit.State
			backoffRaw   *string
			lastLimitRaw *string
		)
		if err := rows.Scan(&state.Provider, &backoffRaw, &state.ConcurrentRequests, &lastLimitRaw); err != nil {
			return nil, fmt.Errorf("scan provider state: %w", err)
		}
		state.BackoffUntil = parseOptionalTime(backoffRaw)
		state.LastRateLimitAt = parseOptionalTime(lastLimitRaw)
		states = append(states, state)
	}
	return states, rows.Err()
}
