// Package pgstore keeps the queue and provider state in PostgreSQL for
// deployments where workers run on more than one host.
package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"conductor/internal/config"
	"conductor/internal/queue"
	"conductor/internal/ratelimit"
)

//go:embed schema.sql
var schemaSQL string

const uniqueViolation = "23505"

var (
	_ queue.CounterIncrementer = (*Store)(nil)
	_ ratelimit.Store          = (*Store)(nil)
)

// Store implements the queue and provider-state contracts on a pgx pool.
type Store struct {
	pool *pgxpool.Pool

	clockMu sync.RWMutex
	now     func() time.Time
}

// Open connects to cfg.Store.PostgresDSN and ensures the schema exists.
func Open(ctx context.Context, cfg *config.Config) (*Store, error) {
	if cfg == nil {
		return nil, errors.New("pgstore: config is required")
	}
	dsn := strings.TrimSpace(cfg.Store.PostgresDSN)
	if dsn == "" {
		return nil, errors.New("pgstore: postgres_dsn is not configured")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	s := New(pool)
	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, now: time.Now}
}

// EnsureSchema creates missing tables and indexes.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create postgres schema: %w", err)
	}
	return nil
}

// SetClock overrides the time source used for stored timestamps.
func (s *Store) SetClock(now func() time.Time) {
	if now == nil {
		return
	}
	s.clockMu.Lock()
	s.now = now
	s.clockMu.Unlock()
}

func (s *Store) timestamp() time.Time {
	s.clockMu.RLock()
	defer s.clockMu.RUnlock()
	return s.now().UTC()
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// Truncate removes every queue item and provider record.
func (s *Store) Truncate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `TRUNCATE queue_items, provider_state`); err != nil {
		return fmt.Errorf("truncate: %w", err)
	}
	return nil
}
