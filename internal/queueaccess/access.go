// Package queueaccess opens the queue and provider-state backends selected by
// configuration and hands callers one session that owns them.
package queueaccess

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"conductor/internal/breaker"
	"conductor/internal/config"
	"conductor/internal/coordinator"
	"conductor/internal/dispatch"
	"conductor/internal/logging"
	"conductor/internal/outbound"
	"conductor/internal/pgstore"
	"conductor/internal/queue"
	"conductor/internal/ratelimit"
	"conductor/internal/redisstate"
	"conductor/internal/services"
)

// QueueStore is the queue-item persistence surface the daemon and CLI need.
type QueueStore interface {
	coordinator.Store
	RequeueFailed(ctx context.Context, ids ...string) (int64, error)
	ClearTerminal(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
}

// StateStore persists provider state and lists it for reporting.
type StateStore interface {
	ratelimit.Store
	ProviderStates(ctx context.Context) ([]ratelimit.State, error)
}

// LeaderFunc tries to take the cluster-wide sweep lock. ok is false when
// another process holds it.
type LeaderFunc func(ctx context.Context) (release func(), ok bool, err error)

// Session bundles the opened backends and the services built on them.
type Session struct {
	Queue       QueueStore
	States      StateStore
	Coordinator *coordinator.Coordinator
	Limiter     *ratelimit.Limiter
	Breakers    *breaker.Registry
	Dispatcher  *dispatch.Dispatcher
	Outbound    *outbound.Client
	// Leader is nil for single-host backends.
	Leader LeaderFunc

	closers []func() error
}

// Option customizes Open.
type Option func(*options)

type options struct {
	dispatchOpts []dispatch.Option
}

// WithDispatchOptions passes options through to the dispatcher.
func WithDispatchOptions(opts ...dispatch.Option) Option {
	return func(o *options) {
		o.dispatchOpts = append(o.dispatchOpts, opts...)
	}
}

// Open connects the configured backends. The caller must Close the session.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*Session, error) {
	if cfg == nil {
		return nil, errors.New("open backends: nil config")
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	s := &Session{}
	var (
		sqliteStore *queue.Store
		pgStore     *pgstore.Store
	)
	openSQLite := func() (*queue.Store, error) {
		if sqliteStore != nil {
			return sqliteStore, nil
		}
		store, err := queue.Open(cfg)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		sqliteStore = store
		s.closers = append(s.closers, store.Close)
		return store, nil
	}
	openPostgres := func() (*pgstore.Store, error) {
		if pgStore != nil {
			return pgStore, nil
		}
		store, err := pgstore.Open(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		pgStore = store
		s.closers = append(s.closers, store.Close)
		return store, nil
	}

	switch cfg.Store.Backend {
	case config.BackendSQLite:
		store, err := openSQLite()
		if err != nil {
			return nil, err
		}
		s.Queue = store
	case config.BackendPostgres:
		store, err := openPostgres()
		if err != nil {
			return nil, err
		}
		s.Queue = store
		s.Leader = func(ctx context.Context) (func(), bool, error) {
			return store.TryLeader(ctx, pgstore.SweepLockKey)
		}
	default:
		return nil, services.Wrap(services.ErrConfiguration, "queueaccess", "open backends", fmt.Sprintf("unsupported queue backend %q", cfg.Store.Backend), nil)
	}

	switch cfg.Store.ProviderState {
	case config.BackendSQLite:
		store, err := openSQLite()
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		s.States = store
	case config.BackendPostgres:
		store, err := openPostgres()
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		s.States = store
	case config.BackendRedis:
		store, err := redisstate.Open(ctx, cfg)
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("open redis state: %w", err)
		}
		s.States = store
		s.closers = append(s.closers, store.Close)
	default:
		_ = s.Close()
		return nil, services.Wrap(services.ErrConfiguration, "queueaccess", "open backends", fmt.Sprintf("unsupported provider state backend %q", cfg.Store.ProviderState), nil)
	}

	s.Dispatcher = dispatch.New(Endpoints(cfg), cfg.DispatchTimeout(), logger, o.dispatchOpts...)
	s.Coordinator = coordinator.New(cfg, s.Queue, s.Dispatcher, logger)
	s.Limiter = ratelimit.New(cfg, s.States, logger)
	s.Breakers = breaker.NewRegistry(outbound.BreakerSettings(cfg), logger)
	s.Outbound = outbound.New(cfg, s.Limiter, s.Breakers, logger)

	logging.NewComponentLogger(logger, "backends").Debug("backends opened",
		logging.String("queue_backend", cfg.Store.Backend),
		logging.String("provider_state_backend", cfg.Store.ProviderState),
	)
	return s, nil
}

// Endpoints maps each configured operation type to its wake-up URL.
func Endpoints(cfg *config.Config) map[string]string {
	out := make(map[string]string, len(cfg.Operations))
	for name, op := range cfg.Operations {
		if op.Endpoint != "" {
			out[name] = op.Endpoint
		}
	}
	return out
}

// Close waits for in-flight triggers and state writes, then releases the
// backends in reverse order of opening.
func (s *Session) Close() error {
	if s == nil {
		return nil
	}
	if s.Dispatcher != nil {
		s.Dispatcher.Wait()
	}
	if s.Limiter != nil {
		s.Limiter.Flush()
	}
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

// Ping checks the queue backend within timeout.
func (s *Session) Ping(ctx context.Context, timeout time.Duration) error {
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.Queue.Ping(pingCtx)
}
