// Package redisstate keeps provider rate-limit state in Redis so workers on
// several hosts share backoff and in-flight counts without a SQL round trip.
package redisstate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"conductor/internal/config"
	"conductor/internal/ratelimit"
)

const (
	defaultPrefix = "conductor"

	fieldConcurrent    = "concurrent_requests"
	fieldBackoffUntil  = "backoff_until_ms"
	fieldLastRateLimit = "last_rate_limit_ms"
)

var _ ratelimit.Store = (*Store)(nil)

// decrementScript lowers the counter by one without letting it go negative.
var decrementScript = redis.NewScript(`
local v = redis.call('HINCRBY', KEYS[1], ARGV[1], -1)
if v < 0 then
  redis.call('HSET', KEYS[1], ARGV[1], 0)
  return 0
end
return v
`)

// backoffScript keeps the later of the stored and reported backoff deadlines.
var backoffScript = redis.NewScript(`
local current = tonumber(redis.call('HGET', KEYS[1], ARGV[1]) or '0')
local until = tonumber(ARGV[2])
if until > current then
  redis.call('HSET', KEYS[1], ARGV[1], until)
  current = until
end
redis.call('HSET', KEYS[1], ARGV[3], ARGV[4])
return current
`)

// Store implements ratelimit.Store on a Redis hash per provider.
type Store struct {
	rdb    redis.UniversalClient
	prefix string
	owned  bool
}

// Option customizes a Store.
type Option func(*Store)

// WithPrefix overrides the key prefix.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		if p := strings.Trim(strings.TrimSpace(prefix), ":"); p != "" {
			s.prefix = p
		}
	}
}

// New wraps an existing client.
func New(rdb redis.UniversalClient, opts ...Option) *Store {
	s := &Store{rdb: rdb, prefix: defaultPrefix}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open connects using the store settings in cfg and verifies the connection.
func Open(ctx context.Context, cfg *config.Config) (*Store, error) {
	if cfg == nil {
		return nil, errors.New("redisstate: config is required")
	}
	addr := strings.TrimSpace(cfg.Store.RedisAddr)
	if addr == "" {
		return nil, errors.New("redisstate: redis_addr is not configured")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Store.RedisPassword,
		DB:       cfg.Store.RedisDB,
	})
	s := New(rdb, WithPrefix(cfg.Store.RedisPrefix))
	s.owned = true
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return s, nil
}

// Close closes the client when Open created it.
func (s *Store) Close() error {
	if s.owned {
		return s.rdb.Close()
	}
	return nil
}

func (s *Store) providerKey(provider string) string {
	return s.prefix + ":provider:" + provider
}

func (s *Store) indexKey() string {
	return s.prefix + ":providers"
}

// ProviderState reads the provider hash. A missing hash reports zero state.
func (s *Store) ProviderState(ctx context.Context, provider string) (ratelimit.State, error) {
	values, err := s.rdb.HGetAll(ctx, s.providerKey(provider)).Result()
	if err != nil {
		return ratelimit.State{Provider: provider}, fmt.Errorf("read provider state: %w", err)
	}
	return decodeState(provider, values), nil
}

// IncrementConcurrent adds one in-flight request with HINCRBY.
func (s *Store) IncrementConcurrent(ctx context.Context, provider string) error {
	pipe := s.rdb.Pipeline()
	pipe.HIncrBy(ctx, s.providerKey(provider), fieldConcurrent, 1)
	pipe.SAdd(ctx, s.indexKey(), provider)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("increment concurrent requests: %w", err)
	}
	return nil
}

// DecrementConcurrent removes one in-flight request, clamped at zero.
func (s *Store) DecrementConcurrent(ctx context.Context, provider string) error {
	if err := decrementScript.Run(ctx, s.rdb, []string{s.providerKey(provider)}, fieldConcurrent).Err(); err != nil {
		return fmt.Errorf("decrement concurrent requests: %w", err)
	}
	return nil
}

// SetBackoff records a provider-signalled cooldown. An earlier deadline
// never shortens a backoff already stored.
func (s *Store) SetBackoff(ctx context.Context, provider string, until, reportedAt time.Time) error {
	if err := backoffScript.Run(ctx, s.rdb, []string{s.providerKey(provider)},
		fieldBackoffUntil, until.UnixMilli(), fieldLastRateLimit, reportedAt.UnixMilli(),
	).Err(); err != nil {
		return fmt.Errorf("set provider backoff: %w", err)
	}
	if err := s.rdb.SAdd(ctx, s.indexKey(), provider).Err(); err != nil {
		return fmt.Errorf("index provider: %w", err)
	}
	return nil
}

// ProviderStates lists every provider that has written state.
func (s *Store) ProviderStates(ctx context.Context) ([]ratelimit.State, error) {
	providers, err := s.rdb.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	sort.Strings(providers)

	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(providers))
	for i, provider := range providers {
		cmds[i] = pipe.HGetAll(ctx, s.providerKey(provider))
	}
	if len(providers) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("read provider states: %w", err)
		}
	}
	states := make([]ratelimit.State, 0, len(providers))
	for i, provider := range providers {
		states = append(states, decodeState(provider, cmds[i].Val()))
	}
	return states, nil
}

func decodeState(provider string, values map[string]string) ratelimit.State {
	state := ratelimit.State{Provider: provider}
	if raw, ok := values[fieldConcurrent]; ok {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil && n > 0 {
			state.ConcurrentRequests = n
		}
	}
	state.BackoffUntil = parseMillis(values[fieldBackoffUntil])
	state.LastRateLimitAt = parseMillis(values[fieldLastRateLimit])
	return state
}

func parseMillis(raw string) *time.Time {
	if raw == "" {
		return nil
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil
	}
	t := time.UnixMilli(ms).UTC()
	return &t
}
