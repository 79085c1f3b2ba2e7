package config

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateStore(); err != nil {
		return err
	}
	if err := c.validateOperations(); err != nil {
		return err
	}
	if err := c.validateProviders(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateStore() error {
	switch c.Store.Backend {
	case BackendSQLite:
	case BackendPostgres:
		if c.Store.PostgresDSN == "" {
			return errors.New("store.postgres_dsn is required when store.backend is postgres (or set CONDUCTOR_POSTGRES_DSN)")
		}
	default:
		return fmt.Errorf("store.backend: unsupported value %q (use sqlite or postgres)", c.Store.Backend)
	}
	switch c.Store.ProviderState {
	case BackendSQLite:
	case BackendPostgres:
		if c.Store.PostgresDSN == "" {
			return errors.New("store.postgres_dsn is required when store.provider_state is postgres")
		}
	case BackendRedis:
		if c.Store.RedisAddr == "" {
			return errors.New("store.redis_addr is required when store.provider_state is redis (or set CONDUCTOR_REDIS_ADDR)")
		}
	default:
		return fmt.Errorf("store.provider_state: unsupported value %q (use sqlite, postgres, or redis)", c.Store.ProviderState)
	}
	if c.Store.RedisDB < 0 {
		return errors.New("store.redis_db must be non-negative")
	}
	return nil
}

func (c *Config) validateOperations() error {
	for _, name := range sortedKeys(c.Operations) {
		op := c.Operations[name]
		switch op.Classification {
		case ClassificationMajor, ClassificationMinor:
		default:
			return fmt.Errorf("operations.%s.classification: unsupported value %q (use major or minor)", name, op.Classification)
		}
		if op.Endpoint == "" {
			continue
		}
		parsed, err := url.Parse(op.Endpoint)
		if err != nil {
			return fmt.Errorf("operations.%s.endpoint: %w", name, err)
		}
		if parsed.Scheme != "http" && parsed.Scheme != "https" {
			return fmt.Errorf("operations.%s.endpoint must be an http(s) URL, got %q", name, op.Endpoint)
		}
		if parsed.Host == "" {
			return fmt.Errorf("operations.%s.endpoint is missing a host", name)
		}
	}
	return nil
}

func (c *Config) validateProviders() error {
	for _, name := range sortedKeys(c.Providers) {
		p := c.Providers[name]
		if p.MaxConcurrent < 1 {
			return fmt.Errorf("providers.%s.max_concurrent must be at least 1", name)
		}
		if p.CooldownMs < 1 {
			return fmt.Errorf("providers.%s.cooldown_ms must be positive", name)
		}
		if p.SoftLimitRPM < 1 {
			return fmt.Errorf("providers.%s.soft_limit_rpm must be positive", name)
		}
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case LogFormatConsole, LogFormatJSON:
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
