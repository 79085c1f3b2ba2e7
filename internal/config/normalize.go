package config

import (
	"fmt"
	"path/filepath"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	if err := c.normalizeStore(); err != nil {
		return err
	}
	c.normalizeQueue()
	c.normalizeOperations()
	c.normalizeProviders()
	c.normalizeBreaker()
	c.normalizeOutbound()
	c.normalizeAPI()
	c.normalizeNotifications()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		c.Paths.DataDir = defaultDataDir
	}
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) != "" {
		if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
			return fmt.Errorf("paths.log_dir: %w", err)
		}
	}
	return nil
}

func (c *Config) normalizeStore() error {
	c.Store.Backend = normalizeKey(c.Store.Backend)
	if c.Store.Backend == "" {
		c.Store.Backend = BackendSQLite
	}
	c.Store.ProviderState = normalizeKey(c.Store.ProviderState)
	if c.Store.ProviderState == "" {
		c.Store.ProviderState = c.Store.Backend
	}
	c.Store.SQLitePath = strings.TrimSpace(c.Store.SQLitePath)
	if c.Store.SQLitePath == "" {
		c.Store.SQLitePath = filepath.Join(c.Paths.DataDir, defaultSQLiteFile)
	}
	var err error
	if c.Store.SQLitePath, err = expandPath(c.Store.SQLitePath); err != nil {
		return fmt.Errorf("store.sqlite_path: %w", err)
	}
	c.Store.PostgresDSN = strings.TrimSpace(c.Store.PostgresDSN)
	c.Store.RedisAddr = strings.TrimSpace(c.Store.RedisAddr)
	c.Store.RedisPrefix = strings.Trim(strings.TrimSpace(c.Store.RedisPrefix), ":")
	if c.Store.RedisPrefix == "" {
		c.Store.RedisPrefix = defaultRedisPrefix
	}
	return nil
}

func (c *Config) normalizeQueue() {
	if c.Queue.StaleAfterSeconds <= 0 {
		c.Queue.StaleAfterSeconds = defaultStaleAfterSeconds
	}
	if c.Queue.SweepIntervalSeconds <= 0 {
		c.Queue.SweepIntervalSeconds = defaultSweepIntervalSeconds
	}
	if c.Queue.DispatchTimeoutSeconds <= 0 {
		c.Queue.DispatchTimeoutSeconds = defaultDispatchTimeoutSeconds
	}
	if c.Queue.MaxErrorLog <= 0 {
		c.Queue.MaxErrorLog = defaultMaxErrorLog
	}
}

func (c *Config) normalizeOperations() {
	normalized := make(map[string]Operation, len(c.Operations))
	for name, op := range c.Operations {
		key := normalizeKey(name)
		if key == "" {
			continue
		}
		op.Classification = normalizeKey(op.Classification)
		if op.Classification == "" {
			op.Classification = ClassificationMajor
		}
		op.Endpoint = strings.TrimSpace(op.Endpoint)
		normalized[key] = op
	}
	c.Operations = normalized
}

func (c *Config) normalizeProviders() {
	fallback := defaultProviderLimits()
	normalized := make(map[string]Provider, len(c.Providers))
	for name, p := range c.Providers {
		key := normalizeKey(name)
		if key == "" {
			continue
		}
		if p.MaxConcurrent == 0 {
			p.MaxConcurrent = fallback.MaxConcurrent
		}
		if p.CooldownMs == 0 {
			p.CooldownMs = fallback.CooldownMs
		}
		if p.SoftLimitRPM == 0 {
			p.SoftLimitRPM = fallback.SoftLimitRPM
		}
		normalized[key] = p
	}
	c.Providers = normalized
}

func (c *Config) normalizeBreaker() {
	if c.Breaker.MaxFailures <= 0 {
		c.Breaker.MaxFailures = defaultBreakerMaxFailures
	}
	if c.Breaker.ResetTimeoutSeconds <= 0 {
		c.Breaker.ResetTimeoutSeconds = defaultBreakerResetSeconds
	}
}

func (c *Config) normalizeOutbound() {
	if c.Outbound.MaxWaitSeconds < 0 {
		c.Outbound.MaxWaitSeconds = 0
	}
	if c.Outbound.RetryAttempts <= 0 {
		c.Outbound.RetryAttempts = 1
	}
	if c.Outbound.CallTimeoutSeconds <= 0 {
		c.Outbound.CallTimeoutSeconds = defaultOutboundCallTimeout
	}
}

func (c *Config) normalizeAPI() {
	c.API.Bind = strings.TrimSpace(c.API.Bind)
	c.API.Token = strings.TrimSpace(c.API.Token)
	if c.API.RatePerSecond <= 0 {
		c.API.RatePerSecond = defaultAPIRatePerSecond
	}
	if c.API.Burst <= 0 {
		c.API.Burst = defaultAPIBurst
	}
}

func (c *Config) normalizeNotifications() {
	c.Notifications.NtfyTopic = strings.TrimSpace(c.Notifications.NtfyTopic)
	if c.Notifications.RequestTimeoutSeconds <= 0 {
		c.Notifications.RequestTimeoutSeconds = defaultNtfyTimeoutSeconds
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = normalizeKey(c.Logging.Format)
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = normalizeKey(c.Logging.Level)
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
