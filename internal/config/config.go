package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	DataDir string `toml:"data_dir"`
	LogDir  string `toml:"log_dir"`
}

// Store selects and configures the persistence backends.
type Store struct {
	// Backend holds queue items: "sqlite" or "postgres".
	Backend string `toml:"backend"`
	// ProviderState holds provider backoff/concurrency records: "sqlite",
	// "postgres", or "redis". Defaults to the queue backend.
	ProviderState string `toml:"provider_state"`
	SQLitePath    string `toml:"sqlite_path"`
	PostgresDSN   string `toml:"postgres_dsn"`
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
	RedisPrefix   string `toml:"redis_prefix"`
}

// Queue contains coordinator timing knobs.
type Queue struct {
	StaleAfterSeconds      int `toml:"stale_after_seconds"`
	SweepIntervalSeconds   int `toml:"sweep_interval_seconds"`
	DispatchTimeoutSeconds int `toml:"dispatch_timeout_seconds"`
	MaxErrorLog            int `toml:"max_error_log"`
}

// Operation describes one operation type known to the coordinator.
type Operation struct {
	Classification string `toml:"classification"`
	Endpoint       string `toml:"endpoint"`
}

// Provider holds the static limits for one third-party provider.
type Provider struct {
	MaxConcurrent int `toml:"max_concurrent"`
	CooldownMs    int `toml:"cooldown_ms"`
	SoftLimitRPM  int `toml:"soft_limit_rpm"`
}

// Breaker contains circuit breaker thresholds shared by provider breakers.
type Breaker struct {
	MaxFailures         int `toml:"max_failures"`
	ResetTimeoutSeconds int `toml:"reset_timeout_seconds"`
}

// Outbound contains settings for guarded provider calls.
type Outbound struct {
	MaxWaitSeconds     int `toml:"max_wait_seconds"`
	RetryAttempts      int `toml:"retry_attempts"`
	CallTimeoutSeconds int `toml:"call_timeout_seconds"`
}

// API contains the daemon HTTP API settings.
type API struct {
	Bind          string  `toml:"bind"`
	Token         string  `toml:"token"`
	RatePerSecond float64 `toml:"rate_per_second"`
	Burst         int     `toml:"burst"`
}

// Notifications configures ntfy alerts raised by the daemon.
type Notifications struct {
	NtfyTopic             string `toml:"ntfy_topic"`
	RequestTimeoutSeconds int    `toml:"request_timeout_seconds"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for conductor.
//
// Configuration sections by subsystem:
//   - Paths: data and log directories
//   - Store: queue and provider-state backends
//   - Queue: stale threshold, sweep cadence, dispatch timeout
//   - Operations: per-type classification and wake-up endpoint
//   - Providers: per-provider concurrency, cooldown, and soft limit
//   - Breaker: circuit breaker thresholds
//   - Outbound: guarded provider call settings
//   - API: daemon HTTP API
//   - Notifications: ntfy alerts
//   - Logging: log format and level
type Config struct {
	Paths         Paths                `toml:"paths"`
	Store         Store                `toml:"store"`
	Queue         Queue                `toml:"queue"`
	Operations    map[string]Operation `toml:"operations"`
	Providers     map[string]Provider  `toml:"providers"`
	Breaker       Breaker              `toml:"breaker"`
	Outbound      Outbound             `toml:"outbound"`
	API           API                  `toml:"api"`
	Notifications Notifications        `toml:"notifications"`
	Logging       Logging              `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		// Tables declared in the file replace the default operation and
		// provider sets rather than merging into them.
		defaults := cfg
		cfg.Operations = nil
		cfg.Providers = nil
		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
		if cfg.Operations == nil {
			cfg.Operations = defaults.Operations
		}
		if cfg.Providers == nil {
			cfg.Providers = defaults.Providers
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("conductor.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates the data and log directories.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.LogDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	if c.Store.Backend == BackendSQLite || c.Store.ProviderState == BackendSQLite {
		if dir := filepath.Dir(c.Store.SQLitePath); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("create sqlite directory %q: %w", dir, err)
			}
		}
	}
	return nil
}

// LockPath returns the daemon single-instance lock file.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.DataDir, "conductord.lock")
}

// StaleAfter returns how long an operation may stay running before the stale
// monitor forces it to failed.
func (c *Config) StaleAfter() time.Duration {
	return time.Duration(c.Queue.StaleAfterSeconds) * time.Second
}

// SweepInterval returns the daemon's periodic sweep cadence.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Queue.SweepIntervalSeconds) * time.Second
}

// DispatchTimeout bounds a single wake-up POST.
func (c *Config) DispatchTimeout() time.Duration {
	return time.Duration(c.Queue.DispatchTimeoutSeconds) * time.Second
}

// BreakerResetTimeout returns how long an open breaker waits before a trial call.
func (c *Config) BreakerResetTimeout() time.Duration {
	return time.Duration(c.Breaker.ResetTimeoutSeconds) * time.Second
}

// NotifyTimeout bounds a single ntfy request.
func (c *Config) NotifyTimeout() time.Duration {
	return time.Duration(c.Notifications.RequestTimeoutSeconds) * time.Second
}

// OutboundMaxWait returns the longest a guarded call will sleep for a slot.
func (c *Config) OutboundMaxWait() time.Duration {
	return time.Duration(c.Outbound.MaxWaitSeconds) * time.Second
}

// OutboundCallTimeout bounds one attempt of a guarded call.
func (c *Config) OutboundCallTimeout() time.Duration {
	return time.Duration(c.Outbound.CallTimeoutSeconds) * time.Second
}

// OperationFor returns the configuration for an operation type. Unknown
// types are treated as major with no wake-up endpoint.
func (c *Config) OperationFor(operationType string) Operation {
	key := normalizeKey(operationType)
	if op, ok := c.Operations[key]; ok {
		return op
	}
	return Operation{Classification: ClassificationMajor}
}

// ProviderFor returns the limits for a provider, falling back to the
// repository defaults for unknown providers.
func (c *Config) ProviderFor(provider string) Provider {
	key := normalizeKey(provider)
	if p, ok := c.Providers[key]; ok {
		return p
	}
	return defaultProviderLimits()
}

// OperationTypes returns the configured operation types in sorted order.
func (c *Config) OperationTypes() []string {
	types := make([]string, 0, len(c.Operations))
	for name := range c.Operations {
		types = append(types, name)
	}
	sort.Strings(types)
	return types
}

// ProviderIDs returns the configured provider ids in sorted order.
func (c *Config) ProviderIDs() []string {
	ids := make([]string, 0, len(c.Providers))
	for name := range c.Providers {
		ids = append(ids, name)
	}
	sort.Strings(ids)
	return ids
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

func normalizeKey(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
