package testsupport

import (
	"path/filepath"
	"testing"

	"conductor/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.DataDir = filepath.Join(base, "data")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Store.Backend = config.BackendSQLite
	cfgVal.Store.ProviderState = config.BackendSQLite
	cfgVal.Store.SQLitePath = filepath.Join(base, "data", "conductor.db")
	cfgVal.API.Bind = "127.0.0.1:0"

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	return builder.cfg
}

// WithOperation registers an operation type on the test config.
func WithOperation(name, classification, endpoint string) ConfigOption {
	return func(b *configBuilder) {
		if b.cfg.Operations == nil {
			b.cfg.Operations = map[string]config.Operation{}
		}
		b.cfg.Operations[name] = config.Operation{Classification: classification, Endpoint: endpoint}
	}
}

// WithProvider registers provider limits on the test config.
func WithProvider(name string, maxConcurrent, cooldownMs, softLimitRPM int) ConfigOption {
	return func(b *configBuilder) {
		if b.cfg.Providers == nil {
			b.cfg.Providers = map[string]config.Provider{}
		}
		b.cfg.Providers[name] = config.Provider{
			MaxConcurrent: maxConcurrent,
			CooldownMs:    cooldownMs,
			SoftLimitRPM:  softLimitRPM,
		}
	}
}

// WithStaleAfter overrides the stale threshold in seconds.
func WithStaleAfter(seconds int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Queue.StaleAfterSeconds = seconds
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.DataDir)
}
