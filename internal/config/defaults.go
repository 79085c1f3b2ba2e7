package config

// Enumerated values accepted by the configuration.
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"

	ClassificationMajor = "major"
	ClassificationMinor = "minor"

	LogFormatConsole = "console"
	LogFormatJSON    = "json"
)

const (
	defaultConfigPath             = "~/.config/conductor/config.toml"
	defaultDataDir                = "~/.local/share/conductor"
	defaultLogDir                 = "~/.local/share/conductor/logs"
	defaultSQLiteFile             = "conductor.db"
	defaultRedisPrefix            = "conductor:provider"
	defaultStaleAfterSeconds      = 600
	defaultSweepIntervalSeconds   = 60
	defaultDispatchTimeoutSeconds = 10
	defaultMaxErrorLog            = 100
	defaultProviderMaxConcurrent  = 5
	defaultProviderCooldownMs     = 60000
	defaultProviderSoftLimitRPM   = 60
	defaultBreakerMaxFailures     = 5
	defaultBreakerResetSeconds    = 60
	defaultOutboundMaxWaitSeconds = 30
	defaultOutboundRetryAttempts  = 3
	defaultOutboundCallTimeout    = 60
	defaultAPIBind                = "127.0.0.1:7490"
	defaultAPIRatePerSecond       = 20
	defaultAPIBurst               = 40
	defaultNtfyTimeoutSeconds     = 10
	defaultLogFormat              = LogFormatConsole
	defaultLogLevel               = "info"
)

func defaultProviderLimits() Provider {
	return Provider{
		MaxConcurrent: defaultProviderMaxConcurrent,
		CooldownMs:    defaultProviderCooldownMs,
		SoftLimitRPM:  defaultProviderSoftLimitRPM,
	}
}

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir: defaultDataDir,
			LogDir:  defaultLogDir,
		},
		Store: Store{
			Backend:     BackendSQLite,
			RedisPrefix: defaultRedisPrefix,
		},
		Queue: Queue{
			StaleAfterSeconds:      defaultStaleAfterSeconds,
			SweepIntervalSeconds:   defaultSweepIntervalSeconds,
			DispatchTimeoutSeconds: defaultDispatchTimeoutSeconds,
			MaxErrorLog:            defaultMaxErrorLog,
		},
		Operations: map[string]Operation{
			"deal_enrichment":  {Classification: ClassificationMajor},
			"buyer_enrichment": {Classification: ClassificationMajor},
			"guide_generation": {Classification: ClassificationMajor},
			"scoring":          {Classification: ClassificationMinor},
		},
		Providers: map[string]Provider{
			"anthropic":  {MaxConcurrent: 5, CooldownMs: 60000, SoftLimitRPM: 50},
			"perplexity": {MaxConcurrent: 3, CooldownMs: 60000, SoftLimitRPM: 20},
			"firecrawl":  {MaxConcurrent: 2, CooldownMs: 30000, SoftLimitRPM: 10},
			"jina":       {MaxConcurrent: 5, CooldownMs: 30000, SoftLimitRPM: 100},
		},
		Breaker: Breaker{
			MaxFailures:         defaultBreakerMaxFailures,
			ResetTimeoutSeconds: defaultBreakerResetSeconds,
		},
		Outbound: Outbound{
			MaxWaitSeconds:     defaultOutboundMaxWaitSeconds,
			RetryAttempts:      defaultOutboundRetryAttempts,
			CallTimeoutSeconds: defaultOutboundCallTimeout,
		},
		API: API{
			Bind:          defaultAPIBind,
			RatePerSecond: defaultAPIRatePerSecond,
			Burst:         defaultAPIBurst,
		},
		Notifications: Notifications{
			RequestTimeoutSeconds: defaultNtfyTimeoutSeconds,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
