package ratelimit

import (
	"time"

	"conductor/internal/config"
)

// Limits is the static configuration for one provider.
type Limits struct {
	MaxConcurrent int
	Cooldown      time.Duration
	SoftLimitRPM  int
}

// LimitsFromConfig resolves provider limits, falling back to defaults for
// unknown providers.
func LimitsFromConfig(cfg *config.Config, provider string) Limits {
	if cfg == nil {
		def := config.Default()
		cfg = &def
	}
	p := cfg.ProviderFor(provider)
	return Limits{
		MaxConcurrent: p.MaxConcurrent,
		Cooldown:      time.Duration(p.CooldownMs) * time.Millisecond,
		SoftLimitRPM:  p.SoftLimitRPM,
	}
}

// IdealSpacing is the gap between requests that keeps a provider under its
// soft limit.
func (l Limits) IdealSpacing() time.Duration {
	rpm := l.SoftLimitRPM
	if rpm <= 0 {
		rpm = 60
	}
	return time.Minute / time.Duration(rpm)
}
