package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

// envOverlay lists the environment variables that override file settings.
// Empty values leave the file (or default) setting untouched.
type envOverlay struct {
	StoreBackend  string `env:"CONDUCTOR_STORE_BACKEND"`
	ProviderState string `env:"CONDUCTOR_PROVIDER_STATE"`
	SQLitePath    string `env:"CONDUCTOR_SQLITE_PATH"`
	PostgresDSN   string `env:"CONDUCTOR_POSTGRES_DSN"`
	RedisAddr     string `env:"CONDUCTOR_REDIS_ADDR"`
	RedisPassword string `env:"CONDUCTOR_REDIS_PASSWORD"`
	APIBind       string `env:"CONDUCTOR_API_BIND"`
	APIToken      string `env:"CONDUCTOR_API_TOKEN"`
	NtfyTopic     string `env:"CONDUCTOR_NTFY_TOPIC"`
	LogLevel      string `env:"CONDUCTOR_LOG_LEVEL"`
	LogFormat     string `env:"CONDUCTOR_LOG_FORMAT"`
}

func (c *Config) applyEnv() error {
	var overlay envOverlay
	if err := env.Parse(&overlay); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}
	override := func(dst *string, value string) {
		if v := strings.TrimSpace(value); v != "" {
			*dst = v
		}
	}
	override(&c.Store.Backend, overlay.StoreBackend)
	override(&c.Store.ProviderState, overlay.ProviderState)
	override(&c.Store.SQLitePath, overlay.SQLitePath)
	override(&c.Store.PostgresDSN, overlay.PostgresDSN)
	override(&c.Store.RedisAddr, overlay.RedisAddr)
	override(&c.Store.RedisPassword, overlay.RedisPassword)
	override(&c.API.Bind, overlay.APIBind)
	override(&c.API.Token, overlay.APIToken)
	override(&c.Notifications.NtfyTopic, overlay.NtfyTopic)
	override(&c.Logging.Level, overlay.LogLevel)
	override(&c.Logging.Format, overlay.LogFormat)
	return nil
}
