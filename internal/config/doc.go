// Package config loads, normalizes, and validates conductor configuration.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and overlays CONDUCTOR_* environment variables
// so containerized workers can be configured without a file. The Config type
// centralizes every knob the coordinator, rate limiter, daemon, and CLI need:
// store backends, operation classifications and wake-up endpoints, provider
// limits, breaker thresholds, and logging.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical enum values, and clear validation errors.
package config
