// Package api exposes the coordinator and provider rate limiter over HTTP
// and defines the wire-format types shared with the CLI.
//
// # Routes
//
// Operations live under /v1/operations/{type}: enqueue, status, pause,
// resume, complete and progress. Maintenance triggers (stale sweep and
// drain) live under /v1/maintenance. Provider availability and rate-limit
// reports live under /v1/providers/{id}. /healthz is unauthenticated.
//
// # Design Notes
//
// DTOs use camelCase JSON tags. Statuses and classifications are exposed as
// lowercase strings and timestamps as RFC3339 with milliseconds. Every route
// except /healthz requires "Authorization: Bearer <token>" when a token is
// configured. Each client IP gets its own token bucket; idle buckets are
// evicted by a janitor goroutine.
package api
