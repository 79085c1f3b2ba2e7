// Package services defines shared utilities consumed by the coordinator, the
// rate limiter and the outbound provider guard.
//
// Key responsibilities:
//   - Context helpers that stamp operation types, queue ids, provider ids and
//     correlation identifiers for logging and tracing.
//   - Structured error markers plus the Wrap helper so callers can classify
//     failures with errors.Is.
//   - Dependency-failure classification (HTTPStatusError, IsRetryable,
//     RetryAfterFromError) shared by every code path that talks to a provider.
//
// Use these helpers when wiring new worker logic so operational behaviour
// (error handling, observability, retries) stays uniform.
package services
