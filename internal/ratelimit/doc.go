// Package ratelimit coordinates calls to rate-limited third-party providers
// across independent worker processes.
//
// Provider state (backoff deadline and in-flight request count) lives in a
// shared Store so every worker sees the same cooldowns; a process-local cache
// mirrors backoff deadlines so a worker that has just been throttled stops
// calling immediately without another round trip. Every read path fails open:
// if the Store cannot be reached the provider is treated as available.
//
// Concurrency counts are a soft signal. CheckAvailability recommends waiting
// when a provider is at its cap but never blocks on it.
package ratelimit
