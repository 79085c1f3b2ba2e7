// Package daemon runs the long-lived conductor process.
//
// It owns a flock-based single-instance lock, serves the HTTP API, and runs
// the periodic fallback trigger: a stale sweep followed by draining every
// operation type that can start. On the Postgres backend the sweep is gated
// by a cluster advisory lock so only one daemon in the fleet does it per tick.
//
// Backends are opened by the caller through queueaccess; the daemon never
// closes them.
package daemon
