// Package queue persists coordinated operations and provider state in SQLite
// and exposes the atomic primitives the coordinator and rate limiter build on.
//
// Workers share no memory, so every cross-process invariant lives here: the
// single-flight rule for major operations is decided inside one INSERT and
// backed by a partial unique index, progress counters are incremented
// store-side, and status transitions are guarded by the expected prior status
// so a concurrent writer wins cleanly instead of being overwritten.
//
// The database is treated as transient coordination state rather than a
// long-term archive. Schema changes bump the version in schema.go; operators
// clear the database to adopt the new schema.
package queue
