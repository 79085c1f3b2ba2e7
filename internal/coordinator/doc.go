// Package coordinator serializes major operations per type across stateless
// workers.
//
// The Coordinator decides at enqueue time whether an operation runs or
// waits, tracks progress through store-side counters, fails running items
// whose worker vanished, and promotes the next queued item when a slot frees
// up. It holds no state of its own: every decision is made by the Store, so
// any number of coordinators in any number of processes can share one
// database.
//
// Bookkeeping never fails a worker's primary task. UpdateProgress, the stale
// sweep and the drain that follow completion log their failures and move on.
package coordinator
