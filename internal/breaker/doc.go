// Package breaker guards calls to flaky dependencies.
//
// Breaker wraps sony/gobreaker with the semantics the rest of conductor
// expects: it opens after a run of consecutive failures, rejects calls
// without contacting the dependency while open, and admits exactly one trial
// call once the reset timeout elapses. WithTimeout bounds how long a caller
// waits on any operation, and Sequence runs several bounded steps against one
// shared deadline.
package breaker
