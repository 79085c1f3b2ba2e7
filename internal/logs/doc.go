// Package logs tails the daemon log file for `conductor daemon logs`.
//
// Tail reads the last N lines or resumes from a byte offset, and Follow polls
// for appended lines until its context ends. Memory stays bounded by the
// requested line count regardless of file size.
package logs
