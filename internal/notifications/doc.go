// Package notifications delivers daemon alerts via ntfy.
//
// The daemon reports stale recoveries and sweep failures so an operator
// hears about stuck processors without watching logs. When no ntfy topic is
// configured NewService returns a no-op implementation.
package notifications
