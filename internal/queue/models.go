package queue

import (
	"strings"
	"time"
)

// Status represents the lifecycle of a queue item.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

var allStatuses = []Status{
	StatusQueued,
	StatusRunning,
	StatusPaused,
	StatusCompleted,
	StatusFailed,
}

var statusSet = func() map[Status]struct{} {
	set := make(map[Status]struct{}, len(allStatuses))
	for _, status := range allStatuses {
		set[status] = struct{}{}
	}
	return set
}()

// Classification decides whether an operation type is single-flighted.
type Classification string

const (
	ClassificationMajor Classification = "major"
	ClassificationMinor Classification = "minor"
)

// ParseClassification maps config values onto a Classification; anything
// other than "minor" is major.
func ParseClassification(value string) Classification {
	if strings.EqualFold(strings.TrimSpace(value), string(ClassificationMinor)) {
		return ClassificationMinor
	}
	return ClassificationMajor
}

// ErrorEntry is one element of an item's error log.
type ErrorEntry struct {
	ItemID    string    `json:"itemId"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// Item is a queued or executed coordinated operation.
type Item struct {
	ID             string
	OperationType  string
	Status         Status
	Classification Classification
	TotalItems     int
	CompletedItems int
	FailedItems    int
	ErrorLog       []ErrorEntry
	Context        map[string]any
	QueuedAt       time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
	UpdatedAt      time.Time
}

// NewItem describes an operation to enqueue.
type NewItem struct {
	OperationType  string
	Classification Classification
	Context        map[string]any
}

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	OperationType string
	Statuses      []Status
	Limit         int
}

// Counters is the post-update view returned by atomic progress increments.
type Counters struct {
	Total     int
	Completed int
	Failed    int
}

// Percent returns processed/total as a percentage, or -1 when the total is
// unknown.
func (c Counters) Percent() float64 {
	if c.Total <= 0 {
		return -1
	}
	return float64(c.Completed+c.Failed) / float64(c.Total) * 100
}

// HealthSummary describes aggregated queue counts per lifecycle state.
type HealthSummary struct {
	Total     int
	Queued    int
	Running   int
	Paused    int
	Completed int
	Failed    int
}

// AllStatuses returns the ordered list of known statuses.
func AllStatuses() []Status {
	cp := make([]Status, len(allStatuses))
	copy(cp, allStatuses)
	return cp
}

// ParseStatus converts a string into a known Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	_, ok := statusSet[normalized]
	return normalized, ok
}

// IsTerminal reports whether the status ends an item's lifecycle.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// HoldsSlot reports whether a major item in this status occupies its type's
// single-flight slot.
func (s Status) HoldsSlot() bool {
	return s == StatusRunning || s == StatusPaused
}

// Counters returns the item's progress counters.
func (i Item) Counters() Counters {
	return Counters{Total: i.TotalItems, Completed: i.CompletedItems, Failed: i.FailedItems}
}

// AppendErrors appends entries to log, dropping the oldest entries so the
// result holds at most maxEntries. maxEntries <= 0 disables the cap.
func AppendErrors(log []ErrorEntry, maxEntries int, entries ...ErrorEntry) []ErrorEntry {
	out := make([]ErrorEntry, 0, len(log)+len(entries))
	out = append(out, log...)
	out = append(out, entries...)
	if maxEntries > 0 && len(out) > maxEntries {
		out = out[len(out)-maxEntries:]
	}
	return out
}
