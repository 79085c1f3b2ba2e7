package api

import (
	"math"
	"time"

	"conductor/internal/queue"
	"conductor/internal/ratelimit"
)

// FromQueueItem converts a queue record to its API representation.
func FromQueueItem(item *queue.Item) OperationItem {
	if item == nil {
		return OperationItem{}
	}
	counters := item.Counters()
	dto := OperationItem{
		ID:             item.ID,
		OperationType:  item.OperationType,
		Status:         string(item.Status),
		Classification: string(item.Classification),
		Progress: Progress{
			Total:     counters.Total,
			Completed: counters.Completed,
			Failed:    counters.Failed,
			Percent:   roundPercent(counters.Percent()),
		},
		ErrorLog:    make([]ErrorEntry, 0, len(item.ErrorLog)),
		Context:     item.Context,
		QueuedAt:    formatTime(item.QueuedAt),
		StartedAt:   formatOptional(item.StartedAt),
		CompletedAt: formatOptional(item.CompletedAt),
		UpdatedAt:   formatTime(item.UpdatedAt),
	}
	for _, entry := range item.ErrorLog {
		dto.ErrorLog = append(dto.ErrorLog, ErrorEntry{
			ItemID:    entry.ItemID,
			Error:     entry.Error,
			Timestamp: formatTime(entry.Timestamp),
		})
	}
	return dto
}

// FromQueueItems converts a slice of queue records.
func FromQueueItems(items []*queue.Item) []OperationItem {
	out := make([]OperationItem, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		out = append(out, FromQueueItem(item))
	}
	return out
}

// FromHealth converts a queue health summary into a status-keyed map.
func FromHealth(h queue.HealthSummary) HealthResponse {
	return HealthResponse{
		Status: "ok",
		Counts: map[string]int{
			"total":                       h.Total,
			string(queue.StatusQueued):    h.Queued,
			string(queue.StatusRunning):   h.Running,
			string(queue.StatusPaused):    h.Paused,
			string(queue.StatusCompleted): h.Completed,
			string(queue.StatusFailed):    h.Failed,
		},
	}
}

// FromProviderState builds a ProviderStatus from persisted state and the
// limiter's verdict.
func FromProviderState(state ratelimit.State, avail ratelimit.Availability, limits ratelimit.Limits) ProviderStatus {
	return ProviderStatus{
		Provider:           state.Provider,
		Available:          avail.Available,
		WaitRecommended:    avail.WaitRecommended,
		RemainingMs:        avail.Remaining.Milliseconds(),
		ConcurrentRequests: state.ConcurrentRequests,
		BackoffUntil:       formatOptional(state.BackoffUntil),
		LastRateLimitAt:    formatOptional(state.LastRateLimitAt),
		Limits: ProviderLimits{
			MaxConcurrent: limits.MaxConcurrent,
			CooldownMs:    limits.Cooldown.Milliseconds(),
			SoftLimitRPM:  limits.SoftLimitRPM,
		},
	}
}

// ToErrorEntry converts a wire error entry into the queue model. A
// timestamp that does not parse is left zero so the coordinator stamps it.
func ToErrorEntry(e *ErrorEntry) *queue.ErrorEntry {
	if e == nil {
		return nil
	}
	entry := &queue.ErrorEntry{ItemID: e.ItemID, Error: e.Error}
	if e.Timestamp != "" {
		if ts, err := time.Parse(time.RFC3339Nano, e.Timestamp); err == nil {
			entry.Timestamp = ts
		}
	}
	return entry
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(dateTimeFormat)
}

func formatOptional(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func roundPercent(p float64) float64 {
	if p < 0 {
		return -1
	}
	return math.Round(p*10) / 10
}
