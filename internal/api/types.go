package api

// dateTimeFormat is used for RFC3339 timestamps in API payloads.
const dateTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// OperationItem describes a queue item in a transport-friendly format.
type OperationItem struct {
	ID             string         `json:"id"`
	OperationType  string         `json:"operationType"`
	Status         string         `json:"status"`
	Classification string         `json:"classification"`
	Progress       Progress       `json:"progress"`
	ErrorLog       []ErrorEntry   `json:"errorLog"`
	Context        map[string]any `json:"context,omitempty"`
	QueuedAt       string         `json:"queuedAt,omitempty"`
	StartedAt      string         `json:"startedAt,omitempty"`
	CompletedAt    string         `json:"completedAt,omitempty"`
	UpdatedAt      string         `json:"updatedAt,omitempty"`
}

// Progress captures counters for an operation item.
type Progress struct {
	Total     int     `json:"total"`
	Completed int     `json:"completed"`
	Failed    int     `json:"failed"`
	Percent   float64 `json:"percent"`
}

// ErrorEntry is one element of an item's error log.
type ErrorEntry struct {
	ItemID    string `json:"itemId"`
	Error     string `json:"error"`
	Timestamp string `json:"timestamp,omitempty"`
}

// EnqueueResponse is returned when an operation is recorded.
type EnqueueResponse struct {
	ID     string        `json:"id"`
	Status string        `json:"status"`
	Item   OperationItem `json:"item"`
}

// OperationListResponse wraps a collection of items.
type OperationListResponse struct {
	Items []OperationItem `json:"items"`
}

// OperationResponse wraps a single item.
type OperationResponse struct {
	Item OperationItem `json:"item"`
}

// CompleteRequest finishes the running item of a type, or a specific item
// when QueueID is set.
type CompleteRequest struct {
	Status  string `json:"status"`
	QueueID string `json:"queueId,omitempty"`
}

// ProgressRequest reports worker progress. Total, when set, records the
// number of work units before the deltas are applied.
type ProgressRequest struct {
	QueueID        string      `json:"queueId,omitempty"`
	CompletedDelta int         `json:"completedDelta"`
	FailedDelta    int         `json:"failedDelta"`
	Total          *int        `json:"total,omitempty"`
	Error          *ErrorEntry `json:"error,omitempty"`
}

// SweepResponse reports a stale sweep. A sweep that recovered anything has
// already run one drain.
type SweepResponse struct {
	Recovered int `json:"recovered"`
}

// DrainResponse reports promoted items.
type DrainResponse struct {
	Promoted []OperationItem `json:"promoted"`
}

// HealthResponse summarizes queue counts.
type HealthResponse struct {
	Status string         `json:"status"`
	Counts map[string]int `json:"counts"`
}

// ProviderLimits mirrors the configured limits for a provider.
type ProviderLimits struct {
	MaxConcurrent int   `json:"maxConcurrent"`
	CooldownMs    int64 `json:"cooldownMs"`
	SoftLimitRPM  int   `json:"softLimitRpm"`
}

// ProviderStatus combines a provider's persisted state with the limiter's
// current verdict and its breaker.
type ProviderStatus struct {
	Provider           string         `json:"provider"`
	Available          bool           `json:"available"`
	WaitRecommended    bool           `json:"waitRecommended"`
	RemainingMs        int64          `json:"remainingMs"`
	ConcurrentRequests int64          `json:"concurrentRequests"`
	BackoffUntil       string         `json:"backoffUntil,omitempty"`
	LastRateLimitAt    string         `json:"lastRateLimitAt,omitempty"`
	Limits             ProviderLimits `json:"limits"`
	Breaker            string         `json:"breaker,omitempty"`
	BreakerFailures    int            `json:"breakerFailures,omitempty"`
}

// ProviderListResponse wraps provider states.
type ProviderListResponse struct {
	Providers []ProviderStatus `json:"providers"`
}

// RateLimitRequest reports a provider rate-limit signal.
type RateLimitRequest struct {
	RetryAfterSeconds float64 `json:"retryAfterSeconds"`
}

// RateLimitResponse returns the resulting backoff deadline.
type RateLimitResponse struct {
	Provider     string `json:"provider"`
	BackoffUntil string `json:"backoffUntil"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}
