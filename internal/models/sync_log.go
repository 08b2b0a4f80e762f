package models

import "time"

// SyncLogEntry records one synchronization attempt. Entries are never updated.
type SyncLogEntry struct {
	ID         string    `json:"id"`
	Service    string    `json:"service"`
	SyncType   string    `json:"sync_type"`
	Status     string    `json:"status"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
	Message    string    `json:"message"`
	ItemCount  int       `json:"item_count"`
	ErrorClass *string   `json:"error_class,omitempty"`
}

// APIUsageRecord is one outbound call to the external API.
type APIUsageRecord struct {
	Timestamp  time.Time `json:"timestamp"`
	Endpoint   string    `json:"endpoint"`
	HTTPStatus int       `json:"http_status"`
}

// UsageMetrics aggregates API usage over a rolling window.
type UsageMetrics struct {
	Window            time.Duration `json:"-"`
	WindowHours       float64       `json:"window_hours"`
	TotalCalls        int           `json:"total_calls"`
	ErrorCalls        int           `json:"error_calls"`
	TopEndpoint       string        `json:"top_endpoint,omitempty"`
	TopEndpointCalls  int           `json:"top_endpoint_calls"`
	LastRateLimitAt   *time.Time    `json:"last_rate_limit_at,omitempty"`
	LastRateLimitNote string        `json:"last_rate_limit_message,omitempty"`
}

// SyncQueueItem is a persisted outbound push job.
type SyncQueueItem struct {
	ID          int64      `json:"id"`
	TaskType    string     `json:"task_type"`
	EntityID    string     `json:"entity_id"`
	Payload     string     `json:"payload"`
	Status      string     `json:"status"`
	RetryCount  int        `json:"retry_count"`
	LastError   *string    `json:"last_error"`
	CreatedAt   time.Time  `json:"created_at"`
	ProcessedAt *time.Time `json:"processed_at"`
	NextRetryAt *time.Time `json:"next_retry_at"`
}
