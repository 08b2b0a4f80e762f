package models

// Booking statuses.
const (
	StatusConfirmed  = "confirmed"
	StatusCancelled  = "cancelled"
	StatusCheckedIn  = "checked_in"
	StatusCheckedOut = "checked_out"
	StatusPending    = "pending"
)

// ValidBookingStatus reports whether s is one of the booking statuses.
func ValidBookingStatus(s string) bool {
	switch s {
	case StatusConfirmed, StatusCancelled, StatusCheckedIn, StatusCheckedOut, StatusPending:
		return true
	}
	return false
}

// Cleaning task statuses.
const (
	TaskPending    = "pending"
	TaskInProgress = "in_progress"
	TaskCompleted  = "completed"
	TaskCancelled  = "cancelled"
)

// Sync log types.
const (
	SyncTypePoll    = "poll"
	SyncTypeWebhook = "webhook"
	SyncTypeRetry   = "retry"
)

// Sync log statuses.
const (
	SyncSuccess = "success"
	SyncError   = "error"
	SyncWarning = "warning"
)

// Outbound queue statuses, shared with the push worker.
const (
	QueuePending   = "pending"
	QueueRetry     = "retry"
	QueueCompleted = "completed"
	QueueFailed    = "failed"
)

const (
	// ServiceBookings names the booking pipeline in sync logs.
	ServiceBookings = "bookings"
	// ServiceTasks names the outbound task push in sync logs.
	ServiceTasks = "tasks"

	// DefaultPageSize is the page size for sync log history.
	DefaultPageSize = 20
	// MaxPageSize caps history requests.
	MaxPageSize = 200

	// OutboundQueueSize is the in-memory buffer of the push worker.
	OutboundQueueSize = 128
)
