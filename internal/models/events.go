package models

// Booking change kinds.
const (
	ChangeInsert = "insert"
	ChangeUpdate = "update"
)

// BookingChange is published whenever an upsert touches a booking.
type BookingChange struct {
	Kind           string  `json:"kind"`
	Source         string  `json:"source"` // poll or webhook
	PreviousStatus string  `json:"previous_status,omitempty"`
	Booking        Booking `json:"booking"`
}

// StatusChanged reports whether the upsert moved the booking to a new status.
func (c BookingChange) StatusChanged() bool {
	return c.Kind == ChangeUpdate && c.PreviousStatus != c.Booking.Status
}

// TasksCreated is published after a materialization pass persisted tasks.
type TasksCreated struct {
	BookingID string         `json:"booking_id"`
	Tasks     []CleaningTask `json:"tasks"`
}
