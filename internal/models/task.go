package models

import "time"

type ServiceType string

const (
	ServiceFull                ServiceType = "Full"
	ServiceStandard            ServiceType = "Standard"
	ServiceLinenAndTowelChange ServiceType = "LinenAndTowelChange"
	ServiceCustom              ServiceType = "Custom"
)

// CleaningTask is one scheduled housekeeping visit. BookingID is nil for ad-hoc tasks.
type CleaningTask struct {
	ID            string      `json:"id"`
	BookingID     *string     `json:"booking_id"`
	ListingID     string      `json:"listing_id"`
	ScheduledDate time.Time   `json:"scheduled_date"`
	ServiceType   ServiceType `json:"service_type"`
	Status        string      `json:"status"`
	Assignee      *string     `json:"assignee,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// MissingTaskItem describes a booking that should have tasks but has none.
type MissingTaskItem struct {
	BookingID  string    `json:"booking_id"`
	ExternalID string    `json:"external_id"`
	ListingID  string    `json:"listing_id"`
	GuestName  string    `json:"guest_name"`
	CheckIn    time.Time `json:"check_in"`
	CheckOut   time.Time `json:"check_out"`
	StayNights int       `json:"stay_nights"`
}

// MissingTasksReport is the outcome of a housekeeping audit.
type MissingTasksReport struct {
	GeneratedAt     time.Time         `json:"generated_at"`
	BookingsScanned int               `json:"bookings_scanned"`
	MissingCount    int               `json:"missing_count"`
	Items           []MissingTaskItem `json:"items"`
}
