package models

import (
	"encoding/json"
	"time"
)

// DateLayout is the wire and storage format for calendar dates.
const DateLayout = "2006-01-02"

type Booking struct {
	ID           string          `json:"id"`
	ExternalID   string          `json:"external_id"`
	ListingID    string          `json:"listing_id"`
	GuestName    string          `json:"guest_name"`
	GuestEmail   string          `json:"guest_email"`
	GuestPhone   string          `json:"guest_phone"`
	CheckIn      time.Time       `json:"check_in"`
	CheckOut     time.Time       `json:"check_out"`
	Status       string          `json:"status"` // confirmed, cancelled, checked_in, checked_out, pending
	Raw          json.RawMessage `json:"raw,omitempty"`
	LastSyncedAt time.Time       `json:"last_synced_at"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Nights returns the whole number of nights between check-in and check-out.
func (b *Booking) Nights() int {
	return DaysBetween(b.CheckIn, b.CheckOut)
}

// DateOnly drops the clock part, keeping the calendar date in UTC.
func DateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DaysBetween counts calendar days from a to b; negative when b precedes a.
func DaysBetween(a, b time.Time) int {
	return int(DateOnly(b).Sub(DateOnly(a)).Hours() / 24)
}

// Listing is a rentable unit in the external reservation system.
type Listing struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Active   bool   `json:"active"`
	Timezone string `json:"timezone,omitempty"`
}
