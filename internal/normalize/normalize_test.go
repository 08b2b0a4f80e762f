package normalize

import (
	"errors"
	"testing"
	"time"

	"turnover/internal/models"
	"turnover/internal/schedule"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeBookingShapes(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"top level", `{"id":"R1","listingId":"L1","checkIn":"2025-06-01","checkOut":"2025-06-04","guestName":"Ada Lovelace","status":"confirmed"}`},
		{"booking envelope", `{"booking":{"bookingId":"R1","listing_id":"L1","startDate":"2025-06-01","endDate":"2025-06-04","guest":{"fullName":"Ada Lovelace"},"status":"accepted"}}`},
		{"reservation envelope", `{"reservation":{"reservationId":"R1","listingMapId":"L1","arrivalDate":"2025-06-01","departureDate":"2025-06-04","guest":{"firstName":"Ada","lastName":"Lovelace"},"status":"new"}}`},
		{"event data envelope", `{"event":"reservation.updated","data":{"reservation":{"_id":"R1","listing":{"id":"L1"},"check_in":"2025-06-01T15:00:00Z","check_out":"2025-06-04T11:00:00Z","guestName":"Ada Lovelace","status":"Confirmed"}}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := NormalizeBooking([]byte(tt.payload))
			require.NoError(t, err)
			assert.Equal(t, "R1", b.ExternalID)
			assert.Equal(t, "L1", b.ListingID)
			assert.Equal(t, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC), b.CheckIn)
			assert.Equal(t, time.Date(2025, 6, 4, 0, 0, 0, 0, time.UTC), b.CheckOut)
			assert.Equal(t, "Ada Lovelace", b.GuestName)
			assert.Equal(t, models.StatusConfirmed, b.Status)
			assert.JSONEq(t, tt.payload, string(b.Raw))
		})
	}
}

func TestNormalizeBookingKeepsNestedDataObject(t *testing.T) {
	b, err := NormalizeBooking([]byte(`{"id":"R1","listingId":"L1","checkIn":"2025-06-01","checkOut":"2025-06-04",
		"status":"confirmed","data":{"source":"channel-manager","tags":["vip"]}}`))
	require.NoError(t, err)
	assert.Equal(t, "R1", b.ExternalID)
	assert.Equal(t, "L1", b.ListingID)
	assert.Equal(t, models.StatusConfirmed, b.Status)
}

func TestNormalizeBookingEventIDDoesNotStopUnwrap(t *testing.T) {
	b, err := NormalizeBooking([]byte(`{"id":"evt_9","event":"reservation.created",
		"data":{"id":"R1","listingId":"L1","checkIn":"2025-06-01","checkOut":"2025-06-04"}}`))
	require.NoError(t, err)
	assert.Equal(t, "R1", b.ExternalID)
}

func TestNormalizeListingKeepsNestedDataObject(t *testing.T) {
	l, err := NormalizeListing([]byte(`{"id":"L1","name":"Loft","data":{"id":"other"}}`))
	require.NoError(t, err)
	assert.Equal(t, "L1", l.ID)
}

func TestNormalizeBookingNumericIDs(t *testing.T) {
	b, err := NormalizeBooking([]byte(`{"id":123456789012,"listingMapId":42,"startDate":"2025-06-01","endDate":"2025-06-02"}`))
	require.NoError(t, err)
	assert.Equal(t, "123456789012", b.ExternalID)
	assert.Equal(t, "42", b.ListingID)
	assert.Equal(t, models.StatusPending, b.Status)
}

func TestNormalizeBookingContactFields(t *testing.T) {
	b, err := NormalizeBooking([]byte(`{"id":"R","listingId":"L","checkIn":"2025-06-01","checkOut":"2025-06-02",
		"guest":{"email":"g@example.com","phone":"+100"}}`))
	require.NoError(t, err)
	assert.Equal(t, "g@example.com", b.GuestEmail)
	assert.Equal(t, "+100", b.GuestPhone)
}

func TestNormalizeBookingMissingFields(t *testing.T) {
	_, err := NormalizeBooking([]byte(`{"id":"R1","listingId":"L1","startDate":"2025-06-01"}`))
	var missing *MissingFieldsError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, []string{"endDate"}, missing.Fields)
	assert.Contains(t, err.Error(), "missing required fields")

	_, err = NormalizeBooking([]byte(`{}`))
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, []string{"id", "listingId", "startDate", "endDate"}, missing.Fields)
}

func TestNormalizeBookingInvalid(t *testing.T) {
	_, err := NormalizeBooking([]byte(`{"id":"R","listingId":"L","checkIn":"2025-06-04","checkOut":"2025-06-01"}`))
	assert.ErrorIs(t, err, schedule.ErrInvalidRange)

	_, err = NormalizeBooking([]byte(`{"id":"R","listingId":"L","checkIn":"June 1","checkOut":"2025-06-04"}`))
	assert.Error(t, err)

	_, err = NormalizeBooking([]byte(`[1,2]`))
	assert.True(t, errors.Is(err, ErrNotObject))

	_, err = NormalizeBooking([]byte(`{`))
	assert.Error(t, err)
}

func TestMapStatus(t *testing.T) {
	cases := map[string]string{
		"confirmed":   models.StatusConfirmed,
		"Accepted":    models.StatusConfirmed,
		"canceled":    models.StatusCancelled,
		"CANCELLED":   models.StatusCancelled,
		"checked-in":  models.StatusCheckedIn,
		"Checked Out": models.StatusCheckedOut,
		"inquiry":     models.StatusPending,
		"":            models.StatusPending,
	}
	for in, want := range cases {
		assert.Equal(t, want, MapStatus(in), in)
	}
}

func TestNormalizeListing(t *testing.T) {
	l, err := NormalizeListing([]byte(`{"_id":"L1","title":"Loft","active":false,"timezone":"Europe/Lisbon"}`))
	require.NoError(t, err)
	assert.Equal(t, models.Listing{ID: "L1", Name: "Loft", Active: false, Timezone: "Europe/Lisbon"}, *l)

	l, err = NormalizeListing([]byte(`{"id":7,"name":"Cabin"}`))
	require.NoError(t, err)
	assert.True(t, l.Active)
	assert.Equal(t, "7", l.ID)

	l, err = NormalizeListing([]byte(`{"id":"L3","status":"inactive"}`))
	require.NoError(t, err)
	assert.False(t, l.Active)

	_, err = NormalizeListing([]byte(`{"name":"no id"}`))
	assert.Error(t, err)
}

func TestSplitList(t *testing.T) {
	items, err := SplitList([]byte(`[{"id":1},{"id":2}]`))
	require.NoError(t, err)
	assert.Len(t, items, 2)

	items, err = SplitList([]byte(`{"count":1,"results":[{"id":1}]}`))
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.JSONEq(t, `{"id":1}`, string(items[0]))

	items, err = SplitList([]byte(`{"data":{"bookings":[{"id":1},{"id":2},{"id":3}]}}`))
	require.NoError(t, err)
	assert.Len(t, items, 3)

	items, err = SplitList([]byte(` `))
	require.NoError(t, err)
	assert.Empty(t, items)

	_, err = SplitList([]byte(`{"unexpected":true}`))
	assert.Error(t, err)
}
