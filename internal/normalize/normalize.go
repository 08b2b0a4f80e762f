// Package normalize maps the reservation system's loosely shaped JSON onto
// bookings and listings. Polling and webhooks share it so both paths store
// identical records.
package normalize

import (
	"bytes"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"turnover/internal/models"
	"turnover/internal/schedule"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
)

// MissingFieldsError lists required booking fields absent from a payload.
type MissingFieldsError struct {
	Fields []string
}

func (e *MissingFieldsError) Error() string {
	return "missing required fields: " + strings.Join(e.Fields, ", ")
}

var (
	// ErrNotObject is returned when a payload is not a JSON object.
	ErrNotObject = errors.New("payload is not a JSON object")

	envelopeKeys = []string{"booking", "reservation", "data"}

	idKeys        = []string{"id", "_id", "reservationId", "reservation_id", "bookingId", "booking_id", "confirmationCode"}
	listingKeys   = []string{"listingId", "listing_id", "listingMapId", "propertyId", "property_id", "listing.id", "listing._id", "property.id"}
	checkInKeys   = []string{"checkIn", "check_in", "checkInDate", "startDate", "start_date", "arrivalDate"}
	checkOutKeys  = []string{"checkOut", "check_out", "checkOutDate", "endDate", "end_date", "departureDate"}
	guestNameKeys = []string{"guestName", "guest_name", "guest.fullName", "guest.full_name", "guest.name"}
	emailKeys     = []string{"guestEmail", "guest_email", "guest.email", "email"}
	phoneKeys     = []string{"guestPhone", "guest_phone", "guest.phone", "phone"}
	statusKeys    = []string{"status", "reservationStatus", "state"}

	listingIDKeys = []string{"id", "_id", "listingId", "listing_id"}

	listKeys = []string{"results", "result", "data", "items", "bookings", "reservations", "listings"}
)

// record is the normalized shape checked by the validator. Field names in
// errors come from the json tags.
type record struct {
	ExternalID string `json:"id" validate:"required"`
	ListingID  string `json:"listingId" validate:"required"`
	StartDate  string `json:"startDate" validate:"required"`
	EndDate    string `json:"endDate" validate:"required"`
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

func decodeObject(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, ErrNotObject
	}
	return m, nil
}

// unwrap descends through known envelope keys, at most twice, so both
// {"booking":{...}} and {"event":"...","data":{"reservation":{...}}} resolve.
// A level that already carries every anchor key is the record itself, so a
// nested object under an envelope key is left alone.
func unwrap(m map[string]any, anchors ...[]string) map[string]any {
	for depth := 0; depth < 2; depth++ {
		if hasAll(m, anchors) {
			break
		}
		descended := false
		for _, k := range envelopeKeys {
			if inner, ok := m[k].(map[string]any); ok {
				m = inner
				descended = true
				break
			}
		}
		if !descended {
			break
		}
	}
	return m
}

func hasAll(m map[string]any, anchors [][]string) bool {
	if len(anchors) == 0 {
		return false
	}
	for _, keys := range anchors {
		if first(m, keys) == "" {
			return false
		}
	}
	return true
}

// lookup resolves a dotted path to a scalar rendered as a string.
func lookup(m map[string]any, path string) string {
	var cur any = m
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return ""
		}
		cur, ok = obj[part]
		if !ok {
			return ""
		}
	}
	switch v := cur.(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	case bool:
		if v {
			return "true"
		}
		return "false"
	default:
		return ""
	}
}

func first(m map[string]any, keys []string) string {
	for _, k := range keys {
		if v := lookup(m, k); v != "" {
			return v
		}
	}
	return ""
}

func guestName(m map[string]any) string {
	if name := first(m, guestNameKeys); name != "" {
		return name
	}
	for _, pair := range [][2]string{
		{"guest.firstName", "guest.lastName"},
		{"guest.first_name", "guest.last_name"},
		{"guestFirstName", "guestLastName"},
	} {
		name := strings.TrimSpace(lookup(m, pair[0]) + " " + lookup(m, pair[1]))
		if name != "" {
			return name
		}
	}
	return ""
}

// ParseDate accepts YYYY-MM-DD or RFC3339 and returns the calendar date.
func ParseDate(s string) (time.Time, error) {
	if t, err := time.Parse(models.DateLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("unrecognized date %q", s)
	}
	return models.DateOnly(t), nil
}

// NormalizeBooking extracts a booking from any supported payload shape. The
// whole payload is kept as Raw.
func NormalizeBooking(raw []byte) (*models.Booking, error) {
	obj, err := decodeObject(raw)
	if err != nil {
		return nil, err
	}
	m := unwrap(obj, idKeys, checkInKeys)

	rec := record{
		ExternalID: first(m, idKeys),
		ListingID:  first(m, listingKeys),
		StartDate:  first(m, checkInKeys),
		EndDate:    first(m, checkOutKeys),
	}
	if err := getValidator().Struct(rec); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return nil, err
		}
		missing := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			missing = append(missing, fe.Field())
		}
		return nil, &MissingFieldsError{Fields: missing}
	}

	checkIn, err := ParseDate(rec.StartDate)
	if err != nil {
		return nil, fmt.Errorf("startDate: %w", err)
	}
	checkOut, err := ParseDate(rec.EndDate)
	if err != nil {
		return nil, fmt.Errorf("endDate: %w", err)
	}
	if !checkOut.After(checkIn) {
		return nil, fmt.Errorf("booking %s: %w", rec.ExternalID, schedule.ErrInvalidRange)
	}

	return &models.Booking{
		ExternalID: rec.ExternalID,
		ListingID:  rec.ListingID,
		GuestName:  guestName(m),
		GuestEmail: first(m, emailKeys),
		GuestPhone: first(m, phoneKeys),
		CheckIn:    checkIn,
		CheckOut:   checkOut,
		Status:     MapStatus(first(m, statusKeys)),
		Raw:        append([]byte(nil), raw...),
	}, nil
}

// MapStatus folds vendor status strings onto booking statuses; anything
// unrecognized is pending.
func MapStatus(s string) string {
	norm := strings.NewReplacer(" ", "_", "-", "_").Replace(strings.ToLower(strings.TrimSpace(s)))
	switch norm {
	case "confirmed", "accepted", "new", "modified", "booked", "reserved":
		return models.StatusConfirmed
	case "cancelled", "canceled", "declined", "expired", "cancelled_by_guest", "cancelled_by_host":
		return models.StatusCancelled
	case "checked_in", "checkedin", "in_house", "ongoing":
		return models.StatusCheckedIn
	case "checked_out", "checkedout", "completed", "finished":
		return models.StatusCheckedOut
	default:
		return models.StatusPending
	}
}

// NormalizeListing extracts a listing. Listings without an explicit flag are active.
func NormalizeListing(raw []byte) (*models.Listing, error) {
	obj, err := decodeObject(raw)
	if err != nil {
		return nil, err
	}
	m := unwrap(obj, listingIDKeys)

	id := first(m, listingIDKeys)
	if id == "" {
		return nil, &MissingFieldsError{Fields: []string{"id"}}
	}

	active := true
	if v := first(m, []string{"active", "isActive", "isListed", "listed"}); v != "" {
		active = v == "true" || v == "1"
	} else if st := strings.ToLower(lookup(m, "status")); st != "" {
		active = st == "active" || st == "listed"
	}

	return &models.Listing{
		ID:       id,
		Name:     first(m, []string{"name", "title", "nickname", "internalListingName"}),
		Active:   active,
		Timezone: first(m, []string{"timezone", "timeZoneName", "timezone_name"}),
	}, nil
}

// SplitList returns the elements of a list response, either a bare array or
// an object holding the array under a common key.
func SplitList(raw []byte) ([][]byte, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if trimmed[0] == '[' {
		return splitArray(trimmed)
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return nil, fmt.Errorf("decode list: %w", err)
	}
	for _, k := range listKeys {
		v, ok := obj[k]
		if !ok {
			continue
		}
		v = bytes.TrimSpace(v)
		if len(v) > 0 && v[0] == '[' {
			return splitArray(v)
		}
		if len(v) > 0 && v[0] == '{' {
			return SplitList(v)
		}
	}
	return nil, fmt.Errorf("no list found in response")
}

func splitArray(raw []byte) ([][]byte, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("decode list: %w", err)
	}
	out := make([][]byte, len(items))
	for i, item := range items {
		out[i] = []byte(item)
	}
	return out, nil
}
