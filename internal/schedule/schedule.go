// Package schedule turns a stay's dates into cleaning visits following the
// length-of-stay policy.
package schedule

import (
	"errors"
	"time"

	"turnover/internal/models"
)

// ErrInvalidRange is returned when check-out is not after check-in.
var ErrInvalidRange = errors.New("check-out must be after check-in")

const (
	// extended stays get a visit every extendedInterval days
	extendedInterval = 3
	// an extended visit needs more than minRemaining days before check-out
	minRemaining = 1
)

// Entry is one scheduled visit.
type Entry struct {
	Date        time.Time          `json:"date"`
	ServiceType models.ServiceType `json:"service_type"`
}

// Schedule is the ordered set of visits for one stay.
type Schedule struct {
	Entries []Entry `json:"entries"`
	Nights  int     `json:"stay_duration_nights"`
}

// Dates returns the visit dates in order.
func (s Schedule) Dates() []time.Time {
	out := make([]time.Time, len(s.Entries))
	for i, e := range s.Entries {
		out[i] = e.Date
	}
	return out
}

// ServiceTypes returns the visit types in order.
func (s Schedule) ServiceTypes() []models.ServiceType {
	out := make([]models.ServiceType, len(s.Entries))
	for i, e := range s.Entries {
		out[i] = e.ServiceType
	}
	return out
}

// Generate computes visits relative to check-in in whole calendar days:
//
//	1-3 nights  check-in only (Full)
//	4-5 nights  plus Standard at n/2
//	6-7 nights  plus Standard at n/3 and 2n/3
//	8+ nights   plus a visit every 3 days from day 3, alternating Full and
//	            LinenAndTowelChange, while more than one day remains
func Generate(checkIn, checkOut time.Time) (Schedule, error) {
	in := models.DateOnly(checkIn)
	out := models.DateOnly(checkOut)
	nights := models.DaysBetween(in, out)
	if nights <= 0 {
		return Schedule{}, ErrInvalidRange
	}

	s := Schedule{
		Nights:  nights,
		Entries: []Entry{{Date: in, ServiceType: models.ServiceFull}},
	}
	add := func(days int, t models.ServiceType) {
		s.Entries = append(s.Entries, Entry{Date: in.AddDate(0, 0, days), ServiceType: t})
	}

	switch {
	case nights <= 3:
	case nights <= 5:
		add(nights/2, models.ServiceStandard)
	case nights <= 7:
		add(nights/3, models.ServiceStandard)
		add(2*nights/3, models.ServiceStandard)
	default:
		for i, day := 0, extendedInterval; nights-day > minRemaining; i, day = i+1, day+extendedInterval {
			t := models.ServiceFull
			if i%2 == 1 {
				t = models.ServiceLinenAndTowelChange
			}
			add(day, t)
		}
	}
	return s, nil
}
