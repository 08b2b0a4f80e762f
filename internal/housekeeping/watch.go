package housekeeping

import (
	"context"
	"errors"

	"turnover/internal/events"
	"turnover/internal/models"
	"turnover/internal/schedule"
)

// Subscriber is the read side of the event bus.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string, handler events.Handler) (func(), error)
}

// Watch reacts to booking changes: confirmed bookings get their tasks and
// bookings moving to cancelled lose their pending ones.
func (m *Materializer) Watch(ctx context.Context, sub Subscriber) (func(), error) {
	return sub.Subscribe(ctx, events.TopicBookingChanged, m.handleBookingChange)
}

func (m *Materializer) handleBookingChange(ctx context.Context, evt events.Event) error {
	var change models.BookingChange
	if err := evt.Decode(&change); err != nil {
		return err
	}
	b := change.Booking

	switch b.Status {
	case models.StatusConfirmed:
		// Events for one booking may arrive out of order, so act on the
		// stored row rather than the snapshot.
		current, err := m.store.GetBooking(ctx, b.ID)
		if err != nil {
			return err
		}
		if current.Status != models.StatusConfirmed {
			m.logger.Debug().Str("booking_id", b.ID).Str("status", current.Status).Msg("Skipping stale confirmation")
			return nil
		}
		_, err = m.materialize(ctx, current)
		switch {
		case errors.Is(err, schedule.ErrInvalidRange):
			m.logger.Warn().Err(err).Str("booking_id", b.ID).Msg("Skipping booking with invalid stay")
			return nil
		case errors.Is(err, ErrNotMaterializable):
			return nil
		}
		return err
	case models.StatusCancelled:
		if change.Kind == models.ChangeInsert || !change.StatusChanged() {
			return nil
		}
		_, err := m.CancelForBooking(ctx, b.ID)
		return err
	}
	return nil
}
