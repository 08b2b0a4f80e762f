// Package housekeeping turns bookings into persisted cleaning tasks and
// audits bookings that are missing them.
package housekeeping

import (
	"context"
	"errors"
	"fmt"
	"time"

	"turnover/internal/database"
	"turnover/internal/events"
	"turnover/internal/metrics"
	"turnover/internal/models"
	"turnover/internal/schedule"

	"github.com/rs/zerolog"
)

// ErrNotMaterializable is returned for bookings that must not get tasks.
var ErrNotMaterializable = errors.New("booking is not eligible for cleaning tasks")

type Store interface {
	GetBooking(ctx context.Context, id string) (*models.Booking, error)
	CreateTasksForBooking(ctx context.Context, bookingID string, tasks []models.CleaningTask) ([]models.CleaningTask, bool, error)
	ListTasksForBooking(ctx context.Context, bookingID string) ([]models.CleaningTask, error)
	CancelPendingTasksForBooking(ctx context.Context, bookingID string) (int64, error)
	ListBookingsMissingTasks(ctx context.Context, asOf time.Time) ([]models.Booking, error)
	CountActiveConfirmedBookings(ctx context.Context, asOf time.Time) (int, error)
}

// Result describes one materialization. Created is false when the booking
// already had tasks and nothing was written.
type Result struct {
	BookingID string                `json:"booking_id"`
	Created   bool                  `json:"created"`
	Nights    int                   `json:"stay_duration_nights"`
	Tasks     []models.CleaningTask `json:"tasks"`
}

type Materializer struct {
	store     Store
	publisher events.Publisher
	logger    *zerolog.Logger
	now       func() time.Time
}

func NewMaterializer(store Store, publisher events.Publisher, logger *zerolog.Logger) *Materializer {
	return &Materializer{
		store:     store,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}
}

// MaterializeForBooking creates the booking's cleaning tasks once. Later
// calls return the existing tasks untouched.
func (m *Materializer) MaterializeForBooking(ctx context.Context, bookingID string) (*Result, error) {
	b, err := m.store.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	return m.materialize(ctx, b)
}

func (m *Materializer) materialize(ctx context.Context, b *models.Booking) (*Result, error) {
	if b.Status == models.StatusCancelled {
		return nil, fmt.Errorf("%w: booking %s is cancelled", ErrNotMaterializable, b.ID)
	}

	existing, err := m.store.ListTasksForBooking(ctx, b.ID)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return &Result{BookingID: b.ID, Nights: b.Nights(), Tasks: existing}, nil
	}

	sched, err := schedule.Generate(b.CheckIn, b.CheckOut)
	if err != nil {
		return nil, fmt.Errorf("booking %s: %w", b.ID, err)
	}

	tasks := make([]models.CleaningTask, len(sched.Entries))
	for i, e := range sched.Entries {
		tasks[i] = models.CleaningTask{
			ListingID:     b.ListingID,
			ScheduledDate: e.Date,
			ServiceType:   e.ServiceType,
			Status:        models.TaskPending,
		}
	}

	created, ok, err := m.store.CreateTasksForBooking(ctx, b.ID, tasks)
	if errors.Is(err, database.ErrBookingCancelled) {
		return nil, fmt.Errorf("%w: booking %s is cancelled", ErrNotMaterializable, b.ID)
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		// A concurrent pass got there first.
		existing, err := m.store.ListTasksForBooking(ctx, b.ID)
		if err != nil {
			return nil, err
		}
		return &Result{BookingID: b.ID, Nights: sched.Nights, Tasks: existing}, nil
	}

	for _, t := range created {
		metrics.IncTaskCreated(string(t.ServiceType))
	}
	m.logger.Info().
		Str("booking_id", b.ID).
		Str("listing_id", b.ListingID).
		Int("nights", sched.Nights).
		Int("tasks", len(created)).
		Msg("Cleaning tasks created")

	if m.publisher != nil {
		payload := models.TasksCreated{BookingID: b.ID, Tasks: created}
		if err := m.publisher.Publish(ctx, events.TopicTaskCreated, payload); err != nil {
			m.logger.Warn().Err(err).Str("booking_id", b.ID).Msg("Failed to publish task event")
		}
	}
	return &Result{BookingID: b.ID, Created: true, Nights: sched.Nights, Tasks: created}, nil
}

// AuditMissingTasks lists confirmed bookings, not yet checked out, that have
// no cleaning task.
func (m *Materializer) AuditMissingTasks(ctx context.Context) (*models.MissingTasksReport, error) {
	now := m.now().UTC()
	today := models.DateOnly(now)

	scanned, err := m.store.CountActiveConfirmedBookings(ctx, today)
	if err != nil {
		return nil, err
	}
	missing, err := m.store.ListBookingsMissingTasks(ctx, today)
	if err != nil {
		return nil, err
	}

	report := &models.MissingTasksReport{
		GeneratedAt:     now,
		BookingsScanned: scanned,
		MissingCount:    len(missing),
		Items:           make([]models.MissingTaskItem, 0, len(missing)),
	}
	for _, b := range missing {
		report.Items = append(report.Items, models.MissingTaskItem{
			BookingID:  b.ID,
			ExternalID: b.ExternalID,
			ListingID:  b.ListingID,
			GuestName:  b.GuestName,
			CheckIn:    b.CheckIn,
			CheckOut:   b.CheckOut,
			StayNights: b.Nights(),
		})
	}
	return report, nil
}

// Remediation summarizes a RemediateMissing pass.
type Remediation struct {
	Attempted    int      `json:"attempted"`
	Materialized int      `json:"materialized"`
	TasksCreated int      `json:"tasks_created"`
	Failed       []string `json:"failed"`
}

// RemediateMissing materializes every booking the audit reports. A failing
// booking is recorded and the pass continues.
func (m *Materializer) RemediateMissing(ctx context.Context) (*Remediation, error) {
	report, err := m.AuditMissingTasks(ctx)
	if err != nil {
		return nil, err
	}

	out := &Remediation{Attempted: len(report.Items), Failed: []string{}}
	for _, item := range report.Items {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		res, err := m.MaterializeForBooking(ctx, item.BookingID)
		if err != nil {
			m.logger.Error().Err(err).Str("booking_id", item.BookingID).Msg("Remediation failed")
			out.Failed = append(out.Failed, item.BookingID)
			continue
		}
		if res.Created {
			out.Materialized++
			out.TasksCreated += len(res.Tasks)
		}
	}
	return out, nil
}

// CancelForBooking cancels a booking's tasks that have not started.
func (m *Materializer) CancelForBooking(ctx context.Context, bookingID string) (int64, error) {
	n, err := m.store.CancelPendingTasksForBooking(ctx, bookingID)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.logger.Info().Str("booking_id", bookingID).Int64("tasks", n).Msg("Pending cleaning tasks cancelled")
	}
	return n, nil
}
