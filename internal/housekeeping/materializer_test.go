package housekeeping

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"turnover/internal/database"
	"turnover/internal/events"
	"turnover/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func date(s string) time.Time {
	t, err := time.Parse(models.DateLayout, s)
	if err != nil {
		panic(err)
	}
	return t
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.TasksCreated
}

func (p *recordingPublisher) Publish(_ context.Context, topic string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if topic == events.TopicTaskCreated {
		p.events = append(p.events, payload.(models.TasksCreated))
	}
	return nil
}

func setup(t *testing.T) (*Materializer, *database.DB, *recordingPublisher) {
	t.Helper()
	logger := zerolog.Nop()
	db, err := database.NewDB(":memory:", &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	pub := &recordingPublisher{}
	m := NewMaterializer(db, pub, &logger)
	m.now = func() time.Time { return time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC) }
	return m, db, pub
}

func addBooking(t *testing.T, db *database.DB, ext, in, out, status string) *models.Booking {
	t.Helper()
	b := &models.Booking{
		ExternalID: ext,
		ListingID:  "L1",
		GuestName:  "Guest " + ext,
		CheckIn:    date(in),
		CheckOut:   date(out),
		Status:     status,
	}
	_, err := db.UpsertBooking(context.Background(), b, models.SyncTypePoll)
	require.NoError(t, err)
	return b
}

func TestMaterializeForBooking_IsIdempotent(t *testing.T) {
	m, db, pub := setup(t)
	ctx := context.Background()
	b := addBooking(t, db, "R1", "2025-06-01", "2025-06-08", models.StatusConfirmed)

	first, err := m.MaterializeForBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, first.Created)
	assert.Equal(t, 7, first.Nights)
	require.Len(t, first.Tasks, 3)

	second, err := m.MaterializeForBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.False(t, second.Created)

	stored, err := db.ListTasksForBooking(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, stored, 3)

	ids := func(ts []models.CleaningTask) []string {
		out := make([]string, len(ts))
		for i, t := range ts {
			out[i] = t.ID
		}
		return out
	}
	assert.ElementsMatch(t, ids(first.Tasks), ids(second.Tasks))
	assert.ElementsMatch(t, ids(first.Tasks), ids(stored))

	assert.Equal(t, date("2025-06-01"), stored[0].ScheduledDate)
	assert.Equal(t, models.ServiceFull, stored[0].ServiceType)
	assert.Equal(t, date("2025-06-03"), stored[1].ScheduledDate)
	assert.Equal(t, date("2025-06-05"), stored[2].ScheduledDate)
	for _, task := range stored {
		assert.Equal(t, "L1", task.ListingID)
		require.NotNil(t, task.BookingID)
		assert.Equal(t, b.ID, *task.BookingID)
		assert.Equal(t, models.TaskPending, task.Status)
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.Len(t, pub.events, 1)
	assert.Equal(t, b.ID, pub.events[0].BookingID)
}

func TestMaterializeForBooking_ConcurrentCallsCreateOneSet(t *testing.T) {
	m, db, _ := setup(t)
	ctx := context.Background()
	b := addBooking(t, db, "R1", "2025-06-01", "2025-06-11", models.StatusConfirmed)

	var wg sync.WaitGroup
	created := make(chan bool, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := m.MaterializeForBooking(ctx, b.ID)
			if assert.NoError(t, err) {
				created <- res.Created
			}
		}()
	}
	wg.Wait()
	close(created)

	n := 0
	for c := range created {
		if c {
			n++
		}
	}
	assert.Equal(t, 1, n)

	stored, err := db.ListTasksForBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.Len(t, stored, 3)
}

func TestMaterializeForBooking_Cancelled(t *testing.T) {
	m, db, _ := setup(t)
	b := addBooking(t, db, "R1", "2025-06-01", "2025-06-04", models.StatusCancelled)

	_, err := m.MaterializeForBooking(context.Background(), b.ID)
	assert.ErrorIs(t, err, ErrNotMaterializable)
}

func TestMaterializeForBooking_Unknown(t *testing.T) {
	m, _, _ := setup(t)
	_, err := m.MaterializeForBooking(context.Background(), "nope")
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestAuditAndRemediate(t *testing.T) {
	m, db, _ := setup(t)
	ctx := context.Background()

	done := addBooking(t, db, "R1", "2025-06-01", "2025-06-05", models.StatusConfirmed)
	missing := addBooking(t, db, "R2", "2025-06-03", "2025-06-09", models.StatusConfirmed)
	addBooking(t, db, "R3", "2025-05-20", "2025-05-25", models.StatusConfirmed) // checked out
	addBooking(t, db, "R4", "2025-06-10", "2025-06-12", models.StatusCancelled)
	addBooking(t, db, "R5", "2025-06-10", "2025-06-12", models.StatusPending)

	_, err := m.MaterializeForBooking(ctx, done.ID)
	require.NoError(t, err)

	report, err := m.AuditMissingTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.BookingsScanned)
	assert.Equal(t, 1, report.MissingCount)
	require.Len(t, report.Items, 1)
	item := report.Items[0]
	assert.Equal(t, missing.ID, item.BookingID)
	assert.Equal(t, "R2", item.ExternalID)
	assert.Equal(t, "Guest R2", item.GuestName)
	assert.Equal(t, 6, item.StayNights)

	rem, err := m.RemediateMissing(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rem.Attempted)
	assert.Equal(t, 1, rem.Materialized)
	assert.Equal(t, 3, rem.TasksCreated)
	assert.Empty(t, rem.Failed)

	report, err = m.AuditMissingTasks(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.MissingCount)
}

func TestExportAudit(t *testing.T) {
	m, db, _ := setup(t)
	ctx := context.Background()
	addBooking(t, db, "R2", "2025-06-03", "2025-06-09", models.StatusConfirmed)

	var buf bytes.Buffer
	report, err := m.ExportAudit(ctx, &buf)
	require.NoError(t, err)
	assert.Equal(t, 1, report.MissingCount)

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	header, err := f.GetCellValue(auditSheet, "B2")
	require.NoError(t, err)
	assert.Equal(t, "External ID", header)
	ext, err := f.GetCellValue(auditSheet, "B3")
	require.NoError(t, err)
	assert.Equal(t, "R2", ext)
	nights, err := f.GetCellValue(auditSheet, "G3")
	require.NoError(t, err)
	assert.Equal(t, "6", nights)
}

func TestWatch_MaterializesAndCancels(t *testing.T) {
	m, db, _ := setup(t)
	logger := zerolog.Nop()
	bus := events.NewBus(&logger)
	defer bus.Close()
	db.SetPublisher(bus)

	ctx := context.Background()
	unsubscribe, err := m.Watch(ctx, bus)
	require.NoError(t, err)
	defer unsubscribe()

	b := addBooking(t, db, "R1", "2025-06-01", "2025-06-06", models.StatusConfirmed)
	require.Eventually(t, func() bool {
		tasks, err := db.ListTasksForBooking(ctx, b.ID)
		return err == nil && len(tasks) == 2
	}, 2*time.Second, 10*time.Millisecond)

	b.Status = models.StatusCancelled
	_, err = db.UpsertBooking(ctx, b, models.SyncTypeWebhook)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		tasks, err := db.ListTasksForBooking(ctx, b.ID)
		if err != nil || len(tasks) != 2 {
			return false
		}
		for _, task := range tasks {
			if task.Status != models.TaskCancelled {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWatch_IgnoresPendingBookings(t *testing.T) {
	m, db, _ := setup(t)
	logger := zerolog.Nop()
	bus := events.NewBus(&logger)
	defer bus.Close()
	db.SetPublisher(bus)

	unsubscribe, err := m.Watch(context.Background(), bus)
	require.NoError(t, err)
	defer unsubscribe()

	b := addBooking(t, db, "R1", "2025-06-01", "2025-06-06", models.StatusPending)
	time.Sleep(50 * time.Millisecond)

	tasks, err := db.ListTasksForBooking(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

type countingSubscriber struct {
	bus     *events.Bus
	mu      sync.Mutex
	handled int
}

func (s *countingSubscriber) Subscribe(ctx context.Context, topic string, handler events.Handler) (func(), error) {
	return s.bus.Subscribe(ctx, topic, func(ctx context.Context, evt events.Event) error {
		defer func() {
			s.mu.Lock()
			s.handled++
			s.mu.Unlock()
		}()
		return handler(ctx, evt)
	})
}

func (s *countingSubscriber) Handled() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handled
}

func TestWatch_QuickCancellationLeavesNoPendingTasks(t *testing.T) {
	m, db, _ := setup(t)
	logger := zerolog.Nop()
	bus := events.NewBus(&logger)
	defer bus.Close()
	db.SetPublisher(bus)

	ctx := context.Background()
	sub := &countingSubscriber{bus: bus}
	unsubscribe, err := m.Watch(ctx, sub)
	require.NoError(t, err)
	defer unsubscribe()

	const n = 200
	bookings := make([]*models.Booking, 0, n)
	for i := 0; i < n; i++ {
		b := addBooking(t, db, fmt.Sprintf("R%03d", i), "2025-06-01", "2025-06-06", models.StatusConfirmed)
		b.Status = models.StatusCancelled
		_, err := db.UpsertBooking(ctx, b, models.SyncTypeWebhook)
		require.NoError(t, err)
		bookings = append(bookings, b)
	}

	require.Eventually(t, func() bool { return sub.Handled() == 2*n }, 10*time.Second, 10*time.Millisecond)

	for _, b := range bookings {
		tasks, err := db.ListTasksForBooking(ctx, b.ID)
		require.NoError(t, err)
		for _, task := range tasks {
			assert.NotEqual(t, models.TaskPending, task.Status, "booking %s has a pending task", b.ExternalID)
		}
	}
}

func TestMaterializeForBooking_CancelledInStore(t *testing.T) {
	m, db, _ := setup(t)
	b := addBooking(t, db, "R1", "2025-06-01", "2025-06-06", models.StatusCancelled)

	stale := *b
	stale.Status = models.StatusConfirmed
	_, err := m.materialize(context.Background(), &stale)
	assert.ErrorIs(t, err, ErrNotMaterializable)

	tasks, err := db.ListTasksForBooking(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}
