package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"turnover/internal/failure"
	"turnover/internal/models"

	"github.com/google/uuid"
)

const taskColumns = `id, booking_id, listing_id, scheduled_date, service_type, status, assignee, created_at, updated_at`

// CreateTasksForBooking persists tasks for a booking in one transaction.
// It returns created=false without writing when the booking already has a
// generation marker or any task referencing it, and ErrBookingCancelled when
// the stored booking is cancelled.
func (db *DB) CreateTasksForBooking(ctx context.Context, bookingID string, tasks []models.CleaningTask) ([]models.CleaningTask, bool, error) {
	if len(tasks) == 0 {
		return nil, false, errors.New("no tasks to create")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, failure.Datastore("begin create tasks", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	statusQuery := `SELECT status FROM bookings WHERE id = $1`
	if db.driver == "postgres" {
		statusQuery += ` FOR UPDATE`
	}
	var status string
	err = tx.QueryRowContext(ctx, statusQuery, bookingID).Scan(&status)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, false, failure.Datastore("load booking status", err)
	case status == models.StatusCancelled:
		return nil, false, fmt.Errorf("booking %s: %w", bookingID, ErrBookingCancelled)
	}

	var existing int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM cleaning_tasks WHERE booking_id = $1`, bookingID,
	).Scan(&existing); err != nil {
		return nil, false, failure.Datastore("count tasks", err)
	}
	if existing > 0 {
		return nil, false, nil
	}

	now := db.now()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO task_generations (booking_id, task_count, generated_at) VALUES ($1, $2, $3)
		ON CONFLICT (booking_id) DO NOTHING`,
		bookingID, len(tasks), now,
	)
	if err != nil {
		return nil, false, failure.Datastore("mark generation", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, false, failure.Datastore("mark generation", err)
	} else if n == 0 {
		return nil, false, nil
	}

	created := make([]models.CleaningTask, 0, len(tasks))
	for _, t := range tasks {
		t.ID = uuid.NewString()
		id := bookingID
		t.BookingID = &id
		if t.Status == "" {
			t.Status = models.TaskPending
		}
		t.ScheduledDate = models.DateOnly(t.ScheduledDate)
		t.CreatedAt = now
		t.UpdatedAt = now

		_, err := tx.ExecContext(ctx,
			`INSERT INTO cleaning_tasks (`+taskColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			t.ID, bookingID, t.ListingID, t.ScheduledDate.Format(models.DateLayout),
			string(t.ServiceType), t.Status, nullString(t.Assignee), now, now,
		)
		if err != nil {
			return nil, false, failure.Datastore("insert task", err)
		}
		created = append(created, t)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, failure.Datastore("commit tasks", err)
	}
	return created, true, nil
}

func scanTask(row scanner) (*models.CleaningTask, error) {
	var (
		t         models.CleaningTask
		bookingID sql.NullString
		assignee  sql.NullString
		date      string
		service   string
	)
	err := row.Scan(&t.ID, &bookingID, &t.ListingID, &date, &service, &t.Status, &assignee, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if t.ScheduledDate, err = parseDate(date); err != nil {
		return nil, fmt.Errorf("task %s scheduled_date: %w", t.ID, err)
	}
	t.ServiceType = models.ServiceType(service)
	t.BookingID = stringPtr(bookingID)
	t.Assignee = stringPtr(assignee)
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	return &t, nil
}

func (db *DB) GetTask(ctx context.Context, id string) (*models.CleaningTask, error) {
	t, err := scanTask(db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM cleaning_tasks WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, failure.Datastore("get task", err)
	}
	return t, nil
}

// ListTasksForBooking returns the booking's tasks ordered by date.
func (db *DB) ListTasksForBooking(ctx context.Context, bookingID string) ([]models.CleaningTask, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM cleaning_tasks WHERE booking_id = $1 ORDER BY scheduled_date, created_at`,
		bookingID,
	)
	if err != nil {
		return nil, failure.Datastore("list tasks", err)
	}
	defer rows.Close()

	var tasks []models.CleaningTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, failure.Datastore("scan task", err)
		}
		tasks = append(tasks, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, failure.Datastore("list tasks", err)
	}
	return tasks, nil
}

// CancelPendingTasksForBooking moves the booking's pending tasks to cancelled.
func (db *DB) CancelPendingTasksForBooking(ctx context.Context, bookingID string) (int64, error) {
	res, err := db.ExecContext(ctx,
		`UPDATE cleaning_tasks SET status = $1, updated_at = $2 WHERE booking_id = $3 AND status = $4`,
		models.TaskCancelled, db.now(), bookingID, models.TaskPending,
	)
	if err != nil {
		return 0, failure.Datastore("cancel tasks", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, failure.Datastore("cancel tasks", err)
	}
	return n, nil
}
