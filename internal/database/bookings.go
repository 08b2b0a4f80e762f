package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"turnover/internal/events"
	"turnover/internal/failure"
	"turnover/internal/models"

	"github.com/google/uuid"
)

const bookingColumns = `id, external_id, listing_id, guest_name, guest_email, guest_phone,
	check_in, check_out, status, raw, last_synced_at, created_at, updated_at`

// UpsertBooking inserts or overwrites the booking keyed by ExternalID and
// reports whether a new row was created. Concurrent writers for the same
// external id resolve last-write-wins.
func (db *DB) UpsertBooking(ctx context.Context, b *models.Booking, source string) (bool, error) {
	if b.ExternalID == "" {
		return false, errors.New("booking external id is required")
	}
	if !b.CheckOut.After(b.CheckIn) {
		return false, fmt.Errorf("booking %s: check-out must be after check-in", b.ExternalID)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return false, failure.Datastore("begin upsert", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var (
		prevID        string
		prevStatus    string
		prevCreatedAt time.Time
	)
	err = tx.QueryRowContext(ctx,
		`SELECT id, status, created_at FROM bookings WHERE external_id = $1`, b.ExternalID,
	).Scan(&prevID, &prevStatus, &prevCreatedAt)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, failure.Datastore("load booking", err)
	}

	now := db.now()
	newID := uuid.NewString()
	var raw sql.NullString
	if len(b.Raw) > 0 {
		raw = sql.NullString{String: string(b.Raw), Valid: true}
	}

	query := `INSERT INTO bookings (` + bookingColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (external_id) DO UPDATE SET
			listing_id = excluded.listing_id,
			guest_name = excluded.guest_name,
			guest_email = excluded.guest_email,
			guest_phone = excluded.guest_phone,
			check_in = excluded.check_in,
			check_out = excluded.check_out,
			status = excluded.status,
			raw = excluded.raw,
			last_synced_at = excluded.last_synced_at,
			updated_at = excluded.updated_at
		RETURNING id`

	var id string
	err = tx.QueryRowContext(ctx, query,
		newID,
		b.ExternalID,
		b.ListingID,
		b.GuestName,
		b.GuestEmail,
		b.GuestPhone,
		b.CheckIn.Format(models.DateLayout),
		b.CheckOut.Format(models.DateLayout),
		b.Status,
		raw,
		now,
		now,
		now,
	).Scan(&id)
	if err != nil {
		return false, failure.Datastore("upsert booking", err)
	}

	if err := tx.Commit(); err != nil {
		return false, failure.Datastore("commit upsert", err)
	}

	inserted := id == newID
	b.ID = id
	b.LastSyncedAt = now
	b.UpdatedAt = now
	if inserted {
		b.CreatedAt = now
	} else {
		b.CreatedAt = prevCreatedAt.UTC()
	}

	change := models.BookingChange{Kind: models.ChangeInsert, Source: source, Booking: *b}
	if !inserted {
		change.Kind = models.ChangeUpdate
		change.PreviousStatus = prevStatus
	}
	db.publish(ctx, events.TopicBookingChanged, change)

	return inserted, nil
}

func scanBooking(row scanner) (*models.Booking, error) {
	var (
		b                 models.Booking
		checkIn, checkOut string
		raw               sql.NullString
	)
	err := row.Scan(
		&b.ID, &b.ExternalID, &b.ListingID, &b.GuestName, &b.GuestEmail, &b.GuestPhone,
		&checkIn, &checkOut, &b.Status, &raw, &b.LastSyncedAt, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if b.CheckIn, err = parseDate(checkIn); err != nil {
		return nil, fmt.Errorf("booking %s check_in: %w", b.ID, err)
	}
	if b.CheckOut, err = parseDate(checkOut); err != nil {
		return nil, fmt.Errorf("booking %s check_out: %w", b.ID, err)
	}
	if raw.Valid {
		b.Raw = []byte(raw.String)
	}
	b.LastSyncedAt = b.LastSyncedAt.UTC()
	b.CreatedAt = b.CreatedAt.UTC()
	b.UpdatedAt = b.UpdatedAt.UTC()
	return &b, nil
}

func (db *DB) getBookingBy(ctx context.Context, column, value string) (*models.Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE ` + column + ` = $1`
	b, err := scanBooking(db.QueryRowContext(ctx, query, value))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("booking %s: %w", value, ErrNotFound)
	}
	if err != nil {
		return nil, failure.Datastore("get booking", err)
	}
	return b, nil
}

func (db *DB) GetBooking(ctx context.Context, id string) (*models.Booking, error) {
	return db.getBookingBy(ctx, "id", id)
}

func (db *DB) GetBookingByExternalID(ctx context.Context, externalID string) (*models.Booking, error) {
	return db.getBookingBy(ctx, "external_id", externalID)
}

// BookingFilter narrows ListBookings. Zero fields match everything.
type BookingFilter struct {
	ListingID string
	Status    string
}

func (db *DB) ListBookings(ctx context.Context, f BookingFilter) ([]models.Booking, error) {
	var (
		where []string
		args  []any
	)
	if f.ListingID != "" {
		args = append(args, f.ListingID)
		where = append(where, fmt.Sprintf("listing_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}

	query := `SELECT ` + bookingColumns + ` FROM bookings`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY check_in, external_id`

	return db.queryBookings(ctx, query, args...)
}

// ListBookingsMissingTasks returns confirmed bookings checking out on or
// after asOf that no cleaning task references.
func (db *DB) ListBookingsMissingTasks(ctx context.Context, asOf time.Time) ([]models.Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings b
		WHERE b.status = $1 AND b.check_out >= $2
		AND NOT EXISTS (SELECT 1 FROM cleaning_tasks t WHERE t.booking_id = b.id)
		ORDER BY b.check_in, b.external_id`
	return db.queryBookings(ctx, query, models.StatusConfirmed, asOf.Format(models.DateLayout))
}

// CountActiveConfirmedBookings counts confirmed bookings checking out on or after asOf.
func (db *DB) CountActiveConfirmedBookings(ctx context.Context, asOf time.Time) (int, error) {
	var count int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM bookings WHERE status = $1 AND check_out >= $2`,
		models.StatusConfirmed, asOf.Format(models.DateLayout),
	).Scan(&count)
	if err != nil {
		return 0, failure.Datastore("count bookings", err)
	}
	return count, nil
}

func (db *DB) queryBookings(ctx context.Context, query string, args ...any) ([]models.Booking, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, failure.Datastore("list bookings", err)
	}
	defer rows.Close()

	var bookings []models.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, failure.Datastore("scan booking", err)
		}
		bookings = append(bookings, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, failure.Datastore("list bookings", err)
	}
	return bookings, nil
}
