package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"turnover/internal/failure"
	"turnover/internal/models"

	"github.com/google/uuid"
)

const syncLogColumns = `id, service, sync_type, status, started_at, ended_at, message, item_count, error_class`

// SyncLogFilter narrows sync log queries. Zero fields match everything.
type SyncLogFilter struct {
	Service    string
	SyncType   string
	Statuses   []string
	ErrorClass string
	Since      time.Time
	Limit      int
	Offset     int
}

func (f SyncLogFilter) where() (string, []any) {
	var (
		clauses []string
		args    []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	if f.Service != "" {
		add("service = $%d", f.Service)
	}
	if f.SyncType != "" {
		add("sync_type = $%d", f.SyncType)
	}
	if len(f.Statuses) > 0 {
		placeholders := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			args = append(args, s)
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		clauses = append(clauses, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if f.ErrorClass != "" {
		add("error_class = $%d", f.ErrorClass)
	}
	if !f.Since.IsZero() {
		add("started_at >= $%d", f.Since.UTC())
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// AppendSyncLog inserts a new entry. Entries are never updated afterwards.
func (db *DB) AppendSyncLog(ctx context.Context, e *models.SyncLogEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.StartedAt.IsZero() {
		e.StartedAt = db.now()
	}
	if e.EndedAt.IsZero() {
		e.EndedAt = e.StartedAt
	}
	e.StartedAt = e.StartedAt.UTC()
	e.EndedAt = e.EndedAt.UTC()

	_, err := db.ExecContext(ctx,
		`INSERT INTO sync_logs (`+syncLogColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.Service, e.SyncType, e.Status, e.StartedAt, e.EndedAt, e.Message, e.ItemCount, nullString(e.ErrorClass),
	)
	if err != nil {
		return failure.Datastore("append sync log", err)
	}
	return nil
}

func scanSyncLog(row scanner) (*models.SyncLogEntry, error) {
	var (
		e          models.SyncLogEntry
		errorClass sql.NullString
	)
	if err := row.Scan(&e.ID, &e.Service, &e.SyncType, &e.Status, &e.StartedAt, &e.EndedAt, &e.Message, &e.ItemCount, &errorClass); err != nil {
		return nil, err
	}
	e.StartedAt = e.StartedAt.UTC()
	e.EndedAt = e.EndedAt.UTC()
	e.ErrorClass = stringPtr(errorClass)
	return &e, nil
}

// ListSyncLogs returns one page of entries, newest first, plus the total
// number of entries matching the filter.
func (db *DB) ListSyncLogs(ctx context.Context, f SyncLogFilter) ([]models.SyncLogEntry, int, error) {
	where, args := f.where()

	var total int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_logs`+where, args...).Scan(&total); err != nil {
		return nil, 0, failure.Datastore("count sync logs", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = models.DefaultPageSize
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	query := fmt.Sprintf(`SELECT %s FROM sync_logs%s ORDER BY started_at DESC, id LIMIT %d OFFSET %d`,
		syncLogColumns, where, limit, offset)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, failure.Datastore("list sync logs", err)
	}
	defer rows.Close()

	entries := make([]models.SyncLogEntry, 0, limit)
	for rows.Next() {
		e, err := scanSyncLog(rows)
		if err != nil {
			return nil, 0, failure.Datastore("scan sync log", err)
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, failure.Datastore("list sync logs", err)
	}
	return entries, total, nil
}

// LatestSyncLog returns the newest entry matching the filter, or ErrNotFound.
func (db *DB) LatestSyncLog(ctx context.Context, f SyncLogFilter) (*models.SyncLogEntry, error) {
	where, args := f.where()
	e, err := scanSyncLog(db.QueryRowContext(ctx,
		`SELECT `+syncLogColumns+` FROM sync_logs`+where+` ORDER BY started_at DESC, id LIMIT 1`, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, failure.Datastore("latest sync log", err)
	}
	return e, nil
}
