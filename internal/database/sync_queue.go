package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"turnover/internal/models"
)

const syncQueueColumns = `id, task_type, entity_id, payload, status, retry_count, last_error, created_at, processed_at, next_retry_at`

func (db *DB) CreateSyncTask(ctx context.Context, task *models.SyncQueueItem) error {
	now := db.now()
	if task.Status == "" {
		task.Status = models.QueuePending
	}
	var id int64
	err := db.QueryRowContext(ctx,
		`INSERT INTO sync_queue (task_type, entity_id, payload, status, retry_count, last_error, created_at, next_retry_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
		task.TaskType,
		task.EntityID,
		task.Payload,
		task.Status,
		task.RetryCount,
		nullString(task.LastError),
		now,
		nullTime(task.NextRetryAt),
	).Scan(&id)
	if err != nil {
		return fmt.Errorf("failed to create sync task: %w", err)
	}
	task.ID = id
	task.CreatedAt = now
	return nil
}

func scanSyncTask(row scanner) (*models.SyncQueueItem, error) {
	var (
		t           models.SyncQueueItem
		lastError   sql.NullString
		processedAt sql.NullTime
		nextRetryAt sql.NullTime
	)
	if err := row.Scan(&t.ID, &t.TaskType, &t.EntityID, &t.Payload, &t.Status, &t.RetryCount,
		&lastError, &t.CreatedAt, &processedAt, &nextRetryAt); err != nil {
		return nil, err
	}
	t.CreatedAt = t.CreatedAt.UTC()
	t.LastError = stringPtr(lastError)
	t.ProcessedAt = timePtr(processedAt)
	t.NextRetryAt = timePtr(nextRetryAt)
	return &t, nil
}

func (db *DB) GetSyncTask(ctx context.Context, id int64) (*models.SyncQueueItem, error) {
	t, err := scanSyncTask(db.QueryRowContext(ctx, `SELECT `+syncQueueColumns+` FROM sync_queue WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sync task %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync task: %w", err)
	}
	return t, nil
}

func (db *DB) listSyncTasks(ctx context.Context, query string, args ...any) ([]models.SyncQueueItem, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []models.SyncQueueItem
	for rows.Next() {
		t, err := scanSyncTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

func (db *DB) GetPendingSyncTasks(ctx context.Context, limit int) ([]models.SyncQueueItem, error) {
	tasks, err := db.listSyncTasks(ctx,
		`SELECT `+syncQueueColumns+` FROM sync_queue
		WHERE status IN ($1, $2) AND (next_retry_at IS NULL OR next_retry_at <= $3)
		ORDER BY created_at ASC LIMIT $4`,
		models.QueuePending, models.QueueRetry, db.now(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get pending sync tasks: %w", err)
	}
	return tasks, nil
}

func (db *DB) UpdateSyncTaskStatus(ctx context.Context, id int64, status, errMsg string, nextRetryAt *time.Time) error {
	var (
		query string
		args  []any
	)
	lastErr := sql.NullString{String: errMsg, Valid: errMsg != ""}

	switch status {
	case models.QueueRetry:
		query = `UPDATE sync_queue SET status = $1, last_error = $2, next_retry_at = $3, retry_count = retry_count + 1 WHERE id = $4`
		args = []any{status, lastErr, nullTime(nextRetryAt), id}
	case models.QueueCompleted, models.QueueFailed:
		query = `UPDATE sync_queue SET status = $1, last_error = $2, next_retry_at = $3, processed_at = $4 WHERE id = $5`
		args = []any{status, lastErr, nullTime(nextRetryAt), db.now(), id}
	default:
		query = `UPDATE sync_queue SET status = $1, last_error = $2, next_retry_at = $3 WHERE id = $4`
		args = []any{status, lastErr, nullTime(nextRetryAt), id}
	}

	if _, err := db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update sync task status: %w", err)
	}
	return nil
}

func (db *DB) GetFailedSyncTasks(ctx context.Context) ([]models.SyncQueueItem, error) {
	tasks, err := db.listSyncTasks(ctx,
		`SELECT `+syncQueueColumns+` FROM sync_queue WHERE status = $1 ORDER BY created_at DESC`,
		models.QueueFailed,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get failed sync tasks: %w", err)
	}
	return tasks, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
