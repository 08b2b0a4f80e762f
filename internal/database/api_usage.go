package database

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"turnover/internal/failure"
	"turnover/internal/models"
)

// UsageSummary aggregates api_usage rows since a point in time.
type UsageSummary struct {
	TotalCalls       int
	ErrorCalls       int
	TopEndpoint      string
	TopEndpointCalls int
	LastRateLimitAt  *time.Time
}

func (db *DB) RecordAPIUsage(ctx context.Context, rec models.APIUsageRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = db.now()
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO api_usage (called_at, endpoint, http_status) VALUES ($1, $2, $3)`,
		rec.Timestamp.UTC(), rec.Endpoint, rec.HTTPStatus,
	)
	if err != nil {
		return failure.Datastore("record api usage", err)
	}
	return nil
}

func (db *DB) APIUsageSummary(ctx context.Context, since time.Time) (UsageSummary, error) {
	var s UsageSummary
	since = since.UTC()

	var errorCalls sql.NullInt64
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*), SUM(CASE WHEN http_status >= $1 THEN 1 ELSE 0 END) FROM api_usage WHERE called_at >= $2`,
		http.StatusBadRequest, since,
	).Scan(&s.TotalCalls, &errorCalls)
	if err != nil {
		return s, failure.Datastore("summarize api usage", err)
	}
	s.ErrorCalls = int(errorCalls.Int64)
	if s.TotalCalls == 0 {
		return s, nil
	}

	err = db.QueryRowContext(ctx,
		`SELECT endpoint, COUNT(*) AS calls FROM api_usage WHERE called_at >= $1
		GROUP BY endpoint ORDER BY calls DESC, endpoint LIMIT 1`,
		since,
	).Scan(&s.TopEndpoint, &s.TopEndpointCalls)
	if err != nil {
		return s, failure.Datastore("top endpoint", err)
	}

	var last time.Time
	err = db.QueryRowContext(ctx,
		`SELECT called_at FROM api_usage WHERE http_status = $1 AND called_at >= $2 ORDER BY called_at DESC LIMIT 1`,
		http.StatusTooManyRequests, since,
	).Scan(&last)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return s, failure.Datastore("last rate limit", err)
	default:
		last = last.UTC()
		s.LastRateLimitAt = &last
	}
	return s, nil
}

// PruneAPIUsage deletes rows older than before.
func (db *DB) PruneAPIUsage(ctx context.Context, before time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM api_usage WHERE called_at < $1`, before.UTC())
	if err != nil {
		return 0, failure.Datastore("prune api usage", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, failure.Datastore("prune api usage", err)
	}
	return n, nil
}
