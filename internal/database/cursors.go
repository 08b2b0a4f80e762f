package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"turnover/internal/failure"
)

// GetSyncCursor returns when a listing was last synced; nil if never.
func (db *DB) GetSyncCursor(ctx context.Context, listingID string) (*time.Time, error) {
	var t time.Time
	err := db.QueryRowContext(ctx, `SELECT last_synced_at FROM sync_cursors WHERE listing_id = $1`, listingID).Scan(&t)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, failure.Datastore("get sync cursor", err)
	}
	t = t.UTC()
	return &t, nil
}

func (db *DB) SetSyncCursor(ctx context.Context, listingID string, at time.Time) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO sync_cursors (listing_id, last_synced_at) VALUES ($1, $2)
		ON CONFLICT (listing_id) DO UPDATE SET last_synced_at = excluded.last_synced_at`,
		listingID, at.UTC(),
	)
	if err != nil {
		return failure.Datastore("set sync cursor", err)
	}
	return nil
}
