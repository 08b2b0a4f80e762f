package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"turnover/internal/config"
	"turnover/internal/events"
	"turnover/internal/models"

	_ "github.com/lib/pq"           // postgres driver
	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
	"github.com/rs/zerolog"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// ErrBookingCancelled is returned when tasks are requested for a cancelled booking.
var ErrBookingCancelled = errors.New("booking is cancelled")

type DB struct {
	*sql.DB
	driver    string
	path      string
	logger    *zerolog.Logger
	publisher events.Publisher
	now       func() time.Time
}

// NewDB opens a sqlite database at path, creating parent directories.
func NewDB(path string, logger *zerolog.Logger) (*DB, error) {
	return Open(config.DatabaseConfig{Driver: "sqlite3", Path: path}, logger)
}

// Open connects to the configured driver and applies the schema.
func Open(cfg config.DatabaseConfig, logger *zerolog.Logger) (*DB, error) {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	var (
		sqlDB *sql.DB
		err   error
	)
	switch cfg.Driver {
	case "", "sqlite3":
		cfg.Driver = "sqlite3"
		if cfg.Path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		sqlDB, err = sql.Open("sqlite3", sqliteDSN(cfg.Path))
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		// One writer at a time; also keeps :memory: on a single shared connection.
		sqlDB.SetMaxOpenConns(1)
	case "postgres":
		sqlDB, err = sql.Open("postgres", cfg.Postgres.DSN())
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		if cfg.Postgres.MaxConnections > 0 {
			sqlDB.SetMaxOpenConns(cfg.Postgres.MaxConnections)
		}
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db := &DB{
		DB:     sqlDB,
		driver: cfg.Driver,
		path:   cfg.Path,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
	if err := db.createTables(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	logger.Info().Str("driver", cfg.Driver).Msg("Database initialized")
	return db, nil
}

func sqliteDSN(path string) string {
	if path == ":memory:" {
		return path
	}
	return path + "?_busy_timeout=5000&_foreign_keys=on"
}

// SetPublisher attaches the bus that receives booking change events.
func (db *DB) SetPublisher(p events.Publisher) {
	db.publisher = p
}

// Driver returns the sql driver name in use.
func (db *DB) Driver() string { return db.driver }

// Path returns the sqlite file path; empty for postgres.
func (db *DB) Path() string { return db.path }

// Ping checks the connection.
func (db *DB) Ping(ctx context.Context) error {
	return db.PingContext(ctx)
}

func (db *DB) publish(ctx context.Context, topic string, payload any) {
	if db.publisher == nil {
		return
	}
	if err := db.publisher.Publish(ctx, topic, payload); err != nil {
		db.logger.Warn().Err(err).Str("topic", topic).Msg("Failed to publish change event")
	}
}

func (db *DB) createTables() error {
	pk := "INTEGER PRIMARY KEY AUTOINCREMENT"
	ts := "TIMESTAMP"
	if db.driver == "postgres" {
		pk = "BIGSERIAL PRIMARY KEY"
		ts = "TIMESTAMPTZ"
	}
	r := strings.NewReplacer("{{pk}}", pk, "{{ts}}", ts)

	queries := []string{
		`CREATE TABLE IF NOT EXISTS bookings (
            id TEXT PRIMARY KEY,
            external_id TEXT NOT NULL UNIQUE,
            listing_id TEXT NOT NULL,
            guest_name TEXT NOT NULL DEFAULT '',
            guest_email TEXT NOT NULL DEFAULT '',
            guest_phone TEXT NOT NULL DEFAULT '',
            check_in TEXT NOT NULL,
            check_out TEXT NOT NULL,
            status TEXT NOT NULL,
            raw TEXT,
            last_synced_at {{ts}} NOT NULL,
            created_at {{ts}} NOT NULL,
            updated_at {{ts}} NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS cleaning_tasks (
            id TEXT PRIMARY KEY,
            booking_id TEXT REFERENCES bookings(id),
            listing_id TEXT NOT NULL,
            scheduled_date TEXT NOT NULL,
            service_type TEXT NOT NULL,
            status TEXT NOT NULL DEFAULT 'pending',
            assignee TEXT,
            created_at {{ts}} NOT NULL,
            updated_at {{ts}} NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS task_generations (
            booking_id TEXT PRIMARY KEY REFERENCES bookings(id),
            task_count INTEGER NOT NULL,
            generated_at {{ts}} NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS sync_logs (
            id TEXT PRIMARY KEY,
            service TEXT NOT NULL,
            sync_type TEXT NOT NULL,
            status TEXT NOT NULL,
            started_at {{ts}} NOT NULL,
            ended_at {{ts}} NOT NULL,
            message TEXT NOT NULL DEFAULT '',
            item_count INTEGER NOT NULL DEFAULT 0,
            error_class TEXT
        )`,
		`CREATE TABLE IF NOT EXISTS api_usage (
            id {{pk}},
            called_at {{ts}} NOT NULL,
            endpoint TEXT NOT NULL,
            http_status INTEGER NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS sync_cursors (
            listing_id TEXT PRIMARY KEY,
            last_synced_at {{ts}} NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS sync_queue (
            id {{pk}},
            task_type TEXT NOT NULL,
            entity_id TEXT NOT NULL,
            payload TEXT NOT NULL DEFAULT '',
            status TEXT NOT NULL DEFAULT 'pending',
            retry_count INTEGER NOT NULL DEFAULT 0,
            last_error TEXT,
            created_at {{ts}} NOT NULL,
            processed_at {{ts}},
            next_retry_at {{ts}}
        )`,

		`CREATE INDEX IF NOT EXISTS idx_bookings_listing ON bookings(listing_id)`,
		`CREATE INDEX IF NOT EXISTS idx_bookings_status_checkout ON bookings(status, check_out)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_booking ON cleaning_tasks(booking_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_listing_date ON cleaning_tasks(listing_id, scheduled_date)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_logs_started ON sync_logs(started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_api_usage_called ON api_usage(called_at)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_queue_status ON sync_queue(status, next_retry_at)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(r.Replace(query)); err != nil {
			return fmt.Errorf("error executing query %s: %w", query, err)
		}
	}
	return nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func parseDate(s string) (time.Time, error) {
	return time.Parse(models.DateLayout, s)
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}
