// Package synclog is the append-only record of synchronization attempts and
// the rolling usage metrics derived from it.
package synclog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"turnover/internal/cache"
	"turnover/internal/database"
	"turnover/internal/events"
	"turnover/internal/failure"
	"turnover/internal/models"

	"github.com/rs/zerolog"
)

const (
	// DefaultWindow is the rolling window for usage metrics.
	DefaultWindow = 24 * time.Hour
	// MaxWindow is the widest metrics window and the API usage retention.
	MaxWindow = 30 * 24 * time.Hour
)

var ErrInvalidEntry = errors.New("invalid sync log entry")

// Backend is the persistence the store needs; *database.DB satisfies it.
type Backend interface {
	AppendSyncLog(ctx context.Context, e *models.SyncLogEntry) error
	ListSyncLogs(ctx context.Context, f database.SyncLogFilter) ([]models.SyncLogEntry, int, error)
	LatestSyncLog(ctx context.Context, f database.SyncLogFilter) (*models.SyncLogEntry, error)
	APIUsageSummary(ctx context.Context, since time.Time) (database.UsageSummary, error)
	PruneAPIUsage(ctx context.Context, before time.Time) (int64, error)
}

type Store struct {
	backend   Backend
	cache     cache.Cache
	cacheTTL  time.Duration
	publisher events.Publisher
	logger    *zerolog.Logger
	now       func() time.Time
}

func New(backend Backend, c cache.Cache, cacheTTL time.Duration, publisher events.Publisher, logger *zerolog.Logger) *Store {
	return &Store{
		backend:   backend,
		cache:     c,
		cacheTTL:  cacheTTL,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}
}

// Append stores an entry and announces it on the bus.
func (s *Store) Append(ctx context.Context, e *models.SyncLogEntry) error {
	if err := validate(e); err != nil {
		return err
	}
	if err := s.backend.AppendSyncLog(ctx, e); err != nil {
		return err
	}
	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, events.TopicSyncLogAppended, *e); err != nil {
			s.logger.Warn().Err(err).Str("sync_log_id", e.ID).Msg("Failed to publish sync log event")
		}
	}
	return nil
}

func validate(e *models.SyncLogEntry) error {
	if e == nil || e.Service == "" {
		return fmt.Errorf("%w: service is required", ErrInvalidEntry)
	}
	switch e.SyncType {
	case models.SyncTypePoll, models.SyncTypeWebhook, models.SyncTypeRetry:
	default:
		return fmt.Errorf("%w: sync type %q", ErrInvalidEntry, e.SyncType)
	}
	switch e.Status {
	case models.SyncSuccess, models.SyncError, models.SyncWarning:
	default:
		return fmt.Errorf("%w: status %q", ErrInvalidEntry, e.Status)
	}
	if !e.EndedAt.IsZero() && e.EndedAt.Before(e.StartedAt) {
		return fmt.Errorf("%w: ended before it started", ErrInvalidEntry)
	}
	return nil
}

// Query selects one page of history. Page is 1-based.
type Query struct {
	Service  string
	SyncType string
	Status   string
	Page     int
	PageSize int
}

type Page struct {
	Entries    []models.SyncLogEntry `json:"entries"`
	Total      int                   `json:"total"`
	Page       int                   `json:"page"`
	PageSize   int                   `json:"page_size"`
	TotalPages int                   `json:"total_pages"`
}

// History returns entries newest first.
func (s *Store) History(ctx context.Context, q Query) (Page, error) {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PageSize <= 0 {
		q.PageSize = models.DefaultPageSize
	}
	if q.PageSize > models.MaxPageSize {
		q.PageSize = models.MaxPageSize
	}

	f := database.SyncLogFilter{
		Service:  q.Service,
		SyncType: q.SyncType,
		Limit:    q.PageSize,
		Offset:   (q.Page - 1) * q.PageSize,
	}
	if q.Status != "" {
		f.Statuses = []string{q.Status}
	}

	entries, total, err := s.backend.ListSyncLogs(ctx, f)
	if err != nil {
		return Page{}, err
	}
	return Page{
		Entries:    entries,
		Total:      total,
		Page:       q.Page,
		PageSize:   q.PageSize,
		TotalPages: (total + q.PageSize - 1) / q.PageSize,
	}, nil
}

// Latest returns the newest entry of a service and type, nil when none.
func (s *Store) Latest(ctx context.Context, service, syncType string, statuses ...string) (*models.SyncLogEntry, error) {
	e, err := s.backend.LatestSyncLog(ctx, database.SyncLogFilter{Service: service, SyncType: syncType, Statuses: statuses})
	if errors.Is(err, database.ErrNotFound) {
		return nil, nil
	}
	return e, err
}

func metricsKey(window time.Duration) string {
	return fmt.Sprintf("synclog:metrics:%d", int64(window/time.Second))
}

// Metrics aggregates API usage over the window ending now.
func (s *Store) Metrics(ctx context.Context, window time.Duration) (models.UsageMetrics, error) {
	if window <= 0 {
		window = DefaultWindow
	}
	key := metricsKey(window)

	if s.cache != nil {
		cached, ok, err := cache.GetJSON[models.UsageMetrics](ctx, s.cache, key)
		if err != nil {
			s.logger.Debug().Err(err).Msg("Usage metrics cache read failed")
		} else if ok {
			cached.Window = window
			return cached, nil
		}
	}

	since := s.now().Add(-window)
	summary, err := s.backend.APIUsageSummary(ctx, since)
	if err != nil {
		return models.UsageMetrics{}, err
	}
	m := models.UsageMetrics{
		Window:           window,
		WindowHours:      window.Hours(),
		TotalCalls:       summary.TotalCalls,
		ErrorCalls:       summary.ErrorCalls,
		TopEndpoint:      summary.TopEndpoint,
		TopEndpointCalls: summary.TopEndpointCalls,
		LastRateLimitAt:  summary.LastRateLimitAt,
	}

	limited, err := s.backend.LatestSyncLog(ctx, database.SyncLogFilter{
		ErrorClass: string(failure.ClassRateLimit),
		Since:      since,
	})
	switch {
	case errors.Is(err, database.ErrNotFound):
	case err != nil:
		return models.UsageMetrics{}, err
	default:
		m.LastRateLimitNote = limited.Message
		if m.LastRateLimitAt == nil || limited.StartedAt.After(*m.LastRateLimitAt) {
			at := limited.StartedAt
			m.LastRateLimitAt = &at
		}
	}

	if s.cache != nil {
		if err := cache.SetJSON(ctx, s.cache, key, m, s.cacheTTL); err != nil {
			s.logger.Debug().Err(err).Msg("Usage metrics cache write failed")
		}
	}
	return m, nil
}

// RecentlyRateLimited reports the last rate-limit hit inside the window.
func (s *Store) RecentlyRateLimited(ctx context.Context, window time.Duration) (bool, *time.Time, error) {
	m, err := s.Metrics(ctx, window)
	if err != nil {
		return false, nil, err
	}
	return m.LastRateLimitAt != nil, m.LastRateLimitAt, nil
}
