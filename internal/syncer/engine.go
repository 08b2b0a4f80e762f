// Package syncer pulls bookings from the reservation system into the local
// store, one listing at a time, and reports how the run went.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"turnover/internal/apiclient"
	"turnover/internal/config"
	"turnover/internal/failure"
	"turnover/internal/metrics"
	"turnover/internal/models"
	"turnover/internal/retry"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ErrSyncInProgress is returned when a full sync is already running.
var ErrSyncInProgress = errors.New("full sync already in progress")

// Source is the reservation system as seen by the engine.
type Source interface {
	ListListings(ctx context.Context) ([]models.Listing, error)
	ListBookings(ctx context.Context, listingID string, since *time.Time) (apiclient.BookingPage, error)
}

// Store is the booking persistence the engine writes to.
type Store interface {
	UpsertBooking(ctx context.Context, b *models.Booking, source string) (bool, error)
	GetSyncCursor(ctx context.Context, listingID string) (*time.Time, error)
	SetSyncCursor(ctx context.Context, listingID string, at time.Time) error
}

// LogWriter receives one entry per run.
type LogWriter interface {
	Append(ctx context.Context, e *models.SyncLogEntry) error
}

// Result summarizes a sync run for operators and callers.
type Result struct {
	Success           bool      `json:"success"`
	Warning           bool      `json:"warning"`
	SyncType          string    `json:"sync_type"`
	ListingsAttempted int       `json:"listings_attempted"`
	ListingsSynced    int       `json:"listings_synced"`
	BookingsSynced    int       `json:"bookings_synced"`
	BookingsInserted  int       `json:"bookings_inserted"`
	BookingsSkipped   int       `json:"bookings_skipped"`
	FailedListings    []string  `json:"failed_listings"`
	Message           string    `json:"message"`
	ErrorClass        string    `json:"error_class,omitempty"`
	RetryAfterSeconds int       `json:"retry_after_seconds,omitempty"`
	StartedAt         time.Time `json:"started_at"`
	ElapsedMillis     int64     `json:"elapsed_ms"`
}

func (r *Result) status() string {
	switch {
	case r.Success && !r.Warning:
		return models.SyncSuccess
	case r.Warning:
		return models.SyncWarning
	default:
		return models.SyncError
	}
}

type Engine struct {
	external    config.ExternalConfig
	concurrency int
	source      Source
	store       Store
	logs        LogWriter
	logger      *zerolog.Logger

	fetchRetry retry.Options
	storeRetry retry.Options

	running sync.Mutex
	mu      sync.RWMutex
	last    *Result
	now     func() time.Time
}

func NewEngine(cfg config.SyncConfig, external config.ExternalConfig, source Source, store Store, logs LogWriter, logger *zerolog.Logger) *Engine {
	e := &Engine{
		external:    external,
		concurrency: cfg.Concurrency,
		source:      source,
		store:       store,
		logs:        logs,
		logger:      logger,
		fetchRetry:  retry.FromConfig(cfg.Retry),
		storeRetry:  retry.FromConfig(cfg.DatastoreRetry),
		now:         time.Now,
	}
	if e.concurrency <= 0 {
		e.concurrency = 1
	}

	e.fetchRetry.ShouldRetry = failure.Retryable
	e.fetchRetry.OnRetry = func(attempt int, delay time.Duration, err error) {
		logger.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("Fetch failed, retrying")
	}
	e.storeRetry.ShouldRetry = func(err error) bool {
		return failure.Classify(err) == failure.ClassDatastore
	}
	e.storeRetry.OnRetry = func(attempt int, delay time.Duration, err error) {
		logger.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("Store write failed, retrying")
	}
	return e
}

// LastResult returns the most recent run's result, nil before the first run.
func (e *Engine) LastResult() *Result {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.last == nil {
		return nil
	}
	r := *e.last
	return &r
}

// Upsert stores one booking, retrying transient store failures.
func (e *Engine) Upsert(ctx context.Context, b *models.Booking, source string) (bool, error) {
	return retry.Do(ctx, e.storeRetry, func(ctx context.Context) (bool, error) {
		return e.store.UpsertBooking(ctx, b, source)
	})
}

func (e *Engine) configError() error {
	if e.source == nil || !e.external.Configured() {
		missing := e.external.MissingCredentials()
		if len(missing) == 0 {
			missing = []string{"external client"}
		}
		return fmt.Errorf("%w: missing %s", failure.ErrConfig, strings.Join(missing, ", "))
	}
	return nil
}

type listingOutcome struct {
	upserted int
	inserted int
	skipped  int
}

func (e *Engine) syncListing(ctx context.Context, listingID, source string) (listingOutcome, error) {
	var out listingOutcome

	since, err := retry.Do(ctx, e.storeRetry, func(ctx context.Context) (*time.Time, error) {
		return e.store.GetSyncCursor(ctx, listingID)
	})
	if err != nil {
		return out, err
	}

	started := e.now()
	page, err := retry.Do(ctx, e.fetchRetry, func(ctx context.Context) (apiclient.BookingPage, error) {
		return e.source.ListBookings(ctx, listingID, since)
	})
	if err != nil {
		return out, err
	}
	out.skipped = page.Skipped

	for _, b := range page.Bookings {
		inserted, err := e.Upsert(ctx, b, source)
		if err != nil {
			return out, fmt.Errorf("upsert booking %s: %w", b.ExternalID, err)
		}
		out.upserted++
		if inserted {
			out.inserted++
		}
	}

	err = retry.Run(ctx, e.storeRetry, func(ctx context.Context) error {
		return e.store.SetSyncCursor(ctx, listingID, started)
	})
	return out, err
}

// SyncAll runs a full sync across every active listing. Listings are
// independent: a failing listing never undoes or stops the others.
func (e *Engine) SyncAll(ctx context.Context) (*Result, error) {
	if !e.running.TryLock() {
		return nil, ErrSyncInProgress
	}
	defer e.running.Unlock()

	res := &Result{SyncType: models.SyncTypePoll, StartedAt: e.now().UTC(), FailedListings: []string{}}
	logger := e.logger.With().Str("sync_type", res.SyncType).Logger()

	if err := e.configError(); err != nil {
		e.fail(res, err)
		return e.finish(ctx, res), nil
	}

	listings, err := retry.Do(ctx, e.fetchRetry, func(ctx context.Context) ([]models.Listing, error) {
		return e.source.ListListings(ctx)
	})
	if err != nil {
		e.fail(res, fmt.Errorf("list listings: %w", err))
		return e.finish(ctx, res), nil
	}

	active := make([]string, 0, len(listings))
	for _, l := range listings {
		if l.Active {
			active = append(active, l.ID)
		}
	}
	if len(active) == 0 {
		empty := fmt.Errorf("list listings: %w", failure.ErrEmptyResponse)
		res.Success = true
		res.Warning = true
		res.ErrorClass = string(failure.Classify(empty))
		res.Message = "No active listings returned; nothing to sync"
		return e.finish(ctx, res), nil
	}
	res.ListingsAttempted = len(active)

	var (
		mu       sync.Mutex
		firstErr error
		g        errgroup.Group
	)
	g.SetLimit(e.concurrency)
	for _, id := range active {
		g.Go(func() error {
			out, err := e.syncListing(ctx, id, models.SyncTypePoll)

			mu.Lock()
			defer mu.Unlock()
			res.BookingsSynced += out.upserted
			res.BookingsInserted += out.inserted
			res.BookingsSkipped += out.skipped
			if err != nil {
				logger.Error().Err(err).Str("listing_id", id).Msg("Listing sync failed")
				res.FailedListings = append(res.FailedListings, id)
				if firstErr == nil {
					firstErr = err
				}
				return nil
			}
			res.ListingsSynced++
			return nil
		})
	}
	_ = g.Wait()
	sort.Strings(res.FailedListings)

	switch {
	case len(res.FailedListings) == 0:
		res.Success = true
		res.Message = fmt.Sprintf("Synced %d bookings across %d listings", res.BookingsSynced, res.ListingsSynced)
	case res.ListingsSynced > 0:
		res.Warning = true
		res.ErrorClass = string(failure.Classify(firstErr))
		res.Message = fmt.Sprintf("Synced %d of %d listings (%d bookings); %d failed: %v",
			res.ListingsSynced, res.ListingsAttempted, res.BookingsSynced, len(res.FailedListings), firstErr)
		res.RetryAfterSeconds = e.retryAfter(firstErr)
	default:
		e.fail(res, firstErr)
		res.Message = fmt.Sprintf("All %d listings failed: %v", res.ListingsAttempted, firstErr)
	}
	return e.finish(ctx, res), nil
}

// SyncListing syncs one listing, typically to retry a failure from a full run.
func (e *Engine) SyncListing(ctx context.Context, listingID string) *Result {
	res := &Result{
		SyncType:          models.SyncTypeRetry,
		StartedAt:         e.now().UTC(),
		ListingsAttempted: 1,
		FailedListings:    []string{},
	}

	if err := e.configError(); err != nil {
		e.fail(res, err)
		res.FailedListings = []string{listingID}
		return e.finish(ctx, res)
	}

	out, err := e.syncListing(ctx, listingID, models.SyncTypePoll)
	res.BookingsSynced = out.upserted
	res.BookingsInserted = out.inserted
	res.BookingsSkipped = out.skipped
	if err != nil {
		e.fail(res, err)
		res.FailedListings = []string{listingID}
		res.Message = fmt.Sprintf("Listing %s failed: %v", listingID, err)
		return e.finish(ctx, res)
	}

	res.Success = true
	res.ListingsSynced = 1
	res.Message = fmt.Sprintf("Synced %d bookings for listing %s", out.upserted, listingID)
	return e.finish(ctx, res)
}

func (e *Engine) fail(res *Result, err error) {
	res.Success = false
	res.Warning = false
	res.ErrorClass = string(failure.Classify(err))
	res.Message = err.Error()
	res.RetryAfterSeconds = e.retryAfter(err)
}

// retryAfter is the wait before a manual retry makes sense. Rate limits wait
// out the whole backoff ladder.
func (e *Engine) retryAfter(err error) int {
	switch failure.Classify(err) {
	case failure.ClassConfig, failure.ClassCanceled:
		return 0
	case failure.ClassRateLimit:
		return seconds(e.fetchRetry.Delay(e.fetchRetry.MaxRetries + 1))
	default:
		return seconds(e.fetchRetry.Delay(1))
	}
}

func seconds(d time.Duration) int {
	return int(math.Ceil(d.Seconds()))
}

func (e *Engine) finish(ctx context.Context, res *Result) *Result {
	res.ElapsedMillis = e.now().UTC().Sub(res.StartedAt).Milliseconds()
	status := res.status()

	metrics.IncSyncRun(res.SyncType, status)
	metrics.AddBookingsUpserted(models.SyncTypePoll, res.BookingsSynced)

	ev := e.logger.Info()
	if status != models.SyncSuccess {
		ev = e.logger.Warn()
	}
	ev.Str("sync_type", res.SyncType).
		Str("status", status).
		Int("listings_attempted", res.ListingsAttempted).
		Int("listings_synced", res.ListingsSynced).
		Int("bookings_synced", res.BookingsSynced).
		Strs("failed_listings", res.FailedListings).
		Str("error_class", res.ErrorClass).
		Msg(res.Message)

	if e.logs != nil {
		entry := &models.SyncLogEntry{
			Service:    models.ServiceBookings,
			SyncType:   res.SyncType,
			Status:     status,
			StartedAt:  res.StartedAt,
			EndedAt:    e.now().UTC(),
			Message:    res.Message,
			ItemCount:  res.BookingsSynced,
			ErrorClass: failure.Class(res.ErrorClass).Ptr(),
		}
		if err := e.logs.Append(context.WithoutCancel(ctx), entry); err != nil {
			e.logger.Error().Err(err).Msg("Failed to write sync log")
		}
	}

	e.mu.Lock()
	snapshot := *res
	e.last = &snapshot
	e.mu.Unlock()
	return res
}
