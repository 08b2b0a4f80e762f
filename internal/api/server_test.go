package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"turnover/internal/config"
	"turnover/internal/database"
	"turnover/internal/health"
	"turnover/internal/housekeeping"
	"turnover/internal/models"
	"turnover/internal/synclog"
	"turnover/internal/syncer"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSyncer struct {
	result  *syncer.Result
	err     error
	listing string
	last    *syncer.Result
}

func (f *fakeSyncer) SyncAll(ctx context.Context) (*syncer.Result, error) {
	return f.result, f.err
}

func (f *fakeSyncer) SyncListing(ctx context.Context, listingID string) *syncer.Result {
	f.listing = listingID
	return &syncer.Result{SyncType: models.SyncTypeRetry, Success: true, ListingsAttempted: 1, ListingsSynced: 1}
}

func (f *fakeSyncer) LastResult() *syncer.Result { return f.last }

type fakeHistory struct {
	query       synclog.Query
	window      time.Duration
	rateLimitAt *time.Time
}

func (f *fakeHistory) History(ctx context.Context, q synclog.Query) (synclog.Page, error) {
	f.query = q
	return synclog.Page{
		Entries:    []models.SyncLogEntry{{ID: "log-1", Service: models.ServiceBookings, SyncType: models.SyncTypePoll, Status: models.SyncSuccess}},
		Total:      1,
		Page:       1,
		PageSize:   20,
		TotalPages: 1,
	}, nil
}

func (f *fakeHistory) RecentlyRateLimited(ctx context.Context, window time.Duration) (bool, *time.Time, error) {
	f.window = window
	return f.rateLimitAt != nil, f.rateLimitAt, nil
}

func (f *fakeHistory) Metrics(ctx context.Context, window time.Duration) (models.UsageMetrics, error) {
	f.window = window
	return models.UsageMetrics{Window: window, WindowHours: window.Hours(), TotalCalls: 7, TopEndpoint: "/bookings", TopEndpointCalls: 5}, nil
}

type fakeProbes struct {
	healthy bool
}

func (f *fakeProbes) Results() []models.HealthCheckResult {
	status := models.HealthHealthy
	if !f.healthy {
		status = models.HealthUnhealthy
	}
	return []models.HealthCheckResult{{Name: "database", Status: status, Healthy: f.healthy}}
}

func (f *fakeProbes) Healthy() bool { return f.healthy }

func (f *fakeProbes) CheckNow(ctx context.Context, name string) (models.HealthCheckResult, error) {
	if name != "database" {
		return models.HealthCheckResult{}, fmt.Errorf("%w: %s", health.ErrUnknownProbe, name)
	}
	return models.HealthCheckResult{Name: name, Status: models.HealthHealthy, Healthy: true}, nil
}

type fakeTasks struct {
	existing map[string]bool
}

func (f *fakeTasks) MaterializeForBooking(ctx context.Context, bookingID string) (*housekeeping.Result, error) {
	switch bookingID {
	case "missing":
		return nil, fmt.Errorf("booking %s: %w", bookingID, database.ErrNotFound)
	case "cancelled":
		return nil, fmt.Errorf("%w: booking cancelled", housekeeping.ErrNotMaterializable)
	case "broken":
		return nil, errors.New("sql: connection reset")
	}
	created := !f.existing[bookingID]
	f.existing[bookingID] = true
	return &housekeeping.Result{BookingID: bookingID, Created: created, Nights: 3, Tasks: []models.CleaningTask{{ID: "t1", ListingID: "L1"}}}, nil
}

func (f *fakeTasks) AuditMissingTasks(ctx context.Context) (*models.MissingTasksReport, error) {
	return &models.MissingTasksReport{BookingsScanned: 4, MissingCount: 1, Items: []models.MissingTaskItem{{BookingID: "b1"}}}, nil
}

func (f *fakeTasks) RemediateMissing(ctx context.Context) (*housekeeping.Remediation, error) {
	return &housekeeping.Remediation{Attempted: 1, Materialized: 1, TasksCreated: 2, Failed: []string{}}, nil
}

func (f *fakeTasks) ExportAudit(ctx context.Context, w io.Writer) (*models.MissingTasksReport, error) {
	_, err := io.WriteString(w, "PK-fake-xlsx")
	return &models.MissingTasksReport{GeneratedAt: time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)}, err
}

type testEnv struct {
	sync    *fakeSyncer
	logs    *fakeHistory
	probes  *fakeProbes
	tasks   *fakeTasks
	handler http.Handler
}

func newTestEnv(t *testing.T, cfg config.APIConfig) *testEnv {
	t.Helper()
	env := &testEnv{
		sync:   &fakeSyncer{result: &syncer.Result{Success: true, SyncType: models.SyncTypePoll}},
		logs:   &fakeHistory{},
		probes: &fakeProbes{healthy: true},
		tasks:  &fakeTasks{existing: map[string]bool{}},
	}
	webhook := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "OK")
	})
	srv := NewHTTPServer(cfg, Deps{
		Sync:    env.sync,
		Logs:    env.logs,
		Probes:  env.probes,
		Tasks:   env.tasks,
		Webhook: webhook,
	}, nil)
	env.handler = srv.Handler()
	return env
}

func openConfig() config.APIConfig {
	return config.APIConfig{HTTP: config.APIHTTPConfig{Port: 0}}
}

func (e *testEnv) do(t *testing.T, method, target string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestLivenessAndReadiness(t *testing.T) {
	env := newTestEnv(t, openConfig())

	rec := env.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	env.probes.healthy = false
	rec = env.do(t, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "degraded")
}

func TestWebhookRouteMounted(t *testing.T) {
	env := newTestEnv(t, openConfig())
	rec := env.do(t, http.MethodPost, "/webhooks/bookings", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestSyncAll(t *testing.T) {
	env := newTestEnv(t, openConfig())

	t.Run("Success", func(t *testing.T) {
		env.sync.result = &syncer.Result{Success: true, SyncType: models.SyncTypePoll, ListingsSynced: 3}
		env.sync.err = nil
		rec := env.do(t, http.MethodPost, "/api/v1/sync", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		body := decode[syncer.Result](t, rec)
		assert.True(t, body.Success)
		assert.Equal(t, 3, body.ListingsSynced)
		assert.Empty(t, rec.Header().Get("Retry-After"))
	})

	t.Run("PartialFailureCarriesCountdown", func(t *testing.T) {
		env.sync.result = &syncer.Result{
			Warning:           true,
			SyncType:          models.SyncTypePoll,
			FailedListings:    []string{"L2", "L4"},
			ErrorClass:        "generic",
			RetryAfterSeconds: 2,
		}
		env.sync.err = nil
		rec := env.do(t, http.MethodPost, "/api/v1/sync", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "2", rec.Header().Get("Retry-After"))
		body := decode[syncer.Result](t, rec)
		assert.Equal(t, []string{"L2", "L4"}, body.FailedListings)
		assert.Equal(t, 2, body.RetryAfterSeconds)
	})

	t.Run("InProgress", func(t *testing.T) {
		env.sync.result = nil
		env.sync.err = syncer.ErrSyncInProgress
		rec := env.do(t, http.MethodPost, "/api/v1/sync", nil)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("MethodNotAllowed", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/api/v1/sync", nil)
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}

func TestSyncListingAndLast(t *testing.T) {
	env := newTestEnv(t, openConfig())

	rec := env.do(t, http.MethodGet, "/api/v1/sync/last", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/sync/listings/L42", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "L42", env.sync.listing)
	body := decode[syncer.Result](t, rec)
	assert.Equal(t, models.SyncTypeRetry, body.SyncType)

	env.sync.last = &syncer.Result{Success: true, SyncType: models.SyncTypePoll}
	rec = env.do(t, http.MethodGet, "/api/v1/sync/last", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSyncLogs(t *testing.T) {
	env := newTestEnv(t, openConfig())

	rec := env.do(t, http.MethodGet, "/api/v1/sync/logs?service=bookings&sync_type=poll&status=error&page=2&page_size=50", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, synclog.Query{Service: "bookings", SyncType: "poll", Status: "error", Page: 2, PageSize: 50}, env.logs.query)

	page := decode[synclog.Page](t, rec)
	assert.Equal(t, 1, page.Total)
	require.Len(t, page.Entries, 1)
	assert.Equal(t, "log-1", page.Entries[0].ID)

	rec = env.do(t, http.MethodGet, "/api/v1/sync/logs?page=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = env.do(t, http.MethodGet, "/api/v1/sync/logs?page_size=-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSyncMetrics(t *testing.T) {
	env := newTestEnv(t, openConfig())

	rec := env.do(t, http.MethodGet, "/api/v1/sync/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, synclog.DefaultWindow, env.logs.window)
	body := decode[models.UsageMetrics](t, rec)
	assert.Equal(t, 7, body.TotalCalls)
	assert.Equal(t, "/bookings", body.TopEndpoint)

	rec = env.do(t, http.MethodGet, "/api/v1/sync/metrics?hours=6", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 6*time.Hour, env.logs.window)

	rec = env.do(t, http.MethodGet, "/api/v1/sync/metrics?hours=10000", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, maxMetricsWindow, env.logs.window)

	rec = env.do(t, http.MethodGet, "/api/v1/sync/metrics?hours=0", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRateLimitStatus(t *testing.T) {
	env := newTestEnv(t, openConfig())

	rec := env.do(t, http.MethodGet, "/api/v1/sync/rate-limit", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	type status struct {
		WindowHours     float64    `json:"window_hours"`
		RateLimited     bool       `json:"rate_limited"`
		LastRateLimitAt *time.Time `json:"last_rate_limit_at"`
	}
	body := decode[status](t, rec)
	assert.False(t, body.RateLimited)
	assert.Nil(t, body.LastRateLimitAt)
	assert.Equal(t, float64(24), body.WindowHours)

	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	env.logs.rateLimitAt = &at
	rec = env.do(t, http.MethodGet, "/api/v1/sync/rate-limit?hours=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decode[status](t, rec)
	assert.True(t, body.RateLimited)
	require.NotNil(t, body.LastRateLimitAt)
	assert.True(t, at.Equal(*body.LastRateLimitAt))
	assert.Equal(t, 2*time.Hour, env.logs.window)

	rec = env.do(t, http.MethodGet, "/api/v1/sync/rate-limit?hours=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProbeRoutes(t *testing.T) {
	env := newTestEnv(t, openConfig())

	rec := env.do(t, http.MethodGet, "/api/v1/health/probes", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[struct {
		Healthy bool                       `json:"healthy"`
		Probes  []models.HealthCheckResult `json:"probes"`
	}](t, rec)
	assert.True(t, body.Healthy)
	require.Len(t, body.Probes, 1)
	assert.Equal(t, "database", body.Probes[0].Name)

	rec = env.do(t, http.MethodPost, "/api/v1/health/probes/database/check", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/health/probes/nope/check", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMaterializeRoute(t *testing.T) {
	env := newTestEnv(t, openConfig())

	rec := env.do(t, http.MethodPost, "/api/v1/bookings/b1/tasks", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	body := decode[housekeeping.Result](t, rec)
	assert.True(t, body.Created)
	assert.Equal(t, "b1", body.BookingID)

	rec = env.do(t, http.MethodPost, "/api/v1/bookings/b1/tasks", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decode[housekeeping.Result](t, rec)
	assert.False(t, body.Created)

	rec = env.do(t, http.MethodPost, "/api/v1/bookings/missing/tasks", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/bookings/cancelled/tasks", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/bookings/broken/tasks", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "connection reset")
}

func TestAuditRoutes(t *testing.T) {
	env := newTestEnv(t, openConfig())

	rec := env.do(t, http.MethodGet, "/api/v1/tasks/audit", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	report := decode[models.MissingTasksReport](t, rec)
	assert.Equal(t, 4, report.BookingsScanned)
	assert.Equal(t, 1, report.MissingCount)

	rec = env.do(t, http.MethodPost, "/api/v1/tasks/audit/remediate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rem := decode[housekeeping.Remediation](t, rec)
	assert.Equal(t, 2, rem.TasksCreated)

	rec = env.do(t, http.MethodGet, "/api/v1/tasks/audit/export", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, xlsxContentType, rec.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="missing-tasks-20250602.xlsx"`, rec.Header().Get("Content-Disposition"))
	assert.Equal(t, "PK-fake-xlsx", rec.Body.String())
}

func TestAuthAndPermissions(t *testing.T) {
	cfg := config.APIConfig{
		Auth: config.APIAuthConfig{
			Enabled: true,
			APIKeys: []config.APIClientKey{
				{Key: "ops-key", Name: "ops"},
				{Key: "viewer-key", Name: "viewer", Permissions: []string{PermSyncRead, PermTasksRead}},
			},
		},
	}
	env := newTestEnv(t, cfg)

	t.Run("MissingKey", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/api/v1/sync/logs", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("InvalidKey", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/api/v1/sync/logs", map[string]string{"X-API-Key": "nope"})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("ReadAllowed", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/api/v1/sync/logs", map[string]string{"X-API-Key": "viewer-key"})
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("WriteDenied", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/v1/sync", map[string]string{"X-API-Key": "viewer-key"})
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("EmptyPermissionsAllowAll", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/v1/sync", map[string]string{"X-API-Key": "ops-key"})
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("PublicRoutesOpen", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/healthz", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestCustomAuthHeader(t *testing.T) {
	cfg := config.APIConfig{
		Auth: config.APIAuthConfig{
			Enabled:      true,
			HeaderAPIKey: "X-Ops-Token",
			APIKeys:      []config.APIClientKey{{Key: "k1"}},
		},
	}
	env := newTestEnv(t, cfg)

	rec := env.do(t, http.MethodGet, "/api/v1/tasks/audit", map[string]string{"X-API-Key": "k1"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = env.do(t, http.MethodGet, "/api/v1/tasks/audit", map[string]string{"X-Ops-Token": "k1"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimitPerKey(t *testing.T) {
	cfg := config.APIConfig{
		Auth: config.APIAuthConfig{
			Enabled: true,
			APIKeys: []config.APIClientKey{{Key: "a"}, {Key: "b"}},
		},
		RateLimit: config.APIRateLimitConfig{RPS: 0.001, Burst: 1},
	}
	env := newTestEnv(t, cfg)

	rec := env.do(t, http.MethodGet, "/api/v1/health/probes", map[string]string{"X-API-Key": "a"})
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(t, http.MethodGet, "/api/v1/health/probes", map[string]string{"X-API-Key": "a"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	rec = env.do(t, http.MethodGet, "/api/v1/health/probes", map[string]string{"X-API-Key": "b"})
	assert.Equal(t, http.StatusOK, rec.Code)

	// Liveness is outside the limited group.
	for i := 0; i < 3; i++ {
		rec = env.do(t, http.MethodGet, "/healthz", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestServeShutsDownOnCancel(t *testing.T) {
	srv := NewHTTPServer(config.APIConfig{HTTP: config.APIHTTPConfig{Port: 0}}, Deps{
		Sync:   &fakeSyncer{},
		Logs:   &fakeHistory{},
		Probes: &fakeProbes{healthy: true},
		Tasks:  &fakeTasks{existing: map[string]bool{}},
	}, nil)
	srv.server.Addr = "127.0.0.1:0"
	assert.Equal(t, "http-api", srv.String())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestRequestThroughRealServer(t *testing.T) {
	env := newTestEnv(t, openConfig())
	ts := httptest.NewServer(env.handler)
	t.Cleanup(ts.Close)

	resp, err := http.Post(ts.URL+"/api/v1/sync", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
}
