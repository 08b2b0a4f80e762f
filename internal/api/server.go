// Package api exposes the webhook receiver and the operator HTTP API.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"turnover/internal/config"
	"turnover/internal/housekeeping"
	"turnover/internal/models"
	"turnover/internal/synclog"
	"turnover/internal/syncer"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

type Syncer interface {
	SyncAll(ctx context.Context) (*syncer.Result, error)
	SyncListing(ctx context.Context, listingID string) *syncer.Result
	LastResult() *syncer.Result
}

type SyncHistory interface {
	History(ctx context.Context, q synclog.Query) (synclog.Page, error)
	Metrics(ctx context.Context, window time.Duration) (models.UsageMetrics, error)
	RecentlyRateLimited(ctx context.Context, window time.Duration) (bool, *time.Time, error)
}

type Probes interface {
	Results() []models.HealthCheckResult
	Healthy() bool
	CheckNow(ctx context.Context, name string) (models.HealthCheckResult, error)
}

type Tasks interface {
	MaterializeForBooking(ctx context.Context, bookingID string) (*housekeeping.Result, error)
	AuditMissingTasks(ctx context.Context) (*models.MissingTasksReport, error)
	RemediateMissing(ctx context.Context) (*housekeeping.Remediation, error)
	ExportAudit(ctx context.Context, w io.Writer) (*models.MissingTasksReport, error)
}

// Deps are the collaborators behind the routes.
type Deps struct {
	Sync    Syncer
	Logs    SyncHistory
	Probes  Probes
	Tasks   Tasks
	Webhook http.Handler
}

// HTTPServer serves the webhook endpoint and the /api/v1 routes.
type HTTPServer struct {
	cfg    config.APIConfig
	deps   Deps
	auth   *HTTPAuth
	server *http.Server
	logger *zerolog.Logger
}

func NewHTTPServer(cfg config.APIConfig, deps Deps, logger *zerolog.Logger) *HTTPServer {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	s := &HTTPServer{
		cfg:    cfg,
		deps:   deps,
		auth:   NewHTTPAuth(cfg),
		logger: logger,
	}
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      5 * time.Minute,
	}
	return s
}

func (s *HTTPServer) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(requestLogger(s.logger))

	r.Get("/healthz", s.handleLiveness)
	r.Get("/readyz", s.handleReadiness)
	if s.deps.Webhook != nil {
		r.Handle("/webhooks/bookings", s.deps.Webhook)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.auth.RateLimit)
		r.Use(s.auth.Authenticate)

		r.With(s.auth.Require(PermSyncWrite)).Post("/sync", s.handleSyncAll)
		r.With(s.auth.Require(PermSyncWrite)).Post("/sync/listings/{listingID}", s.handleSyncListing)
		r.With(s.auth.Require(PermSyncRead)).Get("/sync/last", s.handleLastSync)
		r.With(s.auth.Require(PermSyncRead)).Get("/sync/logs", s.handleSyncLogs)
		r.With(s.auth.Require(PermSyncRead)).Get("/sync/metrics", s.handleSyncMetrics)
		r.With(s.auth.Require(PermSyncRead)).Get("/sync/rate-limit", s.handleRateLimitStatus)

		r.With(s.auth.Require(PermHealthRead)).Get("/health/probes", s.handleProbes)
		r.With(s.auth.Require(PermHealthRead)).Post("/health/probes/{name}/check", s.handleProbeCheck)

		r.With(s.auth.Require(PermTasksWrite)).Post("/bookings/{bookingID}/tasks", s.handleMaterialize)
		r.With(s.auth.Require(PermTasksRead)).Get("/tasks/audit", s.handleAudit)
		r.With(s.auth.Require(PermTasksWrite)).Post("/tasks/audit/remediate", s.handleRemediate)
		r.With(s.auth.Require(PermTasksRead)).Get("/tasks/audit/export", s.handleAuditExport)
	})
	return r
}

// Handler returns the routed handler, for tests and embedding.
func (s *HTTPServer) Handler() http.Handler {
	return s.server.Handler
}

// Serve listens until ctx is done, then shuts down gracefully.
func (s *HTTPServer) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	<-errCh
	return ctx.Err()
}

func (s *HTTPServer) String() string { return "http-api" }
