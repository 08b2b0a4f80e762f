package api

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"turnover/internal/database"
	"turnover/internal/health"
	"turnover/internal/housekeeping"
	"turnover/internal/schedule"
	"turnover/internal/synclog"
	"turnover/internal/syncer"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
)

const (
	maxMetricsWindow = synclog.MaxWindow
	xlsxContentType  = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

func (s *HTTPServer) handleLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if s.deps.Probes == nil || s.deps.Probes.Healthy() {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]any{
		"status": "degraded",
		"probes": s.deps.Probes.Results(),
	})
}

func (s *HTTPServer) handleSyncAll(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Sync.SyncAll(r.Context())
	if errors.Is(err, syncer.ErrSyncInProgress) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("Manual sync failed")
		writeError(w, http.StatusInternalServerError, "sync failed")
		return
	}
	writeSyncResult(w, res)
}

func (s *HTTPServer) handleSyncListing(w http.ResponseWriter, r *http.Request) {
	listingID := strings.TrimSpace(chi.URLParam(r, "listingID"))
	if listingID == "" {
		writeError(w, http.StatusBadRequest, "listing id is required")
		return
	}
	writeSyncResult(w, s.deps.Sync.SyncListing(r.Context(), listingID))
}

func (s *HTTPServer) handleLastSync(w http.ResponseWriter, r *http.Request) {
	res := s.deps.Sync.LastResult()
	if res == nil {
		writeError(w, http.StatusNotFound, "no sync has run yet")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// writeSyncResult reports every completed run as 200; the body carries the
// outcome. A retry countdown is mirrored into Retry-After.
func writeSyncResult(w http.ResponseWriter, res *syncer.Result) {
	if res.RetryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(res.RetryAfterSeconds))
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *HTTPServer) handleSyncLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := synclog.Query{
		Service:  strings.TrimSpace(q.Get("service")),
		SyncType: strings.TrimSpace(q.Get("sync_type")),
		Status:   strings.TrimSpace(q.Get("status")),
	}
	var err error
	if query.Page, err = intParam(q.Get("page")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid page")
		return
	}
	if query.PageSize, err = intParam(q.Get("page_size")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid page_size")
		return
	}

	page, err := s.deps.Logs.History(r.Context(), query)
	if err != nil {
		s.logger.Error().Err(err).Msg("Sync log query failed")
		writeError(w, http.StatusInternalServerError, "failed to load sync logs")
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// metricsWindow reads the optional hours parameter, capped at the retention window.
func metricsWindow(r *http.Request) (time.Duration, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get("hours"))
	if raw == "" {
		return synclog.DefaultWindow, true
	}
	hours, err := strconv.ParseFloat(raw, 64)
	if err != nil || hours <= 0 {
		return 0, false
	}
	return min(time.Duration(hours*float64(time.Hour)), maxMetricsWindow), true
}

func (s *HTTPServer) handleSyncMetrics(w http.ResponseWriter, r *http.Request) {
	window, ok := metricsWindow(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "hours must be a positive number")
		return
	}

	m, err := s.deps.Logs.Metrics(r.Context(), window)
	if err != nil {
		s.logger.Error().Err(err).Msg("Usage metrics query failed")
		writeError(w, http.StatusInternalServerError, "failed to compute metrics")
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *HTTPServer) handleRateLimitStatus(w http.ResponseWriter, r *http.Request) {
	window, ok := metricsWindow(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "hours must be a positive number")
		return
	}

	limited, at, err := s.deps.Logs.RecentlyRateLimited(r.Context(), window)
	if err != nil {
		s.logger.Error().Err(err).Msg("Rate limit status query failed")
		writeError(w, http.StatusInternalServerError, "failed to compute rate limit status")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"window_hours":       window.Hours(),
		"rate_limited":       limited,
		"last_rate_limit_at": at,
	})
}

func (s *HTTPServer) handleProbes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"healthy": s.deps.Probes.Healthy(),
		"probes":  s.deps.Probes.Results(),
	})
}

func (s *HTTPServer) handleProbeCheck(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Probes.CheckNow(r.Context(), chi.URLParam(r, "name"))
	if errors.Is(err, health.ErrUnknownProbe) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *HTTPServer) handleMaterialize(w http.ResponseWriter, r *http.Request) {
	bookingID := strings.TrimSpace(chi.URLParam(r, "bookingID"))
	res, err := s.deps.Tasks.MaterializeForBooking(r.Context(), bookingID)
	switch {
	case errors.Is(err, database.ErrNotFound):
		writeError(w, http.StatusNotFound, "booking not found")
		return
	case errors.Is(err, housekeeping.ErrNotMaterializable), errors.Is(err, schedule.ErrInvalidRange):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	case err != nil:
		s.logger.Error().Err(err).Str("booking_id", bookingID).Msg("Materialization failed")
		writeError(w, http.StatusInternalServerError, "failed to create cleaning tasks")
		return
	}

	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, res)
}

func (s *HTTPServer) handleAudit(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Tasks.AuditMissingTasks(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("Missing task audit failed")
		writeError(w, http.StatusInternalServerError, "audit failed")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *HTTPServer) handleRemediate(w http.ResponseWriter, r *http.Request) {
	out, err := s.deps.Tasks.RemediateMissing(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("Remediation failed")
		writeError(w, http.StatusInternalServerError, "remediation failed")
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *HTTPServer) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	report, err := s.deps.Tasks.ExportAudit(r.Context(), &buf)
	if err != nil {
		s.logger.Error().Err(err).Msg("Audit export failed")
		writeError(w, http.StatusInternalServerError, "export failed")
		return
	}

	name := fmt.Sprintf("missing-tasks-%s.xlsx", report.GeneratedAt.UTC().Format("20060102"))
	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

func intParam(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid integer %q", raw)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}
