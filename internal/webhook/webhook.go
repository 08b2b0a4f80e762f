// Package webhook accepts booking events pushed by the reservation system
// and feeds them into the same upsert path the poller uses.
package webhook

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"turnover/internal/failure"
	"turnover/internal/metrics"
	"turnover/internal/models"
	"turnover/internal/normalize"

	"github.com/rs/zerolog"
)

const maxBodyBytes = 1 << 20

var errUnauthorized = errors.New("unauthorized")

// Upserter stores a normalized booking; the sync engine satisfies it.
type Upserter interface {
	Upsert(ctx context.Context, b *models.Booking, source string) (bool, error)
}

type LogWriter interface {
	Append(ctx context.Context, e *models.SyncLogEntry) error
}

// Outcome is the transport-neutral result of one delivery.
type Outcome struct {
	Status    int
	Message   string
	BookingID string
	Inserted  bool
}

type Ingestor struct {
	secret   string
	upserter Upserter
	logs     LogWriter
	logger   *zerolog.Logger
	now      func() time.Time
}

func NewIngestor(secret string, upserter Upserter, logs LogWriter, logger *zerolog.Logger) *Ingestor {
	return &Ingestor{
		secret:   secret,
		upserter: upserter,
		logs:     logs,
		logger:   logger,
		now:      time.Now,
	}
}

func (i *Ingestor) authorized(header string) bool {
	if i.secret == "" {
		return false
	}
	token, ok := strings.CutPrefix(strings.TrimSpace(header), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(i.secret)) == 1
}

// Ingest authenticates and applies one event.
func (i *Ingestor) Ingest(ctx context.Context, authorization string, body []byte) Outcome {
	started := i.now().UTC()
	out, err := i.ingest(ctx, authorization, body)
	i.record(ctx, started, out, err)
	return out
}

func (i *Ingestor) ingest(ctx context.Context, authorization string, body []byte) (Outcome, error) {
	if !i.authorized(authorization) {
		return Outcome{Status: http.StatusUnauthorized, Message: "Unauthorized"}, errUnauthorized
	}

	b, err := normalize.NormalizeBooking(body)
	if err != nil {
		var missing *normalize.MissingFieldsError
		if errors.As(err, &missing) {
			return Outcome{Status: http.StatusBadRequest, Message: missing.Error()}, err
		}
		return Outcome{Status: http.StatusBadRequest, Message: "invalid payload: " + err.Error()}, err
	}

	inserted, err := i.upserter.Upsert(ctx, b, models.SyncTypeWebhook)
	if err != nil {
		return Outcome{Status: http.StatusBadRequest, Message: "processing failed"}, fmt.Errorf("upsert booking %s: %w", b.ExternalID, err)
	}
	metrics.AddBookingsUpserted(models.SyncTypeWebhook, 1)
	return Outcome{Status: http.StatusOK, Message: "OK", BookingID: b.ExternalID, Inserted: inserted}, nil
}

// record writes the sync log entry. Failures here never change the outcome.
func (i *Ingestor) record(ctx context.Context, started time.Time, out Outcome, err error) {
	metrics.IncWebhook(strconv.Itoa(out.Status))

	entry := &models.SyncLogEntry{
		Service:   models.ServiceBookings,
		SyncType:  models.SyncTypeWebhook,
		Status:    models.SyncSuccess,
		StartedAt: started,
		EndedAt:   i.now().UTC(),
	}
	switch {
	case err == nil:
		entry.ItemCount = 1
		entry.Message = "Webhook booking " + out.BookingID + " applied"
		i.logger.Info().Str("booking_id", out.BookingID).Bool("inserted", out.Inserted).Msg("Webhook booking applied")
	case errors.Is(err, errUnauthorized):
		entry.Status = models.SyncError
		entry.Message = "Webhook rejected: unauthorized"
		entry.ErrorClass = failure.ClassAuth.Ptr()
		i.logger.Warn().Msg("Webhook rejected: bad or missing secret")
	default:
		entry.Status = models.SyncError
		entry.Message = "Webhook rejected: " + err.Error()
		entry.ErrorClass = failure.Classify(err).Ptr()
		i.logger.Warn().Err(err).Int("status", out.Status).Msg("Webhook rejected")
	}

	if i.logs == nil {
		return
	}
	if lerr := i.logs.Append(context.WithoutCancel(ctx), entry); lerr != nil {
		i.logger.Error().Err(lerr).Msg("Failed to write webhook sync log")
	}
}

func (i *Ingestor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		metrics.IncWebhook(strconv.Itoa(http.StatusMethodNotAllowed))
		w.Header().Set("Allow", http.MethodPost)
		writeText(w, http.StatusMethodNotAllowed, "Method Not Allowed")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		out := Outcome{Status: http.StatusBadRequest, Message: "unreadable body"}
		i.record(r.Context(), i.now().UTC(), out, fmt.Errorf("read body: %w", err))
		writeText(w, out.Status, out.Message)
		return
	}

	out := i.Ingest(r.Context(), r.Header.Get("Authorization"), body)
	writeText(w, out.Status, out.Message)
}

func writeText(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, msg)
}
