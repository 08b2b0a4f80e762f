package database

import (
	"context"
	"testing"
	"time"

	"turnover/internal/failure"
	"turnover/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDB_ErrorPathsAreDatastoreClass(t *testing.T) {
	logger := zerolog.Nop()
	db, err := NewDB(":memory:", &logger)
	require.NoError(t, err)
	db.Close()

	ctx := context.Background()

	_, err = db.UpsertBooking(ctx, newBooking("x", "L1", "2025-06-01", "2025-06-02"), models.SyncTypePoll)
	assert.Equal(t, failure.ClassDatastore, failure.Classify(err))

	_, err = db.ListBookingsMissingTasks(ctx, time.Now())
	assert.Equal(t, failure.ClassDatastore, failure.Classify(err))

	err = db.AppendSyncLog(ctx, &models.SyncLogEntry{Service: "bookings"})
	assert.Equal(t, failure.ClassDatastore, failure.Classify(err))

	_, _, err = db.CreateTasksForBooking(ctx, "b", []models.CleaningTask{{ListingID: "L1"}})
	assert.Equal(t, failure.ClassDatastore, failure.Classify(err))

	_, err = db.APIUsageSummary(ctx, time.Now())
	assert.Equal(t, failure.ClassDatastore, failure.Classify(err))

	assert.Error(t, db.Ping(ctx))
}
