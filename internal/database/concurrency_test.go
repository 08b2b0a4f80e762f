package database

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"turnover/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConcurrentUpsertsDistinctIDs(t *testing.T) {
	logger := zerolog.Nop()
	db, err := NewDB(filepath.Join(t.TempDir(), "concurrency.db"), &logger)
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	const n = 20

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := db.UpsertBooking(ctx, newBooking(fmt.Sprintf("ext-%d", i), "L1", "2025-06-01", "2025-06-04"), models.SyncTypePoll)
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	all, err := db.ListBookings(ctx, BookingFilter{ListingID: "L1"})
	require.NoError(t, err)
	assert.Len(t, all, n)
}

func TestConcurrentUpsertsSameIDLastWriteWins(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	inserts := make(chan bool, 2)
	for _, status := range []string{models.StatusConfirmed, models.StatusCancelled} {
		wg.Add(1)
		go func(status string) {
			defer wg.Done()
			b := newBooking("same", "L1", "2025-06-01", "2025-06-04")
			b.Status = status
			inserted, err := db.UpsertBooking(ctx, b, models.SyncTypePoll)
			assert.NoError(t, err)
			inserts <- inserted
		}(status)
	}
	wg.Wait()
	close(inserts)

	created := 0
	for ins := range inserts {
		if ins {
			created++
		}
	}
	assert.Equal(t, 1, created)

	all, err := db.ListBookings(ctx, BookingFilter{})
	require.NoError(t, err)
	require.Len(t, all, 1)
}
