package database

import (
	"context"
	"testing"
	"time"

	"turnover/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncQueueCRUD(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	task := &models.SyncQueueItem{
		TaskType: "push_task",
		EntityID: "task-100",
		Payload:  `{"test": true}`,
	}

	// Create
	require.NoError(t, db.CreateSyncTask(ctx, task))
	assert.NotZero(t, task.ID)
	assert.Equal(t, models.QueuePending, task.Status)

	got, err := db.GetSyncTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "task-100", got.EntityID)

	// Pending
	tasks, err := db.GetPendingSyncTasks(ctx, 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	// Completed drops out of pending
	require.NoError(t, db.UpdateSyncTaskStatus(ctx, tasks[0].ID, models.QueueCompleted, "", nil))
	tasks, _ = db.GetPendingSyncTasks(ctx, 10)
	assert.Len(t, tasks, 0)
	got, _ = db.GetSyncTask(ctx, task.ID)
	assert.NotNil(t, got.ProcessedAt)
	assert.Nil(t, got.LastError)

	// Failed tasks
	errMsg := "some error"
	require.NoError(t, db.CreateSyncTask(ctx, &models.SyncQueueItem{TaskType: "push_task", EntityID: "task-101", Status: models.QueueFailed, LastError: &errMsg}))
	failed, err := db.GetFailedSyncTasks(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "some error", *failed[0].LastError)

	// Retry with a future next_retry_at is not pending yet
	task2 := &models.SyncQueueItem{TaskType: "push_task", EntityID: "task-102"}
	require.NoError(t, db.CreateSyncTask(ctx, task2))

	nextRetry := time.Now().Add(time.Hour)
	require.NoError(t, db.UpdateSyncTaskStatus(ctx, task2.ID, models.QueueRetry, "temporary error", &nextRetry))
	tasks, _ = db.GetPendingSyncTasks(ctx, 10)
	for _, tk := range tasks {
		assert.NotEqual(t, task2.ID, tk.ID, "task with future retry should not be pending")
	}

	pastRetry := time.Now().Add(-time.Hour)
	require.NoError(t, db.UpdateSyncTaskStatus(ctx, task2.ID, models.QueueRetry, "temporary error", &pastRetry))
	tasks, _ = db.GetPendingSyncTasks(ctx, 10)
	found := false
	for _, tk := range tasks {
		if tk.ID == task2.ID {
			found = true
			assert.Equal(t, 2, tk.RetryCount)
			require.NotNil(t, tk.LastError)
			assert.Equal(t, "temporary error", *tk.LastError)
		}
	}
	assert.True(t, found)

	_, err = db.GetSyncTask(ctx, 9999)
	assert.ErrorIs(t, err, ErrNotFound)
}
