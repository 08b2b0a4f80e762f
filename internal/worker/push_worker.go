package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"turnover/internal/apiclient"
	"turnover/internal/database"
	"turnover/internal/events"
	"turnover/internal/metrics"
	"turnover/internal/models"
	"turnover/internal/retry"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// TaskPush is the sync_queue task type for outbound cleaning tasks.
const TaskPush = "push_task"

// Pusher delivers a task to the reservation system.
type Pusher interface {
	PushTask(ctx context.Context, p apiclient.TaskPayload) error
}

type Subscriber interface {
	Subscribe(ctx context.Context, topic string, handler events.Handler) (func(), error)
}

// PushWorker consumes sync_queue jobs and pushes cleaning tasks upstream.
// Jobs arrive through redis when available, an in-memory channel otherwise,
// and the database is polled for retries and anything either one dropped.
type PushWorker struct {
	db            *database.DB
	pusher        Pusher
	redis         *redis.Client
	retry         retry.Options
	queue         chan models.SyncQueueItem
	redisQueueKey string
	deadLetterKey string
	pollInterval  time.Duration
	batchSize     int
	logger        *zerolog.Logger
}

func NewPushWorker(db *database.DB, pusher Pusher, redisClient *redis.Client, opts retry.Options, logger *zerolog.Logger) *PushWorker {
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 5
	}
	if opts.InitialDelay == 0 {
		opts.InitialDelay = 2 * time.Second
	}
	if opts.MaxDelay == 0 {
		opts.MaxDelay = time.Minute
	}
	if opts.Backoff == "" {
		opts.Backoff = retry.Exponential
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	return &PushWorker{
		db:            db,
		pusher:        pusher,
		redis:         redisClient,
		retry:         opts,
		queue:         make(chan models.SyncQueueItem, models.OutboundQueueSize),
		redisQueueKey: "turnover:push:queue",
		deadLetterKey: "turnover:push:deadletter",
		pollInterval:  2 * time.Second,
		batchSize:     20,
		logger:        logger,
	}
}

// EnqueueTask persists the job, then hands it to redis or the local queue.
func (w *PushWorker) EnqueueTask(ctx context.Context, task models.CleaningTask) error {
	if task.ID == "" {
		return errors.New("task id is required")
	}
	if task.ListingID == "" {
		return errors.New("listing id is required")
	}

	payload, err := json.Marshal(apiclient.NewTaskPayload(task))
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	item := models.SyncQueueItem{
		TaskType: TaskPush,
		EntityID: task.ID,
		Payload:  string(payload),
		Status:   models.QueuePending,
	}
	if err := w.db.CreateSyncTask(ctx, &item); err != nil {
		return fmt.Errorf("persist push job: %w", err)
	}

	if w.redis != nil {
		if err := w.pushRedis(ctx, w.redisQueueKey, item); err != nil {
			w.logger.Warn().Err(err).Msg("Redis push failed, falling back to memory queue")
		} else {
			return nil
		}
	}

	select {
	case w.queue <- item:
	default:
		w.logger.Warn().Int64("job_id", item.ID).Msg("In-memory queue full, job left to polling")
	}
	return nil
}

// Watch enqueues every task announced on the bus.
func (w *PushWorker) Watch(ctx context.Context, sub Subscriber) (func(), error) {
	return sub.Subscribe(ctx, events.TopicTaskCreated, func(ctx context.Context, evt events.Event) error {
		var created models.TasksCreated
		if err := evt.Decode(&created); err != nil {
			return err
		}
		var errs []error
		for _, t := range created.Tasks {
			errs = append(errs, w.EnqueueTask(ctx, t))
		}
		return errors.Join(errs...)
	})
}

// Serve runs the main loop until ctx is done.
func (w *PushWorker) Serve(ctx context.Context) error {
	w.logger.Info().Msg("Push worker started")
	defer w.logger.Info().Msg("Push worker stopped")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if item, ok := w.tryLocalQueue(); ok {
			w.processTask(ctx, &item)
			continue
		}

		if item, ok := w.tryRedis(ctx); ok {
			w.processTask(ctx, &item)
			continue
		}

		items, err := w.db.GetPendingSyncTasks(ctx, w.batchSize)
		if err != nil {
			w.logger.Error().Err(err).Msg("Failed to fetch pending push jobs")
			w.sleep(ctx)
			continue
		}
		if len(items) == 0 {
			w.sleep(ctx)
			continue
		}
		for i := range items {
			w.processTask(ctx, &items[i])
		}
	}
}

func (w *PushWorker) String() string { return "task-push-worker" }

func (w *PushWorker) sleep(ctx context.Context) {
	timer := time.NewTimer(w.pollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (w *PushWorker) tryLocalQueue() (models.SyncQueueItem, bool) {
	select {
	case item := <-w.queue:
		return item, true
	default:
		return models.SyncQueueItem{}, false
	}
}

func (w *PushWorker) tryRedis(ctx context.Context) (models.SyncQueueItem, bool) {
	if w.redis == nil {
		return models.SyncQueueItem{}, false
	}
	res, err := w.redis.BRPop(ctx, time.Second, w.redisQueueKey).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			w.logger.Error().Err(err).Msg("Redis BRPOP failed")
		}
		return models.SyncQueueItem{}, false
	}
	if len(res) != 2 {
		return models.SyncQueueItem{}, false
	}
	var item models.SyncQueueItem
	if err := json.Unmarshal([]byte(res[1]), &item); err != nil {
		w.logger.Error().Err(err).Msg("Failed to decode redis job")
		return models.SyncQueueItem{}, false
	}
	return item, true
}

func (w *PushWorker) processTask(ctx context.Context, item *models.SyncQueueItem) {
	// Queued copies may be stale or already handled by the poller.
	if current, err := w.db.GetSyncTask(ctx, item.ID); err == nil {
		if current.Status == models.QueueCompleted || current.Status == models.QueueFailed {
			return
		}
		item = current
	}
	if item.TaskType != TaskPush {
		w.failTask(ctx, item, fmt.Errorf("unknown task type: %s", item.TaskType))
		return
	}
	payload, err := decodePayload(item.Payload)
	if err != nil {
		w.failTask(ctx, item, fmt.Errorf("decode payload: %w", err))
		return
	}

	if err := w.pusher.PushTask(ctx, payload); err != nil {
		w.retryOrFail(ctx, item, err)
		return
	}

	metrics.IncTaskPush(models.QueueCompleted)
	if err := w.db.UpdateSyncTaskStatus(ctx, item.ID, models.QueueCompleted, "", nil); err != nil {
		w.logger.Error().Err(err).Int64("job_id", item.ID).Msg("Failed to mark push job completed")
	}
}

func (w *PushWorker) retryOrFail(ctx context.Context, item *models.SyncQueueItem, cause error) {
	attempt := item.RetryCount + 1
	if attempt > w.retry.MaxRetries || (w.retry.ShouldRetry != nil && !w.retry.ShouldRetry(cause)) {
		w.failTask(ctx, item, cause)
		return
	}

	metrics.IncTaskPush(models.QueueRetry)
	next := time.Now().Add(w.retry.Delay(attempt))
	w.logger.Warn().Err(cause).Int64("job_id", item.ID).Int("attempt", attempt).Time("next_retry_at", next).Msg("Push failed, will retry")
	if err := w.db.UpdateSyncTaskStatus(ctx, item.ID, models.QueueRetry, cause.Error(), &next); err != nil {
		w.logger.Error().Err(err).Int64("job_id", item.ID).Msg("Failed to mark push job for retry")
	}
}

func (w *PushWorker) failTask(ctx context.Context, item *models.SyncQueueItem, cause error) {
	metrics.IncTaskPush(models.QueueFailed)
	w.logger.Error().Err(cause).Int64("job_id", item.ID).Str("task_id", item.EntityID).Msg("Push job failed permanently")
	if err := w.db.UpdateSyncTaskStatus(ctx, item.ID, models.QueueFailed, cause.Error(), nil); err != nil {
		w.logger.Error().Err(err).Int64("job_id", item.ID).Msg("Failed to mark push job failed")
	}
	if w.redis != nil {
		if err := w.pushRedis(ctx, w.deadLetterKey, *item); err != nil {
			w.logger.Error().Err(err).Int64("job_id", item.ID).Msg("Dead letter push failed")
		}
	}
}

func decodePayload(raw string) (apiclient.TaskPayload, error) {
	var p apiclient.TaskPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return p, err
	}
	if p.ID == "" {
		return p, errors.New("task id missing")
	}
	return p, nil
}

func (w *PushWorker) pushRedis(ctx context.Context, key string, item models.SyncQueueItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return err
	}
	return w.redis.LPush(ctx, key, data).Err()
}
