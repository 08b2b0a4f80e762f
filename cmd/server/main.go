package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"turnover/internal/alert"
	"turnover/internal/api"
	"turnover/internal/apiclient"
	"turnover/internal/cache"
	"turnover/internal/config"
	"turnover/internal/database"
	"turnover/internal/events"
	"turnover/internal/failure"
	"turnover/internal/health"
	"turnover/internal/housekeeping"
	"turnover/internal/logging"
	"turnover/internal/metrics"
	"turnover/internal/retry"
	"turnover/internal/supervisor"
	"turnover/internal/synclog"
	"turnover/internal/syncer"
	"turnover/internal/webhook"
	"turnover/internal/worker"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	exportAudit := flag.Bool("export-audit", false, "write the missing-task audit spreadsheet to exports.path and exit")
	flag.Parse()

	if err := run(*exportAudit); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

type app struct {
	cfg          *config.Config
	logger       *zerolog.Logger
	db           *database.DB
	redis        *redis.Client
	bus          *events.Bus
	client       *apiclient.Client
	logs         *synclog.Store
	engine       *syncer.Engine
	materializer *housekeeping.Materializer
	monitor      *health.Monitor
}

func run(exportAudit bool) error {
	cfg, logger, closer, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func() { _ = closer.Close() })()
	}

	a, cleanup, err := build(cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if exportAudit {
		return a.exportAudit(ctx)
	}
	return a.serve(ctx)
}

func loadConfigAndLogger() (*config.Config, *zerolog.Logger, io.Closer, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}

	logger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, logger, closer, nil
}

func build(cfg *config.Config, logger *zerolog.Logger) (*app, func(), error) {
	a := &app{cfg: cfg, logger: logger}
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	db, err := database.Open(cfg.Database, logging.Component(logger, "database"))
	if err != nil {
		return nil, cleanup, fmt.Errorf("init database: %w", err)
	}
	a.db = db
	closers = append(closers, func() { _ = db.Close() })

	a.bus = events.NewBus(logging.Component(logger, "events"))
	closers = append(closers, func() { _ = a.bus.Close() })
	db.SetPublisher(a.bus)

	a.redis = initRedis(cfg, logger)
	if a.redis != nil {
		closers = append(closers, func() { _ = cache.Close(a.redis) })
	}
	var sharedCache cache.Cache = cache.NewMemoryCache(cfg.Cache.MaxEntries)
	if a.redis != nil {
		sharedCache = cache.NewFailoverCache(cache.NewRedisCache(a.redis, "turnover:"), sharedCache, logging.Component(logger, "cache"))
	}

	a.client = apiclient.New(cfg.External, logging.Component(logger, "apiclient"), apiclient.WithUsageRecorder(db))
	a.client.UseCache(sharedCache, cfg.Cache.TTL)

	a.logs = synclog.New(db, sharedCache, cfg.Cache.TTL, a.bus, logging.Component(logger, "synclog"))
	a.engine = syncer.NewEngine(cfg.Sync, cfg.External, a.client, db, a.logs, logging.Component(logger, "syncer"))
	a.materializer = housekeeping.NewMaterializer(db, a.bus, logging.Component(logger, "housekeeping"))
	a.monitor = health.NewMonitor(cfg.Health, a.bus, logging.Component(logger, "health"))

	if err := a.registerProbes(); err != nil {
		cleanup()
		return nil, func() {}, err
	}
	return a, cleanup, nil
}

func initRedis(cfg *config.Config, logger *zerolog.Logger) *redis.Client {
	if cfg.Redis.Address == "" {
		return nil
	}

	client := cache.NewRedisClient(cfg.Redis)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := cache.Ping(ctx, client); err != nil {
		logger.Warn().Err(err).Msg("redis connection failed, continuing without redis")
		_ = cache.Close(client)
		return nil
	}

	logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")
	return client
}

func (a *app) registerProbes() error {
	probes := []health.Probe{
		{Name: "database", Check: health.PingCheck(a.db)},
		{Name: "external-api", Check: health.PingCheck(a.client), Interval: 5 * a.cfg.Health.Interval},
	}
	if a.redis != nil {
		probes = append(probes, health.Probe{Name: "redis", Check: health.RedisCheck(a.redis)})
	}
	if a.cfg.Sync.Interval > 0 {
		probes = append(probes, health.Probe{
			Name:  "sync-freshness",
			Check: health.FreshnessCheck(a.logs, 3*a.cfg.Sync.Interval),
		})
	}
	for _, p := range probes {
		if err := a.monitor.Register(p); err != nil {
			return fmt.Errorf("register probe %s: %w", p.Name, err)
		}
	}
	return nil
}

func (a *app) serve(ctx context.Context) error {
	logger := logging.Component(a.logger, "main")

	unsubscribe, err := a.materializer.Watch(ctx, a.bus)
	if err != nil {
		return fmt.Errorf("watch booking changes: %w", err)
	}
	defer unsubscribe()

	if a.cfg.Alerts.TelegramToken != "" && len(a.cfg.Alerts.ChatIDs) > 0 {
		sender, err := alert.NewTelegramSender(a.cfg.Alerts.TelegramToken)
		if err != nil {
			logger.Warn().Err(err).Msg("telegram init failed, continuing without alerts")
		} else {
			stopAlerts, err := alert.NewNotifier(sender, a.cfg.Alerts.ChatIDs, logging.Component(a.logger, "alert")).Watch(ctx, a.bus)
			if err != nil {
				return fmt.Errorf("watch alerts: %w", err)
			}
			defer stopAlerts()
		}
	}

	tree := supervisor.NewTree(logging.Component(a.logger, "supervisor"), supervisor.DefaultTreeConfig())

	tree.AddDataService(database.NewBackupService(a.db, a.cfg.Backup, logging.Component(a.logger, "backup")))
	tree.AddDataService(synclog.NewPruner(a.logs, time.Hour, logging.Component(a.logger, "usage-pruner")))
	if a.cfg.External.PushTasks {
		pushRetry := retry.FromConfig(a.cfg.Sync.PushRetry)
		pushRetry.ShouldRetry = failure.Retryable
		pusher := worker.NewPushWorker(a.db, a.client, a.redis, pushRetry, logging.Component(a.logger, "push-worker"))
		stopPush, err := pusher.Watch(ctx, a.bus)
		if err != nil {
			return fmt.Errorf("watch created tasks: %w", err)
		}
		defer stopPush()
		tree.AddDataService(pusher)
	}

	tree.AddSyncService(syncer.NewScheduler(a.engine, a.cfg.Sync.Interval, logging.Component(a.logger, "scheduler")))
	tree.AddSyncService(a.monitor)

	ingestor := webhook.NewIngestor(a.cfg.API.WebhookSecret, a.engine, a.logs, logging.Component(a.logger, "webhook"))
	tree.AddAPIService(api.NewHTTPServer(a.cfg.API, api.Deps{
		Sync:    a.engine,
		Logs:    a.logs,
		Probes:  a.monitor,
		Tasks:   a.materializer,
		Webhook: ingestor,
	}, logging.Component(a.logger, "http")))
	if a.cfg.Monitoring.PrometheusEnabled {
		tree.AddAPIService(metrics.NewServer(a.cfg.Monitoring.PrometheusPort, logging.Component(a.logger, "metrics")))
	}

	if missing := a.cfg.External.MissingCredentials(); len(missing) > 0 {
		logger.Warn().Strs("missing", missing).Msg("External API credentials incomplete; polling will report a configuration error")
	}
	logger.Info().Int("http_port", a.cfg.API.HTTP.Port).Dur("sync_interval", a.cfg.Sync.Interval).Msg("turnover started")

	err = tree.Serve(ctx)
	logger.Info().Msg("shutdown complete")
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (a *app) exportAudit(ctx context.Context) error {
	if err := os.MkdirAll(a.cfg.Exports.Path, 0o755); err != nil {
		return fmt.Errorf("create export directory: %w", err)
	}
	name := fmt.Sprintf("missing-tasks-%s.xlsx", time.Now().UTC().Format("20060102_150405"))
	path := filepath.Join(a.cfg.Exports.Path, name)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create export file: %w", err)
	}
	report, err := a.materializer.ExportAudit(ctx, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("export audit: %w", err)
	}

	a.logger.Info().
		Str("path", path).
		Int("bookings_scanned", report.BookingsScanned).
		Int("missing", report.MissingCount).
		Msg("Missing task audit exported")
	return nil
}
