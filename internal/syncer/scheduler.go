package syncer

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// Scheduler runs a full sync on a fixed interval. It is a suture service.
type Scheduler struct {
	engine   *Engine
	interval time.Duration
	logger   *zerolog.Logger
}

func NewScheduler(engine *Engine, interval time.Duration, logger *zerolog.Logger) *Scheduler {
	return &Scheduler{engine: engine, interval: interval, logger: logger}
}

func (s *Scheduler) Serve(ctx context.Context) error {
	if s.interval <= 0 {
		s.logger.Info().Msg("Scheduled sync is disabled")
		<-ctx.Done()
		return ctx.Err()
	}

	s.logger.Info().Dur("interval", s.interval).Msg("Sync scheduler started")
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.run(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.run(ctx)
		}
	}
}

func (s *Scheduler) run(ctx context.Context) {
	if _, err := s.engine.SyncAll(ctx); err != nil {
		if errors.Is(err, ErrSyncInProgress) {
			s.logger.Debug().Msg("Skipping scheduled sync, another run is active")
			return
		}
		s.logger.Error().Err(err).Msg("Scheduled sync failed")
	}
}

func (s *Scheduler) String() string { return "sync-scheduler" }
