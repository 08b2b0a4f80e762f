package synclog

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// PruneUsage deletes API usage rows older than retention. A non-positive
// retention falls back to MaxWindow.
func (s *Store) PruneUsage(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		retention = MaxWindow
	}
	return s.backend.PruneAPIUsage(ctx, s.now().Add(-retention))
}

// Pruner trims API usage rows nothing can read any more. It is a suture service.
type Pruner struct {
	store     *Store
	interval  time.Duration
	retention time.Duration
	logger    *zerolog.Logger
}

func NewPruner(store *Store, interval time.Duration, logger *zerolog.Logger) *Pruner {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Pruner{store: store, interval: interval, retention: MaxWindow, logger: logger}
}

func (p *Pruner) Serve(ctx context.Context) error {
	p.logger.Info().Dur("interval", p.interval).Dur("retention", p.retention).Msg("API usage pruner started")
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.run(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.run(ctx)
		}
	}
}

func (p *Pruner) run(ctx context.Context) {
	n, err := p.store.PruneUsage(ctx, p.retention)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Error().Err(err).Msg("API usage prune failed")
		}
		return
	}
	if n > 0 {
		p.logger.Info().Int64("rows", n).Msg("Pruned API usage")
	}
}

func (p *Pruner) String() string { return "api-usage-pruner" }
