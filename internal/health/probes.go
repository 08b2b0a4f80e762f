package health

import (
	"context"
	"fmt"
	"time"

	"turnover/internal/cache"
	"turnover/internal/models"

	"github.com/redis/go-redis/v9"
)

// Pinger is anything with a cheap liveness call.
type Pinger interface {
	Ping(ctx context.Context) error
}

func PingCheck(p Pinger) Check {
	return p.Ping
}

func RedisCheck(client *redis.Client) Check {
	return func(ctx context.Context) error {
		return cache.Ping(ctx, client)
	}
}

// LatestSync finds the newest sync log entry of a kind.
type LatestSync interface {
	Latest(ctx context.Context, service, syncType string, statuses ...string) (*models.SyncLogEntry, error)
}

// FreshnessCheck fails when no poll succeeded within maxAge. A process
// younger than maxAge is given the benefit of the doubt.
func FreshnessCheck(logs LatestSync, maxAge time.Duration) Check {
	started := time.Now()
	return func(ctx context.Context) error {
		e, err := logs.Latest(ctx, models.ServiceBookings, models.SyncTypePoll, models.SyncSuccess, models.SyncWarning)
		if err != nil {
			return err
		}
		if e == nil {
			if time.Since(started) < maxAge {
				return nil
			}
			return fmt.Errorf("no successful sync in %s", maxAge)
		}
		if age := time.Since(e.EndedAt); age > maxAge {
			return fmt.Errorf("last successful sync %s ago exceeds %s", age.Round(time.Second), maxAge)
		}
		return nil
	}
}
