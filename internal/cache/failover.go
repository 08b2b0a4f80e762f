package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const recoveryInterval = time.Minute

// FailoverCache serves from primary until it errors, then from fallback,
// probing primary again once per recoveryInterval.
type FailoverCache struct {
	primary  Cache
	fallback Cache
	logger   *zerolog.Logger

	isDown    atomic.Bool
	mu        sync.Mutex
	lastCheck time.Time
	now       func() time.Time
}

func NewFailoverCache(primary, fallback Cache, logger *zerolog.Logger) *FailoverCache {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &FailoverCache{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
		now:      time.Now,
	}
}

func (f *FailoverCache) markDown(err error) {
	if !f.isDown.Swap(true) {
		f.logger.Error().Err(err).Msg("Primary cache failed, falling back to memory")
	}
	f.mu.Lock()
	f.lastCheck = f.now()
	f.mu.Unlock()
}

// usePrimary reports whether the next call should go to primary.
func (f *FailoverCache) usePrimary() bool {
	if !f.isDown.Load() {
		return true
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now().Sub(f.lastCheck) > recoveryInterval
}

func (f *FailoverCache) recovered() {
	if f.isDown.Swap(false) {
		f.logger.Info().Msg("Primary cache recovered")
	}
}

func (f *FailoverCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if f.usePrimary() {
		val, ok, err := f.primary.Get(ctx, key)
		if err == nil {
			f.recovered()
			return val, ok, nil
		}
		f.markDown(err)
	}
	return f.fallback.Get(ctx, key)
}

func (f *FailoverCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if f.usePrimary() {
		err := f.primary.Set(ctx, key, value, ttl)
		if err == nil {
			f.recovered()
			return nil
		}
		f.markDown(err)
	}
	return f.fallback.Set(ctx, key, value, ttl)
}

func (f *FailoverCache) Delete(ctx context.Context, key string) error {
	// The fallback is always cleared as well.
	_ = f.fallback.Delete(ctx, key)
	if f.usePrimary() {
		err := f.primary.Delete(ctx, key)
		if err == nil {
			return nil
		}
		f.markDown(err)
	}
	return nil
}

// Degraded reports whether the fallback is currently serving.
func (f *FailoverCache) Degraded() bool {
	return f.isDown.Load()
}
