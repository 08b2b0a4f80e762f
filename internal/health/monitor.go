// Package health runs named probes on independent timers and announces
// each probe's transitions between healthy and unhealthy.
package health

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"turnover/internal/config"
	"turnover/internal/events"
	"turnover/internal/metrics"
	"turnover/internal/models"
	"turnover/internal/retry"

	"github.com/rs/zerolog"
)

var (
	ErrDuplicateProbe = errors.New("probe already registered")
	ErrUnknownProbe   = errors.New("unknown probe")
	ErrRunning        = errors.New("monitor already running")
)

// Check returns nil when the probed dependency is usable.
type Check func(ctx context.Context) error

// Probe is one registered health check. Zero Interval, Timeout and Retry
// fall back to the monitor defaults.
type Probe struct {
	Name     string
	Check    Check
	Interval time.Duration
	Timeout  time.Duration
	Retry    *retry.Options
}

type probeState struct {
	probe  Probe
	result models.HealthCheckResult
}

type Monitor struct {
	defaults  config.HealthConfig
	publisher events.Publisher
	logger    *zerolog.Logger
	now       func() time.Time

	mu         sync.RWMutex
	probes     map[string]*probeState
	generation uint64
	runCtx     context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

func NewMonitor(defaults config.HealthConfig, publisher events.Publisher, logger *zerolog.Logger) *Monitor {
	return &Monitor{
		defaults:  defaults,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
		probes:    make(map[string]*probeState),
	}
}

func unknownResult(name string) models.HealthCheckResult {
	return models.HealthCheckResult{Name: name, Status: models.HealthUnknown}
}

// Register adds a probe. On a running monitor the probe starts immediately.
func (m *Monitor) Register(p Probe) error {
	if p.Name == "" || p.Check == nil {
		return errors.New("probe needs a name and a check")
	}
	if p.Interval <= 0 {
		p.Interval = m.defaults.Interval
	}
	if p.Interval <= 0 {
		p.Interval = time.Minute
	}
	if p.Timeout <= 0 {
		p.Timeout = m.defaults.Timeout
	}
	if p.Retry == nil {
		opts := retry.FromConfig(m.defaults.Retry)
		p.Retry = &opts
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.probes[p.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateProbe, p.Name)
	}
	st := &probeState{probe: p, result: unknownResult(p.Name)}
	m.probes[p.Name] = st
	if m.runCtx != nil {
		m.startLocked(st)
	}
	return nil
}

// Start launches one goroutine per probe.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.runCtx != nil {
		return ErrRunning
	}
	m.runCtx, m.cancel = context.WithCancel(ctx)
	m.generation++
	for _, st := range m.probes {
		m.startLocked(st)
	}
	m.logger.Info().Int("probes", len(m.probes)).Msg("Health monitor started")
	return nil
}

func (m *Monitor) startLocked(st *probeState) {
	ctx, gen, p := m.runCtx, m.generation, st.probe
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.loop(ctx, gen, p)
	}()
}

// Stop halts every probe and discards their results.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.runCtx, m.cancel = nil, nil
	m.generation++
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	m.wg.Wait()

	m.mu.Lock()
	for name, st := range m.probes {
		st.result = unknownResult(name)
	}
	m.mu.Unlock()
	m.logger.Info().Msg("Health monitor stopped")
}

// Serve runs the monitor under a supervisor until ctx is done.
func (m *Monitor) Serve(ctx context.Context) error {
	if err := m.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	m.Stop()
	return ctx.Err()
}

func (m *Monitor) String() string { return "health-monitor" }

func (m *Monitor) loop(ctx context.Context, gen uint64, p Probe) {
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	m.evaluate(ctx, gen, p)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.evaluate(ctx, gen, p)
		}
	}
}

func (m *Monitor) run(ctx context.Context, p Probe) error {
	return retry.Run(ctx, *p.Retry, func(ctx context.Context) error {
		if p.Timeout <= 0 {
			return p.Check(ctx)
		}
		cctx, cancel := context.WithTimeout(ctx, p.Timeout)
		defer cancel()
		return p.Check(cctx)
	})
}

func (m *Monitor) evaluate(ctx context.Context, gen uint64, p Probe) {
	err := m.run(ctx, p)
	if ctx.Err() != nil {
		return
	}
	m.apply(gen, p.Name, err)
}

// apply records one evaluation and emits a change event on transitions.
func (m *Monitor) apply(gen uint64, name string, err error) {
	now := m.now().UTC()

	m.mu.Lock()
	st, ok := m.probes[name]
	if !ok || gen != m.generation {
		m.mu.Unlock()
		return
	}
	prev := st.result.Status
	r := &st.result
	r.LastCheckedAt = now
	if err == nil {
		r.Status = models.HealthHealthy
		r.Healthy = true
		r.ConsecutiveFailures = 0
		r.LastError = ""
	} else {
		r.Status = models.HealthUnhealthy
		r.Healthy = false
		r.ConsecutiveFailures++
		r.LastError = err.Error()
	}
	next := r.Status
	failures := r.ConsecutiveFailures
	m.mu.Unlock()

	metrics.SetProbeHealthy(name, err == nil)
	if prev == next {
		return
	}

	change := models.HealthStatusChange{Probe: name, From: prev, To: next, At: now}
	if err != nil {
		change.Error = err.Error()
		m.logger.Warn().Err(err).Str("probe", name).Str("from", string(prev)).Int("failures", failures).Msg("Probe became unhealthy")
	} else {
		m.logger.Info().Str("probe", name).Str("from", string(prev)).Msg("Probe became healthy")
	}
	if m.publisher != nil {
		if perr := m.publisher.Publish(context.Background(), events.TopicHealthStatusChanged, change); perr != nil {
			m.logger.Warn().Err(perr).Str("probe", name).Msg("Failed to publish health change")
		}
	}
}

// CheckNow runs a probe once outside its timer and records the outcome.
func (m *Monitor) CheckNow(ctx context.Context, name string) (models.HealthCheckResult, error) {
	m.mu.RLock()
	st, ok := m.probes[name]
	gen := m.generation
	m.mu.RUnlock()
	if !ok {
		return models.HealthCheckResult{}, fmt.Errorf("%w: %s", ErrUnknownProbe, name)
	}

	err := m.run(ctx, st.probe)
	if ctx.Err() != nil {
		return models.HealthCheckResult{}, ctx.Err()
	}
	m.apply(gen, name, err)

	r, _ := m.Result(name)
	return r, nil
}

// Result returns one probe's last evaluation.
func (m *Monitor) Result(name string) (models.HealthCheckResult, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.probes[name]
	if !ok {
		return models.HealthCheckResult{}, false
	}
	return st.result, true
}

// Results returns every probe's last evaluation ordered by name.
func (m *Monitor) Results() []models.HealthCheckResult {
	m.mu.RLock()
	out := make([]models.HealthCheckResult, 0, len(m.probes))
	for _, st := range m.probes {
		out = append(out, st.result)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Healthy reports whether no probe is currently unhealthy.
func (m *Monitor) Healthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, st := range m.probes {
		if st.result.Status == models.HealthUnhealthy {
			return false
		}
	}
	return true
}
