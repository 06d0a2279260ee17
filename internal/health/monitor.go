// Package health periodically probes the service's dependencies, publishes a
// snapshot to the cache and alerts operators when a probe fails.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tinywideclouds/go-campus-notify/internal/cache"
	"github.com/tinywideclouds/go-campus-notify/pkg/notify"
)

const (
	// SnapshotKey is where the latest Snapshot is cached.
	SnapshotKey = "health:snapshot"

	ProbeStore  = "store"
	ProbeCache  = "cache"
	ProbeBroker = "broker"
)

func alertKey(probe string) string { return fmt.Sprintf("health:alert:%s", probe) }

// Pinger is anything with a liveness check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// CacheBackend is the cache view the monitor needs.
type CacheBackend interface {
	cache.Cache
	Pinger
	Reprobe(ctx context.Context) bool
	Backend() string
}

// Dispatcher is the dispatcher view the monitor needs.
type Dispatcher interface {
	Pinger
	Reprobe(ctx context.Context) bool
	Mode() notify.DispatchMode
	EnqueueRoleNotification(ctx context.Context, role string, payload notify.Payload) (notify.JobDescriptor, error)
}

// Config holds the monitor's tunables.
type Config struct {
	Interval            time.Duration
	AutoPromote         bool
	AlertRole           string
	CollaboratorTimeout time.Duration
}

// ProbeResult is the outcome of one dependency check.
type ProbeResult struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	Error     string `json:"error,omitempty"`
	LatencyMs int64  `json:"latencyMs"`
}

// Snapshot is the cached result of a full check.
type Snapshot struct {
	CheckedAt    time.Time           `json:"checkedAt"`
	Healthy      bool                `json:"healthy"`
	CacheBackend string              `json:"cacheBackend"`
	DispatchMode notify.DispatchMode `json:"dispatchMode"`
	Probes       []ProbeResult       `json:"probes"`
}

// Monitor runs the periodic check.
type Monitor struct {
	cfg        Config
	store      Pinger
	cache      CacheBackend
	dispatcher Dispatcher
	logger     zerolog.Logger

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewMonitor creates a Monitor.
func NewMonitor(cfg Config, store Pinger, c CacheBackend, d Dispatcher, logger zerolog.Logger) (*Monitor, error) {
	if store == nil || c == nil || d == nil {
		return nil, fmt.Errorf("store, cache and dispatcher are required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Minute
	}
	if cfg.AlertRole == "" {
		cfg.AlertRole = "operator"
	}
	if cfg.CollaboratorTimeout <= 0 {
		cfg.CollaboratorTimeout = 10 * time.Second
	}
	return &Monitor{
		cfg:        cfg,
		store:      store,
		cache:      c,
		dispatcher: d,
		logger:     logger.With().Str("component", "HealthMonitor").Logger(),
		stop:       make(chan struct{}),
	}, nil
}

// Check probes every dependency once, caches the snapshot and raises alerts.
func (m *Monitor) Check(ctx context.Context) Snapshot {
	if m.cfg.AutoPromote {
		cacheOK := m.cache.Reprobe(ctx)
		brokerOK := m.dispatcher.Reprobe(ctx)
		m.logger.Debug().Bool("cache_primary", cacheOK).Bool("broker", brokerOK).Msg("Re-probed primaries.")
	}

	probes := []ProbeResult{
		m.probe(ctx, ProbeStore, m.store),
		m.probe(ctx, ProbeCache, m.cache),
		m.probe(ctx, ProbeBroker, m.dispatcher),
	}

	snap := Snapshot{
		CheckedAt:    time.Now().UTC(),
		Healthy:      true,
		CacheBackend: m.cache.Backend(),
		DispatchMode: m.dispatcher.Mode(),
		Probes:       probes,
	}
	for _, p := range probes {
		if !p.Healthy {
			snap.Healthy = false
			m.alert(ctx, p)
		}
	}

	cache.SetJSON(ctx, m.cache, SnapshotKey, snap, 2*m.cfg.Interval)

	ev := m.logger.Info()
	if !snap.Healthy {
		ev = m.logger.Warn()
	}
	ev.Bool("healthy", snap.Healthy).Str("cache", snap.CacheBackend).Str("mode", string(snap.DispatchMode)).Msg("Health check complete.")
	return snap
}

// Latest returns the cached snapshot, if it has not expired.
func (m *Monitor) Latest(ctx context.Context) (Snapshot, bool) {
	return cache.GetJSON[Snapshot](ctx, m.cache, SnapshotKey)
}

func (m *Monitor) probe(ctx context.Context, name string, p Pinger) ProbeResult {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.CollaboratorTimeout)
	defer cancel()

	start := time.Now()
	err := p.Ping(probeCtx)
	res := ProbeResult{Name: name, Healthy: err == nil, LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		res.Error = err.Error()
	}
	return res
}

// alert sends one urgent push to operators per failing probe per interval.
func (m *Monitor) alert(ctx context.Context, p ProbeResult) {
	log := m.logger.With().Str("probe", p.Name).Logger()
	key := alertKey(p.Name)
	if m.cache.Exists(ctx, key) {
		log.Debug().Msg("Alert already raised this interval.")
		return
	}

	payload := notify.Payload{
		Title:    fmt.Sprintf("Health check failed: %s", p.Name),
		Message:  p.Error,
		Category: "system",
		Priority: notify.PriorityUrgent,
	}
	if payload.Message == "" {
		payload.Message = "probe reported unhealthy"
	}
	if _, err := m.dispatcher.EnqueueRoleNotification(ctx, m.cfg.AlertRole, payload); err != nil {
		log.Error().Err(err).Msg("Failed to raise health alert.")
		return
	}
	m.cache.Set(ctx, key, []byte("1"), m.cfg.Interval)
	log.Warn().Str("error", p.Error).Msg("Health alert raised.")
}

// Start runs a check immediately and then every Interval.
func (m *Monitor) Start(ctx context.Context) error {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.Check(ctx)
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case <-ticker.C:
				m.Check(ctx)
			}
		}
	}()
	return nil
}

// Shutdown stops the check loop.
func (m *Monitor) Shutdown(_ context.Context) error {
	m.stopOnce.Do(func() { close(m.stop) })
	m.wg.Wait()
	return nil
}
