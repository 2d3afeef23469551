package health

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Pinger is the slice of the store the monitor needs.
type Pinger interface {
	Ping(ctx context.Context) error
}

const pingTimeout = 5 * time.Second

// MonitorConfig tunes the store health monitor.
type MonitorConfig struct {
	// Interval between pings.
	CheckInterval time.Duration
	// Consecutive failures before the cached flag flips to unhealthy.
	FailureThreshold int32
	Logger           *slog.Logger
}

// MonitorStats is a point-in-time snapshot of the monitor.
type MonitorStats struct {
	LastCheckTime       time.Time
	ConsecutiveFailures int32
	IsHealthy           bool
}

// Monitor pings the store periodically and drives the Checker. A single
// successful ping restores health; it takes FailureThreshold consecutive
// failures to lose it.
type Monitor struct {
	config              *MonitorConfig
	checker             *Checker
	store               Pinger
	consecutiveFailures int32

	mu            sync.RWMutex
	lastCheckTime time.Time
}

func NewMonitor(cfg *MonitorConfig, checker *Checker, store Pinger) *Monitor {
	if cfg == nil {
		cfg = &MonitorConfig{}
	}
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 30 * time.Second
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Monitor{
		config:        cfg,
		checker:       checker,
		store:         store,
		lastCheckTime: time.Now().UTC(),
	}
}

// Start runs the monitoring loop until ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()

	m.config.Logger.Info("store health monitor started",
		"check_interval", m.config.CheckInterval,
		"failure_threshold", m.config.FailureThreshold,
	)

	for {
		select {
		case <-ctx.Done():
			m.config.Logger.Info("store health monitor stopped")
			return

		case <-ticker.C:
			m.checkHealth(ctx)
		}
	}
}

func (m *Monitor) checkHealth(ctx context.Context) {
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	err := m.store.Ping(pingCtx)
	cancel()

	wasHealthy := m.checker.IsHealthy()

	if err == nil {
		atomic.StoreInt32(&m.consecutiveFailures, 0)
		if !wasHealthy {
			m.config.Logger.Warn("store recovered")
		}
		m.checker.SetHealthy(true)
	} else {
		failures := atomic.AddInt32(&m.consecutiveFailures, 1)

		if failures == 1 {
			m.config.Logger.Warn("store ping failed",
				"error", err,
				"threshold", m.config.FailureThreshold,
			)
		} else if failures%3 == 0 {
			m.config.Logger.Debug("store ping still failing",
				"error", err,
				"failure_count", failures,
			)
		}

		if failures >= m.config.FailureThreshold && wasHealthy {
			m.config.Logger.Error("store marked unhealthy",
				"consecutive_failures", failures,
			)
			m.checker.SetHealthy(false)
		}
	}

	m.mu.Lock()
	m.lastCheckTime = time.Now().UTC()
	m.mu.Unlock()
}

// Stats returns the current monitor state.
func (m *Monitor) Stats() MonitorStats {
	m.mu.RLock()
	last := m.lastCheckTime
	m.mu.RUnlock()

	return MonitorStats{
		LastCheckTime:       last,
		ConsecutiveFailures: atomic.LoadInt32(&m.consecutiveFailures),
		IsHealthy:           m.checker.IsHealthy(),
	}
}
