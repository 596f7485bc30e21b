package rabbitmq

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/glimte/rabbitevh/internal/clock"
	"github.com/glimte/rabbitevh/internal/reliability"
)

// HeartbeatMonitor polls the broker connection and is the only component
// that reconnects after a hard failure.
type HeartbeatMonitor struct {
	manager  *ConnectionManager
	interval time.Duration
	backoff  reliability.BackoffPolicy
	clock    clock.Clock
	logger   *slog.Logger

	polls     atomic.Int64
	reconnect atomic.Int64
}

// HeartbeatOption configures the monitor
type HeartbeatOption func(*HeartbeatMonitor)

// WithHeartbeatLogger sets the logger
func WithHeartbeatLogger(logger *slog.Logger) HeartbeatOption {
	return func(m *HeartbeatMonitor) {
		m.logger = logger
	}
}

// WithBackoff sets the delay policy between failed reconnects
func WithBackoff(policy reliability.BackoffPolicy) HeartbeatOption {
	return func(m *HeartbeatMonitor) {
		m.backoff = policy
	}
}

// WithHeartbeatClock sets the clock used for sleeping
func WithHeartbeatClock(c clock.Clock) HeartbeatOption {
	return func(m *HeartbeatMonitor) {
		m.clock = c
	}
}

// NewHeartbeatMonitor creates a monitor for the given heartbeat interval
func NewHeartbeatMonitor(manager *ConnectionManager, interval time.Duration, options ...HeartbeatOption) *HeartbeatMonitor {
	m := &HeartbeatMonitor{
		manager:  manager,
		interval: interval,
		backoff:  reliability.DefaultBackoff(),
		clock:    clock.Real(),
		logger:   slog.Default(),
	}

	for _, opt := range options {
		opt(m)
	}

	return m
}

// PollInterval is the pause between healthy polls: half the heartbeat
func (m *HeartbeatMonitor) PollInterval() time.Duration {
	return m.interval / 2
}

// Polls returns how many polls have been made
func (m *HeartbeatMonitor) Polls() int64 {
	return m.polls.Load()
}

// ReconnectAttempts returns how many reconnects have been tried
func (m *HeartbeatMonitor) ReconnectAttempts() int64 {
	return m.reconnect.Load()
}

// Run loops until ctx is cancelled. It does nothing when the interval is
// not positive.
func (m *HeartbeatMonitor) Run(ctx context.Context) {
	if m.interval <= 0 {
		return
	}

	m.logger.Debug("monitoring RabbitMQ heartbeat", "interval", m.interval)
	defer m.logger.Debug("leaving heartbeat monitor")

	failures := 0
	for ctx.Err() == nil {
		m.polls.Add(1)
		err := m.manager.Probe()
		if !IsHard(err) {
			if !m.sleep(ctx, m.PollInterval()) {
				return
			}
			continue
		}

		m.logger.Debug("heartbeat poll failed", "error", err)
		m.manager.Teardown(err)
		if ctx.Err() != nil {
			return
		}

		m.reconnect.Add(1)
		m.logger.Info("trying to reconnect", "attempt", failures+1)
		if _, err := m.manager.Connect(ctx); err != nil {
			failures++
			delay := m.backoff.NextDelay(failures)
			m.logger.Warn("reconnect failed",
				"attempt", failures,
				"retryIn", delay,
				"error", err)
			if !m.sleep(ctx, delay) {
				return
			}
			continue
		}

		failures = 0
		if !m.sleep(ctx, m.PollInterval()) {
			return
		}
	}
}

func (m *HeartbeatMonitor) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-m.clock.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
