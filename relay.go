// Copyright 2024 The rabbitevh Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rabbitevh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/glimte/rabbitevh/config"
	"github.com/glimte/rabbitevh/contracts"
	"github.com/glimte/rabbitevh/health"
	"github.com/glimte/rabbitevh/internal/clock"
	"github.com/glimte/rabbitevh/internal/queue"
	"github.com/glimte/rabbitevh/internal/rabbitmq"
	"github.com/glimte/rabbitevh/internal/reliability"
	"github.com/glimte/rabbitevh/messaging"
	"github.com/glimte/rabbitevh/serialization"
)

const (
	Version       = 1
	VersionString = "0.0.1"
	Name          = "RabbitMQ event relay"
	Description   = "Relays media server events to a RabbitMQ exchange."
	Package       = "rabbitevh"
)

// DefaultBacklogThreshold is the queue length above which health degrades
const DefaultBacklogThreshold = 10000

var (
	// ErrDisabled is returned by New when the configuration is not enabled
	ErrDisabled = errors.New("rabbitevh: relay is disabled")
	// ErrClosed is returned once the relay is shutting down
	ErrClosed = errors.New("rabbitevh: relay is closed")
)

// Relay takes events from any number of producers and publishes them to
// RabbitMQ from a single consumer goroutine.
type Relay struct {
	logger   *slog.Logger
	mask     *contracts.Mask
	grouping *atomic.Bool
	stats    *messaging.Stats

	queue     *queue.Queue
	manager   *rabbitmq.ConnectionManager
	consumer  *messaging.Consumer
	monitor   *rabbitmq.HeartbeatMonitor
	registry  *health.Registry
	stopPulse context.CancelFunc
	pulseDone chan struct{}

	closing   atomic.Bool
	drainOnce sync.Once
	closeOnce sync.Once
	closeErr  error
}

// relayConfig holds relay construction options
type relayConfig struct {
	logger           *slog.Logger
	dialer           rabbitmq.Dialer
	clock            clock.Clock
	backoff          reliability.BackoffPolicy
	backlogThreshold int
}

// Option configures the relay
type Option func(*relayConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *relayConfig) {
		cfg.logger = logger
	}
}

// WithDialer replaces the amqp091 dialer
func WithDialer(dialer rabbitmq.Dialer) Option {
	return func(cfg *relayConfig) {
		cfg.dialer = dialer
	}
}

// WithClock sets the clock used for timestamps and heartbeat sleeps
func WithClock(c clock.Clock) Option {
	return func(cfg *relayConfig) {
		cfg.clock = c
	}
}

// WithBackoff sets the delay policy between failed reconnects
func WithBackoff(policy reliability.BackoffPolicy) Option {
	return func(cfg *relayConfig) {
		cfg.backoff = policy
	}
}

// WithBacklogThreshold sets the queue length reported as degraded
func WithBacklogThreshold(n int) Option {
	return func(cfg *relayConfig) {
		cfg.backlogThreshold = n
	}
}

// New connects to the broker and starts the consumer and, when a
// heartbeat is configured, the heartbeat monitor. A failed first connect
// is returned and nothing is left running.
func New(ctx context.Context, cfg *config.Config, options ...Option) (*Relay, error) {
	rc := &relayConfig{
		logger:           slog.Default(),
		clock:            clock.Real(),
		backoff:          reliability.DefaultBackoff(),
		backlogThreshold: DefaultBacklogThreshold,
	}
	for _, opt := range options {
		opt(rc)
	}
	logger := rc.logger

	if cfg == nil {
		return nil, fmt.Errorf("%w: nil config", rabbitmq.ErrInvalidConfiguration)
	}
	if !cfg.Enabled {
		logger.Warn("RabbitMQ event handler disabled")
		return nil, ErrDisabled
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	format, err := serialization.ParseFormat(cfg.JSON)
	if err != nil {
		logger.Warn("unsupported JSON format option, using default (indented)", "json", cfg.JSON)
	}
	compression, err := serialization.ParseCompression(cfg.Compression)
	if err != nil {
		return nil, err
	}

	connOpts := []rabbitmq.ConnectionOption{
		rabbitmq.WithLogger(logger),
		rabbitmq.WithClock(rc.clock),
	}
	if rc.dialer != nil {
		connOpts = append(connOpts, rabbitmq.WithDialer(rc.dialer))
	}
	manager := rabbitmq.NewConnectionManager(cfg.Endpoint(), cfg.Topology(), connOpts...)
	if _, err := manager.Connect(ctx); err != nil {
		manager.Close()
		return nil, fmt.Errorf("connecting to RabbitMQ: %w", err)
	}

	r := &Relay{
		logger:   logger,
		mask:     contracts.NewMask(cfg.Mask()),
		grouping: &atomic.Bool{},
		stats:    &messaging.Stats{},
		queue:    queue.New(),
		manager:  manager,
		registry: health.NewRegistry(),
	}
	r.grouping.Store(cfg.Grouping)

	publisher := rabbitmq.NewPublisher(manager,
		rabbitmq.WithPublisherLogger(logger),
		rabbitmq.WithPublisherClock(rc.clock),
		rabbitmq.WithContentEncoding(compression.ContentEncoding()),
		rabbitmq.WithAppID(Package))
	serializer := serialization.NewSerializer(
		serialization.WithFormat(format),
		serialization.WithCompression(compression))
	r.consumer = messaging.NewConsumer(r.queue, serializer, publisher,
		messaging.WithConsumerLogger(logger),
		messaging.WithGrouping(r.grouping),
		messaging.WithStats(r.stats))
	go r.consumer.Run(context.Background())

	if interval := cfg.HeartbeatInterval(); interval > 0 {
		r.monitor = rabbitmq.NewHeartbeatMonitor(manager, interval,
			rabbitmq.WithHeartbeatLogger(logger),
			rabbitmq.WithHeartbeatClock(rc.clock),
			rabbitmq.WithBackoff(rc.backoff))
		pulseCtx, cancel := context.WithCancel(context.Background())
		r.stopPulse = cancel
		r.pulseDone = make(chan struct{})
		go func() {
			defer close(r.pulseDone)
			r.monitor.Run(pulseCtx)
		}()
	}

	r.registerChecks(rc.backlogThreshold)

	logger.Info("RabbitMQ event handler enabled",
		"endpoint", cfg.Endpoint().String(),
		"routeKey", cfg.RouteKey,
		"exchange", cfg.Exchange,
		"exchangeType", cfg.Topology().ExchangeType,
		"json", format.String(),
		"grouping", cfg.Grouping,
		"heartbeat", cfg.HeartbeatInterval())
	return r, nil
}

func (r *Relay) registerChecks(backlogThreshold int) {
	r.registry.SetMetadata("name", Name)
	r.registry.SetMetadata("version", VersionString)
	r.registry.Register(health.NewConnectionChecker(r.manager))
	r.registry.Register(health.NewBacklogChecker(r.queue.Len, backlogThreshold))
	r.registry.Register(health.NewComponentChecker("consumer",
		func(ctx context.Context) (health.Status, string, map[string]interface{}, error) {
			state := r.consumer.State()
			details := map[string]interface{}{"state": state.String()}
			if state == messaging.StateRunning {
				return health.StatusHealthy, "consumer is running", details, nil
			}
			return health.StatusUnhealthy, "consumer is " + state.String(), details, nil
		}))
}

// Incoming hands an event to the relay. It never blocks and never does
// I/O; events outside the event mask, or arriving after shutdown began,
// are ignored.
func (r *Relay) Incoming(evt *contracts.Event) {
	if evt == nil || r.closing.Load() {
		return
	}
	r.stats.RecordReceived()
	if !r.mask.Accepts(evt) {
		r.stats.RecordFiltered()
		return
	}
	r.queue.Push(evt)
}

// Grouping reports whether events are currently grouped
func (r *Relay) Grouping() bool {
	return r.grouping.Load()
}

// Mask returns the current event filter
func (r *Relay) Mask() contracts.EventType {
	return r.mask.Load()
}

// Stats returns the relay counters
func (r *Relay) Stats() messaging.StatsSnapshot {
	return r.stats.Snapshot()
}

// Health runs the registered health checks
func (r *Relay) Health(ctx context.Context) health.OverallHealth {
	return r.registry.Check(ctx)
}

// HealthRegistry exposes the checks, e.g. for an HTTP handler
func (r *Relay) HealthRegistry() *health.Registry {
	return r.registry
}

// Drain stops accepting events and waits until everything queued so far
// has been published or dropped. Close is still required afterwards.
func (r *Relay) Drain(ctx context.Context) error {
	r.closing.Store(true)
	r.drainOnce.Do(r.queue.PushShutdown)

	select {
	case <-r.consumer.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the relay: events still queued are released unsent, the
// consumer and heartbeat goroutines are joined and the connection is
// closed. An in-flight publish or reconnect is allowed to finish.
func (r *Relay) Close() error {
	r.closeOnce.Do(func() {
		r.closing.Store(true)
		r.consumer.Stop()
		r.queue.PushShutdown()
		<-r.consumer.Done()

		if r.stopPulse != nil {
			r.stopPulse()
			<-r.pulseDone
		}

		r.closeErr = r.manager.Close()
		r.logger.Info("relay destroyed", "name", Name, "stats", r.stats.Snapshot())
	})
	return r.closeErr
}
