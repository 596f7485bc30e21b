package messaging

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/glimte/rabbitevh/contracts"
	"github.com/glimte/rabbitevh/internal/queue"
)

// ConsumerState is the lifecycle of the batching consumer
type ConsumerState int32

const (
	StateRunning ConsumerState = iota
	StateDraining
	StateStopped
)

func (s ConsumerState) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Consumer is the single goroutine that takes events off the queue,
// groups them into batches and hands each batch to the publisher.
type Consumer struct {
	queue     *queue.Queue
	encoder   Encoder
	publisher Publisher
	grouping  *atomic.Bool
	stats     *Stats
	nowMicros func() int64
	logger    *slog.Logger

	state atomic.Int32
	done  chan struct{}
}

// ConsumerOption configures the Consumer
type ConsumerOption func(*Consumer)

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// WithGrouping shares a grouping flag with the consumer. The flag is read
// once per batch, so changes apply from the next batch on.
func WithGrouping(grouping *atomic.Bool) ConsumerOption {
	return func(c *Consumer) {
		c.grouping = grouping
	}
}

// WithStats sets the counters updated by the consumer
func WithStats(stats *Stats) ConsumerOption {
	return func(c *Consumer) {
		c.stats = stats
	}
}

// WithMonotonicClock sets the microsecond clock that event timestamps are
// compared against
func WithMonotonicClock(nowMicros func() int64) ConsumerOption {
	return func(c *Consumer) {
		c.nowMicros = nowMicros
	}
}

// NewConsumer creates a consumer. Grouping is on unless WithGrouping says
// otherwise.
func NewConsumer(q *queue.Queue, encoder Encoder, publisher Publisher, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		queue:     q,
		encoder:   encoder,
		publisher: publisher,
		stats:     &Stats{},
		nowMicros: contracts.MonotonicMicros,
		logger:    slog.Default(),
		done:      make(chan struct{}),
	}

	for _, opt := range options {
		opt(c)
	}

	if c.grouping == nil {
		c.grouping = &atomic.Bool{}
		c.grouping.Store(true)
	}

	return c
}

// Run consumes the queue until the shutdown item is seen or ctx is done.
// In-flight publishes use ctx, so cancel it only to abandon them.
func (c *Consumer) Run(ctx context.Context) {
	defer close(c.done)
	defer c.state.Store(int32(StateStopped))

	c.logger.Debug("joining RabbitMQ event handler consumer")
	defer c.logger.Debug("leaving RabbitMQ event handler consumer")

	for {
		item, err := c.queue.Pop(ctx)
		if err != nil || item.IsShutdown() {
			return
		}

		batch, shutdown := c.collect(item.Event)
		c.deliver(ctx, batch)
		batch.Clear()

		if shutdown {
			return
		}
	}
}

// collect builds a batch starting with first. It reports whether the
// shutdown item was taken off the queue while draining.
func (c *Consumer) collect(first *contracts.Event) (*Batch, bool) {
	batch := NewBatch(c.grouping.Load())
	batch.Add(first)

	for !batch.Full() {
		item, ok := c.queue.TryPop()
		if !ok {
			break
		}
		if item.IsShutdown() {
			return batch, true
		}
		batch.Add(item.Event)
	}
	return batch, false
}

func (c *Consumer) deliver(ctx context.Context, batch *Batch) {
	c.logLatency(ctx, batch)

	if c.Stopping() {
		c.logger.Debug("discarding events while stopping", "events", batch.Size())
		c.stats.RecordDropped(batch.Size())
		return
	}

	body, err := c.encoder.Marshal(batch.Events, batch.Grouped)
	if err != nil {
		c.logger.Warn("failed to stringify event, event lost",
			"events", batch.Size(),
			"error", err)
		c.stats.RecordDropped(batch.Size())
		return
	}

	if err := c.publisher.Publish(ctx, body); err != nil {
		c.logger.Debug("batch dropped",
			"events", batch.Size(),
			"error", err)
		c.stats.RecordDropped(batch.Size())
		return
	}
	c.stats.RecordPublished(batch.Size())
}

func (c *Consumer) logLatency(ctx context.Context, batch *Batch) {
	if !c.logger.Enabled(ctx, slog.LevelDebug) {
		return
	}
	now := c.nowMicros()
	for _, evt := range batch.Events {
		if ts, ok := evt.Timestamp(); ok {
			c.logger.Debug("event latency", "latencyUs", now-ts)
		}
	}
}

// Stop sets the stop flag. Events popped afterwards are released unsent.
// The caller still has to push the shutdown item to wake the consumer.
func (c *Consumer) Stop() {
	c.state.CompareAndSwap(int32(StateRunning), int32(StateDraining))
}

// Stopping reports whether the stop flag is set
func (c *Consumer) Stopping() bool {
	return c.State() != StateRunning
}

// State returns the current lifecycle state
func (c *Consumer) State() ConsumerState {
	return ConsumerState(c.state.Load())
}

// Done is closed once Run has returned
func (c *Consumer) Done() <-chan struct{} {
	return c.done
}

// Stats returns the consumer's counters
func (c *Consumer) Stats() *Stats {
	return c.stats
}
