package rabbitevh

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/rabbitevh/config"
	"github.com/glimte/rabbitevh/contracts"
	"github.com/glimte/rabbitevh/health"
	"github.com/glimte/rabbitevh/internal/clock"
	"github.com/glimte/rabbitevh/internal/rabbitmq"
	"github.com/glimte/rabbitevh/internal/reliability"
)

// fakeBroker implements the transport interfaces in memory
type fakeBroker struct {
	mu        sync.Mutex
	dialErr   error
	dials     int
	messages  []amqp.Publishing
	exchanges []string
	queues    []string
	dead      bool
	blockPub  chan struct{}
}

func (b *fakeBroker) Dial(ctx context.Context, endpoint rabbitmq.Endpoint) (rabbitmq.Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dials++
	if b.dialErr != nil {
		return nil, b.dialErr
	}
	b.dead = false
	return &fakeConn{broker: b}, nil
}

func (b *fakeBroker) Messages() []amqp.Publishing {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]amqp.Publishing, len(b.messages))
	copy(out, b.messages)
	return out
}

func (b *fakeBroker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

func (b *fakeBroker) kill() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dead = true
}

type fakeConn struct {
	broker *fakeBroker
	closed bool
}

func (c *fakeConn) Channel() (rabbitmq.Channel, error) {
	return &fakeChan{broker: c.broker}, nil
}

func (c *fakeConn) Poll() error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if c.broker.dead {
		return rabbitmq.ErrConnectionClosed
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

type fakeChan struct {
	broker *fakeBroker
}

func (c *fakeChan) ExchangeDeclare(name, kind string) error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	c.broker.exchanges = append(c.broker.exchanges, name+":"+kind)
	return nil
}

func (c *fakeChan) QueueDeclare(name string) error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	c.broker.queues = append(c.broker.queues, name)
	return nil
}

func (c *fakeChan) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	if c.broker.blockPub != nil {
		<-c.broker.blockPub
	}
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if c.broker.dead {
		return rabbitmq.ErrConnectionClosed
	}
	c.broker.messages = append(c.broker.messages, msg)
	return nil
}

func (c *fakeChan) IsClosed() bool {
	return false
}

func (c *fakeChan) Close() error {
	return nil
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Enabled = true
	cfg.RouteKey = "janus-events"
	cfg.Exchange = "janus-exchange"
	cfg.JSON = "compact"
	return cfg
}

func newTestRelay(t *testing.T, cfg *config.Config, broker *fakeBroker, opts ...Option) *Relay {
	t.Helper()
	relay, err := New(context.Background(), cfg, append([]Option{WithDialer(broker)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { relay.Close() })
	return relay
}

func sessionEvent(n int) *contracts.Event {
	return contracts.NewEvent(contracts.TypeSession, int64(n), contracts.Field{Key: "session_id", Value: n})
}

func TestNew(t *testing.T) {
	t.Run("connects and declares topology", func(t *testing.T) {
		broker := &fakeBroker{}
		relay := newTestRelay(t, testConfig(), broker)

		assert.Equal(t, 1, broker.Dials())
		assert.Equal(t, []string{"janus-exchange:fanout"}, broker.exchanges)
		assert.Equal(t, []string{"janus-events"}, broker.queues)
		assert.True(t, relay.Grouping())
		assert.Equal(t, contracts.TypeAll, relay.Mask())
	})

	t.Run("disabled config", func(t *testing.T) {
		cfg := testConfig()
		cfg.Enabled = false
		_, err := New(context.Background(), cfg, WithDialer(&fakeBroker{}))
		assert.ErrorIs(t, err, ErrDisabled)
	})

	t.Run("invalid config", func(t *testing.T) {
		cfg := testConfig()
		cfg.RouteKey = ""
		_, err := New(context.Background(), cfg, WithDialer(&fakeBroker{}))
		assert.ErrorIs(t, err, config.ErrMissingRouteKey)

		_, err = New(context.Background(), nil)
		assert.ErrorIs(t, err, rabbitmq.ErrInvalidConfiguration)
	})

	t.Run("first connect failure is fatal", func(t *testing.T) {
		refused := errors.New("connection refused")
		broker := &fakeBroker{dialErr: refused}
		_, err := New(context.Background(), testConfig(), WithDialer(broker))
		assert.ErrorIs(t, err, refused)
		assert.Equal(t, 1, broker.Dials())
	})
}

func TestRelay_PublishesGroupedEvents(t *testing.T) {
	broker := &fakeBroker{}
	relay := newTestRelay(t, testConfig(), broker)

	for i := 1; i <= 5; i++ {
		relay.Incoming(sessionEvent(i))
	}
	require.NoError(t, relay.Drain(context.Background()))

	var seen []float64
	for _, msg := range broker.Messages() {
		assert.Equal(t, "application/json", msg.ContentType)
		assert.Equal(t, Package, msg.AppId)
		var batch []map[string]interface{}
		require.NoError(t, json.Unmarshal(msg.Body, &batch))
		for _, evt := range batch {
			seen = append(seen, evt["session_id"].(float64))
		}
	}
	assert.Equal(t, []float64{1, 2, 3, 4, 5}, seen)

	stats := relay.Stats()
	assert.Equal(t, int64(5), stats.Received)
	assert.Equal(t, int64(5), stats.Published)
}

func TestRelay_UngroupedCompressed(t *testing.T) {
	cfg := testConfig()
	cfg.Grouping = false
	cfg.Compression = "gzip"
	broker := &fakeBroker{}
	relay := newTestRelay(t, cfg, broker)

	relay.Incoming(sessionEvent(1))
	relay.Incoming(sessionEvent(2))
	require.NoError(t, relay.Drain(context.Background()))

	msgs := broker.Messages()
	require.Len(t, msgs, 2)
	for _, msg := range msgs {
		assert.Equal(t, "gzip", msg.ContentEncoding)
	}
}

func TestRelay_EventMask(t *testing.T) {
	cfg := testConfig()
	cfg.Events = "handles"
	broker := &fakeBroker{}
	relay := newTestRelay(t, cfg, broker)

	relay.Incoming(sessionEvent(1))
	relay.Incoming(contracts.NewEvent(contracts.TypeHandle, 2))

	untyped := &contracts.Event{}
	untyped.Set("timestamp", int64(3))
	relay.Incoming(untyped)
	relay.Incoming(nil)

	require.NoError(t, relay.Drain(context.Background()))

	stats := relay.Stats()
	assert.Equal(t, int64(3), stats.Received)
	assert.Equal(t, int64(1), stats.Filtered)
	assert.Equal(t, int64(2), stats.Published)
}

func TestRelay_CloseDiscardsQueuedEvents(t *testing.T) {
	broker := &fakeBroker{blockPub: make(chan struct{})}
	cfg := testConfig()
	cfg.Grouping = false
	relay, err := New(context.Background(), cfg, WithDialer(broker))
	require.NoError(t, err)

	// the first publish blocks, everything behind it stays queued
	relay.Incoming(sessionEvent(1))
	relay.Incoming(sessionEvent(2))
	relay.Incoming(sessionEvent(3))
	require.Eventually(t, func() bool { return relay.queue.Len() == 2 }, time.Second, time.Millisecond)

	closed := make(chan error)
	go func() { closed <- relay.Close() }()
	require.Eventually(t, relay.consumer.Stopping, time.Second, time.Millisecond)
	close(broker.blockPub)

	require.NoError(t, <-closed)
	assert.Len(t, broker.Messages(), 1, "the in-flight publish completes")
	assert.Equal(t, int64(2), relay.Stats().Dropped)

	// events after close are ignored
	relay.Incoming(sessionEvent(4))
	assert.Equal(t, int64(3), relay.Stats().Received)
	_, err = relay.HandleRequest([]byte(`{"request":"tweak"}`))
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, relay.Close())
}

func TestRelay_HeartbeatReconnects(t *testing.T) {
	cfg := testConfig()
	cfg.Heartbeat = 10
	broker := &fakeBroker{}
	fake := clock.Fake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	relay := newTestRelay(t, cfg, broker,
		WithClock(fake),
		WithBackoff(reliability.NewFixedDelay(reliability.DefaultReconnectDelay)))

	first, err := relay.manager.Handle()
	require.NoError(t, err)

	fake.WaitForTimers(1)
	broker.kill()
	fake.Advance(5 * time.Second)
	fake.WaitForTimers(1)

	second, err := relay.manager.Handle()
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, 2, broker.Dials())

	relay.Incoming(sessionEvent(1))
	require.NoError(t, relay.Drain(context.Background()))
	assert.Len(t, broker.Messages(), 1)
}

func TestRelay_Health(t *testing.T) {
	broker := &fakeBroker{}
	relay := newTestRelay(t, testConfig(), broker)

	report := relay.Health(context.Background())
	assert.Equal(t, health.StatusHealthy, report.Status)
	assert.Contains(t, report.Checks, "rabbitmq")
	assert.Contains(t, report.Checks, "backlog")
	assert.Contains(t, report.Checks, "consumer")
	assert.Equal(t, VersionString, report.Metadata["version"])

	require.NoError(t, relay.Close())
	report = relay.Health(context.Background())
	assert.Equal(t, health.StatusUnhealthy, report.Status)
}
