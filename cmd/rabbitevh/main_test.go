package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/rabbitevh"
	"github.com/glimte/rabbitevh/config"
	"github.com/glimte/rabbitevh/internal/rabbitmq"
)

type memoryBroker struct {
	mu     sync.Mutex
	bodies []string
}

func (b *memoryBroker) Dial(ctx context.Context, endpoint rabbitmq.Endpoint) (rabbitmq.Connection, error) {
	return b, nil
}

func (b *memoryBroker) Channel() (rabbitmq.Channel, error)     { return b, nil }
func (b *memoryBroker) Poll() error                             { return nil }
func (b *memoryBroker) Close() error                            { return nil }
func (b *memoryBroker) ExchangeDeclare(name, kind string) error { return nil }
func (b *memoryBroker) QueueDeclare(name string) error          { return nil }
func (b *memoryBroker) IsClosed() bool                          { return false }

func (b *memoryBroker) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bodies = append(b.bodies, string(msg.Body))
	return nil
}

func TestRelayLines(t *testing.T) {
	cfg := config.Default()
	cfg.Enabled = true
	cfg.RouteKey = "events"
	cfg.JSON = "compact"
	cfg.Grouping = false

	broker := &memoryBroker{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	relay, err := rabbitevh.New(context.Background(), cfg,
		rabbitevh.WithDialer(broker),
		rabbitevh.WithLogger(logger))
	require.NoError(t, err)
	defer relay.Close()

	input := strings.Join([]string{
		`{"type":1,"timestamp":10,"session_id":1}`,
		``,
		`not json`,
		`{"request":"tweak","events":"handles"}`,
		`{"type":1,"timestamp":11,"session_id":2}`,
		`{"type":2,"session_id":3}`,
	}, "\n")

	var out bytes.Buffer
	require.NoError(t, relayLines(strings.NewReader(input), &out, relay, logger))
	require.NoError(t, relay.Drain(context.Background()))

	assert.JSONEq(t, `{"result":200}`, out.String())

	broker.mu.Lock()
	defer broker.mu.Unlock()
	require.Len(t, broker.bodies, 2)
	assert.Equal(t, `{"type":1,"timestamp":10,"session_id":1}`, broker.bodies[0])
	assert.Contains(t, broker.bodies[1], `"session_id":3,"timestamp":`)

	stats := relay.Stats()
	assert.Equal(t, int64(3), stats.Received)
	assert.Equal(t, int64(1), stats.Filtered)
}

func TestCheckConfigCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte("general:\n  enabled: true\n  route_key: janus-events\n  heartbeat: 30\n"), 0o600))

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"check-config", "--config", path})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "route key: janus-events")
	assert.Contains(t, out.String(), "heartbeat: 30s")
	assert.Contains(t, out.String(), "amqp://guest@localhost:5672 vhost=/")
}

func TestCheckConfigCommand_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte("general:\n  enabled: true\n"), 0o600))

	cmd := newRootCmd()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"check-config", "-c", path})

	assert.ErrorIs(t, cmd.Execute(), config.ErrMissingRouteKey)
}
