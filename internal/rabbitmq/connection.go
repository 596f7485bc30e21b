package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/rabbitevh/internal/clock"
	"github.com/google/uuid"
)

// ConnectionState is the reconnect state machine
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected(handleID string)
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// Handle is the live connection, channel and publish target. A fresh
// Handle is built on every connect; it is never repaired in place.
type Handle struct {
	ID          string
	ConnectedAt time.Time

	conn     Connection
	channel  Channel
	topology Topology
}

// Exchange returns the exchange messages are published to
func (h *Handle) Exchange() string {
	return h.topology.Exchange
}

// RoutingKey returns the routing key of published messages
func (h *Handle) RoutingKey() string {
	return h.topology.RoutingKey
}

func (h *Handle) close() error {
	if h.channel != nil {
		h.channel.Close()
	}
	if h.conn != nil {
		return h.conn.Close()
	}
	return nil
}

// ConnectionManager owns the single broker handle. Publishing, polling
// and reconnecting all run under its mutex and never overlap.
type ConnectionManager struct {
	endpoint Endpoint
	topology Topology
	dialer   Dialer
	clock    clock.Clock
	logger   *slog.Logger

	mu       sync.Mutex
	handle   *Handle
	state    ConnectionState
	attempts int
	connects int

	stateListeners []ConnectionStateListener
	listenersMu    sync.RWMutex
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithDialer replaces the amqp091 dialer
func WithDialer(dialer Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialer = dialer
	}
}

// WithClock sets the clock used for handle timestamps
func WithClock(c clock.Clock) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.clock = c
	}
}

// NewConnectionManager creates a disconnected manager
func NewConnectionManager(endpoint Endpoint, topology Topology, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		endpoint: endpoint,
		topology: topology,
		dialer:   AMQPDialer{},
		clock:    clock.Real(),
		logger:   slog.Default(),
		state:    StateDisconnected,
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Connect runs the full handshake: open and log in, open a channel,
// declare the exchange and the outgoing queue. Any failing step aborts
// the rest. On success the new handle replaces the previous one.
func (cm *ConnectionManager) Connect(ctx context.Context) (*Handle, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.state == StateClosed {
		return nil, ErrManagerClosed
	}

	cm.attempts++
	cm.state = StateConnecting
	cm.notifyReconnecting(cm.attempts)

	handle, err := cm.handshake(ctx)
	if err != nil {
		cm.state = StateDisconnected
		if cm.handle != nil {
			cm.state = StateConnected
		}
		cm.logger.Error("can't connect to RabbitMQ server",
			"endpoint", cm.endpoint.String(),
			"attempt", cm.attempts,
			"error", err)
		return nil, err
	}

	if cm.handle != nil {
		cm.handle.close()
	}
	cm.handle = handle
	cm.state = StateConnected
	cm.attempts = 0
	cm.connects++

	cm.logger.Info("connected to RabbitMQ",
		"endpoint", cm.endpoint.String(),
		"handle", handle.ID,
		"exchange", cm.topology.Exchange,
		"routingKey", cm.topology.RoutingKey)

	cm.notifyConnected(handle.ID)
	return handle, nil
}

func (cm *ConnectionManager) handshake(ctx context.Context) (*Handle, error) {
	handle := &Handle{
		ID:       uuid.New().String(),
		topology: cm.topology,
	}

	cm.logger.Debug("connecting to RabbitMQ server", "endpoint", cm.endpoint.String())
	conn, err := cm.dialer.Dial(ctx, cm.endpoint)
	if err != nil {
		return nil, err
	}
	handle.conn = conn

	cm.logger.Debug("opening channel", "handle", handle.ID)
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, &ChannelError{
			Op:        "open",
			HandleID:  handle.ID,
			Err:       err,
			Timestamp: cm.clock.Now(),
		}
	}
	handle.channel = ch

	if err := cm.topology.declare(ch, cm.logger); err != nil {
		handle.close()
		return nil, err
	}

	handle.ConnectedAt = cm.clock.Now()
	return handle, nil
}

// Handle returns the current handle
func (cm *ConnectionManager) Handle() (*Handle, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.handle == nil {
		return nil, ErrNotConnected
	}
	return cm.handle, nil
}

// Execute runs fn with the current handle while holding the lock
func (cm *ConnectionManager) Execute(fn func(h *Handle) error) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.handle == nil {
		if cm.state == StateClosed {
			return ErrManagerClosed
		}
		return ErrNotConnected
	}
	return fn(cm.handle)
}

// Probe polls the current handle for a dead connection without waiting
func (cm *ConnectionManager) Probe() error {
	return cm.Execute(func(h *Handle) error {
		if err := h.conn.Poll(); err != nil {
			return err
		}
		if h.channel.IsClosed() {
			return ErrChannelClosed
		}
		return nil
	})
}

// Teardown destroys the current handle after a hard failure
func (cm *ConnectionManager) Teardown(cause error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.handle == nil {
		return
	}
	cm.logger.Warn("tearing down RabbitMQ connection",
		"handle", cm.handle.ID,
		"cause", cause)
	cm.handle.close()
	cm.handle = nil
	if cm.state != StateClosed {
		cm.state = StateDisconnected
	}
	cm.notifyDisconnected(cause)
}

// State returns the current connection state
func (cm *ConnectionManager) State() ConnectionState {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.state
}

// IsConnected reports whether a handle is live
func (cm *ConnectionManager) IsConnected() bool {
	return cm.State() == StateConnected
}

// Connects returns how many handshakes have succeeded
func (cm *ConnectionManager) Connects() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.connects
}

// Endpoint returns the broker endpoint
func (cm *ConnectionManager) Endpoint() Endpoint {
	return cm.endpoint
}

// Close destroys the handle; the manager cannot reconnect afterwards
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.state == StateClosed {
		return nil
	}
	cm.state = StateClosed

	if cm.handle != nil {
		err := cm.handle.close()
		cm.handle = nil
		return err
	}
	return nil
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

// RemoveStateListener removes a connection state listener
func (cm *ConnectionManager) RemoveStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()

	for i, l := range cm.stateListeners {
		if l == listener {
			cm.stateListeners = append(cm.stateListeners[:i], cm.stateListeners[i+1:]...)
			break
		}
	}
}

// notifyConnected notifies all listeners of successful connection
func (cm *ConnectionManager) notifyConnected(handleID string) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnConnected(handleID)
	}
}

// notifyDisconnected notifies all listeners of disconnection
func (cm *ConnectionManager) notifyDisconnected(err error) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnDisconnected(err)
	}
}

// notifyReconnecting notifies all listeners of a connection attempt
func (cm *ConnectionManager) notifyReconnecting(attempt int) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnReconnecting(attempt)
	}
}
