package rabbitmq

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Connection errors
	ErrNotConnected     = errors.New("rabbitmq: not connected")
	ErrConnectionClosed = errors.New("rabbitmq: connection is closed")
	ErrManagerClosed    = errors.New("rabbitmq: connection manager is closed")

	// Channel errors
	ErrChannelClosed = errors.New("rabbitmq: channel is closed")

	// ErrTransient marks a poll result that is not a failure: a timeout or
	// a recoverable hiccup in the encryption layer
	ErrTransient = errors.New("rabbitmq: transient transport condition")

	// General errors
	ErrInvalidConfiguration = errors.New("rabbitmq: invalid configuration")
)

// ConnectionError represents a failure to open or authenticate a connection
type ConnectionError struct {
	Op        string    // Operation that failed
	Endpoint  string    // Broker address without credentials
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
	Attempts  int       // Number of attempts made
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("rabbitmq connection error: %s %s failed after %d attempts: %v", e.Op, e.Endpoint, e.Attempts, e.Err)
	}
	return fmt.Sprintf("rabbitmq connection error: %s %s failed: %v", e.Op, e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ChannelError represents a channel-related error
type ChannelError struct {
	Op        string    // Operation that failed
	HandleID  string    // Handle the channel belongs to
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("rabbitmq channel error: %s on handle %s: %v", e.Op, e.HandleID, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// PublishError represents a publish operation error
type PublishError struct {
	Exchange   string    // Target exchange
	RoutingKey string    // Routing key used
	Size       int       // Body size in bytes
	Err        error     // Underlying error
	Timestamp  time.Time // When the error occurred
}

func (e *PublishError) Error() string {
	exchange := e.Exchange
	if exchange == "" {
		exchange = "(default)"
	}
	return fmt.Sprintf("rabbitmq publish error: failed to publish %d bytes to %s/%s: %v",
		e.Size, exchange, e.RoutingKey, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// TopologyError represents a failed exchange or queue declaration
type TopologyError struct {
	Component string    // exchange or queue
	Name      string    // Component name
	Op        string    // Operation that failed
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *TopologyError) Error() string {
	return fmt.Sprintf("rabbitmq topology error: failed to %s %s '%s': %v",
		e.Op, e.Component, e.Name, e.Err)
}

func (e *TopologyError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether a poll error should simply be retried on
// the next heartbeat cycle
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsHard reports whether a poll error means the connection is dead
func IsHard(err error) bool {
	return err != nil && !IsTransient(err)
}
