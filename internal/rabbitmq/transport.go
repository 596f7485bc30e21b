package rabbitmq

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultPort is the standard AMQP port
const DefaultPort = 5672

// DefaultExchangeType is used when an exchange is configured without a kind
const DefaultExchangeType = "fanout"

// ContentTypeJSON is set on every published message
const ContentTypeJSON = "application/json"

// Endpoint describes where and how to connect
type Endpoint struct {
	Host      string
	Port      int
	VHost     string
	Username  string
	Password  string
	Heartbeat time.Duration
	TLS       *TLSOptions // nil for plain TCP
}

// Address returns host:port
func (e Endpoint) Address() string {
	port := e.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(e.Host, strconv.Itoa(port))
}

// String describes the endpoint without credentials, for logs and errors
func (e Endpoint) String() string {
	scheme := "amqp"
	if e.TLS != nil {
		scheme = "amqps"
	}
	vhost := e.VHost
	if vhost == "" {
		vhost = "/"
	}
	return fmt.Sprintf("%s://%s@%s vhost=%s", scheme, e.Username, e.Address(), vhost)
}

// Dialer opens authenticated broker connections
type Dialer interface {
	Dial(ctx context.Context, endpoint Endpoint) (Connection, error)
}

// Connection is one authenticated broker connection
type Connection interface {
	// Channel opens a logical channel
	Channel() (Channel, error)
	// Poll checks for a dead connection without waiting. nil means
	// healthy; errors wrapping ErrTransient are not failures.
	Poll() error
	Close() error
}

// Channel is a logical channel on a Connection
type Channel interface {
	ExchangeDeclare(name, kind string) error
	QueueDeclare(name string) error
	Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error
	IsClosed() bool
	Close() error
}
