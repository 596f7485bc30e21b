package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	defaultConnectTimeout = 30 * time.Second
	defaultLocale         = "en_US"
)

// AMQPDialer dials real brokers with amqp091-go
type AMQPDialer struct {
	// ConnectTimeout bounds the TCP connect and, as a socket deadline, the
	// TLS and AMQP handshakes that follow. Zero means 30s.
	ConnectTimeout time.Duration
	// Properties are sent to the broker as client properties
	Properties amqp.Table
}

// dialConfig builds the amqp091 settings for endpoint. The returned stop
// function must be called once the handshake is over; it reports false
// when ctx was cancelled mid-handshake.
//
// A zero heartbeat is passed through as zero. amqp091 then takes the
// broker's proposed heartbeat, so the connection can still be dropped on
// missed heartbeats; with no HeartbeatMonitor running nothing reconnects.
// The library has no way to turn heartbeats off entirely.
func (d AMQPDialer) dialConfig(ctx context.Context, endpoint Endpoint) (amqp.Config, func() bool) {
	timeout := d.ConnectTimeout
	if timeout == 0 {
		timeout = defaultConnectTimeout
	}

	var (
		mu   sync.Mutex
		stop = func() bool { return true }
	)
	cfg := amqp.Config{
		Vhost:     endpoint.VHost,
		Heartbeat: endpoint.Heartbeat,
		Locale:    defaultLocale,
		SASL: []amqp.Authentication{
			&amqp.PlainAuth{Username: endpoint.Username, Password: endpoint.Password},
		},
		Properties: d.Properties,
		Dial: func(network, addr string) (net.Conn, error) {
			dialer := net.Dialer{Timeout: timeout}
			conn, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			// amqp091 clears the deadline once the connection is open
			if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
				conn.Close()
				return nil, err
			}
			mu.Lock()
			stop = context.AfterFunc(ctx, func() {
				_ = conn.SetDeadline(time.Unix(1, 0))
			})
			mu.Unlock()
			return conn, nil
		},
	}
	if cfg.Vhost == "" {
		cfg.Vhost = "/"
	}
	return cfg, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return stop()
	}
}

// Dial opens the socket (TLS if configured) and logs in. Cancelling ctx
// aborts the handshake.
func (d AMQPDialer) Dial(ctx context.Context, endpoint Endpoint) (Connection, error) {
	cfg, stopWatch := d.dialConfig(ctx, endpoint)

	scheme := "amqp"
	if endpoint.TLS != nil {
		tlsCfg, err := endpoint.TLS.Config(endpoint.Host)
		if err != nil {
			return nil, &ConnectionError{
				Op:        "tls setup",
				Endpoint:  endpoint.String(),
				Err:       err,
				Timestamp: time.Now(),
			}
		}
		cfg.TLSClientConfig = tlsCfg
		scheme = "amqps"
	}

	u := url.URL{Scheme: scheme, Host: endpoint.Address(), Path: "/"}
	conn, err := amqp.DialConfig(u.String(), cfg)
	if !stopWatch() && err == nil {
		// ctx fired after the handshake and already expired the socket
		conn.Close()
		err = ctx.Err()
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			err = fmt.Errorf("%w: %v", ctxErr, err)
		}
		op := "open"
		var amqpErr *amqp.Error
		if errors.Is(err, amqp.ErrCredentials) || errors.Is(err, amqp.ErrSASL) || errors.As(err, &amqpErr) {
			op = "login"
		}
		return nil, &ConnectionError{
			Op:        op,
			Endpoint:  endpoint.String(),
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	return &amqpConnection{
		conn:   conn,
		closed: conn.NotifyClose(make(chan *amqp.Error, 1)),
	}, nil
}

type amqpConnection struct {
	conn   *amqp.Connection
	closed chan *amqp.Error
}

func (c *amqpConnection) Channel() (Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, err
	}
	return &amqpChannel{ch: ch}, nil
}

func (c *amqpConnection) Poll() error {
	select {
	case amqpErr, ok := <-c.closed:
		if !ok || amqpErr == nil {
			return ErrConnectionClosed
		}
		return fmt.Errorf("%w: %d %s", ErrConnectionClosed, amqpErr.Code, amqpErr.Reason)
	default:
	}
	if c.conn.IsClosed() {
		return ErrConnectionClosed
	}
	return nil
}

func (c *amqpConnection) Close() error {
	if c.conn.IsClosed() {
		return nil
	}
	return c.conn.Close()
}

type amqpChannel struct {
	ch *amqp.Channel
}

func (c *amqpChannel) ExchangeDeclare(name, kind string) error {
	return c.ch.ExchangeDeclare(
		name,
		kind,
		false, // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	)
}

func (c *amqpChannel) QueueDeclare(name string) error {
	_, err := c.ch.QueueDeclare(
		name,
		false, // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	)
	return err
}

func (c *amqpChannel) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	return c.ch.PublishWithContext(
		ctx,
		exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		msg,
	)
}

func (c *amqpChannel) IsClosed() bool {
	return c.ch.IsClosed()
}

func (c *amqpChannel) Close() error {
	if c.ch.IsClosed() {
		return nil
	}
	return c.ch.Close()
}
