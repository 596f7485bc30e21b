package rabbitmq

import (
	"context"
	"errors"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

type published struct {
	Exchange   string
	RoutingKey string
	Msg        amqp.Publishing
}

type fakeChannel struct {
	mu          sync.Mutex
	exchanges   map[string]string
	queues      []string
	published   []published
	exchangeErr error
	queueErr    error
	publishErrs []error
	closed      bool
	closeCalls  int
}

func (c *fakeChannel) ExchangeDeclare(name, kind string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.exchangeErr != nil {
		return c.exchangeErr
	}
	if c.exchanges == nil {
		c.exchanges = make(map[string]string)
	}
	c.exchanges[name] = kind
	return nil
}

func (c *fakeChannel) QueueDeclare(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.queueErr != nil {
		return c.queueErr
	}
	c.queues = append(c.queues, name)
	return nil
}

func (c *fakeChannel) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.publishErrs) > 0 {
		err := c.publishErrs[0]
		c.publishErrs = c.publishErrs[1:]
		if err != nil {
			return err
		}
	}
	c.published = append(c.published, published{Exchange: exchange, RoutingKey: routingKey, Msg: msg})
	return nil
}

func (c *fakeChannel) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.closeCalls++
	return nil
}

func (c *fakeChannel) Published() []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]published, len(c.published))
	copy(out, c.published)
	return out
}

type fakeConnection struct {
	mu         sync.Mutex
	channel    *fakeChannel
	channelErr error
	pollErrs   []error
	polls      int
	closed     bool
}

func (c *fakeConnection) Channel() (Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channelErr != nil {
		return nil, c.channelErr
	}
	return c.channel, nil
}

// Poll returns queued errors first, then nil
func (c *fakeConnection) Poll() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.polls++
	if len(c.pollErrs) > 0 {
		err := c.pollErrs[0]
		c.pollErrs = c.pollErrs[1:]
		return err
	}
	return nil
}

func (c *fakeConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConnection) Polls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.polls
}

func (c *fakeConnection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fakeDialer hands out scripted results in order. A nil connection entry
// with a nil error produces a fresh healthy connection.
type fakeDialer struct {
	mu      sync.Mutex
	results []dialResult
	dials   int
	made    []*fakeConnection
}

type dialResult struct {
	conn *fakeConnection
	err  error
}

var errDialRefused = errors.New("connection refused")

func newFakeDialer(results ...dialResult) *fakeDialer {
	return &fakeDialer{results: results}
}

func (d *fakeDialer) Dial(ctx context.Context, endpoint Endpoint) (Connection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++

	var r dialResult
	if len(d.results) > 0 {
		r = d.results[0]
		d.results = d.results[1:]
	}
	if r.err != nil {
		return nil, r.err
	}
	conn := r.conn
	if conn == nil {
		conn = &fakeConnection{}
	}
	if conn.channel == nil {
		conn.channel = &fakeChannel{}
	}
	d.made = append(d.made, conn)
	return conn, nil
}

func (d *fakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) Made() []*fakeConnection {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*fakeConnection, len(d.made))
	copy(out, d.made)
	return out
}
