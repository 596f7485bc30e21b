package rabbitmq

import (
	"context"
	"log/slog"

	"github.com/glimte/rabbitevh/internal/clock"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher sends serialized batches over the manager's current handle.
// It never retries and never reconnects: a failed publish is a lost batch.
type Publisher struct {
	manager         *ConnectionManager
	contentEncoding string
	appID           string
	clock           clock.Clock
	logger          *slog.Logger
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// WithContentEncoding sets the content-encoding header, e.g. gzip
func WithContentEncoding(encoding string) PublisherOption {
	return func(p *Publisher) {
		p.contentEncoding = encoding
	}
}

// WithAppID sets the app-id property of every message
func WithAppID(appID string) PublisherOption {
	return func(p *Publisher) {
		p.appID = appID
	}
}

// WithPublisherClock sets the clock used for message timestamps
func WithPublisherClock(c clock.Clock) PublisherOption {
	return func(p *Publisher) {
		p.clock = c
	}
}

// NewPublisher creates a new publisher
func NewPublisher(manager *ConnectionManager, options ...PublisherOption) *Publisher {
	p := &Publisher{
		manager: manager,
		clock:   clock.Real(),
		logger:  slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Publish sends body as one application/json message
func (p *Publisher) Publish(ctx context.Context, body []byte) error {
	msg := amqp.Publishing{
		ContentType:     ContentTypeJSON,
		ContentEncoding: p.contentEncoding,
		MessageId:       uuid.New().String(),
		Timestamp:       p.clock.Now(),
		AppId:           p.appID,
		Body:            body,
	}

	var exchange, routingKey string
	err := p.manager.Execute(func(h *Handle) error {
		exchange, routingKey = h.Exchange(), h.RoutingKey()
		return h.channel.Publish(ctx, exchange, routingKey, msg)
	})
	if err != nil {
		perr := &PublishError{
			Exchange:   exchange,
			RoutingKey: routingKey,
			Size:       len(body),
			Err:        err,
			Timestamp:  p.clock.Now(),
		}
		p.logger.Error("error publishing",
			"messageId", msg.MessageId,
			"error", perr)
		return perr
	}

	p.logger.Debug("published",
		"messageId", msg.MessageId,
		"exchange", exchange,
		"routingKey", routingKey,
		"bytes", len(body))
	return nil
}
