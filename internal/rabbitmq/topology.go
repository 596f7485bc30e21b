package rabbitmq

import (
	"log/slog"
	"time"
)

// Topology is what gets declared once the channel is open
type Topology struct {
	// Exchange to publish to; empty means the default exchange
	Exchange string
	// ExchangeType defaults to fanout
	ExchangeType string
	// RoutingKey of every message; also the name of the declared queue
	RoutingKey string
	// DeclareQueue declares a queue named after RoutingKey
	DeclareQueue bool
}

func (t Topology) exchangeType() string {
	if t.ExchangeType == "" {
		return DefaultExchangeType
	}
	return t.ExchangeType
}

// declare creates the exchange (if any) and the outgoing queue (if asked).
// Declarations are idempotent on the broker side.
func (t Topology) declare(ch Channel, logger *slog.Logger) error {
	if t.Exchange != "" {
		logger.Debug("declaring exchange",
			"exchange", t.Exchange,
			"type", t.exchangeType())
		if err := ch.ExchangeDeclare(t.Exchange, t.exchangeType()); err != nil {
			return &TopologyError{
				Component: "exchange",
				Name:      t.Exchange,
				Op:        "declare",
				Err:       err,
				Timestamp: time.Now(),
			}
		}
	}

	if t.DeclareQueue {
		logger.Debug("declaring outgoing queue", "queue", t.RoutingKey)
		if err := ch.QueueDeclare(t.RoutingKey); err != nil {
			return &TopologyError{
				Component: "queue",
				Name:      t.RoutingKey,
				Op:        "declare",
				Err:       err,
				Timestamp: time.Now(),
			}
		}
	}
	return nil
}
