package messaging

import (
	"context"

	"github.com/glimte/rabbitevh/contracts"
)

// Publisher sends one serialized batch to the broker
type Publisher interface {
	// Publish sends body as a single message. A failed publish is final.
	Publish(ctx context.Context, body []byte) error
}

// Encoder turns a batch into a message body
type Encoder interface {
	// Marshal produces a JSON object when grouped is false and a JSON
	// array otherwise
	Marshal(events []*contracts.Event, grouped bool) ([]byte, error)
}

// PublisherFunc adapts a function to the Publisher interface
type PublisherFunc func(ctx context.Context, body []byte) error

// Publish calls f(ctx, body)
func (f PublisherFunc) Publish(ctx context.Context, body []byte) error {
	return f(ctx, body)
}
