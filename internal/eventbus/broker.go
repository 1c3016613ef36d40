// Package eventbus carries domain events between the gateway and its consumers: a
// raw channel broker contract, an in-process broker, and a typed facade that
// builds and validates envelopes.
package eventbus

import "context"

// Handler receives one raw message. channel is the channel the transport says the
// message was published on.
type Handler func(ctx context.Context, channel string, payload []byte)

// Broker is a generic channel-based publish/subscribe transport.
type Broker interface {
	// Publish sends payload on channel and returns how many subscribers (or
	// brokers) accepted it.
	Publish(ctx context.Context, channel string, payload []byte) (int, error)
	// Subscribe registers handler for channel and returns an idempotent unsubscribe.
	Subscribe(ctx context.Context, channel string, handler Handler) (func(), error)
	Close() error
}
