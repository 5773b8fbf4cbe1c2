// ABOUTME: Transport abstraction over the external publish/subscribe broker.
// ABOUTME: Implementations must give competing-consumer delivery on each named queue.

package broker

import (
	"context"
	"errors"
)

// ErrUnavailable marks broker setup or publish failures.
var ErrUnavailable = errors.New("broker unavailable")

// Delivery is one message handed to exactly one consumer of a queue.
type Delivery struct {
	Body        []byte
	Redelivered bool
	ack         func() error
}

// Ack settles the delivery so the broker does not redeliver it.
func (d Delivery) Ack() error {
	if d.ack == nil {
		return nil
	}
	return d.ack()
}

// Transport is the external broker. Declare sets up a direct exchange with one
// queue per name, bound with the queue name as routing key.
type Transport interface {
	Declare(ctx context.Context, exchange string, queues []string) error
	Publish(ctx context.Context, exchange, queue string, body []byte) error
	// Consume returns deliveries until ctx is cancelled or the transport closes.
	Consume(ctx context.Context, queue string) (<-chan Delivery, error)
	Close() error
}

// Connectivity is implemented by transports whose broker connection can drop
// after startup. The bridge reports not ready while it is down.
type Connectivity interface {
	Connected() bool
}
