// ABOUTME: In-process broker transport for single-instance deployments and tests.
// ABOUTME: Every consumer of a queue reads one shared channel, so each message reaches one consumer.

package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrUnknownQueue is returned when publishing to a queue that was never declared.
var ErrUnknownQueue = errors.New("unknown queue")

const defaultMemoryBuffer = 1024

// MemoryTransport is an in-memory Transport. Publish blocks while a queue's
// buffer is full, until the context ends or the transport closes.
type MemoryTransport struct {
	mu       sync.RWMutex
	queues   map[string]chan []byte
	bindings map[string]map[string]bool // exchange -> queues
	buffer   int

	done      chan struct{}
	closeOnce sync.Once
}

// NewMemoryTransport creates a transport whose queues buffer up to buffer messages.
func NewMemoryTransport(buffer int) *MemoryTransport {
	if buffer <= 0 {
		buffer = defaultMemoryBuffer
	}
	return &MemoryTransport{
		queues:   make(map[string]chan []byte),
		bindings: make(map[string]map[string]bool),
		buffer:   buffer,
		done:     make(chan struct{}),
	}
}

// Declare creates missing queues and binds them to exchange.
func (m *MemoryTransport) Declare(_ context.Context, exchange string, queues []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	select {
	case <-m.done:
		return fmt.Errorf("%w: transport closed", ErrUnavailable)
	default:
	}

	bound, ok := m.bindings[exchange]
	if !ok {
		bound = make(map[string]bool)
		m.bindings[exchange] = bound
	}
	for _, q := range queues {
		if _, exists := m.queues[q]; !exists {
			m.queues[q] = make(chan []byte, m.buffer)
		}
		bound[q] = true
	}
	return nil
}

func (m *MemoryTransport) queue(exchange, name string) (chan []byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if exchange != "" && !m.bindings[exchange][name] {
		return nil, fmt.Errorf("%w: %s not bound to %s", ErrUnknownQueue, name, exchange)
	}
	q, ok := m.queues[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQueue, name)
	}
	return q, nil
}

// Publish enqueues a copy of body.
func (m *MemoryTransport) Publish(ctx context.Context, exchange, queue string, body []byte) error {
	q, err := m.queue(exchange, queue)
	if err != nil {
		return err
	}
	msg := append([]byte(nil), body...)
	select {
	case q <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return fmt.Errorf("%w: transport closed", ErrUnavailable)
	}
}

// Consume starts a competing consumer on queue.
func (m *MemoryTransport) Consume(ctx context.Context, queue string) (<-chan Delivery, error) {
	select {
	case <-m.done:
		return nil, fmt.Errorf("%w: transport closed", ErrUnavailable)
	default:
	}
	q, err := m.queue("", queue)
	if err != nil {
		return nil, err
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.done:
				return
			case body := <-q:
				select {
				case out <- Delivery{Body: body}:
				case <-ctx.Done():
					m.requeue(q, body)
					return
				case <-m.done:
					return
				}
			}
		}
	}()
	return out, nil
}

// requeue hands back a message taken off the queue but never delivered.
func (m *MemoryTransport) requeue(q chan []byte, body []byte) {
	select {
	case q <- body:
	default:
	}
}

// Depth reports how many messages wait in queue.
func (m *MemoryTransport) Depth(queue string) int {
	q, err := m.queue("", queue)
	if err != nil {
		return 0
	}
	return len(q)
}

// Close stops all consumers. Queued messages are discarded.
func (m *MemoryTransport) Close() error {
	m.closeOnce.Do(func() { close(m.done) })
	return nil
}
