// ABOUTME: RabbitMQ transport built on amqp091-go.
// ABOUTME: Publishes persistent JSON messages, consumes with manual acks and redials after connection loss.

package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	redialMin = 500 * time.Millisecond
	redialMax = 30 * time.Second
)

// AMQPTransport talks to a RabbitMQ server. Publishing shares one channel;
// each consumer opens its own so a slow handler does not stall publishers.
// A lost connection is redialed in the background and the declared topology
// is restored before it is used again.
type AMQPTransport struct {
	url      string
	prefetch int
	logger   *slog.Logger

	mu        sync.RWMutex
	conn      *amqp.Connection
	connected bool
	closing   bool
	exchange  string
	queues    []string

	pubMu sync.Mutex
	pub   *amqp.Channel

	done      chan struct{}
	closeOnce sync.Once
}

// DialAMQP connects to url. Failures wrap ErrUnavailable.
func DialAMQP(url string, prefetch int, logger *slog.Logger) (*AMQPTransport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if prefetch <= 0 {
		prefetch = 1
	}

	t := &AMQPTransport{
		url:      url,
		prefetch: prefetch,
		logger:   logger.With("component", "amqp"),
		done:     make(chan struct{}),
	}
	if err := t.connect(); err != nil {
		return nil, err
	}
	go t.supervise()
	return t, nil
}

// connect dials, opens the publishing channel and re-declares any topology
// declared on an earlier connection.
func (t *AMQPTransport) connect() error {
	conn, err := amqp.Dial(t.url)
	if err != nil {
		return fmt.Errorf("%w: dial: %v", ErrUnavailable, err)
	}
	pub, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("%w: open channel: %v", ErrUnavailable, err)
	}

	t.mu.RLock()
	exchange, queues := t.exchange, t.queues
	t.mu.RUnlock()
	if exchange != "" {
		if err := declare(pub, exchange, queues); err != nil {
			_ = conn.Close()
			return err
		}
	}

	t.pubMu.Lock()
	t.pub = pub
	t.pubMu.Unlock()

	t.mu.Lock()
	if t.closing {
		t.mu.Unlock()
		_ = conn.Close()
		return fmt.Errorf("%w: transport closed", ErrUnavailable)
	}
	t.conn = conn
	t.connected = true
	t.mu.Unlock()
	return nil
}

// supervise waits for the connection to drop and redials with backoff until
// Close is called.
func (t *AMQPTransport) supervise() {
	for {
		t.mu.RLock()
		conn := t.conn
		t.mu.RUnlock()

		closed := conn.NotifyClose(make(chan *amqp.Error, 1))
		select {
		case <-t.done:
			return
		case err, ok := <-closed:
			if ok && err != nil {
				t.logger.Error("broker connection lost", "code", err.Code, "reason", err.Reason)
			}
		}

		t.mu.Lock()
		t.connected = false
		stopping := t.closing
		t.mu.Unlock()
		if stopping {
			return
		}

		if !t.redial() {
			return
		}
	}
}

func (t *AMQPTransport) redial() bool {
	backoff := redialMin
	for {
		timer := time.NewTimer(backoff)
		select {
		case <-t.done:
			timer.Stop()
			return false
		case <-timer.C:
		}

		err := t.connect()
		if err == nil {
			t.logger.Info("broker connection restored")
			return true
		}
		t.logger.Warn("redialing broker", "error", err, "retry_in", backoff)
		backoff = min(backoff*2, redialMax)
	}
}

// Connected reports whether the broker connection is currently up.
func (t *AMQPTransport) Connected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

func declare(ch *amqp.Channel, exchange string, queues []string) error {
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("%w: declare exchange %s: %v", ErrUnavailable, exchange, err)
	}
	for _, q := range queues {
		if _, err := ch.QueueDeclare(q, true, false, false, false, nil); err != nil {
			return fmt.Errorf("%w: declare queue %s: %v", ErrUnavailable, q, err)
		}
		if err := ch.QueueBind(q, q, exchange, false, nil); err != nil {
			return fmt.Errorf("%w: bind queue %s: %v", ErrUnavailable, q, err)
		}
	}
	return nil
}

// Declare creates the durable direct exchange and binds each durable queue to
// it. The topology is remembered and declared again after a redial.
func (t *AMQPTransport) Declare(_ context.Context, exchange string, queues []string) error {
	t.pubMu.Lock()
	err := declare(t.pub, exchange, queues)
	t.pubMu.Unlock()
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.exchange = exchange
	t.queues = append([]string(nil), queues...)
	t.mu.Unlock()
	return nil
}

// Publish sends body to queue through exchange as a persistent message.
func (t *AMQPTransport) Publish(ctx context.Context, exchange, queue string, body []byte) error {
	t.pubMu.Lock()
	defer t.pubMu.Unlock()

	err := t.pub.PublishWithContext(ctx, exchange, queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("%w: publish to %s: %v", ErrUnavailable, queue, err)
	}
	return nil
}

// Consume opens a dedicated channel for queue. The returned channel closes
// when ctx is cancelled or the server closes the consumer.
func (t *AMQPTransport) Consume(ctx context.Context, queue string) (<-chan Delivery, error) {
	t.mu.RLock()
	conn, connected := t.conn, t.connected
	t.mu.RUnlock()
	if !connected {
		return nil, fmt.Errorf("%w: not connected", ErrUnavailable)
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("%w: open consumer channel: %v", ErrUnavailable, err)
	}
	if err := ch.Qos(t.prefetch, 0, false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("%w: qos: %v", ErrUnavailable, err)
	}
	src, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("%w: consume %s: %v", ErrUnavailable, queue, err)
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		defer ch.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-src:
				if !ok {
					return
				}
				delivery := Delivery{
					Body:        d.Body,
					Redelivered: d.Redelivered,
					ack:         func() error { return d.Ack(false) },
				}
				select {
				case out <- delivery:
				case <-ctx.Done():
					// Unacked; the broker requeues it once the channel closes.
					return
				}
			}
		}
	}()
	return out, nil
}

// Close stops redialing and shuts down the connection and every channel opened on it.
func (t *AMQPTransport) Close() error {
	t.mu.Lock()
	t.closing = true
	t.connected = false
	conn := t.conn
	t.mu.Unlock()
	t.closeOnce.Do(func() { close(t.done) })

	if conn == nil || conn.IsClosed() {
		return nil
	}
	return conn.Close()
}
