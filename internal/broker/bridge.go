// ABOUTME: Broker bridge owning the queue topology and the envelope wire format.
// ABOUTME: Publishes envelopes and runs one consumer loop per subscribed queue.

package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/support-relay/internal/dedupe"
	"github.com/2389/support-relay/internal/envelope"
)

// DefaultExchange is the direct exchange every queue is bound to.
const DefaultExchange = "exchange_chat"

// Queues names the four logical queues.
type Queues struct {
	ClientToOperator string
	OperatorToClient string
	Notify           string
	Advertising      string
}

// DefaultQueues returns the queue names used by existing deployments.
func DefaultQueues() Queues {
	return Queues{
		ClientToOperator: "from_clients",
		OperatorToClient: "from_operators",
		Notify:           "notifying_client_operator_connection",
		Advertising:      "notify_client",
	}
}

// All lists the queue names in a stable order.
func (q Queues) All() []string {
	return []string{q.ClientToOperator, q.OperatorToClient, q.Notify, q.Advertising}
}

// Handler processes one consumed envelope. Handlers own their errors.
type Handler func(ctx context.Context, env envelope.Envelope)

// Config configures a Bridge.
type Config struct {
	Transport Transport
	Exchange  string
	Queues    Queues
	// Dedupe drops envelope ids already handled. Nil disables it.
	Dedupe *dedupe.Cache
	Logger *slog.Logger
}

// Bridge connects the router to the broker.
type Bridge struct {
	transport Transport
	exchange  string
	queues    Queues
	dedupe    *dedupe.Cache
	logger    *slog.Logger

	mu       sync.Mutex
	handlers map[string]Handler
	running  map[string]bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	ready    atomic.Bool
	stopped  bool
}

// NewBridge creates a bridge. Nothing touches the broker until Start.
func NewBridge(cfg Config) *Bridge {
	if cfg.Exchange == "" {
		cfg.Exchange = DefaultExchange
	}
	if cfg.Queues == (Queues{}) {
		cfg.Queues = DefaultQueues()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Bridge{
		transport: cfg.Transport,
		exchange:  cfg.Exchange,
		queues:    cfg.Queues,
		dedupe:    cfg.Dedupe,
		logger:    cfg.Logger.With("component", "broker"),
		handlers:  make(map[string]Handler),
		running:   make(map[string]bool),
	}
}

// Queues returns the queue names this bridge uses.
func (b *Bridge) Queues() Queues {
	return b.queues
}

// Subscribe registers the handler for queue. If the bridge is already
// started the consumer loop starts immediately.
func (b *Bridge) Subscribe(queue string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[queue] = h
	if b.ctx != nil && !b.stopped && !b.running[queue] {
		b.startConsumerLocked(queue)
	}
}

// Start declares the topology and starts consumers for every subscribed queue.
// Failures wrap ErrUnavailable and are meant to abort service startup.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		return fmt.Errorf("%w: bridge stopped", ErrUnavailable)
	}
	if b.ctx != nil {
		return nil
	}
	if b.transport == nil {
		return fmt.Errorf("%w: no transport configured", ErrUnavailable)
	}
	if err := b.transport.Declare(ctx, b.exchange, b.queues.All()); err != nil {
		if errors.Is(err, ErrUnavailable) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	// Consumers outlive the startup context; Stop ends them.
	b.ctx, b.cancel = context.WithCancel(context.WithoutCancel(ctx))
	for queue := range b.handlers {
		b.startConsumerLocked(queue)
	}
	b.ready.Store(true)
	b.logger.Info("broker bridge started", "exchange", b.exchange, "queues", b.queues.All())
	return nil
}

// Ready reports whether Start succeeded, Stop has not been called and the
// transport still holds its broker connection.
func (b *Bridge) Ready() bool {
	if !b.ready.Load() {
		return false
	}
	if c, ok := b.transport.(Connectivity); ok {
		return c.Connected()
	}
	return true
}

// Publish serializes env and hands it to queue. The caller gets no delivery
// acknowledgement, only local encode or transport errors.
func (b *Bridge) Publish(ctx context.Context, queue string, env envelope.Envelope) error {
	data, err := envelope.Marshal(env)
	if err != nil {
		return err
	}
	if !b.ready.Load() {
		return fmt.Errorf("%w: bridge not started", ErrUnavailable)
	}
	if err := b.transport.Publish(ctx, b.exchange, queue, data); err != nil {
		return fmt.Errorf("publishing %s to %s: %w", env.Type, queue, err)
	}
	b.logger.Debug("envelope published", "queue", queue, "type", env.Type, "id", env.ID, "to", env.To)
	return nil
}

// Stop ends every consumer loop and closes the transport.
func (b *Bridge) Stop() error {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return nil
	}
	b.stopped = true
	b.ready.Store(false)
	if b.cancel != nil {
		b.cancel()
	}
	b.mu.Unlock()

	b.wg.Wait()
	if b.transport == nil {
		return nil
	}
	return b.transport.Close()
}

func (b *Bridge) startConsumerLocked(queue string) {
	b.running[queue] = true
	ctx := b.ctx
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.consume(ctx, queue)
	}()
}

// consume keeps a consumer attached to queue, re-subscribing with backoff if
// the transport drops it, until ctx ends.
func (b *Bridge) consume(ctx context.Context, queue string) {
	logger := b.logger.With("queue", queue)
	backoff := 500 * time.Millisecond

	for ctx.Err() == nil {
		deliveries, err := b.transport.Consume(ctx, queue)
		if err != nil {
			logger.Error("starting consumer", "error", err, "retry_in", backoff)
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, 30*time.Second)
			continue
		}
		backoff = 500 * time.Millisecond

		for d := range deliveries {
			b.dispatch(ctx, logger, queue, d)
		}
		if ctx.Err() == nil {
			logger.Warn("consumer closed by transport, re-subscribing", "retry_in", backoff)
			if !sleepCtx(ctx, backoff) {
				return
			}
		}
	}
}

func (b *Bridge) dispatch(ctx context.Context, logger *slog.Logger, queue string, d Delivery) {
	defer func() {
		if err := d.Ack(); err != nil {
			logger.Warn("ack failed", "error", err)
		}
	}()

	env, err := envelope.Unmarshal(d.Body)
	if err != nil {
		logger.Warn("dropping envelope", "reason", "malformed_envelope", "error", err, "bytes", len(d.Body))
		return
	}
	if b.dedupe != nil && b.dedupe.CheckAndMark(env.ID) {
		logger.Debug("dropping duplicate envelope", "id", env.ID, "redelivered", d.Redelivered)
		return
	}

	b.mu.Lock()
	h := b.handlers[queue]
	b.mu.Unlock()
	if h == nil {
		logger.Warn("no handler for queue", "id", env.ID)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("envelope handler panicked", "id", env.ID, "type", env.Type, "panic", r)
		}
	}()
	h(ctx, env)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
