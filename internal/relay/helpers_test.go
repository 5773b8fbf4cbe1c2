// ABOUTME: Test doubles for the router: scripted connections, a recording broker and log capture.
// ABOUTME: Shared by the router, consumer and scenario tests.

package relay

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/2389/support-relay/internal/broker"
	"github.com/2389/support-relay/internal/envelope"
	"github.com/2389/support-relay/internal/registry"
)

var errConnClosed = errors.New("connection closed")

// fakeConn is a scripted participant transport.
type fakeConn struct {
	inbound chan []byte
	sent    chan envelope.OutboundFrame

	mu      sync.Mutex
	sendErr error
	// hold, when set, blocks the next Send until it is closed.
	hold chan struct{}

	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 16),
		sent:    make(chan envelope.OutboundFrame, 64),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) Send(_ context.Context, frame any) error {
	c.mu.Lock()
	err := c.sendErr
	hold := c.hold
	c.hold = nil
	c.mu.Unlock()
	if hold != nil {
		<-hold
	}
	if err != nil {
		return err
	}
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}
	f, ok := frame.(envelope.OutboundFrame)
	if !ok {
		return errors.New("unexpected frame type")
	}
	c.sent <- f
	return nil
}

func (c *fakeConn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.inbound:
		return data, nil
	case <-c.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) failSends(err error) {
	c.mu.Lock()
	c.sendErr = err
	c.mu.Unlock()
}

func (c *fakeConn) say(text string) {
	c.inbound <- []byte(text)
}

// next waits for the next frame written to the connection.
func (c *fakeConn) next(t *testing.T) envelope.OutboundFrame {
	t.Helper()
	select {
	case f := <-c.sent:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a frame")
		return envelope.OutboundFrame{}
	}
}

// quiet asserts nothing is written for a short while.
func (c *fakeConn) quiet(t *testing.T) {
	t.Helper()
	select {
	case f := <-c.sent:
		t.Fatalf("unexpected frame: %+v", f)
	case <-time.After(50 * time.Millisecond):
	}
}

type published struct {
	queue string
	env   envelope.Envelope
}

// recordingBroker captures publishes and lets tests run the consumers by hand.
type recordingBroker struct {
	mu        sync.Mutex
	published []published
	handlers  map[string]broker.Handler
	err       error
}

func newRecordingBroker() *recordingBroker {
	return &recordingBroker{handlers: make(map[string]broker.Handler)}
}

func (b *recordingBroker) Publish(_ context.Context, queue string, env envelope.Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.published = append(b.published, published{queue: queue, env: env})
	return nil
}

func (b *recordingBroker) Subscribe(queue string, h broker.Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[queue] = h
}

func (b *recordingBroker) on(queue string) []envelope.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []envelope.Envelope
	for _, p := range b.published {
		if p.queue == queue {
			out = append(out, p.env)
		}
	}
	return out
}

func (b *recordingBroker) count(queue string) int {
	return len(b.on(queue))
}

// consume feeds env to the handler subscribed on queue, as a broker consumer would.
func (b *recordingBroker) consume(ctx context.Context, queue string, env envelope.Envelope) {
	b.mu.Lock()
	h := b.handlers[queue]
	b.mu.Unlock()
	if h != nil {
		h(ctx, env)
	}
}

// lockedBuffer collects log output written from several goroutines.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *lockedBuffer) count(substr string) int {
	return strings.Count(b.String(), substr)
}

func newCaptureLogger() (*slog.Logger, *lockedBuffer) {
	buf := &lockedBuffer{}
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})), buf
}

type testRig struct {
	router *Router
	reg    *registry.Registry
	broker *recordingBroker
	logs   *lockedBuffer
	queues broker.Queues
}

func newTestRig(t *testing.T, mutate func(*Config)) *testRig {
	t.Helper()
	logger, logs := newCaptureLogger()
	reg := registry.New(logger)
	b := newRecordingBroker()

	cfg := Config{
		Registry: reg,
		Broker:   b,
		Queues:   broker.DefaultQueues(),
		Logger:   logger,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	r, err := New(cfg)
	require.NoError(t, err)
	r.RegisterHandlers()

	return &testRig{router: r, reg: reg, broker: b, logs: logs, queues: cfg.Queues}
}

// connect starts Serve for a participant and waits for the greeting.
func (rig *testRig) connect(t *testing.T, role registry.Role, id string, opts ServeOptions) (*fakeConn, <-chan error) {
	t.Helper()
	conn := newFakeConn()
	done := make(chan error, 1)
	go func() {
		done <- rig.router.Serve(context.Background(), role, Participant{ID: id}, conn, opts)
	}()

	greeting := conn.next(t)
	require.Equal(t, envelope.TypeGreeting, greeting.Type)
	t.Cleanup(func() { _ = conn.Close() })
	return conn, done
}

// disconnect closes conn and waits for Serve to finish tearing down.
func disconnect(t *testing.T, conn *fakeConn, done <-chan error) {
	t.Helper()
	require.NoError(t, conn.Close())
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after close")
	}
}

// waitPaired waits until client is paired with operator. Pairing on join
// happens after the greeting, so connect alone does not guarantee it.
func (rig *testRig) waitPaired(t *testing.T, client, operator string) {
	t.Helper()
	require.Eventually(t, func() bool {
		op, ok := rig.router.Presence().OperatorOf(client)
		return ok && op == operator
	}, 2*time.Second, 5*time.Millisecond)
}
