// ABOUTME: Message router driving each participant connection from attach to close.
// ABOUTME: Runs bot interception, translates frames into envelopes and delivers consumed envelopes.

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/support-relay/internal/bot"
	"github.com/2389/support-relay/internal/broker"
	"github.com/2389/support-relay/internal/envelope"
	"github.com/2389/support-relay/internal/registry"
	"github.com/2389/support-relay/internal/store"
)

// Delivery errors. None of them is fatal; they are logged and the envelope dropped.
var (
	ErrTargetNotPresent = errors.New("target not present")
	ErrTransportWrite   = errors.New("transport write failure")
	ErrCrossPairing     = errors.New("client is paired with another operator")
)

// Log reasons attached to dropped deliveries.
const (
	reasonTargetNotPresent = "target_not_present"
	reasonTransportWrite   = "transport_write_failure"
	reasonCrossPairing     = "cross_pairing_refused"
	reasonUnsupportedMedia = "unsupported_media"
)

// Broker is the part of the broker bridge the router uses.
type Broker interface {
	Publish(ctx context.Context, queue string, env envelope.Envelope) error
	Subscribe(queue string, h broker.Handler)
}

// Notifications is the pending-notification collaborator.
type Notifications interface {
	FetchPendingNotification(ctx context.Context, recipient string) (*store.PendingNotification, error)
	DeletePendingNotification(ctx context.Context, id string) error
}

// Eligibility decides whether a connecting client may receive a pending notification.
type Eligibility interface {
	Eligible(ctx context.Context, client string) (bool, error)
}

// Config wires the router to its collaborators. Registry, Broker and Queues
// are required; nil collaborators disable the feature they back.
type Config struct {
	Registry      *registry.Registry
	Bot           *bot.Bot
	Broker        Broker
	Queues        broker.Queues
	Notifications Notifications
	Connections   store.ConnectionLog
	// Eligibility nil means every client is eligible.
	Eligibility Eligibility
	Media       envelope.MediaPolicy
	Logger      *slog.Logger
}

// Router owns the registry on behalf of the process.
type Router struct {
	registry      *registry.Registry
	bot           *bot.Bot
	broker        Broker
	queues        broker.Queues
	notifications Notifications
	connections   store.ConnectionLog
	eligibility   Eligibility
	media         envelope.MediaPolicy
	presence      *Presence
	logger        *slog.Logger
}

// New creates a Router.
func New(cfg Config) (*Router, error) {
	if cfg.Registry == nil {
		return nil, errors.New("relay: registry is required")
	}
	if cfg.Broker == nil {
		return nil, errors.New("relay: broker is required")
	}
	if cfg.Queues == (broker.Queues{}) {
		cfg.Queues = broker.DefaultQueues()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if len(cfg.Media.Allowed()) == 0 {
		cfg.Media = envelope.NewMediaPolicy(nil)
	}
	return &Router{
		registry:      cfg.Registry,
		bot:           cfg.Bot,
		broker:        cfg.Broker,
		queues:        cfg.Queues,
		notifications: cfg.Notifications,
		connections:   cfg.Connections,
		eligibility:   cfg.Eligibility,
		media:         cfg.Media,
		presence:      NewPresence(),
		logger:        cfg.Logger.With("component", "router"),
	}, nil
}

// RegisterHandlers subscribes the router's consumers to the four queues.
func (r *Router) RegisterHandlers() {
	r.broker.Subscribe(r.queues.ClientToOperator, r.deliverToOperator)
	r.broker.Subscribe(r.queues.OperatorToClient, r.deliverToClient)
	r.broker.Subscribe(r.queues.Notify, r.deliverToClient)
	r.broker.Subscribe(r.queues.Advertising, r.deliverAdvertising)
}

// Presence exposes the assignment table for diagnostics.
func (r *Router) Presence() *Presence {
	return r.presence
}

// Snapshot is a point-in-time view of who is attached to this instance.
type Snapshot struct {
	Clients   []string          `json:"clients"`
	Operators []string          `json:"operators"`
	Pairings  map[string]string `json:"pairings"`
}

// Snapshot returns the current participants and pairings.
func (r *Router) Snapshot() Snapshot {
	return Snapshot{
		Clients:   r.registry.ListClients(),
		Operators: r.registry.ListOperators(),
		Pairings:  r.presence.Snapshot(),
	}
}

// deliver writes frame to the live handle for identity. A failed write
// detaches the handle so later deliveries do not reuse it.
func (r *Router) deliver(ctx context.Context, role registry.Role, identity string, frame envelope.OutboundFrame) error {
	h, ok := r.registry.Lookup(role, identity)
	if !ok {
		r.logger.Warn("delivery dropped",
			"reason", reasonTargetNotPresent,
			"role", role,
			"target", identity,
			"type", frame.Type,
		)
		return fmt.Errorf("%w: %s %s", ErrTargetNotPresent, role, identity)
	}

	if err := h.Send(ctx, frame); err != nil {
		r.logger.Warn("delivery dropped",
			"reason", reasonTransportWrite,
			"role", role,
			"target", identity,
			"type", frame.Type,
			"error", err,
		)
		if r.registry.DetachHandle(role, identity, h) {
			r.release(role, identity)
		}
		_ = h.Close()
		return fmt.Errorf("%w: %v", ErrTransportWrite, err)
	}
	return nil
}

// release clears presence assignments that reference identity.
func (r *Router) release(role registry.Role, identity string) {
	if role == registry.RoleOperator {
		if clients := r.presence.ReleaseOperator(identity); len(clients) > 0 {
			r.logger.Info("operator released clients", "operator", identity, "clients", clients)
		}
		return
	}
	r.presence.ReleaseClient(identity)
}

func (r *Router) publish(ctx context.Context, queue string, env envelope.Envelope) error {
	if err := r.broker.Publish(ctx, queue, env); err != nil {
		r.logger.Error("publish failed", "queue", queue, "type", env.Type, "from", env.From, "to", env.To, "error", err)
		return err
	}
	return nil
}

func (r *Router) recordDisconnect(connID string) {
	if r.connections == nil || connID == "" {
		return
	}
	// The request context is usually gone by now.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.connections.RecordDisconnect(ctx, connID, time.Now().UTC()); err != nil {
		r.logger.Warn("recording disconnect", "connection_id", connID, "error", err)
	}
}
