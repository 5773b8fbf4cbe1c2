// ABOUTME: Per-connection lifecycle: attach, receive loop and teardown.
// ABOUTME: Client frames pass through the bot first; operator frames always go to the broker.

package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/2389/support-relay/internal/bot"
	"github.com/2389/support-relay/internal/envelope"
	"github.com/2389/support-relay/internal/registry"
	"github.com/2389/support-relay/internal/store"
)

// Conn is a live participant transport.
type Conn interface {
	registry.Handle
	// Receive blocks for the next inbound frame.
	Receive(ctx context.Context) ([]byte, error)
}

// Participant is a resolved identity about to attach.
type Participant struct {
	ID        string
	Username  string
	IP        string
	UserAgent string
}

func (p Participant) displayName() string {
	if p.Username != "" {
		return p.Username
	}
	return p.ID
}

// ServeOptions carries per-connection parameters.
type ServeOptions struct {
	// Client is the client an operator attaches to. Ignored for clients.
	Client string
}

type session struct {
	role   registry.Role
	who    Participant
	conn   *greetedConn
	connID string

	// candidate is the operator picked for a client at connect time.
	candidate string
	// client is the client an operator attached to.
	client string
	// paired is set while client is attached here and paired with this operator.
	paired bool
}

// greetedConn holds back frames written through the registry until the
// greeting has gone out, so a consumed envelope never overtakes it.
type greetedConn struct {
	Conn
	greeted chan struct{}
}

func newGreetedConn(c Conn) *greetedConn {
	return &greetedConn{Conn: c, greeted: make(chan struct{})}
}

func (c *greetedConn) Send(ctx context.Context, frame any) error {
	select {
	case <-c.greeted:
	case <-ctx.Done():
		return ctx.Err()
	}
	return c.Conn.Send(ctx, frame)
}

// Serve runs one connection until its transport closes or ctx ends.
// An error is returned only when the connection could not be attached.
func (r *Router) Serve(ctx context.Context, role registry.Role, who Participant, conn Conn, opts ServeOptions) error {
	if !role.Valid() {
		_ = conn.Close()
		return fmt.Errorf("relay: unknown role %q", role)
	}
	if strings.TrimSpace(who.ID) == "" {
		_ = conn.Close()
		return errors.New("relay: participant id is required")
	}

	s := &session{role: role, who: who, conn: newGreetedConn(conn)}
	defer r.teardown(s)

	if err := r.attach(ctx, s, opts); err != nil {
		return err
	}

	for {
		data, err := conn.Receive(ctx)
		if err != nil {
			r.logger.Debug("receive loop ended", "role", role, "identity", who.ID, "error", err)
			return nil
		}
		if err := r.handleFrame(ctx, s, data); err != nil {
			r.logger.Info("closing connection", "role", role, "identity", who.ID, "error", err)
			return nil
		}
	}
}

func (r *Router) attach(ctx context.Context, s *session, opts ServeOptions) error {
	r.registry.Attach(s.role, s.who.ID, s.conn)
	// Attaching evicts the identity from the other role, and with it any
	// pairing it held there.
	r.release(otherRole(s.role), s.who.ID)

	if r.connections != nil {
		row := &store.Connection{
			Username:       s.who.ID,
			ConnectionType: string(s.role),
			IP:             s.who.IP,
			UserAgent:      s.who.UserAgent,
		}
		if err := r.connections.RecordConnect(ctx, row); err != nil {
			r.logger.Warn("recording connect", "identity", s.who.ID, "error", err)
		} else {
			s.connID = row.ID
		}
	}

	err := s.conn.Conn.Send(ctx, envelope.TextFrame(envelope.TypeGreeting, s.who.ID, greeting(s)))
	close(s.conn.greeted)
	if err != nil {
		return fmt.Errorf("%w: greeting: %v", ErrTransportWrite, err)
	}

	switch s.role {
	case registry.RoleClient:
		s.candidate, _ = r.presence.FirstFree(r.registry.ListOperators())
		r.offerPending(ctx, s)
	case registry.RoleOperator:
		if opts.Client != "" {
			r.joinClient(ctx, s, strings.TrimSpace(opts.Client))
		}
	}
	return nil
}

func greeting(s *session) string {
	if s.role == registry.RoleOperator {
		return fmt.Sprintf("Hello, %s, you are connected as an operator", s.who.displayName())
	}
	return fmt.Sprintf("Hello, %s, how can I help you?", s.who.displayName())
}

func otherRole(role registry.Role) registry.Role {
	if role == registry.RoleOperator {
		return registry.RoleClient
	}
	return registry.RoleOperator
}

// joinClient attaches an operator to a client and tells the client, wherever
// it is attached. The pairing is recorded here only if the client is attached here.
func (r *Router) joinClient(ctx context.Context, s *session, client string) {
	paired, owner, err := r.pairLocal(client, s.who.ID)
	if err != nil {
		r.logger.Warn("operator join refused",
			"reason", reasonCrossPairing,
			"operator", s.who.ID,
			"client", client,
			"owner", owner,
		)
		return
	}
	s.client = client
	s.paired = paired

	notice := fmt.Sprintf("Operator %s joined the chat", s.who.displayName())
	_ = r.publish(ctx, r.queues.Notify, envelope.New(envelope.TypeNotify, s.who.ID, client, notice))
}

func (r *Router) teardown(s *session) {
	if r.registry.DetachHandle(s.role, s.who.ID, s.conn) {
		r.release(s.role, s.who.ID)
	}
	_ = s.conn.Close()
	r.recordDisconnect(s.connID)
}

func (r *Router) handleFrame(ctx context.Context, s *session, data []byte) error {
	frame := envelope.ParseInbound(data)
	if s.role == registry.RoleOperator {
		r.handleOperatorFrame(ctx, s, frame)
		return nil
	}
	return r.handleClientFrame(ctx, s, frame)
}

// handleClientFrame returns an error only when the client's own transport fails.
func (r *Router) handleClientFrame(ctx context.Context, s *session, frame envelope.InboundFrame) error {
	var media *envelope.MediaRef
	if frame.IsMedia() {
		ref, err := r.media.Check(frame.FileURL, frame.MimeType)
		if err != nil {
			r.logger.Warn("media dropped", "reason", reasonUnsupportedMedia, "from", s.who.ID, "error", err)
			return nil
		}
		media = &ref
	} else if r.bot != nil {
		res := r.bot.Evaluate(ctx, frame.Message)
		if res.Absorbed {
			if err := s.conn.Send(ctx, botFrame(s.who.ID, res.Answer)); err != nil {
				return fmt.Errorf("%w: bot reply: %v", ErrTransportWrite, err)
			}
			if !res.Escalate {
				return nil
			}
		}
	}

	to, err := r.clientTarget(s, frame.To)
	if err != nil {
		r.logger.Warn("client message refused", "reason", reasonCrossPairing, "from", s.who.ID, "to", frame.To)
		return nil
	}

	env := envelope.New(envelope.TypeClientMessage, s.who.ID, to, frame.Message)
	if media != nil {
		env = envelope.NewMedia(s.who.ID, to, *media, frame.Message)
	}
	_ = r.publish(ctx, r.queues.ClientToOperator, env)
	return nil
}

func botFrame(to string, a bot.Answer) envelope.OutboundFrame {
	if a.IsList() {
		return envelope.ListFrame(envelope.TypeBotMessage, to, a.Items)
	}
	return envelope.TextFrame(envelope.TypeBotMessage, to, a.Text)
}

// clientTarget picks the operator a client message is addressed to: the
// explicit recipient, else the paired operator, else the connect-time candidate.
func (r *Router) clientTarget(s *session, explicit string) (string, error) {
	paired, isPaired := r.presence.OperatorOf(s.who.ID)
	if explicit != "" {
		if isPaired && paired != explicit {
			return "", ErrCrossPairing
		}
		return explicit, nil
	}
	if isPaired {
		return paired, nil
	}
	if s.candidate != "" {
		if _, ok := r.registry.Lookup(registry.RoleOperator, s.candidate); ok && r.presence.IsFree(s.candidate) {
			return s.candidate, nil
		}
		s.candidate, _ = r.presence.FirstFree(r.registry.ListOperators())
	}
	return s.candidate, nil
}

// handleOperatorFrame publishes an operator message. Pairing is left to the
// instance holding the client; here a message to another operator's client is refused.
func (r *Router) handleOperatorFrame(ctx context.Context, s *session, frame envelope.InboundFrame) {
	to := frame.To
	if to == "" {
		to = r.attachedClient(s)
	}
	if to == "" {
		r.logger.Warn("operator message without recipient dropped", "operator", s.who.ID)
		return
	}

	if owner, ok := r.presence.OperatorOf(to); ok && owner != s.who.ID {
		r.logger.Warn("operator message refused",
			"reason", reasonCrossPairing,
			"operator", s.who.ID,
			"client", to,
			"owner", owner,
		)
		return
	}

	env := envelope.New(envelope.TypeOperatorMessage, s.who.ID, to, frame.Message)
	if frame.IsMedia() {
		ref, err := r.media.Check(frame.FileURL, frame.MimeType)
		if err != nil {
			r.logger.Warn("media dropped", "reason", reasonUnsupportedMedia, "from", s.who.ID, "error", err)
			return
		}
		env = envelope.NewMedia(s.who.ID, to, ref, frame.Message)
	}
	_ = r.publish(ctx, r.queues.OperatorToClient, env)
}

// attachedClient returns the operator's default recipient. A client that was
// paired here and has since been released is forgotten.
func (r *Router) attachedClient(s *session) string {
	if s.client == "" || !s.paired {
		return s.client
	}
	if owner, ok := r.presence.OperatorOf(s.client); ok && owner == s.who.ID {
		return s.client
	}
	r.logger.Info("attached client left, message needs an explicit recipient",
		"operator", s.who.ID,
		"client", s.client,
	)
	s.client = ""
	s.paired = false
	return ""
}

// pairLocal pairs client with operator while the client is attached to this
// instance and reports whether it did. A client attached elsewhere is paired
// by the instance that delivers to it. It fails with ErrCrossPairing, and the
// current owner, when another operator holds the client.
func (r *Router) pairLocal(client, operator string) (bool, string, error) {
	if owner, ok := r.presence.OperatorOf(client); ok && owner != operator {
		return false, owner, ErrCrossPairing
	}
	if _, ok := r.registry.Lookup(registry.RoleClient, client); !ok {
		return false, "", nil
	}
	if ok, owner := r.presence.Pair(client, operator); !ok {
		return false, owner, ErrCrossPairing
	}
	// A detach racing the pairing has already run its release.
	if _, ok := r.registry.Lookup(registry.RoleClient, client); !ok {
		r.presence.ReleaseClient(client)
		return false, "", nil
	}
	return true, operator, nil
}
