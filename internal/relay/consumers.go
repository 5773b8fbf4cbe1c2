// ABOUTME: Broker queue consumers that deliver envelopes to locally attached participants.
// ABOUTME: Envelopes whose target is not attached to this instance are logged and dropped.

package relay

import (
	"context"

	"github.com/2389/support-relay/internal/envelope"
	"github.com/2389/support-relay/internal/registry"
)

// deliverToOperator handles the client-to-operator queue. Unaddressed
// messages go to the client's paired operator, else to every free operator here.
func (r *Router) deliverToOperator(ctx context.Context, env envelope.Envelope) {
	frame := envelope.FrameFromEnvelope(env)
	paired, isPaired := r.presence.OperatorOf(env.From)

	if env.To != "" {
		if isPaired && paired != env.To {
			r.refuseCrossPairing(env, paired)
			return
		}
		_ = r.deliver(ctx, registry.RoleOperator, env.To, frame)
		return
	}

	if isPaired {
		_ = r.deliver(ctx, registry.RoleOperator, paired, frame)
		return
	}

	free := r.presence.Free(r.registry.ListOperators())
	if len(free) == 0 {
		r.logger.Warn("delivery dropped",
			"reason", reasonTargetNotPresent,
			"role", registry.RoleOperator,
			"target", "any free operator",
			"from", env.From,
			"type", env.Type,
		)
		return
	}
	for _, op := range free {
		_ = r.deliver(ctx, registry.RoleOperator, op, frame)
	}
}

// deliverToClient handles operator messages and operator-joined notices. A
// client that is not yet paired becomes paired with the sending operator.
func (r *Router) deliverToClient(ctx context.Context, env envelope.Envelope) {
	if env.From != "" {
		if _, owner, err := r.pairLocal(env.To, env.From); err != nil {
			r.refuseCrossPairing(env, owner)
			return
		}
	}
	if err := r.deliver(ctx, registry.RoleClient, env.To, envelope.FrameFromEnvelope(env)); err != nil {
		// The client may have detached after the lookup; do not leave its pairing behind.
		if _, ok := r.registry.Lookup(registry.RoleClient, env.To); !ok {
			r.presence.ReleaseClient(env.To)
		}
	}
}

// deliverAdvertising hands a pending notification to its client.
func (r *Router) deliverAdvertising(ctx context.Context, env envelope.Envelope) {
	_ = r.deliver(ctx, registry.RoleClient, env.To, envelope.FrameFromEnvelope(env))
}

func (r *Router) refuseCrossPairing(env envelope.Envelope, owner string) {
	r.logger.Warn("delivery dropped",
		"reason", reasonCrossPairing,
		"type", env.Type,
		"from", env.From,
		"to", env.To,
		"owner", owner,
	)
}
