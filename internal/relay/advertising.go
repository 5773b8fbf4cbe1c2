// ABOUTME: Pending notification hand-off for connecting clients.
// ABOUTME: Eligibility is a minimum number of recent connections in the connection log.

package relay

import (
	"context"
	"errors"
	"time"

	"github.com/2389/support-relay/internal/envelope"
	"github.com/2389/support-relay/internal/store"
)

// AdvertisingPolicy makes a client eligible after MinConnections connections
// within Window, the current one included.
type AdvertisingPolicy struct {
	Log            store.ConnectionLog
	Window         time.Duration
	MinConnections int
	Now            func() time.Time
}

// Eligible implements Eligibility.
func (p AdvertisingPolicy) Eligible(ctx context.Context, client string) (bool, error) {
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	n, err := p.Log.CountRecentConnections(ctx, client, store.ConnectionClient, now().Add(-p.Window))
	if err != nil {
		return false, err
	}
	return n >= p.MinConnections, nil
}

// offerPending publishes at most one pending notification for an eligible
// client. The notification is deleted once the broker accepted it, not once
// the client received it.
func (r *Router) offerPending(ctx context.Context, s *session) {
	if r.notifications == nil {
		return
	}
	client := s.who.ID

	if r.eligibility != nil {
		ok, err := r.eligibility.Eligible(ctx, client)
		if err != nil {
			r.logger.Warn("checking advertising eligibility", "client", client, "error", err)
			return
		}
		if !ok {
			return
		}
	}

	n, err := r.notifications.FetchPendingNotification(ctx, client)
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		r.logger.Warn("fetching pending notification", "client", client, "error", err)
		return
	}

	env := envelope.New(envelope.TypeAdvertising, "", client, n.Body)
	if err := r.publish(ctx, r.queues.Advertising, env); err != nil {
		return
	}
	if err := r.notifications.DeletePendingNotification(ctx, n.ID); err != nil {
		r.logger.Warn("deleting pending notification", "client", client, "id", n.ID, "error", err)
		return
	}
	r.logger.Info("pending notification handed off", "client", client, "id", n.ID)
}
