// ABOUTME: Process-local table mapping participant identities to live connection handles.
// ABOUTME: One exclusive lock serializes attach, detach and lookup across both roles.

package registry

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/samber/lo"
)

// Role is the side of the conversation a participant is on.
type Role string

const (
	RoleClient   Role = "client"
	RoleOperator Role = "operator"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleClient || r == RoleOperator
}

// Handle is a live bidirectional transport owned by exactly one registry entry.
type Handle interface {
	Send(ctx context.Context, frame any) error
	Close() error
}

// Registry holds the client and operator tables.
// An identity appears in at most one table with at most one handle.
type Registry struct {
	mu        sync.RWMutex
	clients   map[string]Handle
	operators map[string]Handle
	logger    *slog.Logger
}

// New creates an empty Registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		clients:   make(map[string]Handle),
		operators: make(map[string]Handle),
		logger:    logger.With("component", "registry"),
	}
}

func (r *Registry) table(role Role) map[string]Handle {
	if role == RoleOperator {
		return r.operators
	}
	return r.clients
}

func (r *Registry) other(role Role) map[string]Handle {
	if role == RoleOperator {
		return r.clients
	}
	return r.operators
}

// Attach installs h for identity, closing and discarding any previous handle
// registered for the same identity in either role.
func (r *Registry) Attach(role Role, identity string, h Handle) {
	var stale []Handle

	r.mu.Lock()
	if prev, ok := r.table(role)[identity]; ok && prev != h {
		stale = append(stale, prev)
	}
	if prev, ok := r.other(role)[identity]; ok {
		delete(r.other(role), identity)
		if prev != h {
			stale = append(stale, prev)
		}
	}
	r.table(role)[identity] = h
	clients, operators := len(r.clients), len(r.operators)
	r.mu.Unlock()

	// Closing may block on the transport, so it happens outside the lock.
	for _, prev := range stale {
		if err := prev.Close(); err != nil {
			r.logger.Debug("closing superseded handle", "identity", identity, "error", err)
		}
	}

	r.logger.Info("participant attached",
		"role", role,
		"identity", identity,
		"superseded", len(stale) > 0,
		"clients", clients,
		"operators", operators,
	)
}

// Detach removes identity from role. Missing identities are ignored.
func (r *Registry) Detach(role Role, identity string) {
	r.mu.Lock()
	_, existed := r.table(role)[identity]
	delete(r.table(role), identity)
	r.mu.Unlock()

	if existed {
		r.logger.Info("participant detached", "role", role, "identity", identity)
	}
}

// DetachHandle removes identity only while h is still its current handle.
// A connection tearing down after being superseded must not evict its replacement.
func (r *Registry) DetachHandle(role Role, identity string, h Handle) bool {
	r.mu.Lock()
	current, ok := r.table(role)[identity]
	removed := ok && current == h
	if removed {
		delete(r.table(role), identity)
	}
	r.mu.Unlock()

	if removed {
		r.logger.Info("participant detached", "role", role, "identity", identity)
	}
	return removed
}

// Lookup returns the live handle for identity. Absence is a normal outcome.
func (r *Registry) Lookup(role Role, identity string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.table(role)[identity]
	return h, ok
}

// ListClients returns a sorted snapshot of attached client identities.
func (r *Registry) ListClients() []string {
	return r.list(RoleClient)
}

// ListOperators returns a sorted snapshot of attached operator identities.
func (r *Registry) ListOperators() []string {
	return r.list(RoleOperator)
}

func (r *Registry) list(role Role) []string {
	r.mu.RLock()
	ids := lo.Keys(r.table(role))
	r.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

// Count returns the number of attached participants in role.
func (r *Registry) Count(role Role) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.table(role))
}
