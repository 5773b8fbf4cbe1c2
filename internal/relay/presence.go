// ABOUTME: Presence assignment recording which operator owns each client conversation.
// ABOUTME: An operator is free while no client is paired with it.

package relay

import (
	"maps"
	"slices"
	"sync"

	"github.com/samber/lo"
)

// Presence maps client identities to their operator.
type Presence struct {
	mu    sync.RWMutex
	pairs map[string]string // client -> operator
}

// NewPresence creates an empty assignment table.
func NewPresence() *Presence {
	return &Presence{pairs: make(map[string]string)}
}

// Pair assigns client to operator. It fails, returning the current owner,
// when the client is already paired with a different operator.
func (p *Presence) Pair(client, operator string) (bool, string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if current, ok := p.pairs[client]; ok && current != operator {
		return false, current
	}
	p.pairs[client] = operator
	return true, operator
}

// OperatorOf returns the operator paired with client.
func (p *Presence) OperatorOf(client string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	op, ok := p.pairs[client]
	return op, ok
}

// ClientsOf returns the clients paired with operator, sorted.
func (p *Presence) ClientsOf(operator string) []string {
	p.mu.RLock()
	clients := lo.Keys(lo.PickByValues(p.pairs, []string{operator}))
	p.mu.RUnlock()
	slices.Sort(clients)
	return clients
}

// IsFree reports whether operator has no paired client.
func (p *Presence) IsFree(operator string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return !lo.Contains(lo.Values(p.pairs), operator)
}

// Free filters operators down to those without a paired client, keeping order.
func (p *Presence) Free(operators []string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	busy := lo.Values(p.pairs)
	return lo.Filter(operators, func(op string, _ int) bool { return !lo.Contains(busy, op) })
}

// FirstFree returns the first operator in operators that is free.
func (p *Presence) FirstFree(operators []string) (string, bool) {
	free := p.Free(operators)
	if len(free) == 0 {
		return "", false
	}
	return free[0], true
}

// ReleaseClient clears the client's assignment.
func (p *Presence) ReleaseClient(client string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.pairs, client)
}

// ReleaseOperator clears every assignment to operator and returns the affected clients.
func (p *Presence) ReleaseOperator(operator string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var released []string
	for client, op := range p.pairs {
		if op == operator {
			delete(p.pairs, client)
			released = append(released, client)
		}
	}
	slices.Sort(released)
	return released
}

// Snapshot returns a copy of the assignment table.
func (p *Presence) Snapshot() map[string]string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return maps.Clone(p.pairs)
}
