// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu          sync.RWMutex
	pending     []*PendingNotification // insertion order
	connections map[string]*Connection // keyed by connection ID
	games       map[string]*Game       // keyed by title

	// FetchErr and DeleteErr, when set, are returned by the matching calls.
	FetchErr  error
	DeleteErr error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		connections: make(map[string]*Connection),
		games:       make(map[string]*Game),
	}
}

// CreatePendingNotification stores a copy of n.
func (m *MockStore) CreatePendingNotification(ctx context.Context, n *PendingNotification) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	cp := *n
	m.pending = append(m.pending, &cp)
	return nil
}

// FetchPendingNotification returns the oldest notification for recipient.
func (m *MockStore) FetchPendingNotification(ctx context.Context, recipient string) (*PendingNotification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.FetchErr != nil {
		return nil, m.FetchErr
	}
	n, ok := lo.Find(m.pending, func(p *PendingNotification) bool { return p.Recipient == recipient })
	if !ok {
		return nil, ErrNotFound
	}
	cp := *n
	return &cp, nil
}

// DeletePendingNotification removes a notification by id.
func (m *MockStore) DeletePendingNotification(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.DeleteErr != nil {
		return m.DeleteErr
	}
	before := len(m.pending)
	m.pending = lo.Reject(m.pending, func(p *PendingNotification, _ int) bool { return p.ID == id })
	if len(m.pending) == before {
		return ErrNotFound
	}
	return nil
}

// PendingCount returns how many notifications wait for recipient.
func (m *MockStore) PendingCount(recipient string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return lo.CountBy(m.pending, func(p *PendingNotification) bool { return p.Recipient == recipient })
}

// OfferAdvertising queues body unless the same text is already waiting.
func (m *MockStore) OfferAdvertising(ctx context.Context, username, body string) (*PendingNotification, error) {
	m.mu.RLock()
	existing, ok := lo.Find(m.pending, func(p *PendingNotification) bool {
		return p.Recipient == username && p.Body == body
	})
	m.mu.RUnlock()
	if ok {
		cp := *existing
		return &cp, nil
	}

	n := &PendingNotification{Recipient: username, Body: body}
	if err := m.CreatePendingNotification(ctx, n); err != nil {
		return nil, err
	}
	return n, nil
}

// RecordConnect stores an active connection row.
func (m *MockStore) RecordConnect(ctx context.Context, c *Connection) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.ConnectedAt.IsZero() {
		c.ConnectedAt = time.Now().UTC()
	}
	c.Active = true
	cp := *c
	m.connections[cp.ID] = &cp
	return nil
}

// RecordDisconnect marks a connection inactive.
func (m *MockStore) RecordDisconnect(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.connections[id]
	if !ok {
		return ErrNotFound
	}
	c.Active = false
	if c.DisconnectedAt == nil {
		t := at.UTC()
		c.DisconnectedAt = &t
	}
	return nil
}

// CountRecentConnections counts matching connections at or after since.
func (m *MockStore) CountRecentConnections(ctx context.Context, username, connectionType string, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return lo.CountBy(lo.Values(m.connections), func(c *Connection) bool {
		return c.Username == username && c.ConnectionType == connectionType && !c.ConnectedAt.Before(since)
	}), nil
}

// GetConnection returns a copy of a connection row.
func (m *MockStore) GetConnection(ctx context.Context, id string) (*Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.connections[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

// ActiveConnections returns the number of rows still marked active.
func (m *MockStore) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return lo.CountBy(lo.Values(m.connections), func(c *Connection) bool { return c.Active })
}

// AddGame stores a catalog entry, replacing one with the same title.
func (m *MockStore) AddGame(ctx context.Context, g *Game) error {
	if g.Title == "" {
		return errors.New("title is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	cp := *g
	m.games[cp.Title] = &cp
	return nil
}

// ListTitles returns titles alphabetically.
func (m *MockStore) ListTitles(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	titles := lo.Keys(m.games)
	sort.Strings(titles)
	return titles, nil
}

// ListGenres returns distinct genres alphabetically.
func (m *MockStore) ListGenres(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	genres := lo.Uniq(lo.Map(lo.Values(m.games), func(g *Game, _ int) string { return g.Genre }))
	sort.Strings(genres)
	return genres, nil
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}

var (
	_ Store = (*MockStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)
