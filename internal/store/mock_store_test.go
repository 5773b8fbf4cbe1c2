// ABOUTME: Tests for the in-memory MockStore
// ABOUTME: Keeps the mock's behavior aligned with SQLiteStore

package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockStore_PendingNotifications(t *testing.T) {
	m := NewMockStore()
	ctx := context.Background()

	require.NoError(t, m.CreatePendingNotification(ctx, &PendingNotification{Recipient: "alice", Body: "one"}))
	require.NoError(t, m.CreatePendingNotification(ctx, &PendingNotification{Recipient: "alice", Body: "two"}))
	assert.Equal(t, 2, m.PendingCount("alice"))

	n, err := m.FetchPendingNotification(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "one", n.Body)

	require.NoError(t, m.DeletePendingNotification(ctx, n.ID))
	assert.Equal(t, 1, m.PendingCount("alice"))
	assert.ErrorIs(t, m.DeletePendingNotification(ctx, n.ID), ErrNotFound)

	_, err = m.FetchPendingNotification(ctx, "bob")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMockStore_InjectedErrors(t *testing.T) {
	m := NewMockStore()
	m.FetchErr = errors.New("db down")

	_, err := m.FetchPendingNotification(context.Background(), "alice")
	assert.EqualError(t, err, "db down")
}

func TestMockStore_OfferAdvertising(t *testing.T) {
	m := NewMockStore()
	ctx := context.Background()

	a, err := m.OfferAdvertising(ctx, "alice", "offer")
	require.NoError(t, err)
	b, err := m.OfferAdvertising(ctx, "alice", "offer")
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID)
	assert.Equal(t, 1, m.PendingCount("alice"))
}

func TestMockStore_ConnectionLog(t *testing.T) {
	m := NewMockStore()
	ctx := context.Background()
	now := time.Now().UTC()

	c := &Connection{Username: "alice", ConnectionType: ConnectionClient}
	require.NoError(t, m.RecordConnect(ctx, c))
	require.NoError(t, m.RecordConnect(ctx, &Connection{Username: "alice", ConnectionType: ConnectionClient, ConnectedAt: now.Add(-30 * 24 * time.Hour)}))
	assert.Equal(t, 2, m.ActiveConnections())

	n, err := m.CountRecentConnections(ctx, "alice", ConnectionClient, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, m.RecordDisconnect(ctx, c.ID, now))
	got, err := m.GetConnection(ctx, c.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)
	assert.Equal(t, 1, m.ActiveConnections())
}

func TestMockStore_Catalog(t *testing.T) {
	m := NewMockStore()
	ctx := context.Background()

	require.NoError(t, m.AddGame(ctx, &Game{Title: "Celeste", Genre: "Platformer"}))
	require.NoError(t, m.AddGame(ctx, &Game{Title: "Anno 1800", Genre: "Strategy"}))
	require.NoError(t, m.AddGame(ctx, &Game{Title: "Hollow Knight", Genre: "Platformer"}))
	assert.Error(t, m.AddGame(ctx, &Game{Genre: "None"}))

	titles, _ := m.ListTitles(ctx)
	assert.Equal(t, []string{"Anno 1800", "Celeste", "Hollow Knight"}, titles)
	genres, _ := m.ListGenres(ctx)
	assert.Equal(t, []string{"Platformer", "Strategy"}, genres)
}
