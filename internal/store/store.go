// ABOUTME: Store interface and data types for support-relay persistence
// ABOUTME: Covers pending notifications, the connection log and the game catalog

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ConnectionType values for the connection log
const (
	ConnectionClient   = "client"
	ConnectionOperator = "operator"
)

// PendingNotification is a message queued for a client until their next connect
type PendingNotification struct {
	ID        string
	Recipient string
	Body      string
	CreatedAt time.Time
}

// Connection is one row of the websocket connection log
type Connection struct {
	ID             string
	Username       string
	ConnectionType string // "client" or "operator"
	IP             string
	UserAgent      string
	ConnectedAt    time.Time
	DisconnectedAt *time.Time
	Active         bool
}

// Game is a catalog entry consulted by the bot
type Game struct {
	ID    string
	Title string
	Genre string
}

// Notifications is the pending-notification collaborator
type Notifications interface {
	CreatePendingNotification(ctx context.Context, n *PendingNotification) error
	// FetchPendingNotification returns the oldest pending notification for recipient,
	// or ErrNotFound.
	FetchPendingNotification(ctx context.Context, recipient string) (*PendingNotification, error)
	DeletePendingNotification(ctx context.Context, id string) error
}

// ConnectionLog records attach and detach events
type ConnectionLog interface {
	RecordConnect(ctx context.Context, c *Connection) error
	RecordDisconnect(ctx context.Context, id string, at time.Time) error
	CountRecentConnections(ctx context.Context, username, connectionType string, since time.Time) (int, error)
}

// Catalog lists games for the bot
type Catalog interface {
	AddGame(ctx context.Context, g *Game) error
	ListTitles(ctx context.Context) ([]string, error)
	ListGenres(ctx context.Context) ([]string, error)
}

// Store is everything the relay persists
type Store interface {
	Notifications
	ConnectionLog
	Catalog

	// OfferAdvertising queues body for username unless an identical
	// notification is already pending.
	OfferAdvertising(ctx context.Context, username, body string) (*PendingNotification, error)

	Close() error
}
