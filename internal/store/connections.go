// ABOUTME: Websocket connection log for SQLiteStore
// ABOUTME: Rows feed diagnostics and the advertising eligibility count

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RecordConnect inserts an active connection row, filling ID and ConnectedAt when empty.
func (s *SQLiteStore) RecordConnect(ctx context.Context, c *Connection) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.ConnectedAt.IsZero() {
		c.ConnectedAt = time.Now().UTC()
	}
	c.Active = true
	c.DisconnectedAt = nil

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ws_connections (id, username, connection_type, ip, user_agent, connected_at, is_active)
		VALUES (?, ?, ?, ?, ?, ?, 1)
	`, c.ID, c.Username, c.ConnectionType, c.IP, c.UserAgent, formatTime(c.ConnectedAt))
	if err != nil {
		return fmt.Errorf("inserting connection: %w", err)
	}
	return nil
}

// RecordDisconnect marks a connection inactive. Already closed rows keep
// their original disconnect time.
func (s *SQLiteStore) RecordDisconnect(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE ws_connections
		SET is_active = 0, disconnected_at = COALESCE(disconnected_at, ?)
		WHERE id = ?
	`, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("updating connection: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// CountRecentConnections counts connections by username and type at or after since.
func (s *SQLiteStore) CountRecentConnections(ctx context.Context, username, connectionType string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM ws_connections
		WHERE username = ? AND connection_type = ? AND connected_at >= ?
	`, username, connectionType, formatTime(since)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting connections: %w", err)
	}
	return n, nil
}

// GetConnection returns one connection log row.
func (s *SQLiteStore) GetConnection(ctx context.Context, id string) (*Connection, error) {
	var c Connection
	var connectedAt string
	var disconnectedAt *string
	var active int

	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, connection_type, ip, user_agent, connected_at, disconnected_at, is_active
		FROM ws_connections WHERE id = ?
	`, id).Scan(&c.ID, &c.Username, &c.ConnectionType, &c.IP, &c.UserAgent, &connectedAt, &disconnectedAt, &active)
	if err != nil {
		if isNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying connection: %w", err)
	}

	if c.ConnectedAt, err = parseTime(connectedAt); err != nil {
		return nil, err
	}
	if disconnectedAt != nil {
		t, err := parseTime(*disconnectedAt)
		if err != nil {
			return nil, err
		}
		c.DisconnectedAt = &t
	}
	c.Active = active == 1
	return &c, nil
}
