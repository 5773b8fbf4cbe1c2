// ABOUTME: Pending notification persistence for SQLiteStore
// ABOUTME: A client receives at most one pending notification per connect, oldest first

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreatePendingNotification stores n, filling in ID and CreatedAt when empty.
func (s *SQLiteStore) CreatePendingNotification(ctx context.Context, n *PendingNotification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_notifications (id, recipient, body, created_at)
		VALUES (?, ?, ?, ?)
	`, n.ID, n.Recipient, n.Body, formatTime(n.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting pending notification: %w", err)
	}
	return nil
}

// FetchPendingNotification returns the oldest notification for recipient.
func (s *SQLiteStore) FetchPendingNotification(ctx context.Context, recipient string) (*PendingNotification, error) {
	var n PendingNotification
	var createdAt string

	err := s.db.QueryRowContext(ctx, `
		SELECT id, recipient, body, created_at
		FROM pending_notifications
		WHERE recipient = ?
		ORDER BY created_at ASC, id ASC
		LIMIT 1
	`, recipient).Scan(&n.ID, &n.Recipient, &n.Body, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying pending notification: %w", err)
	}

	if n.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &n, nil
}

// DeletePendingNotification removes a notification by id.
func (s *SQLiteStore) DeletePendingNotification(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM pending_notifications WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting pending notification: %w", err)
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

// OfferAdvertising queues body for username unless the same text is already waiting.
func (s *SQLiteStore) OfferAdvertising(ctx context.Context, username, body string) (*PendingNotification, error) {
	n := PendingNotification{Recipient: username, Body: body}
	var createdAt string

	err := s.db.QueryRowContext(ctx, `
		SELECT id, created_at FROM pending_notifications
		WHERE recipient = ? AND body = ?
		LIMIT 1
	`, username, body).Scan(&n.ID, &createdAt)
	switch {
	case err == nil:
		if n.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		return &n, nil
	case !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("checking existing offer: %w", err)
	}

	if err := s.CreatePendingNotification(ctx, &n); err != nil {
		return nil, err
	}
	s.logger.Info("advertising offer queued", "recipient", username, "id", n.ID)
	return &n, nil
}
