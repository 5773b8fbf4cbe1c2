// ABOUTME: Game catalog lookups for SQLiteStore
// ABOUTME: Backs the bot's title and genre listings

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// AddGame inserts a catalog entry. Titles are unique.
func (s *SQLiteStore) AddGame(ctx context.Context, g *Game) error {
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO games (id, title, genre) VALUES (?, ?, ?)
		ON CONFLICT(title) DO UPDATE SET genre = excluded.genre
	`, g.ID, g.Title, g.Genre)
	if err != nil {
		return fmt.Errorf("inserting game: %w", err)
	}
	return nil
}

// ListTitles returns every title in alphabetical order.
func (s *SQLiteStore) ListTitles(ctx context.Context) ([]string, error) {
	return s.listStrings(ctx, `SELECT title FROM games ORDER BY title`)
}

// ListGenres returns each distinct genre once, alphabetically.
func (s *SQLiteStore) ListGenres(ctx context.Context) ([]string, error) {
	return s.listStrings(ctx, `SELECT DISTINCT genre FROM games ORDER BY genre`)
}

func (s *SQLiteStore) listStrings(ctx context.Context, query string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying catalog: %w", err)
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scanning catalog row: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating catalog rows: %w", err)
	}
	return out, nil
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
