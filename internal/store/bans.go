package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Ban represents a row in the bans table.
type Ban struct {
	UserID    string
	Reason    string
	CreatedAt time.Time
}

// RecordBan bans a user. The first reason wins; banning an already banned
// user is a no-op.
func (s *Store) RecordBan(ctx context.Context, userID, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bans (user_id, reason)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO NOTHING`, userID, reason)
	if err != nil {
		return fmt.Errorf("RecordBan: %w", err)
	}
	return nil
}

// GetBan returns a user's ban, or nil if the user is not banned.
func (s *Store) GetBan(ctx context.Context, userID string) (*Ban, error) {
	var b Ban
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, reason, created_at
		FROM bans WHERE user_id = $1`, userID,
	).Scan(&b.UserID, &b.Reason, &b.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("GetBan: %w", err)
	}
	return &b, nil
}

// ListBans returns the most recent bans, newest first.
func (s *Store) ListBans(ctx context.Context, limit int) ([]*Ban, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, reason, created_at
		FROM bans ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("ListBans: %w", err)
	}
	defer rows.Close()

	var bans []*Ban
	for rows.Next() {
		var b Ban
		if err := rows.Scan(&b.UserID, &b.Reason, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("ListBans: %w", err)
		}
		bans = append(bans, &b)
	}
	return bans, rows.Err()
}

// DeleteBan lifts a user's ban. Returns sql.ErrNoRows if the user was not banned.
func (s *Store) DeleteBan(ctx context.Context, userID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM bans WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("DeleteBan: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}
