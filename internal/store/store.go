package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Schema creates the sessions and bans tables. Bans outlive sessions: a
// banned user keeps the ban row after every session is revoked.
const Schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id            UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	user_id       TEXT NOT NULL,
	token_hash    TEXT NOT NULL,
	token_prefix  TEXT NOT NULL UNIQUE,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	revoked_at    TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS sessions_user_id_idx ON sessions (user_id);

CREATE TABLE IF NOT EXISTS bans (
	user_id     TEXT PRIMARY KEY,
	reason      TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Store provides access to the PostgreSQL database for sessions and bans.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store backed by the given database connection pool.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// EnsureSchema creates the tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("EnsureSchema: %w", err)
	}
	return nil
}
