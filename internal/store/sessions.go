package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"
)

const (
	// TokenPrefix starts every session token.
	TokenPrefix = "ssk_"
	// TokenPrefixLen is how much of a token is stored in clear for lookup.
	TokenPrefixLen = 16
)

// Session represents a row in the sessions table.
type Session struct {
	ID          string
	UserID      string
	TokenHash   string
	TokenPrefix string
	CreatedAt   time.Time
	RevokedAt   *time.Time
}

// SessionWithBan is a live Session joined with its user's ban, if any (for
// auth lookups).
type SessionWithBan struct {
	Session
	BanReason sql.NullString
	BannedAt  *time.Time
}

// Banned reports whether the session's user is banned.
func (s *SessionWithBan) Banned() bool {
	return s.BanReason.Valid
}

// GenerateSessionToken creates a new ssk_ token with its bcrypt hash and prefix.
// Returns (fullToken, hash, prefix, error). The fullToken is shown to the user once.
func GenerateSessionToken() (string, string, string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", "", fmt.Errorf("GenerateSessionToken: %w", err)
	}
	fullToken := TokenPrefix + hex.EncodeToString(raw) // 68 chars total

	hashBytes, err := bcrypt.GenerateFromPassword([]byte(fullToken), bcrypt.DefaultCost)
	if err != nil {
		return "", "", "", fmt.Errorf("GenerateSessionToken: %w", err)
	}

	return fullToken, string(hashBytes), fullToken[:TokenPrefixLen], nil
}

// CreateSession opens a session for a user.
// Returns the session and the plaintext token (shown once).
func (s *Store) CreateSession(ctx context.Context, userID string) (*Session, string, error) {
	fullToken, tokenHash, tokenPrefix, err := GenerateSessionToken()
	if err != nil {
		return nil, "", fmt.Errorf("CreateSession: %w", err)
	}

	var sess Session
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO sessions (user_id, token_hash, token_prefix)
		VALUES ($1, $2, $3)
		RETURNING id, user_id, token_hash, token_prefix, created_at, revoked_at`,
		userID, tokenHash, tokenPrefix,
	).Scan(&sess.ID, &sess.UserID, &sess.TokenHash, &sess.TokenPrefix, &sess.CreatedAt, &sess.RevokedAt)
	if err != nil {
		return nil, "", fmt.Errorf("CreateSession: %w", err)
	}
	return &sess, fullToken, nil
}

// LookupSession finds a live session by token prefix, joined with the user's
// ban. Returns nil if not found or revoked. Used by auth to narrow candidates
// before bcrypt verify.
func (s *Store) LookupSession(ctx context.Context, prefix string) (*SessionWithBan, error) {
	var sw SessionWithBan
	err := s.db.QueryRowContext(ctx, `
		SELECT s.id, s.user_id, s.token_hash, s.token_prefix, s.created_at, s.revoked_at,
		       b.reason, b.created_at
		FROM sessions s
		LEFT JOIN bans b ON b.user_id = s.user_id
		WHERE s.token_prefix = $1 AND s.revoked_at IS NULL`, prefix,
	).Scan(&sw.ID, &sw.UserID, &sw.TokenHash, &sw.TokenPrefix, &sw.CreatedAt, &sw.RevokedAt,
		&sw.BanReason, &sw.BannedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("LookupSession: %w", err)
	}
	return &sw, nil
}

// ListUserSessions returns a user's live sessions ordered by created_at DESC.
func (s *Store) ListUserSessions(ctx context.Context, userID string) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, token_hash, token_prefix, created_at, revoked_at
		FROM sessions
		WHERE user_id = $1 AND revoked_at IS NULL
		ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("ListUserSessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.UserID, &sess.TokenHash, &sess.TokenPrefix,
			&sess.CreatedAt, &sess.RevokedAt); err != nil {
			return nil, fmt.Errorf("ListUserSessions: %w", err)
		}
		sessions = append(sessions, &sess)
	}
	return sessions, rows.Err()
}

// RevokeUserSessions revokes every live session of a user and returns how
// many were revoked.
func (s *Store) RevokeUserSessions(ctx context.Context, userID string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET revoked_at = now()
		WHERE user_id = $1 AND revoked_at IS NULL`, userID)
	if err != nil {
		return 0, fmt.Errorf("RevokeUserSessions: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}
