package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/triage-ai/safescan/internal/store"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// SessionStore abstracts DB queries for testability.
type SessionStore interface {
	LookupSession(ctx context.Context, prefix string) (*store.SessionWithBan, error)
	RevokeUserSessions(ctx context.Context, userID string) (int64, error)
	RecordBan(ctx context.Context, userID, reason string) error
}

// PostgresAuthenticator validates session tokens against the sessions table.
// Uses AuthCache with stale-while-revalidate to avoid DB + bcrypt on the hot path.
// Auth failures always return an error; no scan runs without a valid session.
type PostgresAuthenticator struct {
	store  SessionStore
	cache  *AuthCache
	logger *zap.Logger
}

// PostgresAuthConfig configures the PostgresAuthenticator.
type PostgresAuthConfig struct {
	DB       *sql.DB
	CacheTTL time.Duration // Default: 30s
	Logger   *zap.Logger
}

// NewPostgresAuthenticator creates a new authenticator backed by PostgreSQL.
func NewPostgresAuthenticator(cfg PostgresAuthConfig) *PostgresAuthenticator {
	ttl := cfg.CacheTTL
	if ttl == 0 {
		ttl = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresAuthenticator{
		store:  store.NewStore(cfg.DB),
		cache:  NewAuthCache(ttl),
		logger: logger,
	}
}

// newPostgresAuthenticatorWithStore creates an authenticator with an injected store (for testing).
func newPostgresAuthenticatorWithStore(s SessionStore, cache *AuthCache, logger *zap.Logger) *PostgresAuthenticator {
	return &PostgresAuthenticator{
		store:  s,
		cache:  cache,
		logger: logger,
	}
}

// Authenticate validates the session token against the database.
//
// Flow:
//  1. Cache lookup (stale-while-revalidate):
//     - Fresh hit: return immediately
//     - Stale hit: return stale session, spawn background refresh
//     - Miss: do full DB + bcrypt lookup synchronously
//  2. On DB error: ErrAuthUnavailable
func (a *PostgresAuthenticator) Authenticate(ctx context.Context, token string) (*SessionContext, error) {
	if token == "" {
		return nil, ErrMissingToken
	}

	result := a.cache.Get(token)
	if result.Hit {
		if result.NeedsRefresh {
			go a.backgroundRefresh(token)
		}
		return result.Session, nil
	}

	session, err := a.lookupAndVerify(ctx, token)
	if err != nil {
		return a.handleLookupError(err)
	}

	a.cache.Set(token, session)
	return session, nil
}

// SignOut revokes every session of the user and drops them from the cache.
func (a *PostgresAuthenticator) SignOut(ctx context.Context, userID string) error {
	n, err := a.store.RevokeUserSessions(ctx, userID)
	purged := a.cache.PurgeUser(userID)
	if err != nil {
		return fmt.Errorf("SignOut: %w", err)
	}
	a.logger.Info("user signed out",
		zap.String("user_id", userID),
		zap.Int64("sessions_revoked", n),
		zap.Int("cache_purged", purged),
	)
	return nil
}

// RecordBan persists the ban and flags the user's cached sessions.
func (a *PostgresAuthenticator) RecordBan(ctx context.Context, userID, reason string) error {
	a.cache.MarkBanned(userID, reason)
	if err := a.store.RecordBan(ctx, userID, reason); err != nil {
		return fmt.Errorf("RecordBan: %w", err)
	}
	return nil
}

// backgroundRefresh performs the DB + bcrypt lookup in a background goroutine.
// Errors are logged but don't affect the caller (they already got the stale value).
func (a *PostgresAuthenticator) backgroundRefresh(token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	session, err := a.lookupAndVerify(ctx, token)
	if err != nil {
		a.logger.Warn("background cache refresh failed",
			zap.Error(err),
		)
		// Drop the entry so the next request does a synchronous lookup.
		a.cache.Delete(token)
		return
	}

	a.cache.Set(token, session)
}

// lookupAndVerify does the full DB prefix lookup + bcrypt verification.
func (a *PostgresAuthenticator) lookupAndVerify(ctx context.Context, token string) (*SessionContext, error) {
	if !strings.HasPrefix(token, store.TokenPrefix) || len(token) < store.TokenPrefixLen {
		return nil, ErrInvalidToken
	}
	prefix := token[:store.TokenPrefixLen]

	row, err := a.store.LookupSession(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("lookupAndVerify: %w", err)
	}
	if row == nil {
		// no live session with this prefix: reject, don't fail open
		return nil, ErrInvalidToken
	}

	if err := bcrypt.CompareHashAndPassword([]byte(row.TokenHash), []byte(token)); err != nil {
		return nil, ErrInvalidToken
	}

	return &SessionContext{
		UserID:    row.UserID,
		SessionID: row.ID,
		Banned:    row.Banned(),
		BanReason: row.BanReason.String,
	}, nil
}

// handleLookupError returns the appropriate error; scans never run on auth failure.
func (a *PostgresAuthenticator) handleLookupError(lookupErr error) (*SessionContext, error) {
	if errors.Is(lookupErr, ErrInvalidToken) {
		return nil, ErrInvalidToken
	}

	a.logger.Warn("auth DB unreachable",
		zap.Error(lookupErr),
	)
	return nil, fmt.Errorf("%w: %v", ErrAuthUnavailable, lookupErr)
}
