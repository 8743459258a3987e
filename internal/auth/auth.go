package auth

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/triage-ai/safescan/internal/store"
)

var (
	ErrMissingToken    = errors.New("missing authorization header")
	ErrInvalidToken    = errors.New("invalid session token")
	ErrAuthUnavailable = errors.New("auth backend unavailable")
)

// SessionContext holds the authenticated user's session.
type SessionContext struct {
	UserID    string
	SessionID string
	Banned    bool
	BanReason string
}

// Authenticator validates session tokens and destroys sessions. A banned
// user still authenticates; callers check SessionContext.Banned.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*SessionContext, error)
	SignOut(ctx context.Context, userID string) error
	RecordBan(ctx context.Context, userID, reason string) error
}

// ParseBearer extracts the token from an Authorization header value.
func ParseBearer(header string) (string, error) {
	if header == "" {
		return "", ErrMissingToken
	}
	token := header
	// RFC 6750: the "Bearer" scheme is case-insensitive.
	if len(token) > 7 && strings.EqualFold(token[:7], "bearer ") {
		token = token[7:]
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}

// StaticAuthenticator is the development implementation used when no
// database is configured. A token "ssk_<user>" authenticates <user>.
// Sign-outs and bans are kept in memory.
type StaticAuthenticator struct {
	revoked sync.Map // userID -> struct{}
	bans    sync.Map // userID -> reason
}

func NewStaticAuthenticator() *StaticAuthenticator {
	return &StaticAuthenticator{}
}

func (a *StaticAuthenticator) Authenticate(_ context.Context, token string) (*SessionContext, error) {
	userID, ok := strings.CutPrefix(token, store.TokenPrefix)
	if !ok || userID == "" {
		return nil, ErrInvalidToken
	}
	if _, revoked := a.revoked.Load(userID); revoked {
		return nil, ErrInvalidToken
	}

	sess := &SessionContext{UserID: userID, SessionID: "static_" + userID}
	if reason, banned := a.bans.Load(userID); banned {
		sess.Banned = true
		sess.BanReason = reason.(string)
	}
	return sess, nil
}

func (a *StaticAuthenticator) SignOut(_ context.Context, userID string) error {
	a.revoked.Store(userID, struct{}{})
	return nil
}

func (a *StaticAuthenticator) RecordBan(_ context.Context, userID, reason string) error {
	a.bans.LoadOrStore(userID, reason)
	return nil
}
