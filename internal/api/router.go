package api

import (
	"context"
	"net/http"

	"github.com/triage-ai/safescan/internal/auth"
	"github.com/triage-ai/safescan/internal/ban"
	"github.com/triage-ai/safescan/internal/chread"
	"github.com/triage-ai/safescan/internal/engine"
	"go.uber.org/zap"
)

// EventReader reads persisted safety events (satisfied by *chread.Reader).
type EventReader interface {
	ListEvents(ctx context.Context, params chread.ListEventsParams) ([]chread.EventRow, int, error)
	GetEvent(ctx context.Context, eventID string) (*chread.EventRow, error)
	GetAnalytics(ctx context.Context, days int) (*chread.AnalyticsResult, error)
}

// Listener serves the per-user push channel (satisfied by *notify.Hub).
type Listener interface {
	ServeWS(w http.ResponseWriter, r *http.Request, userID string)
}

// Dependencies holds shared state injected into all HTTP handlers.
type Dependencies struct {
	Scanner *engine.Scanner
	Auth    auth.Authenticator
	Bans    *ban.Trigger
	Hub     Listener
	Reader  EventReader // nil if ClickHouse unavailable
	Logger  *zap.Logger
	// Path banned users are sent to. Default: ban.DefaultRedirectPath
	BanRedirectPath string
	// Bearer token for the /api/safescan dashboard routes. Empty disables them.
	OperatorToken string
}

// NewRouter builds the HTTP mux with all routes wired up.
func NewRouter(deps *Dependencies) http.Handler {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.BanRedirectPath == "" {
		deps.BanRedirectPath = ban.DefaultRedirectPath
	}

	mux := http.NewServeMux()

	// Scan gate (auth required via Bearer ssk_ session token)
	mux.HandleFunc("POST /v1/safescan", deps.authMiddleware(deps.handleScan, false))
	mux.HandleFunc("POST /v1/safescan/log", deps.authMiddleware(deps.handleLog, false))
	// Browsers cannot set headers on a websocket handshake; accept ?token= too.
	mux.HandleFunc("GET /v1/safescan/ws", deps.authMiddleware(deps.handleWS, true))

	// Events, analytics & config (operator token)
	mux.HandleFunc("GET /api/safescan/events", deps.operatorMiddleware(deps.handleListEvents))
	mux.HandleFunc("GET /api/safescan/events/{event_id}", deps.operatorMiddleware(deps.handleGetEvent))
	mux.HandleFunc("GET /api/safescan/analytics", deps.operatorMiddleware(deps.handleGetAnalytics))
	mux.HandleFunc("GET /api/safescan/tools", deps.operatorMiddleware(deps.handleTools))

	// Health check
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return corsMiddleware(requestLogging(mux, deps.Logger))
}
