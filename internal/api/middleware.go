package api

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/triage-ai/safescan/internal/auth"
	"go.uber.org/zap"
)

// contextKey is an unexported type for context keys to avoid collisions.
type contextKey int

const (
	sessionCtxKey contextKey = iota
	tokenCtxKey
)

// sessionFromContext extracts the authenticated session from the request context.
func sessionFromContext(ctx context.Context) *auth.SessionContext {
	v, _ := ctx.Value(sessionCtxKey).(*auth.SessionContext)
	return v
}

// tokenFromContext returns the raw bearer token the request authenticated with.
func tokenFromContext(ctx context.Context) string {
	v, _ := ctx.Value(tokenCtxKey).(string)
	return v
}

// --- Auth middleware ---

// authMiddleware validates the session token and injects the session into the
// request context. Banned users get 403 with the redirect path. When
// allowQuery is set, a "token" query parameter is accepted in place of the
// Authorization header.
func (d *Dependencies) authMiddleware(next http.HandlerFunc, allowQuery bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, err := auth.ParseBearer(r.Header.Get("Authorization"))
		if err != nil && allowQuery {
			if q := r.URL.Query().Get("token"); q != "" {
				token, err = q, nil
			}
		}
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, ErrorResp{Detail: "Missing or invalid Authorization header"})
			return
		}

		sess, err := d.Auth.Authenticate(r.Context(), token)
		switch {
		case errors.Is(err, auth.ErrAuthUnavailable):
			d.Logger.Error("auth unavailable", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "Authentication temporarily unavailable"})
			return
		case err != nil:
			d.Logger.Warn("auth failed", zap.Error(err))
			writeJSON(w, http.StatusUnauthorized, ErrorResp{Detail: "Invalid session token"})
			return
		}

		if sess.Banned {
			writeJSON(w, http.StatusForbidden, ErrorResp{
				Detail:   "Account suspended",
				Redirect: d.BanRedirectPath,
			})
			return
		}

		ctx := context.WithValue(r.Context(), sessionCtxKey, sess)
		ctx = context.WithValue(ctx, tokenCtxKey, token)
		next(w, r.WithContext(ctx))
	}
}

// operatorMiddleware guards the dashboard routes with the static operator
// token. With no token configured every request is refused.
func (d *Dependencies) operatorMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, err := auth.ParseBearer(r.Header.Get("Authorization"))
		if err != nil || d.OperatorToken == "" ||
			subtle.ConstantTimeCompare([]byte(token), []byte(d.OperatorToken)) != 1 {
			writeJSON(w, http.StatusUnauthorized, ErrorResp{Detail: "Operator token required"})
			return
		}
		next(w, r)
	}
}

// --- JSON helpers ---

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// readJSON decodes a JSON request body into the given pointer.
func readJSON(r *http.Request, v interface{}) error {
	defer func() { _ = r.Body.Close() }()
	return json.NewDecoder(r.Body).Decode(v)
}

// --- Request logging ---

func requestLogging(next http.Handler, logger *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sw.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Hijack lets the websocket upgrader take over the connection.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("statusWriter: %T does not support hijacking", w.ResponseWriter)
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// --- CORS ---

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
