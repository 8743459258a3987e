package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/triage-ai/safescan/internal/auth"
	"github.com/triage-ai/safescan/internal/ban"
	"github.com/triage-ai/safescan/internal/chread"
	"github.com/triage-ai/safescan/internal/engine"
	"github.com/triage-ai/safescan/internal/engine/detectors"
	"github.com/triage-ai/safescan/internal/storage"
	"go.uber.org/zap"
)

// --- fakes ---

type fakeImages struct {
	verdict   *engine.ImageVerdict
	lastToken string
}

func (f *fakeImages) AnalyzeImage(_ context.Context, req *engine.ImageRequest) (*engine.ImageVerdict, error) {
	f.lastToken = req.AccessToken
	return f.verdict, nil
}

type memWriter struct {
	events []*storage.SafetyEvent
}

func (w *memWriter) Write(e *storage.SafetyEvent) { w.events = append(w.events, e) }
func (w *memWriter) Close() {}

// heldScheduler never runs scheduled work; tests drive it with Trigger.Flush.
type heldScheduler struct{}

type heldTimer struct{}

func (heldTimer) Stop() bool { return true }

func (heldScheduler) AfterFunc(time.Duration, func()) ban.Timer { return heldTimer{} }

type fakeListener struct {
	userID string
}

func (f *fakeListener) ServeWS(w http.ResponseWriter, _ *http.Request, userID string) {
	f.userID = userID
	w.WriteHeader(http.StatusNoContent)
}

type downAuth struct{}

func (downAuth) Authenticate(context.Context, string) (*auth.SessionContext, error) {
	return nil, auth.ErrAuthUnavailable
}
func (downAuth) SignOut(context.Context, string) error { return nil }
func (downAuth) RecordBan(context.Context, string, string) error { return nil }

type fakeReader struct {
	params chread.ListEventsParams
	rows   []chread.EventRow
	err    error
}

func (f *fakeReader) ListEvents(_ context.Context, p chread.ListEventsParams) ([]chread.EventRow, int, error) {
	f.params = p
	return f.rows, len(f.rows), f.err
}

func (f *fakeReader) GetEvent(_ context.Context, id string) (*chread.EventRow, error) {
	for i := range f.rows {
		if f.rows[i].EventID == id {
			return &f.rows[i], nil
		}
	}
	return nil, f.err
}

func (f *fakeReader) GetAnalytics(context.Context, int) (*chread.AnalyticsResult, error) {
	return &chread.AnalyticsResult{Summary: chread.SummaryStats{TotalScans: 3}}, f.err
}

// --- harness ---

type harness struct {
	handler  http.Handler
	deps     *Dependencies
	images   *fakeImages
	events   *memWriter
	auth     *auth.StaticAuthenticator
	listener *fakeListener
	reader   *fakeReader
}

const testOperatorToken = "op_dashboard"

func boolPtr(b bool) *bool { return &b }

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		images:   &fakeImages{},
		events:   &memWriter{},
		auth:     auth.NewStaticAuthenticator(),
		listener: &fakeListener{},
		reader:   &fakeReader{},
	}
	scanner := engine.NewScanner(engine.ScannerConfig{
		Enabled: true,
		Tools: engine.ToolRegistry{Tools: map[string]engine.ToolPolicy{
			"upscaler": {Enabled: boolPtr(false)},
		}},
		ImageSensitivity:  "medium",
		PromptSensitivity: "medium",
	}, engine.ScannerDeps{
		Images:      h.images,
		Interpreter: detectors.NewImageVerdictInterpreter(),
		Prompts:     detectors.NewPromptDetector(zap.NewNop()),
		Events:      h.events,
		Logger:      zap.NewNop(),
	})
	trigger := ban.NewTrigger(ban.Config{}, ban.Deps{
		Sessions:  h.auth,
		Recorder:  h.auth,
		Scheduler: heldScheduler{},
	})
	h.deps = &Dependencies{
		Scanner: scanner,
		Auth:    h.auth,
		Bans:    trigger,
		Hub:     h.listener,
		Reader:  h.reader,

		OperatorToken: testOperatorToken,
	}
	h.handler = NewRouter(h.deps)
	return h
}

func (h *harness) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

// --- tests ---

func TestHealthz(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestScan_RequiresAuth(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/v1/safescan", "", ScanReq{ToolType: "text-to-image"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(t, http.MethodPost, "/v1/safescan", "not-a-session", ScanReq{ToolType: "text-to-image"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestScan_AuthUnavailable(t *testing.T) {
	h := newHarness(t)
	h.deps.Auth = downAuth{}

	rec := h.do(t, http.MethodPost, "/v1/safescan", "ssk_alice", ScanReq{ToolType: "text-to-image"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestScan_BadRequest(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/v1/safescan", "ssk_alice", ScanReq{Prompt: "hi"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/safescan", bytes.NewBufferString("{"))
	req.Header.Set("Authorization", "Bearer ssk_alice")
	rr := httptest.NewRecorder()
	h.handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestScan_SafePrompt(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/v1/safescan", "ssk_alice", ScanReq{
		Prompt:   "a lighthouse in a storm",
		ToolType: "text-to-image",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[ScanResp](t, rec)
	require.NotNil(t, resp.Verdict)
	assert.True(t, resp.Verdict.Safe)
	assert.False(t, resp.ShowWarning)
	assert.Nil(t, resp.Warning)

	require.Len(t, h.events.events, 1)
	ev := h.events.events[0]
	assert.Equal(t, "alice", ev.UserID)
	assert.Equal(t, "none", ev.UserAction)
	assert.Equal(t, "api", ev.Source)
}

func TestScan_ChildSafetyPromptBlocked(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/v1/safescan", "ssk_alice", ScanReq{
		Prompt:   "my 16 year old niece in a sexual pose",
		ToolType: "text-to-image",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[ScanResp](t, rec)
	assert.False(t, resp.Verdict.Safe)
	assert.False(t, resp.Verdict.InstantBan)
	assert.True(t, resp.ShowWarning)
	require.NotNil(t, resp.Warning)
	assert.Equal(t, engine.SeverityError, resp.Warning.Severity)

	require.Len(t, h.events.events, 1)
	assert.Equal(t, "blocked", h.events.events[0].UserAction)

	_, fired := h.deps.Bans.Lookup(ban.Subject{UserID: "alice", SessionID: "static_alice"})
	assert.False(t, fired, "prompt violations never ban")
}

func TestScan_ForwardsAccessToken(t *testing.T) {
	h := newHarness(t)
	h.images.verdict = &engine.ImageVerdict{Safe: true, Confidence: 0.1}

	rec := h.do(t, http.MethodPost, "/v1/safescan", "ssk_alice", ScanReq{
		ImageURL: "https://cdn.example.com/a.png",
		ToolType: "image-to-video",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ssk_alice", h.images.lastToken)
}

func TestScan_InstantBan(t *testing.T) {
	h := newHarness(t)
	h.images.verdict = &engine.ImageVerdict{
		Safe:       false,
		Confidence: 0.8,
		Categories: []string{"minor", "nudity"},
	}

	rec := h.do(t, http.MethodPost, "/v1/safescan", "ssk_alice", ScanReq{
		ImageURL: "https://cdn.example.com/a.png",
		Prompt:   "a portrait",
		ToolType: "image-to-video",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[ScanResp](t, rec)
	assert.True(t, resp.Verdict.InstantBan)
	assert.Equal(t, engine.ReasonChildSexualImage, resp.Verdict.Reason)

	require.Len(t, h.events.events, 1)
	assert.Equal(t, "instant_ban", h.events.events[0].UserAction)

	p, fired := h.deps.Bans.Lookup(ban.Subject{UserID: "alice", SessionID: "static_alice"})
	require.True(t, fired)
	assert.Equal(t, ban.StateNotified, p.State())

	// the ban is recorded immediately: further requests are refused
	rec = h.do(t, http.MethodPost, "/v1/safescan", "ssk_alice", ScanReq{Prompt: "x", ToolType: "text-to-image"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	errResp := decode[ErrorResp](t, rec)
	assert.Equal(t, "/ban", errResp.Redirect)

	// once the grace period runs out the session is gone
	h.deps.Bans.Flush()
	assert.Equal(t, ban.StateRedirected, p.State())
	rec = h.do(t, http.MethodPost, "/v1/safescan", "ssk_alice", ScanReq{Prompt: "x", ToolType: "text-to-image"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// other users are unaffected
	rec = h.do(t, http.MethodPost, "/v1/safescan", "ssk_bob", ScanReq{Prompt: "x", ToolType: "text-to-image"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestScan_DisabledTool(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/v1/safescan", "ssk_alice", ScanReq{
		Prompt:   "my 16 year old niece in a sexual pose",
		ToolType: "upscaler",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[ScanResp](t, rec)
	assert.True(t, resp.Verdict.Safe)
	assert.False(t, resp.ShowWarning)
}

func TestLog(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/v1/safescan/log", "ssk_alice", LogReq{
		Verdict:    &engine.SafetyVerdict{Safe: false, OverallRisk: engine.RiskMedium, ToolType: "text-to-image"},
		UserAction: engine.UserActionModify,
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, h.events.events, 1)
	assert.Equal(t, "modify", h.events.events[0].UserAction)
	assert.Equal(t, "alice", h.events.events[0].UserID)

	rec = h.do(t, http.MethodPost, "/v1/safescan/log", "ssk_alice", LogReq{UserAction: engine.UserActionCancel})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLog_ServerOnlyActions(t *testing.T) {
	for _, action := range []engine.UserAction{engine.UserActionInstantBan, engine.UserActionBlocked} {
		t.Run(string(action), func(t *testing.T) {
			h := newHarness(t)

			rec := h.do(t, http.MethodPost, "/v1/safescan/log", "ssk_alice", LogReq{
				Verdict:    &engine.SafetyVerdict{Safe: false, InstantBan: true, Reason: engine.ReasonChildSexualImage},
				UserAction: action,
			})
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Empty(t, h.events.events)
		})
	}
}

func TestLog_ClientVerdictSanitized(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/v1/safescan/log", "ssk_alice", LogReq{
		Verdict: &engine.SafetyVerdict{
			Safe:        false,
			InstantBan:  true,
			Reason:      engine.ReasonChildSexualImage,
			OverallRisk: engine.RiskHigh,
			ToolType:    "image-to-video",
		},
		UserAction: engine.UserActionCancel,
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, h.events.events, 1)

	e := h.events.events[0]
	assert.False(t, e.InstantBan, "clients cannot record a ban")
	assert.Empty(t, e.Reason)
	assert.Equal(t, "cancel", e.UserAction)
	assert.Equal(t, "high", e.OverallRisk)
	assert.WithinDuration(t, time.Now().UTC(), e.Timestamp, time.Minute, "a verdict without a timestamp is stamped on arrival")

	_, fired := h.deps.Bans.Lookup(ban.Subject{UserID: "alice", SessionID: "static_alice"})
	assert.False(t, fired)
}

func TestWS_TokenQuery(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/v1/safescan/ws?token=ssk_carol", "", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "carol", h.listener.userID)

	// the query token is only accepted on the websocket route
	rec = h.do(t, http.MethodPost, "/v1/safescan?token=ssk_carol", "", ScanReq{ToolType: "text-to-image"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestTools(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/api/safescan/tools", testOperatorToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[ToolsResp](t, rec)
	assert.True(t, resp.Enabled)
	assert.Equal(t, "medium", resp.PromptSensitivity)
	assert.Equal(t, map[string]bool{"upscaler": false}, resp.Scanned)
}

func TestEvents(t *testing.T) {
	h := newHarness(t)
	h.reader.rows = []chread.EventRow{{EventID: "e1", UserID: "alice"}}

	rec := h.do(t, http.MethodGet, "/api/safescan/events?user_id=alice&instant_ban=true&page_size=500", testOperatorToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[EventListResp](t, rec)
	assert.Equal(t, 1, resp.Total)
	assert.Equal(t, 200, resp.PageSize)
	require.NotNil(t, h.reader.params.UserID)
	assert.Equal(t, "alice", *h.reader.params.UserID)
	require.NotNil(t, h.reader.params.InstantBan)
	assert.True(t, *h.reader.params.InstantBan)

	rec = h.do(t, http.MethodGet, "/api/safescan/events/e1", testOperatorToken, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/safescan/events/missing", testOperatorToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/safescan/analytics?days=500", testOperatorToken, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestEvents_ReaderErrors(t *testing.T) {
	h := newHarness(t)
	h.reader.err = errors.New("clickhouse down")

	rec := h.do(t, http.MethodGet, "/api/safescan/events", testOperatorToken, nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	h.deps.Reader = nil
	rec = h.do(t, http.MethodGet, "/api/safescan/events", testOperatorToken, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestDashboard_RequiresOperatorToken(t *testing.T) {
	paths := []string{
		"/api/safescan/events",
		"/api/safescan/events/e1",
		"/api/safescan/analytics",
		"/api/safescan/tools",
	}

	h := newHarness(t)
	h.reader.rows = []chread.EventRow{{EventID: "e1", UserID: "alice"}}
	for _, path := range paths {
		t.Run(path, func(t *testing.T) {
			rec := h.do(t, http.MethodGet, path, "", nil)
			assert.Equal(t, http.StatusUnauthorized, rec.Code, "no token")

			// a valid end-user session is not an operator
			rec = h.do(t, http.MethodGet, path, "ssk_alice", nil)
			assert.Equal(t, http.StatusUnauthorized, rec.Code, "session token")

			rec = h.do(t, http.MethodGet, path, "op_wrong", nil)
			assert.Equal(t, http.StatusUnauthorized, rec.Code, "wrong token")

			rec = h.do(t, http.MethodGet, path, testOperatorToken, nil)
			assert.Equal(t, http.StatusOK, rec.Code, "operator token")
		})
	}

	// no operator token configured: the dashboard is closed
	h = newHarness(t)
	h.deps.OperatorToken = ""
	for _, path := range paths {
		rec := h.do(t, http.MethodGet, path, testOperatorToken, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}
}

func TestCORSPreflight(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodOptions, "/v1/safescan", "", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
