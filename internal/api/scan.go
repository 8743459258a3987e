package api

import (
	"net/http"
	"time"

	"github.com/triage-ai/safescan/internal/ban"
	"github.com/triage-ai/safescan/internal/engine"
	"go.uber.org/zap"
)

// handleScan implements POST /v1/safescan.
// Auth middleware has already validated the session and injected it.
func (d *Dependencies) handleScan(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req ScanReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	if req.ToolType == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "toolType is required"})
		return
	}

	sess := sessionFromContext(r.Context())
	if sess == nil {
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "missing session context"})
		return
	}

	verdict := d.Scanner.PerformSafetyAnalysis(r.Context(), &engine.ScanRequest{
		ImageURL:    req.ImageURL,
		Prompt:      req.Prompt,
		ToolType:    req.ToolType,
		AccessToken: tokenFromContext(r.Context()),
		UserID:      sess.UserID,
	})
	latencyMs := float64(time.Since(start)) / float64(time.Millisecond)

	action := engine.UserActionNone
	switch {
	case verdict.InstantBan:
		action = engine.UserActionInstantBan
		if d.Bans != nil {
			d.Bans.Fire(ban.Subject{UserID: sess.UserID, SessionID: sess.SessionID}, verdict.Reason)
		} else {
			d.Logger.Error("instant ban verdict with no ban trigger configured",
				zap.String("user_id", sess.UserID),
			)
		}
	case verdict.PromptFlagged():
		action = engine.UserActionBlocked
	}

	d.Scanner.LogSafetyAnalysis(verdict, action, engine.LogSubject{
		UserID:    sess.UserID,
		SessionID: sess.SessionID,
		Prompt:    req.Prompt,
		ImageURL:  req.ImageURL,
		LatencyMs: float32(latencyMs),
		Source:    "api",
	})

	writeJSON(w, http.StatusOK, ScanResp{
		Verdict:     verdict,
		ShowWarning: engine.ShouldShowWarning(verdict),
		Warning:     engine.GetSafetyWarningMessage(verdict),
		LatencyMs:   latencyMs,
	})
}

// handleLog implements POST /v1/safescan/log: the client reports what the
// user did with a verdict. Bans and blocks are only ever recorded by
// handleScan, so the client may not claim them.
func (d *Dependencies) handleLog(w http.ResponseWriter, r *http.Request) {
	var req LogReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	if req.Verdict == nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "verdict is required"})
		return
	}
	switch req.UserAction {
	case engine.UserActionInstantBan, engine.UserActionBlocked:
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "userAction " + string(req.UserAction) + " is recorded by the server"})
		return
	}

	verdict := *req.Verdict
	verdict.InstantBan = false
	verdict.Reason = ""

	sess := sessionFromContext(r.Context())
	subj := engine.LogSubject{Source: "api"}
	if sess != nil {
		subj.UserID = sess.UserID
		subj.SessionID = sess.SessionID
	}
	d.Scanner.LogSafetyAnalysis(&verdict, req.UserAction, subj)

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// handleWS implements GET /v1/safescan/ws.
func (d *Dependencies) handleWS(w http.ResponseWriter, r *http.Request) {
	if d.Hub == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "Notifications not configured"})
		return
	}
	sess := sessionFromContext(r.Context())
	if sess == nil {
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "missing session context"})
		return
	}
	d.Hub.ServeWS(w, r, sess.UserID)
}

// handleTools implements GET /api/safescan/tools.
func (d *Dependencies) handleTools(w http.ResponseWriter, _ *http.Request) {
	cfg := d.Scanner.Config()
	tools := cfg.Tools.Tools
	if tools == nil {
		tools = map[string]engine.ToolPolicy{}
	}
	writeJSON(w, http.StatusOK, ToolsResp{
		Enabled:           cfg.Enabled,
		ImageSensitivity:  cfg.ImageSensitivity,
		PromptSensitivity: cfg.PromptSensitivity,
		Tools:             tools,
		Scanned:           cfg.Tools.Snapshot(),
	})
}
