package api

import (
	"github.com/triage-ai/safescan/internal/chread"
	"github.com/triage-ai/safescan/internal/engine"
)

// --- POST /v1/safescan request/response ---

// ScanReq is the JSON body for POST /v1/safescan. imageUrl and prompt are
// optional; an empty value means absent.
type ScanReq struct {
	ImageURL string `json:"imageUrl,omitempty"`
	Prompt   string `json:"prompt,omitempty"`
	ToolType string `json:"toolType"`
}

// ScanResp carries the verdict and its UI projection.
type ScanResp struct {
	Verdict     *engine.SafetyVerdict       `json:"verdict"`
	ShowWarning bool                        `json:"showWarning"`
	Warning     *engine.WarningPresentation `json:"warning"`
	LatencyMs   float64                     `json:"latencyMs"`
}

// --- POST /v1/safescan/log ---

// LogReq is the JSON body for POST /v1/safescan/log.
type LogReq struct {
	Verdict    *engine.SafetyVerdict `json:"verdict"`
	UserAction engine.UserAction     `json:"userAction"`
}

// --- GET /api/safescan/tools ---

// ToolsResp describes the effective scan policy.
type ToolsResp struct {
	Enabled           bool                         `json:"enabled"`
	ImageSensitivity  string                       `json:"image_sensitivity"`
	PromptSensitivity string                       `json:"prompt_sensitivity"`
	Tools             map[string]engine.ToolPolicy `json:"tools"`
	Scanned           map[string]bool              `json:"scanned"`
}

// --- Safety events ---

// EventListResp is a page of safety events.
type EventListResp struct {
	Events   []chread.EventRow `json:"events"`
	Total    int               `json:"total"`
	Page     int               `json:"page"`
	PageSize int               `json:"page_size"`
}

// ErrorResp is a standard error response body. Redirect is set when the
// client must navigate away (banned users).
type ErrorResp struct {
	Detail   string `json:"detail"`
	Redirect string `json:"redirect,omitempty"`
}
