package storage

import "time"

// EventWriter is the interface for writing safety events.
// Write() must NEVER block the caller.
type EventWriter interface {
	Write(event *SafetyEvent)
	Close()
}

// SafetyEvent represents a single scan outcome (and the user's reaction to it)
// to be persisted.
type SafetyEvent struct {
	EventID            string
	Timestamp          time.Time
	UserID             string
	SessionID          string
	ToolType           string
	UserAction         string // "none", "continue", "modify", "cancel", "blocked", "instant_ban"
	Safe               bool
	InstantBan         bool
	AnalysisError      bool
	Reason             string
	OverallRisk        string
	Confidence         float32
	Violations         []string
	Recommendations    []string
	ImageChecked       bool
	ImageAnalysisError bool
	ImageFilteredAdult bool
	ImageCategories    []string
	PromptChecked      bool
	PromptMethod       string
	PromptCategory     string
	PromptPreview      string // First 500 chars
	PromptHash         string // SHA256 hex of full prompt
	ImageURL           string
	LatencyMs          float32
	Source             string // "api" or "cli"
}

// PromptPreviewLength is the max chars stored in prompt_preview.
const PromptPreviewLength = 500

// TruncatePrompt returns the first N characters (runes) of a prompt for
// preview storage. It never splits a multi-byte UTF-8 character.
func TruncatePrompt(prompt string, maxLen int) string {
	runes := []rune(prompt)
	if len(runes) <= maxLen {
		return prompt
	}
	return string(runes[:maxLen])
}
