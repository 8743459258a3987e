package engine

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/google/uuid"
	"github.com/triage-ai/safescan/internal/storage"
	"go.uber.org/zap"
)

// LogSubject identifies who produced a verdict and on what input.
// Every field is optional.
type LogSubject struct {
	UserID    string
	SessionID string
	Prompt    string
	ImageURL  string
	LatencyMs float32
	Source    string
}

// LogSafetyAnalysis records a verdict and the user's reaction to it.
// A verdict without a timestamp is stamped with the current time.
// Best-effort: it never blocks and never fails the caller.
func (s *Scanner) LogSafetyAnalysis(v *SafetyVerdict, action UserAction, subj LogSubject) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn("safety analysis log dropped", zap.Any("panic", r))
		}
	}()

	if v == nil {
		return
	}
	if !action.Valid() {
		action = UserActionNone
	}
	e := newSafetyEvent(v, action, subj)
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now().UTC()
	}
	s.events.Write(e)
}

func newSafetyEvent(v *SafetyVerdict, action UserAction, subj LogSubject) *storage.SafetyEvent {
	source := subj.Source
	if source == "" {
		source = "api"
	}

	e := &storage.SafetyEvent{
		EventID:         uuid.New().String(),
		Timestamp:       v.Timestamp,
		UserID:          subj.UserID,
		SessionID:       subj.SessionID,
		ToolType:        v.ToolType,
		UserAction:      string(action),
		Safe:            v.Safe,
		InstantBan:      v.InstantBan,
		AnalysisError:   v.AnalysisError,
		Reason:          v.Reason,
		OverallRisk:     v.OverallRisk.String(),
		Confidence:      float32(v.Confidence),
		Violations:      v.Violations,
		Recommendations: v.Recommendations,
		ImageURL:        subj.ImageURL,
		LatencyMs:       subj.LatencyMs,
		Source:          source,
	}

	if img := v.ImageAnalysis; img != nil && !img.Skipped {
		e.ImageChecked = true
		e.ImageAnalysisError = img.AnalysisError
		e.ImageFilteredAdult = img.FilteredForAdultNudity
		e.ImageCategories = img.Categories
	}
	if p := v.PromptAnalysis; p != nil && !p.Skipped {
		e.PromptChecked = true
		e.PromptMethod = string(p.Method)
		e.PromptCategory = p.Category
	}
	if subj.Prompt != "" {
		sum := sha256.Sum256([]byte(subj.Prompt))
		e.PromptHash = hex.EncodeToString(sum[:])
		e.PromptPreview = storage.TruncatePrompt(subj.Prompt, storage.PromptPreviewLength)
	}
	return e
}
