package detectors

import (
	"github.com/triage-ai/safescan/internal/engine"
	"go.uber.org/zap"
)

const (
	childSafetyConfidence = 0.95
	childSafetyViolation  = "Prompt references a minor in a sexual context"
	childSafetyReasoning  = "A minor indicator appears close to sexual content"
)

var childSafetySuggestions = []string{
	"Remove any reference to minors, ages under 18, schools or family members",
	"Keep the scenario strictly between adults aged 18 or older",
}

// PromptDetector is the prompt half of the scan. Adult content is permitted;
// only child-safety violations fail the check.
type PromptDetector struct {
	classifier *ChildSafetyClassifier
	logger     *zap.Logger
}

// NewPromptDetector creates a prompt detector backed by the child-safety rules.
func NewPromptDetector(logger *zap.Logger) *PromptDetector {
	return &PromptDetector{
		classifier: defaultClassifier,
		logger:     logger,
	}
}

// AnalyzePromptSafety classifies a non-empty prompt. It always returns a
// verdict; an internal fault yields a fail-open verdict with AnalysisError.
func (d *PromptDetector) AnalyzePromptSafety(prompt string) (v *engine.PromptVerdict) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Warn("prompt analysis failed, failing open", zap.Any("panic", r))
			v = &engine.PromptVerdict{
				Safe:          true,
				Confidence:    0,
				Violations:    []string{},
				Suggestions:   []string{},
				Method:        engine.MethodError,
				AnalysisError: true,
			}
		}
	}()

	if d.classifier.Violates(prompt) {
		return &engine.PromptVerdict{
			Safe:        false,
			Confidence:  childSafetyConfidence,
			Violations:  []string{childSafetyViolation},
			Reasoning:   childSafetyReasoning,
			Suggestions: append([]string(nil), childSafetySuggestions...),
			Category:    engine.CategoryChildSafety,
			Method:      engine.MethodRegexChildSafety,
		}
	}

	return &engine.PromptVerdict{
		Safe:        true,
		Confidence:  1.0,
		Violations:  []string{},
		Suggestions: []string{},
		Method:      engine.MethodPermissive,
	}
}

// MatchedRules exposes which rules fired, for diagnostics.
func (d *PromptDetector) MatchedRules(prompt string) []string {
	return d.classifier.MatchedRules(prompt)
}
