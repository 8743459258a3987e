package engine

// warningThreshold is the confidence a failed verdict needs before a warning is shown.
const warningThreshold = 0.3

const (
	childSafetyTitle   = "Possible Child Safety Violation"
	childSafetyMessage = "Your prompt appears to reference a minor in a sexual context. " +
		"Content that sexualizes minors is prohibited and cannot be generated."

	imageWarningTitle   = "Image Content Warning"
	imageWarningMessage = "The uploaded image was flagged by our content safety check. " +
		"Please review it before continuing."

	genericWarningTitle   = "Content Warning"
	genericWarningMessage = "Your request was flagged by our content safety check. " +
		"Please review it before continuing."
)

// ShouldShowWarning reports whether the verdict should block submission
// behind a warning. A verdict from a failed analysis never shows a warning.
func ShouldShowWarning(v *SafetyVerdict) bool {
	if v == nil || v.AnalysisError {
		return false
	}
	return !v.Safe && v.Confidence > warningThreshold
}

// GetSafetyWarningMessage projects an unsafe verdict into a warning.
// Returns nil for a nil or safe verdict.
//
// The image-flagged branch is not reachable through Scanner, whose only
// unsafe image outcome is the instant ban; it serves hand-built verdicts.
func GetSafetyWarningMessage(v *SafetyVerdict) *WarningPresentation {
	if v == nil || v.Safe {
		return nil
	}

	imageFlagged := v.ImageFlagged()
	promptFlagged := v.PromptFlagged()

	p := &WarningPresentation{
		Violations:      v.Violations,
		Recommendations: v.Recommendations,
		ImageFlagged:    imageFlagged,
		PromptFlagged:   promptFlagged,
		RiskLevel:       v.OverallRisk,
		Confidence:      v.Confidence,
	}

	switch {
	case promptFlagged && v.PromptAnalysis.Category == CategoryChildSafety:
		p.Title, p.Message, p.Severity = childSafetyTitle, childSafetyMessage, SeverityError
	case imageFlagged:
		p.Title, p.Message, p.Severity = imageWarningTitle, imageWarningMessage, SeverityWarning
	default:
		p.Title, p.Message, p.Severity = genericWarningTitle, genericWarningMessage, SeverityWarning
	}
	return p
}
