package engine

import (
	"fmt"
	"time"
)

// Risk is the overall risk bucket of a merged verdict.
type Risk int

const (
	RiskLow Risk = iota + 1
	RiskMedium
	RiskHigh
	RiskUnknown
)

// String returns the lowercase risk name.
func (r Risk) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	default:
		return "unknown"
	}
}

// MarshalText encodes the risk as its lowercase name.
func (r Risk) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText parses a lowercase risk name.
func (r *Risk) UnmarshalText(b []byte) error {
	switch string(b) {
	case "low":
		*r = RiskLow
	case "medium":
		*r = RiskMedium
	case "high":
		*r = RiskHigh
	case "unknown", "":
		*r = RiskUnknown
	default:
		return fmt.Errorf("unknown risk %q", b)
	}
	return nil
}

// RiskFromConfidence buckets a confidence into high (>0.8), medium (>0.5) or low.
func RiskFromConfidence(confidence float64) Risk {
	switch {
	case confidence > 0.8:
		return RiskHigh
	case confidence > 0.5:
		return RiskMedium
	default:
		return RiskLow
	}
}

// Severity is the presentation level of a warning.
type Severity int

const (
	SeverityInfo Severity = iota + 1
	SeverityWarning
	SeverityError
)

// String returns the lowercase severity name.
func (s Severity) String() string {
	switch s {
	case SeverityError:
		return "error"
	case SeverityWarning:
		return "warning"
	default:
		return "info"
	}
}

// MarshalText encodes the severity as its lowercase name.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a lowercase severity name.
func (s *Severity) UnmarshalText(b []byte) error {
	switch string(b) {
	case "error":
		*s = SeverityError
	case "warning":
		*s = SeverityWarning
	case "info", "":
		*s = SeverityInfo
	default:
		return fmt.Errorf("unknown severity %q", b)
	}
	return nil
}

// Method records which path produced a prompt verdict.
type Method string

const (
	MethodRegexChildSafety Method = "regex-child-safety"
	MethodPermissive       Method = "permissive"
	MethodError            Method = "error"
	MethodSkipped          Method = "skipped"
)

// CategoryChildSafety is the only category that can fail a prompt check.
const CategoryChildSafety = "child-safety"

// ReasonChildSexualImage is the instant-ban reason for a child-sexual image.
const ReasonChildSexualImage = "child-sexual-image"

// UserAction is what the user did after seeing (or not seeing) a verdict.
type UserAction string

const (
	UserActionNone       UserAction = "none"
	UserActionContinue   UserAction = "continue"
	UserActionModify     UserAction = "modify"
	UserActionCancel     UserAction = "cancel"
	UserActionBlocked    UserAction = "blocked"
	UserActionInstantBan UserAction = "instant_ban"
)

// Valid reports whether a is one of the known actions.
func (a UserAction) Valid() bool {
	switch a {
	case UserActionNone, UserActionContinue, UserActionModify,
		UserActionCancel, UserActionBlocked, UserActionInstantBan:
		return true
	}
	return false
}

// ImageVerdict is the vision classifier output, raw or after interpretation.
type ImageVerdict struct {
	Safe                   bool     `json:"safe"`
	Confidence             float64  `json:"confidence"`
	Violations             []string `json:"violations"`
	Reasoning              string   `json:"reasoning"`
	Suggestions            []string `json:"suggestions"`
	Categories             []string `json:"categories,omitempty"`
	AnalysisError          bool     `json:"analysisError,omitempty"`
	FilteredForAdultNudity bool     `json:"filteredForAdultNudity,omitempty"`
	Skipped                bool     `json:"skipped,omitempty"`
}

// PromptVerdict is the local text classifier output.
type PromptVerdict struct {
	Safe          bool     `json:"safe"`
	Confidence    float64  `json:"confidence"`
	Violations    []string `json:"violations"`
	Reasoning     string   `json:"reasoning"`
	Suggestions   []string `json:"suggestions"`
	Category      string   `json:"category,omitempty"`
	Method        Method   `json:"method"`
	AnalysisError bool     `json:"analysisError,omitempty"`
	Skipped       bool     `json:"skipped,omitempty"`
}

// SafetyVerdict is the merged result of one scan.
type SafetyVerdict struct {
	Safe            bool           `json:"safe"`
	ImageAnalysis   *ImageVerdict  `json:"imageAnalysis"`
	PromptAnalysis  *PromptVerdict `json:"promptAnalysis"`
	OverallRisk     Risk           `json:"overallRisk"`
	Violations      []string       `json:"violations"`
	Recommendations []string       `json:"recommendations"`
	Confidence      float64        `json:"confidence"`
	InstantBan      bool           `json:"instantBan,omitempty"`
	Reason          string         `json:"reason,omitempty"`
	AnalysisError   bool           `json:"analysisError,omitempty"`
	ToolType        string         `json:"toolType"`
	Timestamp       time.Time      `json:"timestamp"`
}

// ImageFlagged reports whether the image sub-verdict ran and failed.
func (v *SafetyVerdict) ImageFlagged() bool {
	return v.ImageAnalysis != nil && !v.ImageAnalysis.Skipped && !v.ImageAnalysis.Safe
}

// PromptFlagged reports whether the prompt sub-verdict ran and failed.
func (v *SafetyVerdict) PromptFlagged() bool {
	return v.PromptAnalysis != nil && !v.PromptAnalysis.Skipped && !v.PromptAnalysis.Safe
}

// WarningPresentation is the UI projection of an unsafe verdict.
type WarningPresentation struct {
	Title           string   `json:"title"`
	Message         string   `json:"message"`
	Severity        Severity `json:"severity"`
	Violations      []string `json:"violations"`
	Recommendations []string `json:"recommendations"`
	ImageFlagged    bool     `json:"imageFlagged"`
	PromptFlagged   bool     `json:"promptFlagged"`
	RiskLevel       Risk     `json:"riskLevel"`
	Confidence      float64  `json:"confidence"`
}

// ScanRequest is the input of one scan. Empty strings mean absent.
type ScanRequest struct {
	ImageURL    string
	Prompt      string
	ToolType    string
	AccessToken string
	UserID      string
}

func skippedImage() *ImageVerdict {
	return &ImageVerdict{Safe: true, Skipped: true, Violations: []string{}, Suggestions: []string{}}
}

func skippedPrompt() *PromptVerdict {
	return &PromptVerdict{Safe: true, Skipped: true, Method: MethodSkipped, Violations: []string{}, Suggestions: []string{}}
}
