package engine

import (
	"context"
	"strings"
	"time"

	"github.com/triage-ai/safescan/internal/storage"
	"go.uber.org/zap"
)

// childSexualImageViolation is the single violation reported on an instant ban.
const childSexualImageViolation = "Image appears to depict sexual content involving a minor"

// ScannerConfig is the immutable scan policy a Scanner is built with.
type ScannerConfig struct {
	Enabled           bool
	Tools             ToolRegistry
	ImageSensitivity  string
	PromptSensitivity string
}

// Scanner runs the pre-generation safety gate: image check, then prompt
// check, merged into one SafetyVerdict. It never returns an error; every
// internal failure degrades to a fail-open verdict.
type Scanner struct {
	cfg         ScannerConfig
	images      ImageAnalyzer // nil disables image analysis (fail-open)
	interpreter ImageInterpreter
	prompts     PromptAnalyzer
	events      storage.EventWriter
	logger      *zap.Logger
	now         func() time.Time
}

// ScannerDeps holds the collaborators of a Scanner.
type ScannerDeps struct {
	Images      ImageAnalyzer
	Interpreter ImageInterpreter
	Prompts     PromptAnalyzer
	Events      storage.EventWriter
	Logger      *zap.Logger
}

// NewScanner creates a scanner with the given policy and collaborators.
func NewScanner(cfg ScannerConfig, deps ScannerDeps) *Scanner {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	events := deps.Events
	if events == nil {
		events = storage.NewLogWriter(logger)
	}
	return &Scanner{
		cfg:         cfg,
		images:      deps.Images,
		interpreter: deps.Interpreter,
		prompts:     deps.Prompts,
		events:      events,
		logger:      logger,
		now:         time.Now,
	}
}

// Config returns the scan policy the scanner was built with.
func (s *Scanner) Config() ScannerConfig {
	return s.cfg
}

// IsScanEnabled reports whether a scan of the tool type would run.
func (s *Scanner) IsScanEnabled(toolType string) bool {
	return s.cfg.Enabled && s.cfg.Tools.IsScanEnabled(toolType)
}

// PerformSafetyAnalysis is the single entry point generation pages call
// before submitting a job.
//
// Flow:
//  1. Scanning disabled globally or for the tool: safe, both halves skipped
//  2. Image present: classify; child-sexual content returns an instant-ban
//     verdict without evaluating the prompt, anything else is downgraded
//  3. Prompt present: regex child-safety check
//  4. Merge both halves (see Merge)
//
// The instant ban is returned as a command on the verdict; the caller runs it.
func (s *Scanner) PerformSafetyAnalysis(ctx context.Context, req *ScanRequest) (verdict *SafetyVerdict) {
	if req == nil {
		req = &ScanRequest{}
	}
	toolType := req.ToolType

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("safety analysis panicked, failing open",
				zap.String("tool_type", toolType),
				zap.Any("panic", r),
			)
			verdict = s.failOpen(toolType)
		}
	}()

	if !s.IsScanEnabled(toolType) {
		return s.bypass(toolType)
	}

	image := skippedImage()
	if req.ImageURL != "" {
		raw := s.analyzeImage(ctx, req)
		if s.interpreter.IsChildSexualImage(raw) {
			s.logger.Error("child sexual image detected",
				zap.String("tool_type", toolType),
				zap.String("user_id", req.UserID),
				zap.Float64("confidence", raw.Confidence),
			)
			return s.instantBan(toolType, raw)
		}
		image = s.interpreter.Downgrade(raw)
	}

	prompt := skippedPrompt()
	if strings.TrimSpace(req.Prompt) != "" {
		prompt = s.prompts.AnalyzePromptSafety(req.Prompt)
	}

	m := Merge(image, prompt)
	return &SafetyVerdict{
		Safe:            m.Safe,
		ImageAnalysis:   image,
		PromptAnalysis:  prompt,
		OverallRisk:     m.Risk,
		Violations:      m.Violations,
		Recommendations: m.Recommendations,
		Confidence:      m.Confidence,
		ToolType:        toolType,
		Timestamp:       s.now().UTC(),
	}
}

// analyzeImage calls the vision classifier. Any failure yields the
// synthetic fail-open verdict {safe, confidence 0, analysisError}.
func (s *Scanner) analyzeImage(ctx context.Context, req *ScanRequest) *ImageVerdict {
	if s.images == nil {
		s.logger.Warn("no image analyzer configured, skipping image check")
		return imageUnavailable()
	}

	policy := s.cfg.Tools.GetToolPolicy(req.ToolType)
	v, err := s.images.AnalyzeImage(ctx, &ImageRequest{
		ImageURL:    req.ImageURL,
		Prompt:      req.Prompt,
		Sensitivity: policy.EffectiveImageSensitivity(s.cfg.ImageSensitivity),
		AccessToken: req.AccessToken,
	})
	if err != nil {
		s.logger.Warn("image analysis unavailable, failing open",
			zap.String("tool_type", req.ToolType),
			zap.Error(err),
		)
		return imageUnavailable()
	}
	if v == nil {
		return imageUnavailable()
	}
	return v
}

func (s *Scanner) bypass(toolType string) *SafetyVerdict {
	return &SafetyVerdict{
		Safe:            true,
		ImageAnalysis:   skippedImage(),
		PromptAnalysis:  skippedPrompt(),
		OverallRisk:     RiskLow,
		Violations:      []string{},
		Recommendations: []string{},
		ToolType:        toolType,
		Timestamp:       s.now().UTC(),
	}
}

func (s *Scanner) instantBan(toolType string, image *ImageVerdict) *SafetyVerdict {
	return &SafetyVerdict{
		Safe:            false,
		ImageAnalysis:   image,
		PromptAnalysis:  skippedPrompt(),
		OverallRisk:     RiskHigh,
		Violations:      []string{childSexualImageViolation},
		Recommendations: []string{},
		Confidence:      max(0.9, image.Confidence),
		InstantBan:      true,
		Reason:          ReasonChildSexualImage,
		ToolType:        toolType,
		Timestamp:       s.now().UTC(),
	}
}

func (s *Scanner) failOpen(toolType string) *SafetyVerdict {
	return &SafetyVerdict{
		Safe:            true,
		ImageAnalysis:   skippedImage(),
		PromptAnalysis:  skippedPrompt(),
		OverallRisk:     RiskUnknown,
		Violations:      []string{},
		Recommendations: []string{},
		AnalysisError:   true,
		ToolType:        toolType,
		Timestamp:       s.now().UTC(),
	}
}

func imageUnavailable() *ImageVerdict {
	return &ImageVerdict{
		Safe:          true,
		Confidence:    0,
		Violations:    []string{},
		Suggestions:   []string{},
		Reasoning:     "image analysis unavailable",
		AnalysisError: true,
	}
}
