package engine

import (
	"context"
)

// ImageAnalyzer calls the external vision classifier.
// Implementations must respect ctx deadlines. An error is treated by the
// scanner as an unavailable classifier, never as a verdict.
type ImageAnalyzer interface {
	AnalyzeImage(ctx context.Context, req *ImageRequest) (*ImageVerdict, error)
}

// ImageRequest is the payload sent to the vision classifier.
type ImageRequest struct {
	ImageURL    string
	Prompt      string
	Sensitivity string
	AccessToken string
}

// ImageInterpreter decides whether a raw vision verdict is child-sexual
// content and rewrites every other verdict into a non-blocking one.
type ImageInterpreter interface {
	IsChildSexualImage(v *ImageVerdict) bool
	Downgrade(v *ImageVerdict) *ImageVerdict
}

// PromptAnalyzer classifies a non-empty prompt. It must always return a verdict.
type PromptAnalyzer interface {
	AnalyzePromptSafety(prompt string) *PromptVerdict
}
