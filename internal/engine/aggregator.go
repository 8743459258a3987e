package engine

// MergeResult holds the combined fields of an image and a prompt verdict.
type MergeResult struct {
	Safe            bool
	Risk            Risk
	Violations      []string
	Recommendations []string
	Confidence      float64
}

// Merge combines the image and prompt sub-verdicts into one decision.
// A nil or skipped sub-verdict counts as safe.
//
// Rules:
//  1. Safe only if neither sub-verdict has Safe=false
//  2. Risk is low when safe, otherwise the max confidence bucketed by RiskFromConfidence
//  3. Violations and suggestions are unioned in order (image first), duplicates dropped
func Merge(image *ImageVerdict, prompt *PromptVerdict) MergeResult {
	safe := true
	var confidence float64
	violations := make([]string, 0)
	recommendations := make([]string, 0)

	if image != nil {
		safe = safe && image.Safe
		confidence = max(confidence, image.Confidence)
		violations = appendUnique(violations, image.Violations...)
		recommendations = appendUnique(recommendations, image.Suggestions...)
	}
	if prompt != nil {
		safe = safe && prompt.Safe
		confidence = max(confidence, prompt.Confidence)
		violations = appendUnique(violations, prompt.Violations...)
		recommendations = appendUnique(recommendations, prompt.Suggestions...)
	}

	risk := RiskLow
	if !safe {
		risk = RiskFromConfidence(confidence)
	}

	return MergeResult{
		Safe:            safe,
		Risk:            risk,
		Violations:      violations,
		Recommendations: recommendations,
		Confidence:      confidence,
	}
}

func appendUnique(dst []string, items ...string) []string {
	for _, item := range items {
		dup := false
		for _, have := range dst {
			if have == item {
				dup = true
				break
			}
		}
		if !dup {
			dst = append(dst, item)
		}
	}
	return dst
}
