package detectors

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/triage-ai/safescan/internal/engine"
)

// Substring signals in vision classifier categories and violations.
var (
	minorLabelRe  = regexp.MustCompile(`minor|underage|child|teen|youth`)
	sexualLabelRe = regexp.MustCompile(`sexual|nudity|explicit|porn|xxx|erotic`)
)

// ImageVerdictInterpreter turns a raw vision verdict into the gate's image
// decision. Only child-sexual content blocks; every other flag is dropped.
type ImageVerdictInterpreter struct{}

func NewImageVerdictInterpreter() *ImageVerdictInterpreter {
	return &ImageVerdictInterpreter{}
}

// IsChildSexualImage reports whether the verdict shows both a minor signal
// and a sexual signal. Labels and reasoning are checked first; if they do not
// carry both signals, the whole serialized verdict is searched.
func (ImageVerdictInterpreter) IsChildSexualImage(v *engine.ImageVerdict) bool {
	return IsChildSexualImage(v)
}

// Downgrade rewrites a verdict that is not child-sexual into a passing one.
func (ImageVerdictInterpreter) Downgrade(v *engine.ImageVerdict) *engine.ImageVerdict {
	return DowngradeImageVerdict(v)
}

// IsChildSexualImage is the stateless form of ImageVerdictInterpreter.IsChildSexualImage.
func IsChildSexualImage(v *engine.ImageVerdict) bool {
	if v == nil {
		return false
	}

	labels := make([]string, 0, len(v.Categories)+len(v.Violations))
	for _, c := range v.Categories {
		labels = append(labels, strings.ToLower(c))
	}
	for _, c := range v.Violations {
		labels = append(labels, strings.ToLower(c))
	}

	hasMinor := anyMatch(minorLabelRe, labels) || TextHasMinorIndicator(v.Reasoning)
	hasSex := anyMatch(sexualLabelRe, labels) || TextHasSexualIndicator(v.Reasoning)
	if hasMinor && hasSex {
		return true
	}

	blob, err := json.Marshal(v)
	if err != nil {
		return false
	}
	text := strings.ToLower(string(blob))
	return TextHasMinorIndicator(text) && TextHasSexualIndicator(text)
}

// DowngradeImageVerdict returns a copy marked safe and filtered, with
// violations and suggestions cleared. Other fields are kept.
func DowngradeImageVerdict(v *engine.ImageVerdict) *engine.ImageVerdict {
	if v == nil {
		return nil
	}
	out := *v
	out.Safe = true
	out.FilteredForAdultNudity = true
	out.Violations = []string{}
	out.Suggestions = []string{}
	if v.Categories != nil {
		out.Categories = append([]string(nil), v.Categories...)
	}
	return &out
}

func anyMatch(re *regexp.Regexp, items []string) bool {
	for _, s := range items {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}
