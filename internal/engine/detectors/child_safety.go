package detectors

import (
	"regexp"
	"strconv"
)

// proximityGap is the maximum number of characters allowed between two
// indicators for a rule to match.
const proximityGap = 80

// Indicator vocabularies. They run on Normalize output: digits inside words
// are already folded to letters, free-standing numbers keep their digits.
const (
	// ageVocab matches ages 0-17 followed by a unit (yo, y/o, yrs, year old).
	ageVocab = `\b(?:1[0-7]|[0-9])[\s-]*(?:y/o|y\.o\b\.?|yo\b|yrs?\b(?:[\s-]*old\b)?|years?[\s-]*old\b)`

	minorVocab = `\b(?:infants?|toddlers?|child(?:ren|like|ish)?|kids?|kiddies|minors?|under[\s-]?aged?|` +
		`pre[\s-]?teens?|tweens?|teens?|teenagers?|teenage|juveniles?|` +
		`school[\s-]?(?:boy|girl)s?|(?:high|middle)[\s-]?schoolers?|loli|shota)\b`

	schoolVocab = `\b(?:kindergarten|pre[\s-]?school|elementary(?:\s+school)?|primary\s+school|middle\s+school|` +
		`junior\s+high|home[\s-]?room|school[\s-]?uniforms?|playground|recess|day[\s-]?care|nursery)\b`

	familyVocab = `\b(?:step[\s-]?)?(?:daughters?|sons?|nieces?|nephews?|sisters?|brothers?)\b`

	sexVocab = `\b(?:sex(?:ual(?:ly|ized|ised|ity)?|y)?|nudes?|nudity|naked|explicit|` +
		`porn(?:o|ography|ographic)?|erotic(?:a|ism)?|rape[ds]?|raping|molest(?:ed|ing|ation|er)?|` +
		`assault(?:ed|ing)?|incest(?:uous)?|intercourse|genitals?|genitalia|nsfw|lewd|xxx|orgasm|topless)\b`

	gradeVocab = `\b(?:(?:1st|2nd|3rd|4th|5th|6th|7th|8th|9th|10th|11th|12th|` +
		`first|second|third|fourth|fifth|sixth|seventh|eighth|ninth|tenth|eleventh|twelfth)[\s-]*grade(?:rs?)?|` +
		`grade[\s-]*school(?:ers?)?|kindergarten(?:ers?)?)\b`

	corruptVocab = `\b(?:deflower(?:ed|ing)?|corrupt(?:ed|ing|ion)?|first[\s-]+time|innocen(?:t|ce))\b`
)

// proximityRule pairs two indicator patterns. The rule matches when one
// appears within proximityGap characters of the other, in either order.
type proximityRule struct {
	name string
	a    string
	b    string
}

// childSafetyRules is the entire prompt policy: a minor indicator near a
// sexual indicator, or grooming language near an age or minor indicator.
var childSafetyRules = []proximityRule{
	{"age_sexual", ageVocab, sexVocab},
	{"minor_sexual", minorVocab, sexVocab},
	{"school_sexual", schoolVocab + `|` + gradeVocab, sexVocab},
	{"family_sexual", familyVocab, sexVocab},
	{"corrupt_minor", corruptVocab, ageVocab + `|` + minorVocab},
}

// Indicator patterns used on free text such as vision classifier reasoning.
var (
	minorIndicatorRe  = regexp.MustCompile(`(?is)` + minorVocab + `|` + ageVocab + `|` + gradeVocab)
	sexualIndicatorRe = regexp.MustCompile(`(?is)` + sexVocab)
)

type compiledRule struct {
	name string
	re   *regexp.Regexp
}

// ChildSafetyClassifier applies the proximity rules to normalized text.
// Safe for concurrent use.
type ChildSafetyClassifier struct {
	rules []compiledRule
}

// NewChildSafetyClassifier compiles the rule table.
func NewChildSafetyClassifier() *ChildSafetyClassifier {
	return newClassifier(childSafetyRules)
}

func newClassifier(rules []proximityRule) *ChildSafetyClassifier {
	c := &ChildSafetyClassifier{rules: make([]compiledRule, 0, len(rules))}
	for _, r := range rules {
		c.rules = append(c.rules, compiledRule{name: r.name, re: compileProximity(r.a, r.b, proximityGap)})
	}
	return c
}

// compileProximity builds (A).{0,gap}?(B)|(B).{0,gap}?(A).
func compileProximity(a, b string, gap int) *regexp.Regexp {
	g := `.{0,` + strconv.Itoa(gap) + `}?`
	return regexp.MustCompile(`(?is)(?:` + a + `)` + g + `(?:` + b + `)|(?:` + b + `)` + g + `(?:` + a + `)`)
}

// Violates reports whether any rule matches the normalized text.
func (c *ChildSafetyClassifier) Violates(text string) bool {
	normalized := Normalize(text)
	for _, r := range c.rules {
		if r.re.MatchString(normalized) {
			return true
		}
	}
	return false
}

// MatchedRules returns the names of every rule that matches, in table order.
func (c *ChildSafetyClassifier) MatchedRules(text string) []string {
	normalized := Normalize(text)
	var matched []string
	for _, r := range c.rules {
		if r.re.MatchString(normalized) {
			matched = append(matched, r.name)
		}
	}
	return matched
}

// RuleNames lists the rules in evaluation order.
func (c *ChildSafetyClassifier) RuleNames() []string {
	names := make([]string, len(c.rules))
	for i, r := range c.rules {
		names[i] = r.name
	}
	return names
}

var defaultClassifier = NewChildSafetyClassifier()

// PromptViolatesChildSafety reports whether the prompt places a minor
// indicator near a sexual indicator.
func PromptViolatesChildSafety(text string) bool {
	return defaultClassifier.Violates(text)
}

// TextHasMinorIndicator reports whether text mentions a minor, an age under
// 18 or a school grade.
func TextHasMinorIndicator(text string) bool {
	if text == "" {
		return false
	}
	return minorIndicatorRe.MatchString(Normalize(text))
}

// TextHasSexualIndicator reports whether text contains sexual vocabulary.
func TextHasSexualIndicator(text string) bool {
	if text == "" {
		return false
	}
	return sexualIndicatorRe.MatchString(Normalize(text))
}
