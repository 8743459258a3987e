package detectors

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// separatorRun matches two or more consecutive whitespace, '.', '_' or '-' characters.
var separatorRun = regexp.MustCompile(`[\s._-]{2,}`)

// leetDigits maps the digits that commonly stand in for letters.
var leetDigits = map[rune]rune{
	'0': 'o',
	'1': 'i',
	'3': 'e',
	'5': 's',
	'7': 't',
}

// leetFold lowercases and maps symbol substitutions back to letters. Digits
// are left to foldEmbeddedDigits.
func leetFold(r rune) rune {
	r = unicode.ToLower(r)
	switch r {
	case '@':
		return 'a'
	case '¡':
		return 'i'
	}
	return r
}

// foldEmbeddedDigits rewrites digit runs wedged between two letters ("s3x",
// "p0rn", "t33n"). Free-standing numbers such as "15 yo", "17yo" or "7th"
// keep their digits so the age and grade patterns can read them.
func foldEmbeddedDigits(s string) string {
	rs := []rune(s)
	changed := false
	for i := 0; i < len(rs); {
		if rs[i] < '0' || rs[i] > '9' {
			i++
			continue
		}
		j := i
		for j < len(rs) && rs[j] >= '0' && rs[j] <= '9' {
			j++
		}
		if i > 0 && j < len(rs) && unicode.IsLetter(rs[i-1]) && unicode.IsLetter(rs[j]) && allLeet(rs[i:j]) {
			for k := i; k < j; k++ {
				rs[k] = leetDigits[rs[k]]
			}
			changed = true
		}
		i = j
	}
	if !changed {
		return s
	}
	return string(rs)
}

func allLeet(rs []rune) bool {
	for _, r := range rs {
		if _, ok := leetDigits[r]; !ok {
			return false
		}
	}
	return true
}

// Normalize prepares text for the child-safety rules:
// NFKC, lowercase, symbol folding, digits inside words folded to letters,
// then separator runs collapsed to one space.
// Normalize is idempotent.
func Normalize(s string) string {
	if s == "" {
		return ""
	}

	// transform.Chain keeps per-call state, so build one per call.
	t := transform.Chain(norm.NFKC, runes.Map(leetFold))
	out, _, err := transform.String(t, s)
	if err != nil {
		out = strings.Map(leetFold, s)
	}

	return separatorRun.ReplaceAllString(foldEmbeddedDigits(out), " ")
}
