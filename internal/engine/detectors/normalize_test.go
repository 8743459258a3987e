package detectors

import (
	"testing"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"empty", "", ""},
		{"lowercase", "Hello World", "hello world"},
		{"leet digits", "s3x on th3 b3@ch", "sex on the beach"},
		{"leet one", "k1d", "kid"},
		{"leet run", "t33n p0rn", "teen porn"},
		{"inverted exclamation", "k¡d", "kid"},
		{"at sign", "@dult", "adult"},
		{"age keeps digits", "17yo", "17yo"},
		{"spaced age keeps digits", "15 yo", "15 yo"},
		{"ordinal keeps digits", "7th grade", "7th grade"},
		{"leading digit kept", "0n", "0n"},
		{"trailing digit kept", "girl5", "girl5"},
		{"non leet digit run kept", "k12d", "k12d"},
		{"unfolded digits kept", "24 hours", "24 hours"},
		{"fullwidth digits", "ｋ１ｄ １７", "kid 17"},
		{"fullwidth", "ｓｅｘ", "sex"},
		{"collapse spaces", "a   b", "a b"},
		{"collapse dots", "t.e..e...n", "t.e e n"},
		{"collapse mixed separators", "a _-. b", "a b"},
		{"single separator kept", "a-b_c.d", "a-b_c.d"},
		{"newlines collapsed", "a\n\n\nb", "a b"},
		{"single newline kept", "a\nb", "a\nb"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Normalize(tt.input); got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	samples := []string{
		"",
		"Hello World",
		"17yo s3x",
		"my 16 year old niece in a sexual pose",
		"ＦＵＬＬＷＩＤＴＨ １７ ｙｏ",
		"a  .  b __ c -- d",
		"t.e..e...n",
		"İstanbul ǅ ﬁ ①②③",
		"mixed\t\ttabs\n\nand\r\nnewlines",
		"@@@ 000 111 333 555 777 ¡¡¡",
		"s3x k1d 15yo a0b0c 0a0 @0@",
	}

	for _, s := range samples {
		once := Normalize(s)
		twice := Normalize(once)
		if once != twice {
			t.Errorf("Normalize not idempotent for %q: %q then %q", s, once, twice)
		}
	}
}
