package mapper

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Fold lowercases s, strips accents and collapses whitespace so free-text
// upstream labels compare reliably.
func Fold(s string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.Join(strings.Fields(strings.ToLower(out)), " ")
}

// NormalizeNumber is the stored identity of a document number: upper case,
// no whitespace. Separators and leading zeros are kept; fuzzy matching
// happens at join time.
func NormalizeNumber(s string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(strings.TrimSpace(s)) {
		if unicode.IsSpace(r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// words splits a folded label on anything that is not a letter or digit.
func words(folded string) []string {
	return strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func containsWord(folded string, candidates ...string) bool {
	ws := words(folded)
	for _, w := range ws {
		for _, c := range candidates {
			if w == c {
				return true
			}
		}
	}
	return false
}

func containsAny(folded string, candidates ...string) bool {
	for _, c := range candidates {
		if strings.Contains(folded, c) {
			return true
		}
	}
	return false
}
