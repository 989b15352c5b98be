package reconcile

import (
	"strings"
	"unicode"

	"github.com/soporte-collab/informes-sub003/utils"
)

// KeyVariants returns the lookup keys for a document number, most specific
// first:
//
//  1. the trimmed number
//  2. letters and digits only, upper case
//  3. with a separator and two or more numeric segments: the segments
//     without leading zeros joined by "-", then concatenated
//  4. the last numeric segment without leading zeros
//
// "0001-0001", "0001-01" and "0001-1" all share "1-1", "11" and "1".
// The looser variants can collide across unrelated documents; probe order
// keeps exact matches ahead of them.
func KeyVariants(number string) []string {
	raw := strings.TrimSpace(number)
	if raw == "" {
		return nil
	}
	variants := []string{raw}

	var alnum strings.Builder
	hasSeparator := false
	for _, r := range raw {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			alnum.WriteRune(unicode.ToUpper(r))
		default:
			hasSeparator = true
		}
	}
	if alnum.Len() > 0 {
		variants = append(variants, alnum.String())
	}

	segments := numericSegments(raw)
	if hasSeparator && len(segments) >= 2 {
		variants = append(variants, strings.Join(segments, "-"), strings.Join(segments, ""))
	}
	if len(segments) > 0 {
		variants = append(variants, segments[len(segments)-1])
	}
	return utils.UniqueSlice(variants)
}

// numericSegments splits on anything that is not a letter or digit, keeps
// the digits of each part and strips leading zeros.
func numericSegments(raw string) []string {
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	var out []string
	for _, p := range parts {
		var digits strings.Builder
		for _, r := range p {
			if r >= '0' && r <= '9' {
				digits.WriteRune(r)
			}
		}
		if digits.Len() == 0 {
			continue
		}
		d := strings.TrimLeft(digits.String(), "0")
		if d == "" {
			d = "0"
		}
		out = append(out, d)
	}
	return out
}
