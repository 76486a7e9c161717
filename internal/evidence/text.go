package evidence

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

const (
	maxSnippetRunes = 1000
	maxContentRunes = 20000
)

// NormalizeText applies NFKC normalization, drops control characters,
// collapses whitespace runs to single spaces and truncates to limit runes.
// A limit of 0 disables truncation.
func NormalizeText(s string, limit int) string {
	if s == "" {
		return ""
	}
	s = norm.NFKC.String(s)

	var b strings.Builder
	b.Grow(len(s))
	space := false
	n := 0
	for _, r := range s {
		if unicode.IsSpace(r) {
			space = b.Len() > 0
			continue
		}
		if unicode.IsControl(r) {
			continue
		}
		need := 1
		if space {
			need = 2
		}
		if limit > 0 && n+need > limit {
			break
		}
		if space {
			b.WriteByte(' ')
			space = false
		}
		b.WriteRune(r)
		n += need
	}
	return b.String()
}
