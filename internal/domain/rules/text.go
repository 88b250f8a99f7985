package rules

import (
	"strings"
	"unicode/utf8"
)

// contextRadius is the number of code points kept on each side of a match.
const contextRadius = 50

// textIndex converts byte offsets into a string to code point offsets. It is
// cheapest when queried with non-decreasing offsets.
type textIndex struct {
	text           string
	byteOff, runes int
}

func newTextIndex(text string) *textIndex { return &textIndex{text: text} }

func (t *textIndex) runeOffset(byteOff int) int {
	if byteOff < t.byteOff {
		t.byteOff, t.runes = 0, 0
	}
	t.runes += utf8.RuneCountInString(t.text[t.byteOff:byteOff])
	t.byteOff = byteOff
	return t.runes
}

// window returns the text within contextRadius code points of the span
// [lo, hi) together with the code point offset of its start.
func window(runes []rune, lo, hi int) (string, int) {
	start := max(lo-contextRadius, 0)
	end := min(hi+contextRadius, len(runes))
	return string(runes[start:end]), start
}

// collapseSpace replaces every run of whitespace with a single space and
// trims the ends.
func collapseSpace(s string) string { return strings.Join(strings.Fields(s), " ") }

// matchContext builds the offset/context keys of a Match for the span
// [lo, hi) given in code points.
func matchContext(runes []rune, lo, hi int, filter func(string) string) Match {
	ctx, start := window(runes, lo, hi)
	ctx = collapseSpace(ctx)
	if filter != nil {
		ctx = filter(ctx)
	}
	return Match{
		"offset":         lo,
		"context":        ctx,
		"context_offset": lo - start,
	}
}
