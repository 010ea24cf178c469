package detect

import (
	"strings"
	"unicode"
)

// emojiTable covers the Unicode blocks chat emoji land in: miscellaneous
// symbols, dingbats, supplemental symbols/pictographs, plus the variation
// selector and zero-width joiner used to compose them.
var emojiTable = &unicode.RangeTable{
	R16: []unicode.Range16{
		{Lo: 0x200D, Hi: 0x200D, Stride: 1},
		{Lo: 0x2600, Hi: 0x27BF, Stride: 1},
		{Lo: 0x2B00, Hi: 0x2BFF, Stride: 1},
		{Lo: 0xFE0F, Hi: 0xFE0F, Stride: 1},
	},
	R32: []unicode.Range32{
		{Lo: 0x1F000, Hi: 0x1FAFF, Stride: 1},
	},
}

// NormalizeForComparison canonicalizes message text for similarity checks:
// lowercase, emoji stripped, runs of 3+ repeated characters collapsed to 2
// (defeats "sooooo" variance without destroying legitimate doubling),
// punctuation stripped, whitespace collapsed. Passes run in that order, so
// repeated-character runs are judged before punctuation is removed.
func NormalizeForComparison(text string) string {
	lower := strings.ToLower(text)

	var stripped strings.Builder
	stripped.Grow(len(lower))
	for _, r := range lower {
		if unicode.Is(emojiTable, r) {
			continue
		}
		stripped.WriteRune(r)
	}

	var collapsed strings.Builder
	collapsed.Grow(stripped.Len())
	var prev1, prev2 rune
	for _, r := range stripped.String() {
		if r == prev1 && r == prev2 {
			continue
		}
		collapsed.WriteRune(r)
		prev2 = prev1
		prev1 = r
	}

	var plain strings.Builder
	plain.Grow(collapsed.Len())
	for _, r := range collapsed.String() {
		if unicode.IsPunct(r) {
			continue
		}
		plain.WriteRune(r)
	}

	return strings.Join(strings.Fields(plain.String()), " ")
}

// Tokens splits text on whitespace, dropping empty tokens.
func Tokens(text string) []string {
	return strings.Fields(text)
}

// JaccardSimilarity computes intersection-over-union of two token sets.
// Both empty is defined as 1.0 (identical nothing); exactly one empty is 0.0.
func JaccardSimilarity(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}
	setA := make(map[string]struct{}, len(a))
	for _, t := range a {
		setA[t] = struct{}{}
	}
	setB := make(map[string]struct{}, len(b))
	for _, t := range b {
		setB[t] = struct{}{}
	}
	inter := 0
	for t := range setA {
		if _, ok := setB[t]; ok {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	if union == 0 {
		return 1.0
	}
	return float64(inter) / float64(union)
}

// ContentHash computes a cheap rolling hash of text (lowercased, trimmed,
// whitespace collapsed) for fast near-duplicate bucketing. Not cryptographic.
func ContentHash(text string) uint64 {
	s := strings.Join(strings.Fields(strings.ToLower(text)), " ")
	var h uint64
	for _, r := range s {
		h = h*31 + uint64(r)
	}
	return h
}

// GroupDiversity is distinct content hashes over message count, in [0,1].
// Fewer than 2 messages is vacuously diverse (1.0).
func GroupDiversity(msgs []Message) float64 {
	if len(msgs) < 2 {
		return 1.0
	}
	seen := make(map[uint64]struct{}, len(msgs))
	for _, m := range msgs {
		seen[m.Hash] = struct{}{}
	}
	return float64(len(seen)) / float64(len(msgs))
}
