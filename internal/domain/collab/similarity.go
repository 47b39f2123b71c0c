// Package collab models agent-to-agent help requests and detects semantic
// question loops between agent pairs. This detector is deliberately separate
// from the identical-failure detector: error strings and natural-language
// questions are different phenomena with different thresholds.
package collab

import "strings"

// stopwords are excluded from token overlap so filler words do not inflate
// similarity between unrelated questions.
var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "is": true, "are": true, "was": true,
	"be": true, "to": true, "of": true, "in": true, "on": true, "for": true,
	"and": true, "or": true, "do": true, "does": true, "how": true, "what": true,
	"why": true, "can": true, "i": true, "you": true, "it": true, "this": true,
	"that": true, "with": true, "my": true, "me": true, "please": true,
	"should": true, "would": true, "could": true,
}

// Similarity computes Jaccard overlap between the keyword sets of two
// questions, in [0,1]. Keyword overlap was chosen over embedding similarity
// as the minimum viable metric; the 0.85 default threshold is configuration,
// not a load-bearing constant.
func Similarity(a, b string) float64 {
	ta := tokens(a)
	tb := tokens(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}

	inter := 0
	for tok := range ta {
		if tb[tok] {
			inter++
		}
	}
	union := len(ta) + len(tb) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func tokens(s string) map[string]bool {
	set := make(map[string]bool)
	for _, f := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_')
	}) {
		if len(f) < 2 || stopwords[f] {
			continue
		}
		set[f] = true
	}
	return set
}
