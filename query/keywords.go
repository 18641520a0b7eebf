package query

import (
	"strings"
	"unicode"
)

var stopWords = map[string]bool{
	"a": true, "about": true, "after": true, "all": true, "an": true, "and": true, "any": true,
	"are": true, "as": true, "at": true, "be": true, "been": true, "by": true, "can": true,
	"could": true, "crypto": true, "cryptocurrency": true, "current": true, "currently": true,
	"did": true, "do": true, "does": true, "for": true, "from": true, "give": true, "going": true,
	"has": true, "have": true, "how": true, "i": true, "in": true, "is": true, "it": true,
	"its": true, "latest": true, "me": true, "market": true, "markets": true, "new": true,
	"news": true, "of": true, "on": true, "or": true, "recent": true, "recently": true,
	"say": true, "says": true, "should": true, "show": true, "tell": true, "that": true,
	"the": true, "there": true, "these": true, "this": true, "to": true, "today": true,
	"trends": true, "up": true, "was": true, "week": true, "were": true, "what": true,
	"whats": true, "when": true, "where": true, "which": true, "who": true, "why": true,
	"will": true, "with": true, "would": true, "you": true,
}

// Normalize lower-cases question, collapses whitespace and drops trailing
// punctuation so trivially different phrasings share a cache entry.
func Normalize(question string) string {
	s := strings.Join(strings.Fields(strings.ToLower(question)), " ")
	return strings.TrimRight(s, "?!. ")
}

// Keywords extracts search terms from a normalized question.
func Keywords(normalized string) []string {
	words := strings.FieldsFunc(normalized, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	var terms []string
	seen := make(map[string]bool, len(words))
	for _, w := range words {
		if len([]rune(w)) < 2 || stopWords[w] || seen[w] {
			continue
		}
		seen[w] = true
		terms = append(terms, w)
	}
	return terms
}
