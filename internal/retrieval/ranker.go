// Package retrieval re-ranks memory snippets against the outgoing message.
// The backend's semantic search already orders results, but similarity
// scores are optional in its response; when they are missing (or tied) a
// keyword overlap score keeps the most on-topic memories inside the context
// cap instead of whichever happened to come back first.
package retrieval

import (
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/remrin/locket/internal/backend"
)

// QueryTerms holds the searchable terms extracted from one message.
type QueryTerms struct {
	Terms   []string
	Weights map[string]float64
}

var quotedPattern = regexp.MustCompile("[\"'`]([^\"'`]{3,64})[\"'`]")

// ExtractTerms pulls weighted keywords out of free text. Quoted phrases
// weigh the most, longer words more than short ones, stop words nothing.
func ExtractTerms(text string) QueryTerms {
	qt := QueryTerms{Weights: make(map[string]float64)}

	add := func(term string, weight float64) {
		term = strings.ToLower(term)
		if isStopWord(term) {
			return
		}
		if existing, ok := qt.Weights[term]; ok && existing >= weight {
			return
		}
		if _, ok := qt.Weights[term]; !ok {
			qt.Terms = append(qt.Terms, term)
		}
		qt.Weights[term] = weight
	}

	for _, match := range quotedPattern.FindAllStringSubmatch(text, -1) {
		add(match[1], 1.0)
	}

	for _, word := range splitWords(text) {
		if len(word) < 3 {
			continue
		}
		// 0.4 for short words, up to 0.8 for long distinctive ones.
		weight := 0.4 + 0.1*float64(min(len(word)-3, 4))
		add(word, weight)
	}

	return qt
}

// Score rates one snippet: the sum of weights of the distinct query terms it
// contains, boosted when several distinct terms match.
func (qt QueryTerms) Score(content string) float64 {
	if len(qt.Terms) == 0 || content == "" {
		return 0
	}
	lower := strings.ToLower(content)

	matched := 0
	var score float64
	for _, term := range qt.Terms {
		if strings.Contains(lower, term) {
			matched++
			score += qt.Weights[term]
		}
	}
	if matched > 1 {
		score *= 1.0 + float64(matched-1)*0.2
	}
	return score
}

// Rank orders snippets best-first and truncates to limit (0 means no cap).
// Backend similarity wins when both sides carry it; the keyword score breaks
// the remaining cases, and order is stable under full ties.
func Rank(snippets []backend.Snippet, query string, limit int) []backend.Snippet {
	if len(snippets) == 0 {
		return snippets
	}
	qt := ExtractTerms(query)

	out := make([]backend.Snippet, len(snippets))
	copy(out, snippets)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Similarity != nil && b.Similarity != nil && *a.Similarity != *b.Similarity {
			return *a.Similarity > *b.Similarity
		}
		return qt.Score(a.Content) > qt.Score(b.Content)
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func splitWords(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// isStopWord filters words too common to signal relevance.
func isStopWord(word string) bool {
	if len(word) < 3 {
		return true
	}
	return stopWords[word]
}

var stopWords = map[string]bool{
	"the": true, "and": true, "but": true, "nor": true, "yet": true,
	"for": true, "with": true, "from": true, "into": true, "about": true,
	"through": true, "during": true, "before": true, "after": true,
	"above": true, "below": true, "out": true, "off": true, "over": true,
	"was": true, "were": true, "been": true, "being": true, "are": true,
	"have": true, "has": true, "had": true, "does": true, "did": true,
	"will": true, "would": true, "could": true, "should": true,
	"may": true, "might": true, "must": true, "shall": true, "can": true,
	"this": true, "that": true, "these": true, "those": true,
	"its": true, "his": true, "her": true, "our": true, "their": true,
	"your": true, "you": true, "they": true, "them": true,
	"what": true, "when": true, "where": true, "why": true, "how": true,
	"all": true, "each": true, "every": true, "both": true, "few": true,
	"more": true, "most": true, "other": true, "some": true, "such": true,
	"not": true, "only": true, "own": true, "same": true, "than": true,
	"too": true, "very": true, "just": true, "now": true,
	"like": true, "want": true, "know": true, "think": true, "tell": true,
	"really": true, "please": true, "thanks": true, "thank": true,
}
