// Package contextwin assembles the layered context window for a query. It
// owns the token budget currency, the query-to-domain keyword mapping, and
// the layer loaders that turn knowledge items into compiled context text.
package contextwin

import (
	"math"
	"strings"
)

// tokensPerWord is the budget conversion factor. The estimate does not track
// any real tokenizer; it only has to be deterministic so that allocations
// and the remaining-budget calculation are stable.
const tokensPerWord = 1.3

// EstimateTokens returns the budget cost of text: round(words * 1.3), with
// words counted by whitespace splitting.
func EstimateTokens(text string) int {
	words := len(strings.Fields(text))
	return int(math.Round(float64(words) * tokensPerWord))
}

// wordsForTokens inverts the estimate: the largest word count whose cost
// stays within the token budget.
func wordsForTokens(tokens int) int {
	return int(float64(tokens) / tokensPerWord)
}

// truncateToTokens cuts text down to at most the given token budget,
// preserving whole words.
func truncateToTokens(text string, tokens int) string {
	words := strings.Fields(text)
	keep := wordsForTokens(tokens)
	if keep >= len(words) {
		return text
	}
	return strings.Join(words[:keep], " ")
}
