// Package tokenutil estimates token counts for budget accounting across the
// Context Engine, Embedding Client, and Agent Runtime.
package tokenutil

import "strings"

// Counter estimates the token count of a string. It exists so a real
// tokenizer (tiktoken-style BPE, a model-specific vocab) can be swapped in
// without touching call sites that only need an approximate budget figure.
type Counter interface {
	Count(content string) int
}

// HeuristicCounter is the default Counter: word/char based, no external
// vocabulary required. It is intentionally conservative, rounding up via the
// character-length floor so budget checks never under-count.
type HeuristicCounter struct{}

// Count returns a word-based token estimate. It splits on whitespace,
// multiplies by 1.33 (avg tokens/word for English), and floors the result at
// len/4 for code or non-English text where word-splitting underestimates.
func (HeuristicCounter) Count(content string) int {
	if content == "" {
		return 0
	}
	words := len(strings.Fields(content))
	wordEstimate := int(float64(words) * 1.33)
	charEstimate := len(content) / 4
	if wordEstimate > charEstimate {
		return wordEstimate
	}
	return charEstimate
}

// Default is the package-level Counter used where callers don't need to
// inject their own.
var Default Counter = HeuristicCounter{}

// EstimateTokens is a convenience wrapper around Default for callers that
// don't need to inject a Counter.
func EstimateTokens(content string) int {
	return Default.Count(content)
}
