// Package budget provides token estimation and text truncation for prompt
// and embedding budgeting. Because worklens supports multiple LLM and
// embedding backends with different tokenizers, this package uses a
// conservative character-based heuristic: 1 token ≈ 4 characters (English
// prose and code). This deliberately under-estimates token counts to leave
// headroom for model-specific overhead.
package budget

import (
	"unicode/utf8"

	"github.com/cloudwego/eino/schema"
)

const (
	// charsPerToken is the conservative character-to-token ratio used for
	// estimation. 4 chars/token is standard for English and code; using 3
	// would be more aggressive but risks overflowing context windows.
	charsPerToken = 4

	// DefaultContextTokens is the default prompt context budget in tokens.
	// Conservative enough to fit within 8k-context models while leaving room
	// for the answer.
	DefaultContextTokens = 6000

	// DefaultEmbedTokens is the default per-text token cap for embedding
	// requests, matching the 8191-token input limit of common embedding
	// models with a little headroom.
	DefaultEmbedTokens = 8000
)

// Estimate returns a rough token count for s using the character heuristic.
func Estimate(s string) int {
	n := len(s) / charsPerToken
	if n == 0 && len(s) > 0 {
		return 1
	}
	return n
}

// EstimateMessages returns the estimated total token count for a slice of
// schema.Message values, summing role + content for each message.
func EstimateMessages(msgs []*schema.Message) int {
	total := 0
	for _, m := range msgs {
		// Each message has a small per-message overhead (~4 tokens in most APIs).
		total += 4
		total += Estimate(string(m.Role))
		total += Estimate(m.Content)
	}
	return total
}

// Truncate cuts s so its estimated token count does not exceed maxTokens,
// keeping the start of the text. The cut never splits a multi-byte rune.
// Truncation is deterministic: the same input always yields the same output.
func Truncate(s string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	if Estimate(s) <= maxTokens {
		return s
	}
	cut := maxTokens * charsPerToken
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
