// Package tokens provides tiktoken-based token counting for prompt budget
// enforcement when packing evidence into specialist prompts.
package tokens

import (
	"fmt"
	"unicode/utf8"

	"github.com/tiktoken-go/tokenizer"
)

// Counter provides token counting for prompt assembly. All supported models
// are approximated with the GPT-4 encoding, which is close enough for budget
// enforcement.
type Counter struct {
	codec tokenizer.Codec
}

// NewCounter creates a token counter. The model name is accepted for future
// per-model encodings; all current models map to the GPT-4 codec.
func NewCounter(model string) (*Counter, error) {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokenizer codec for model %s: %w", model, err)
	}
	return &Counter{codec: codec}, nil
}

// Count returns the number of tokens in the given text.
func (c *Counter) Count(text string) int {
	if c.codec == nil {
		// Character-based estimation (4 chars per token).
		return len(text) / 4
	}
	count, err := c.codec.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return count
}

// WithinLimit reports whether text fits the token limit.
func (c *Counter) WithinLimit(text string, limit int) bool {
	return c.Count(text) <= limit
}

// Truncate cuts text to fit within the token limit. Truncation is
// proportional by characters, not exact token boundaries.
func (c *Counter) Truncate(text string, limit int) string {
	current := c.Count(text)
	if current <= limit {
		return text
	}

	ratio := float64(limit) / float64(current)
	charLimit := int(float64(len(text)) * ratio * 0.9) // safety margin
	if charLimit >= len(text) {
		return text
	}
	// The byte cut can land mid-rune; back up to a boundary.
	for charLimit > 0 && !utf8.RuneStart(text[charLimit]) {
		charLimit--
	}
	return text[:charLimit] + "..."
}
