// Package tokenizer provides client-side token counting for budget
// accounting, backed by the cl100k_base BPE encoding.
package tokenizer

import (
	"fmt"

	"github.com/entrhq/webcontext/pkg/llm"
	"github.com/pkoukk/tiktoken-go"
)

// messageOverhead approximates the per-message framing tokens added by
// chat completion APIs.
const messageOverhead = 4

// Tokenizer counts tokens. A nil Tokenizer is valid and falls back to
// a bytes/4 estimate, so callers never need to guard against a failed
// initialization.
type Tokenizer struct {
	encoding *tiktoken.Tiktoken
}

// New creates a tokenizer using the cl100k_base encoding. Initialization
// can fail when the encoding data is unavailable; callers may keep the
// nil result and still count approximately.
func New() (*Tokenizer, error) {
	encoding, err := tiktoken.GetEncoding(tiktoken.MODEL_CL100K_BASE)
	if err != nil {
		return nil, fmt.Errorf("failed to load cl100k_base encoding: %w", err)
	}
	return &Tokenizer{encoding: encoding}, nil
}

// CountTokens returns the token count of the text.
func (t *Tokenizer) CountTokens(text string) int {
	if t == nil || t.encoding == nil {
		return len(text) / 4
	}
	return len(t.encoding.Encode(text, nil, nil))
}

// CountMessagesTokens returns the token count of a chat transcript,
// including per-message framing overhead.
func (t *Tokenizer) CountMessagesTokens(messages []llm.Message) int {
	total := 0
	for _, msg := range messages {
		total += t.CountTokens(msg.Content) + messageOverhead
	}
	return total
}
