package gateway

import (
	"log/slog"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// fallbackEncoding is used when the configured model has no registered
// tokenizer. cl100k_base is a reasonable stand-in for every current chat
// model family.
const fallbackEncoding = "cl100k_base"

// TokenCounter counts prompt tokens for budget estimation. It is safe for
// concurrent use; tiktoken encoders are immutable after construction.
type TokenCounter struct {
	enc *tiktoken.Tiktoken
}

// NewTokenCounter builds a counter for the given logical model name, falling
// back to a generic encoder (and, if even that fails, a character heuristic)
// so that construction never blocks startup.
func NewTokenCounter(model string) *TokenCounter {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		slog.Debug("no tokenizer registered for model, using generic encoding",
			"model", model)
		enc, err = tiktoken.GetEncoding(fallbackEncoding)
		if err != nil {
			slog.Warn("generic tokenizer unavailable, falling back to character heuristic",
				"error", err)
			enc = nil
		}
	}
	return &TokenCounter{enc: enc}
}

// Count returns the token count of text. Without an encoder it approximates
// at four characters per token, which overcounts more often than it
// undercounts — the safe direction for budget accounting.
func (c *TokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	if c.enc == nil {
		return (utf8.RuneCountInString(text) + 3) / 4
	}
	return len(c.enc.Encode(text, nil, nil))
}
