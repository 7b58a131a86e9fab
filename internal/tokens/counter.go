// Package tokens counts model tokens in refined newsletter text.
package tokens

import (
	"log/slog"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

const (
	DefaultModel    = "gpt-4o"
	fallbackEncoder = "cl100k_base"
)

// Counter counts tokens with the model's BPE encoding. When no encoding can
// be loaded it falls back to a four-characters-per-token estimate.
type Counter struct {
	model  string
	logger *slog.Logger

	once sync.Once
	enc  *tiktoken.Tiktoken
}

// NewCounter creates a counter for model.
func NewCounter(model string, logger *slog.Logger) *Counter {
	if model == "" {
		model = DefaultModel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Counter{model: model, logger: logger}
}

// NewEstimateCounter returns a counter that never loads an encoding.
func NewEstimateCounter() *Counter {
	c := &Counter{model: DefaultModel, logger: slog.Default()}
	c.once.Do(func() {})
	return c
}

func (c *Counter) encoder() *tiktoken.Tiktoken {
	c.once.Do(func() {
		enc, err := tiktoken.EncodingForModel(c.model)
		if err == nil {
			c.enc = enc
			return
		}
		c.logger.Warn("no encoding for model, using fallback", "model", c.model, "error", err)
		enc, err = tiktoken.GetEncoding(fallbackEncoder)
		if err != nil {
			c.logger.Warn("tokenizer unavailable, estimating token counts", "error", err)
			return
		}
		c.enc = enc
	})
	return c.enc
}

// Count returns the number of tokens in text.
func (c *Counter) Count(text string) int {
	if text == "" {
		return 0
	}
	if enc := c.encoder(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return Estimate(text)
}

// Estimate approximates a token count from the rune length.
func Estimate(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}
