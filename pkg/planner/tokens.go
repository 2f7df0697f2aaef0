package planner

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// tokenCounter counts prompt-context tokens with a tiktoken encoding,
// falling back to a bytes/4 estimate when the encoding cannot be loaded.
type tokenCounter struct {
	once     sync.Once
	encoding *tiktoken.Tiktoken
	name     string
}

func newTokenCounter(encodingName string) *tokenCounter {
	return &tokenCounter{name: encodingName}
}

func (tc *tokenCounter) Count(text string) int {
	tc.once.Do(func() {
		enc, err := tiktoken.GetEncoding(tc.name)
		if err == nil {
			tc.encoding = enc
		}
	})
	if tc.encoding == nil {
		// Rough heuristic: ~4 bytes per token for English text.
		return (len(text) + 3) / 4
	}
	return len(tc.encoding.Encode(text, nil, nil))
}
