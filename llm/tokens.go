package llm

import (
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

var (
	codecOnce sync.Once
	codec     tokenizer.Codec
)

// CountTokens estimates the token count of text with the GPT-4 encoding,
// which approximates every supported provider closely enough for budget
// checks. It falls back to four characters per token.
func CountTokens(text string) int {
	codecOnce.Do(func() {
		c, err := tokenizer.ForModel(tokenizer.GPT4)
		if err == nil {
			codec = c
		}
	})
	if codec == nil {
		return len(text) / 4
	}
	n, err := codec.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return n
}

// EstimateTokens estimates the prompt size of a request.
func EstimateTokens(req Request) int {
	total := CountTokens(req.System)
	for _, m := range req.Messages {
		total += CountTokens(m.Content) + 4
		for _, tc := range m.ToolCalls {
			total += CountTokens(tc.Name) + CountTokens(string(tc.Arguments))
		}
		for _, tr := range m.ToolResults {
			total += CountTokens(tr.Content)
		}
	}
	return total
}
