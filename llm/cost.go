package llm

import (
	"strings"

	"github.com/aikaara/assembly-lime/model"
)

// Price is USD per million tokens.
type Price struct {
	Input      float64
	Output     float64
	CacheRead  float64
	CacheWrite float64
}

// prices is matched by longest model-name prefix.
var prices = map[string]Price{
	"claude-opus-4":     {Input: 15, Output: 75, CacheRead: 1.5, CacheWrite: 18.75},
	"claude-sonnet-4":   {Input: 3, Output: 15, CacheRead: 0.3, CacheWrite: 3.75},
	"claude-3-7-sonnet": {Input: 3, Output: 15, CacheRead: 0.3, CacheWrite: 3.75},
	"claude-haiku-4":    {Input: 1, Output: 5, CacheRead: 0.1, CacheWrite: 1.25},
	"claude-3-5-haiku":  {Input: 0.8, Output: 4, CacheRead: 0.08, CacheWrite: 1},
	"gpt-5":             {Input: 1.25, Output: 10, CacheRead: 0.125},
	"gpt-5-mini":        {Input: 0.25, Output: 2, CacheRead: 0.025},
	"gpt-4.1":           {Input: 2, Output: 8, CacheRead: 0.5},
	"gpt-4.1-mini":      {Input: 0.4, Output: 1.6, CacheRead: 0.1},
	"gpt-4o":            {Input: 2.5, Output: 10, CacheRead: 1.25},
	"gpt-4o-mini":       {Input: 0.15, Output: 0.6, CacheRead: 0.075},
	"o3":                {Input: 2, Output: 8, CacheRead: 0.5},
	"o4-mini":           {Input: 1.1, Output: 4.4, CacheRead: 0.275},
	"gemini-2.5-pro":    {Input: 1.25, Output: 10, CacheRead: 0.31},
	"gemini-2.5-flash":  {Input: 0.3, Output: 2.5, CacheRead: 0.075},
}

// PriceFor returns the price of a model and whether it is known.
// Unknown models (including local ones) are free.
func PriceFor(modelName string) (Price, bool) {
	best, bestLen := Price{}, 0
	for prefix, p := range prices {
		if strings.HasPrefix(modelName, prefix) && len(prefix) > bestLen {
			best, bestLen = p, len(prefix)
		}
	}
	return best, bestLen > 0
}

// Cost computes the USD cost of usage on modelName.
func Cost(modelName string, u model.Usage) float64 {
	p, ok := PriceFor(modelName)
	if !ok {
		return 0
	}
	const perMillion = 1_000_000
	return (float64(u.InputTokens)*p.Input +
		float64(u.OutputTokens)*p.Output +
		float64(u.CacheReadTokens)*p.CacheRead +
		float64(u.CacheWriteTokens)*p.CacheWrite) / perMillion
}
