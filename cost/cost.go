// Package cost prices a cloud chat completion in USD. Ported from the
// teacher's cost/cost.go pricing table, trimmed to chat-only (no
// embeddings/image pricing, out of this router's scope) and
// generalized to accept OpenRouter-style "vendor/model" identifiers
// alongside bare model names.
package cost

import "strings"

// ModelPricing is USD per 1M tokens.
type ModelPricing struct {
	InputTokenPrice  float64
	OutputTokenPrice float64
}

var modelPricing = map[string]ModelPricing{
	"gpt-4o":           {InputTokenPrice: 2.5, OutputTokenPrice: 10.0},
	"gpt-4o-mini":      {InputTokenPrice: 0.15, OutputTokenPrice: 0.6},
	"o1-preview":       {InputTokenPrice: 15.0, OutputTokenPrice: 60.0},
	"o1-mini":          {InputTokenPrice: 3.0, OutputTokenPrice: 12.0},
	"gpt-4-turbo":      {InputTokenPrice: 10.0, OutputTokenPrice: 30.0},
	"gpt-4":            {InputTokenPrice: 30.0, OutputTokenPrice: 60.0},
	"gpt-3.5-turbo":    {InputTokenPrice: 0.5, OutputTokenPrice: 1.5},
	"claude-3-opus":    {InputTokenPrice: 15.0, OutputTokenPrice: 75.0},
	"claude-3-sonnet":  {InputTokenPrice: 3.0, OutputTokenPrice: 15.0},
	"claude-3-haiku":   {InputTokenPrice: 0.25, OutputTokenPrice: 1.25},
	"claude-3-5-sonnet": {InputTokenPrice: 3.0, OutputTokenPrice: 15.0},
	"claude-3-5-haiku": {InputTokenPrice: 0.8, OutputTokenPrice: 4.0},
	"gemini-1.5-pro":   {InputTokenPrice: 1.25, OutputTokenPrice: 5.0},
	"gemini-1.5-flash": {InputTokenPrice: 0.075, OutputTokenPrice: 0.3},
	"gemini-pro":       {InputTokenPrice: 0.5, OutputTokenPrice: 1.5},
}

// defaultPricing is used for any cloud model not in the table, so an
// unrecognized OpenRouter alias still produces a (conservative) nonzero
// savings estimate instead of silently reporting $0.
var defaultPricing = ModelPricing{InputTokenPrice: 1.0, OutputTokenPrice: 2.0}

// CalculateChatCost returns the USD cost of a chat completion against
// the cloud pricing table, regardless of which tier actually produced
// it — Stats uses this both for Cloud's real cost and for Local/Cache's
// imputed savings.
func CalculateChatCost(model string, promptTokens, completionTokens int) float64 {
	pricing, ok := modelPricing[normalizeModelName(model)]
	if !ok {
		pricing = defaultPricing
	}
	inputCost := float64(promptTokens) * pricing.InputTokenPrice / 1_000_000.0
	outputCost := float64(completionTokens) * pricing.OutputTokenPrice / 1_000_000.0
	return inputCost + outputCost
}

// normalizeModelName strips an OpenRouter "vendor/" prefix and maps
// date-suffixed/variant names onto the pricing table's canonical keys.
func normalizeModelName(model string) string {
	lower := strings.ToLower(model)
	if idx := strings.LastIndex(lower, "/"); idx >= 0 {
		lower = lower[idx+1:]
	}

	switch {
	case strings.Contains(lower, "o1-preview"):
		return "o1-preview"
	case strings.Contains(lower, "o1-mini"):
		return "o1-mini"
	case strings.Contains(lower, "gpt-4o-mini"):
		return "gpt-4o-mini"
	case strings.Contains(lower, "gpt-4o"):
		return "gpt-4o"
	case strings.Contains(lower, "gpt-4-turbo"):
		return "gpt-4-turbo"
	case strings.Contains(lower, "gpt-4"):
		return "gpt-4"
	case strings.Contains(lower, "gpt-3.5-turbo"):
		return "gpt-3.5-turbo"
	case strings.Contains(lower, "claude-3-5-sonnet"), strings.Contains(lower, "claude-3.5-sonnet"):
		return "claude-3-5-sonnet"
	case strings.Contains(lower, "claude-3-5-haiku"), strings.Contains(lower, "claude-3.5-haiku"):
		return "claude-3-5-haiku"
	case strings.Contains(lower, "claude-3-opus"):
		return "claude-3-opus"
	case strings.Contains(lower, "claude-3-sonnet"):
		return "claude-3-sonnet"
	case strings.Contains(lower, "claude-3-haiku"):
		return "claude-3-haiku"
	case strings.Contains(lower, "gemini-1.5-pro"):
		return "gemini-1.5-pro"
	case strings.Contains(lower, "gemini-1.5-flash"):
		return "gemini-1.5-flash"
	case strings.Contains(lower, "gemini"):
		return "gemini-pro"
	default:
		return lower
	}
}
