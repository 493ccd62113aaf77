package adapter

// ModelPricing holds per-token costs for a model, in USD per 1M tokens.
type ModelPricing struct {
	InputPer1M  float64
	OutputPer1M float64
}

// modelPricing is the static price table used by the provider adapters to
// attach a cost figure to their metadata. Models missing from the table
// report zero cost rather than failing the step.
//
// Prices subject to change; update as providers adjust their published
// rates.
var modelPricing = map[string]ModelPricing{
	// OpenAI
	"gpt-4o":        {InputPer1M: 2.50, OutputPer1M: 10.00},
	"gpt-4o-mini":   {InputPer1M: 0.15, OutputPer1M: 0.60},
	"gpt-4-turbo":   {InputPer1M: 10.00, OutputPer1M: 30.00},
	"gpt-3.5-turbo": {InputPer1M: 0.50, OutputPer1M: 1.50},

	// DeepSeek
	"deepseek-chat":     {InputPer1M: 0.27, OutputPer1M: 1.10},
	"deepseek-reasoner": {InputPer1M: 0.55, OutputPer1M: 2.19},

	// Anthropic
	"claude-3-5-sonnet-20241022": {InputPer1M: 3.00, OutputPer1M: 15.00},
	"claude-3-opus-20240229":     {InputPer1M: 15.00, OutputPer1M: 75.00},
	"claude-3-haiku-20240307":    {InputPer1M: 0.25, OutputPer1M: 1.25},

	// Google
	"gemini-1.5-pro":   {InputPer1M: 1.25, OutputPer1M: 5.00},
	"gemini-1.5-flash": {InputPer1M: 0.075, OutputPer1M: 0.30},
}

// Cost computes the USD cost of a call against the static price table.
// Unknown models cost zero.
func Cost(model string, inputTokens, outputTokens int) float64 {
	pricing, ok := modelPricing[model]
	if !ok {
		return 0
	}
	return (float64(inputTokens)/1_000_000)*pricing.InputPer1M +
		(float64(outputTokens)/1_000_000)*pricing.OutputPer1M
}

// Metadata builds the well-known metadata map the core mirrors into step
// execution metrics.
func Metadata(model string, inputTokens, outputTokens int, durationMS int64) map[string]any {
	return map[string]any{
		"model":       model,
		"tokens":      inputTokens + outputTokens,
		"cost":        Cost(model, inputTokens, outputTokens),
		"duration_ms": durationMS,
	}
}
