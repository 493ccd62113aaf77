// Package deepseek provides the chat-completion adapter for DeepSeek's
// API, which is OpenAI-compatible.
package deepseek

import (
	"github.com/hybridengine/hybridengine/engine/adapter/openai"
)

// BaseURL is DeepSeek's OpenAI-compatible endpoint.
const BaseURL = "https://api.deepseek.com"

// DefaultModel is used when a step's params carry no "model" key.
const DefaultModel = "deepseek-chat"

// New creates a DeepSeek adapter. An empty model selects DefaultModel.
// Params and retry behavior match the OpenAI adapter; only the endpoint
// and default model differ.
func New(apiKey, model string) *openai.Adapter {
	if model == "" {
		model = DefaultModel
	}
	return openai.NewCompatible(apiKey, model, BaseURL)
}
