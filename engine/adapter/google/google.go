// Package google provides the chat adapter backed by Google's Gemini API.
package google

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/hybridengine/hybridengine/engine/adapter"
)

// DefaultModel is used when a step's params carry no "model" key.
const DefaultModel = "gemini-1.5-flash"

// Adapter implements adapter.Adapter for Gemini content generation.
//
// Step params understood:
//   - "prompt" (string, required)
//   - "model" (string): model override, default DefaultModel
//   - "temperature" (number): sampling temperature
//
// Safety-filter blocks are reported as step errors with the category in
// the message, matching how the API refuses the content.
type Adapter struct {
	model  string
	client geminiClient
}

// geminiClient is the slice of the Gemini SDK the adapter uses, split out
// for mocking in tests.
type geminiClient interface {
	generate(ctx context.Context, model, prompt string, temperature *float64) (geminiResponse, error)
}

type geminiResponse struct {
	Text         string
	InputTokens  int
	OutputTokens int
}

// New creates a Gemini adapter. An empty model selects DefaultModel.
func New(apiKey, model string) *Adapter {
	if model == "" {
		model = DefaultModel
	}
	return &Adapter{
		model:  model,
		client: &sdkClient{apiKey: apiKey},
	}
}

// Execute implements adapter.Adapter.
func (a *Adapter) Execute(ctx context.Context, params map[string]any) (map[string]any, map[string]any, error) {
	prompt, _ := params["prompt"].(string)
	if prompt == "" {
		return nil, nil, errors.New("param \"prompt\" is required")
	}

	model := a.model
	if m, ok := params["model"].(string); ok && m != "" {
		model = m
	}
	var temperature *float64
	if temp, ok := params["temperature"].(float64); ok {
		temperature = &temp
	}

	start := time.Now()
	resp, err := a.client.generate(ctx, model, prompt, temperature)
	if err != nil {
		return nil, nil, fmt.Errorf("gemini: %w", err)
	}

	output := map[string]any{"message": resp.Text}
	meta := adapter.Metadata(model, resp.InputTokens, resp.OutputTokens, time.Since(start).Milliseconds())
	return output, meta, nil
}

// sdkClient adapts the official generative-ai-go SDK to geminiClient.
// The SDK client is bound to a context, so it is opened per call.
type sdkClient struct {
	apiKey string
}

func (c *sdkClient) generate(ctx context.Context, model, prompt string, temperature *float64) (geminiResponse, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(c.apiKey))
	if err != nil {
		return geminiResponse{}, fmt.Errorf("create client: %w", err)
	}
	defer client.Close()

	gm := client.GenerativeModel(model)
	if temperature != nil {
		gm.SetTemperature(float32(*temperature))
	}

	resp, err := gm.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return geminiResponse{}, err
	}
	if len(resp.Candidates) == 0 {
		if resp.PromptFeedback != nil {
			return geminiResponse{}, fmt.Errorf("prompt blocked: %v", resp.PromptFeedback.BlockReason)
		}
		return geminiResponse{}, errors.New("no candidates in response")
	}

	cand := resp.Candidates[0]
	if cand.FinishReason == genai.FinishReasonSafety {
		return geminiResponse{}, fmt.Errorf("content blocked by safety filters")
	}

	var text string
	if cand.Content != nil {
		for _, part := range cand.Content.Parts {
			if t, ok := part.(genai.Text); ok {
				text += string(t)
			}
		}
	}
	if text == "" {
		return geminiResponse{}, errors.New("response contained no text output")
	}

	out := geminiResponse{Text: text}
	if resp.UsageMetadata != nil {
		out.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		out.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	return out, nil
}
