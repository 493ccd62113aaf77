// Package anthropic provides the chat adapter backed by Anthropic's
// Claude API.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/hybridengine/hybridengine/engine/adapter"
)

// DefaultModel is used when a step's params carry no "model" key.
const DefaultModel = "claude-3-5-sonnet-20241022"

// defaultMaxTokens bounds response length; the API requires an explicit
// value.
const defaultMaxTokens = 4096

// Adapter implements adapter.Adapter for Claude messages.
//
// Step params understood:
//   - "prompt" (string, required)
//   - "system" (string): optional system prompt
//   - "model" (string): model override, default DefaultModel
//   - "max_tokens" (number): response token cap, default 4096
type Adapter struct {
	model  string
	client messagesClient
}

// messagesClient is the slice of the Anthropic SDK the adapter uses,
// split out for mocking in tests.
type messagesClient interface {
	create(ctx context.Context, model, system, prompt string, maxTokens int64) (messagesResponse, error)
}

type messagesResponse struct {
	Text         string
	InputTokens  int
	OutputTokens int
}

// New creates a Claude adapter. An empty model selects DefaultModel.
func New(apiKey, model string) *Adapter {
	if model == "" {
		model = DefaultModel
	}
	return &Adapter{
		model:  model,
		client: &sdkClient{client: sdk.NewClient(option.WithAPIKey(apiKey))},
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
	system, _ := params["system"].(string)
	maxTokens := int64(defaultMaxTokens)
	if mt, ok := params["max_tokens"].(float64); ok && mt > 0 {
		maxTokens = int64(mt)
	}

	start := time.Now()
	resp, err := a.client.create(ctx, model, system, prompt, maxTokens)
	if err != nil {
		return nil, nil, fmt.Errorf("anthropic: %w", err)
	}

	output := map[string]any{"message": resp.Text}
	meta := adapter.Metadata(model, resp.InputTokens, resp.OutputTokens, time.Since(start).Milliseconds())
	return output, meta, nil
}

// sdkClient adapts the official anthropic-sdk-go client to
// messagesClient.
type sdkClient struct {
	client sdk.Client
}

func (c *sdkClient) create(ctx context.Context, model, system, prompt string, maxTokens int64) (messagesResponse, error) {
	params := sdk.MessageNewParams{
		Model:     sdk.Model(model),
		MaxTokens: maxTokens,
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(prompt)),
		},
	}
	if system != "" {
		params.System = []sdk.TextBlockParam{{Text: system}}
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return messagesResponse{}, err
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	if text == "" {
		return messagesResponse{}, errors.New("response contained no text output")
	}

	return messagesResponse{
		Text:         text,
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}, nil
}
