// Package openai provides the chat-completion adapter backed by OpenAI's
// API.
package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/hybridengine/hybridengine/engine/adapter"
)

// DefaultModel is used when a step's params carry no "model" key.
const DefaultModel = "gpt-4o-mini"

// Adapter implements adapter.Adapter for OpenAI chat completions.
//
// Step params understood:
//   - "prompt" (string, required): user message content
//   - "system" (string): optional system message
//   - "model" (string): model override, default DefaultModel
//   - "temperature" (number): sampling temperature
//
// Transient failures (network errors, 5xx, rate limits) are retried up to
// three times with a growing delay; everything else fails the step
// immediately.
type Adapter struct {
	model      string
	client     chatClient
	maxRetries int
	retryDelay time.Duration
}

// chatClient is the slice of the OpenAI SDK the adapter uses, split out
// for mocking in tests.
type chatClient interface {
	complete(ctx context.Context, req chatRequest) (chatResponse, error)
}

type chatRequest struct {
	Model       string
	System      string
	Prompt      string
	Temperature *float64
}

type chatResponse struct {
	Text         string
	InputTokens  int
	OutputTokens int
}

// New creates an OpenAI adapter. An empty model selects DefaultModel.
func New(apiKey, model string) *Adapter {
	if model == "" {
		model = DefaultModel
	}
	return &Adapter{
		model:      model,
		client:     &sdkClient{client: oai.NewClient(option.WithAPIKey(apiKey))},
		maxRetries: 3,
		retryDelay: time.Second,
	}
}

// NewCompatible creates an adapter against an OpenAI-compatible endpoint
// (DeepSeek and similar providers speak the same chat-completion
// protocol).
func NewCompatible(apiKey, model, baseURL string) *Adapter {
	a := New(apiKey, model)
	a.client = &sdkClient{client: oai.NewClient(
		option.WithAPIKey(apiKey),
		option.WithBaseURL(baseURL),
	)}
	return a
}

// Execute implements adapter.Adapter.
func (a *Adapter) Execute(ctx context.Context, params map[string]any) (map[string]any, map[string]any, error) {
	req, err := requestFromParams(a.model, params)
	if err != nil {
		return nil, nil, err
	}

	start := time.Now()
	var resp chatResponse
	var lastErr error
	for attempt := 0; attempt <= a.maxRetries; attempt++ {
		resp, lastErr = a.client.complete(ctx, req)
		if lastErr == nil {
			break
		}
		if !isTransient(lastErr) || attempt == a.maxRetries {
			return nil, nil, fmt.Errorf("openai: %w", lastErr)
		}
		select {
		case <-time.After(a.retryDelay * time.Duration(attempt+1)):
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}

	output := map[string]any{"message": resp.Text}
	meta := adapter.Metadata(req.Model, resp.InputTokens, resp.OutputTokens, time.Since(start).Milliseconds())
	return output, meta, nil
}

// requestFromParams validates and extracts the chat request from step
// params.
func requestFromParams(defaultModel string, params map[string]any) (chatRequest, error) {
	prompt, _ := params["prompt"].(string)
	if prompt == "" {
		return chatRequest{}, errors.New("param \"prompt\" is required")
	}

	req := chatRequest{Model: defaultModel, Prompt: prompt}
	if m, ok := params["model"].(string); ok && m != "" {
		req.Model = m
	}
	if sys, ok := params["system"].(string); ok {
		req.System = sys
	}
	if temp, ok := params["temperature"].(float64); ok {
		req.Temperature = &temp
	}
	return req, nil
}

// isTransient reports whether an error is worth retrying.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{"timeout", "connection", "temporar", "rate limit", "429", "500", "502", "503"} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// sdkClient adapts the official openai-go SDK to chatClient.
type sdkClient struct {
	client oai.Client
}

func (c *sdkClient) complete(ctx context.Context, req chatRequest) (chatResponse, error) {
	messages := make([]oai.ChatCompletionMessageParamUnion, 0, 2)
	if req.System != "" {
		messages = append(messages, oai.SystemMessage(req.System))
	}
	messages = append(messages, oai.UserMessage(req.Prompt))

	params := oai.ChatCompletionNewParams{
		Model:    oai.ChatModel(req.Model),
		Messages: messages,
	}
	if req.Temperature != nil {
		params.Temperature = oai.Float(*req.Temperature)
	}

	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return chatResponse{}, err
	}
	if len(completion.Choices) == 0 {
		return chatResponse{}, errors.New("no choices in completion response")
	}

	return chatResponse{
		Text:         completion.Choices[0].Message.Content,
		InputTokens:  int(completion.Usage.PromptTokens),
		OutputTokens: int(completion.Usage.CompletionTokens),
	}, nil
}
