package oracle

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

// DefaultLocalBaseURL is the OpenAI-compatible endpoint of a locally hosted
// model server.
const DefaultLocalBaseURL = "http://localhost:18081/v1"

// OpenAICompatible completes prompts against any server that speaks the
// OpenAI chat completions protocol.
type OpenAICompatible struct {
	llm llms.Model
}

// NewOpenAICompatible builds a client for baseURL. Local servers usually
// ignore the token, so a placeholder is sent when apiKey is empty.
func NewOpenAICompatible(model, apiKey, baseURL string) (*OpenAICompatible, error) {
	if baseURL == "" {
		baseURL = DefaultLocalBaseURL
	}
	if apiKey == "" {
		apiKey = "placeholder"
	}
	opts := []openai.Option{
		openai.WithBaseURL(baseURL),
		openai.WithToken(apiKey),
	}
	if model != "" {
		opts = append(opts, openai.WithModel(model))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create openai client: %w", err)
	}
	return &OpenAICompatible{llm: llm}, nil
}

func (o *OpenAICompatible) Complete(ctx context.Context, prompt string, maxTokens int, temperature float64) (string, error) {
	out, err := llms.GenerateFromSinglePrompt(ctx, o.llm, prompt,
		llms.WithMaxTokens(maxTokens),
		llms.WithTemperature(temperature),
	)
	if err != nil {
		return "", fmt.Errorf("openai completion: %w: %w", ErrUnavailable, err)
	}
	return out, nil
}
