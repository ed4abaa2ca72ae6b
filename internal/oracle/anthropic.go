package oracle

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultAnthropicModel = "claude-3-5-haiku-latest"

const systemPrompt = "You are a senior .NET engineer helping migrate legacy code to a modern target framework. Answer precisely and only in the format requested."

// Anthropic completes prompts with the Messages API.
type Anthropic struct {
	client anthropic.Client
	model  string
}

// NewAnthropic builds a client. An empty apiKey falls back to the SDK's
// ANTHROPIC_API_KEY lookup; an empty baseURL uses the public endpoint.
func NewAnthropic(model, apiKey, baseURL string) *Anthropic {
	if model == "" {
		model = defaultAnthropicModel
	}
	var opts []option.RequestOption
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &Anthropic{client: anthropic.NewClient(opts...), model: model}
}

func (a *Anthropic) Complete(ctx context.Context, prompt string, maxTokens int, temperature float64) (string, error) {
	msg, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(a.model),
		MaxTokens:   int64(maxTokens),
		Temperature: anthropic.Float(temperature),
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic messages: %w: %w", ErrUnavailable, err)
	}

	for _, block := range msg.Content {
		if block.Type == "text" {
			return block.Text, nil
		}
	}
	return "", fmt.Errorf("anthropic messages: no text block in response: %w", ErrUnavailable)
}
