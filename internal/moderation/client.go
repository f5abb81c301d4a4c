package moderation

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	openai "github.com/sashabaranov/go-openai"

	"github.com/slot181/transit-filter-api/internal/config"
)

// Classifier submits an assembled review conversation to the moderation
// provider and returns the model's raw verdict text.
type Classifier interface {
	Classify(ctx context.Context, model, system string, userPrompts []string) (string, error)
}

// NewClassifier selects the wire flavor for the configured first provider
func NewClassifier(cfg config.ProviderConfig) (Classifier, error) {
	switch cfg.Type {
	case "openai":
		return newOpenAIClassifier(cfg), nil
	case "anthropic":
		return newAnthropicClassifier(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported first provider type: %s", cfg.Type)
	}
}

// openaiClassifier speaks the OpenAI chat-completions wire format
type openaiClassifier struct {
	client *openai.Client
}

func newOpenAIClassifier(cfg config.ProviderConfig) *openaiClassifier {
	clientConfig := openai.DefaultConfig(cfg.Key)
	if cfg.URL != "" {
		clientConfig.BaseURL = cfg.URL
	}
	return &openaiClassifier{client: openai.NewClientWithConfig(clientConfig)}
}

func (c *openaiClassifier) Classify(ctx context.Context, model, system string, userPrompts []string) (string, error) {
	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: system},
	}
	for _, prompt := range userPrompts {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: prompt,
		})
	}

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: 0,
		MaxTokens:   verdictMaxTokens,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return "", fmt.Errorf("moderation call failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("moderation response contained no choices")
	}

	return resp.Choices[0].Message.Content, nil
}

// anthropicClassifier speaks the Anthropic messages wire format
type anthropicClassifier struct {
	client anthropic.Client
}

func newAnthropicClassifier(cfg config.ProviderConfig) *anthropicClassifier {
	opts := []option.RequestOption{option.WithAPIKey(cfg.Key)}
	if cfg.URL != "" {
		opts = append(opts, option.WithBaseURL(cfg.URL))
	}
	return &anthropicClassifier{client: anthropic.NewClient(opts...)}
}

func (c *anthropicClassifier) Classify(ctx context.Context, model, system string, userPrompts []string) (string, error) {
	messages := make([]anthropic.MessageParam, 0, len(userPrompts))
	for _, prompt := range userPrompts {
		messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)))
	}

	msg, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(model),
		MaxTokens:   verdictMaxTokens,
		Temperature: anthropic.Float(0),
		System:      []anthropic.TextBlockParam{{Text: system}},
		Messages:    messages,
	})
	if err != nil {
		return "", fmt.Errorf("moderation call failed: %w", err)
	}

	for _, block := range msg.Content {
		if block.Type == "text" {
			return block.Text, nil
		}
	}
	return "", fmt.Errorf("moderation response contained no text block")
}
