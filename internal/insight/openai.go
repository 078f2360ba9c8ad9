package insight

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/tokenlens/tokenlens/internal/token"
)

// OpenAIConfig configures the OpenAI-backed validator.
type OpenAIConfig struct {
	APIKey string
	Model  string
	Logger *zap.Logger
}

// chatClient is the slice of the OpenAI client the validator uses; tests
// substitute a fake.
type chatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAI summarizes token sets via a chat completion.
type OpenAI struct {
	client chatClient
	model  string
	logger *zap.Logger
}

// NewOpenAI builds an OpenAI validator.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &OpenAI{
		client: openai.NewClient(cfg.APIKey),
		model:  cfg.Model,
		logger: cfg.Logger,
	}, nil
}

// Summarize sends the token set and returns the model's summary text.
func (o *OpenAI) Summarize(ctx context.Context, site string, tokens token.Set) (string, error) {
	payload, err := json.Marshal(tokens)
	if err != nil {
		return "", fmt.Errorf("marshal tokens: %w", err)
	}
	req := openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: "You summarize a website's design token inventory in two or three sentences.",
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: fmt.Sprintf("Site: %s\nTokens: %s", site, payload),
			},
		},
	}
	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai returned no choices")
	}
	o.logger.Debug("insight generated",
		zap.String("site", site),
		zap.String("finish_reason", string(resp.Choices[0].FinishReason)),
	)
	return resp.Choices[0].Message.Content, nil
}

// Enabled reports true.
func (o *OpenAI) Enabled() bool {
	return true
}
