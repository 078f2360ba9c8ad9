package insight

import (
	"context"
	"errors"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tokenlens/tokenlens/internal/token"
)

type fakeChatClient struct {
	gotReq openai.ChatCompletionRequest
	resp   openai.ChatCompletionResponse
	err    error
}

func (f *fakeChatClient) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.gotReq = req
	return f.resp, f.err
}

// TestOpenAISummarize forwards the token payload and returns the model text.
func TestOpenAISummarize(t *testing.T) {
	t.Parallel()

	fake := &fakeChatClient{
		resp: openai.ChatCompletionResponse{
			Choices: []openai.ChatCompletionChoice{
				{Message: openai.ChatCompletionMessage{Content: "A blue-led palette with an 8px spacing scale."}},
			},
		},
	}
	validator := &OpenAI{client: fake, model: openai.GPT4oMini, logger: zap.NewNop()}
	require.True(t, validator.Enabled())

	set := token.Set{
		token.CategoryColors: {{Path: "colors.0", Value: token.StringValue("#1a73e8")}},
	}
	got, err := validator.Summarize(context.Background(), "example.com", set)
	require.NoError(t, err)
	require.Equal(t, "A blue-led palette with an 8px spacing scale.", got)

	require.Equal(t, openai.GPT4oMini, fake.gotReq.Model)
	require.Len(t, fake.gotReq.Messages, 2)
	require.Contains(t, fake.gotReq.Messages[1].Content, "example.com")
	require.Contains(t, fake.gotReq.Messages[1].Content, "#1a73e8")
}

// TestOpenAISummarizeErrors wraps transport failures and empty responses.
func TestOpenAISummarizeErrors(t *testing.T) {
	t.Parallel()

	failing := &OpenAI{client: &fakeChatClient{err: errors.New("rate limited")}, model: "m", logger: zap.NewNop()}
	_, err := failing.Summarize(context.Background(), "example.com", nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "rate limited")

	empty := &OpenAI{client: &fakeChatClient{}, model: "m", logger: zap.NewNop()}
	_, err = empty.Summarize(context.Background(), "example.com", nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "no choices")
}

// TestNoopValidator returns empty output and reports disabled.
func TestNoopValidator(t *testing.T) {
	t.Parallel()

	noop := NewNoop()
	require.False(t, noop.Enabled())
	got, err := noop.Summarize(context.Background(), "example.com", nil)
	require.NoError(t, err)
	require.Empty(t, got)
}
