package llm

import (
	"context"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"github.com/DiscipleTools/agent-ai-sub001/internal/apperr"
	"github.com/DiscipleTools/agent-ai-sub001/internal/collab"
)

// OpenAIClient speaks the OpenAI chat-completions API, which also covers
// any OpenAI-compatible serving endpoint via BaseURL.
type OpenAIClient struct {
	sdk   openai.Client
	model string
}

// NewOpenAI builds an OpenAIClient from a connection.
func NewOpenAI(conn Connection) *OpenAIClient {
	opts := []option.RequestOption{option.WithAPIKey(conn.APIKey)}
	if conn.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(conn.BaseURL))
	}
	return &OpenAIClient{sdk: openai.NewClient(opts...), model: conn.Model}
}

// Chat sends a single-turn completion request.
func (c *OpenAIClient) Chat(ctx context.Context, prompt string, opts collab.ChatOptions) (string, error) {
	model := c.model
	if opts.Model != "" {
		model = opts.Model
	}
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
		Temperature: openai.Float(opts.Temperature),
	}
	if opts.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(opts.MaxTokens))
	}

	resp, err := c.sdk.Chat.Completions.New(ctx, params)
	if err != nil {
		if ctx.Err() != nil {
			return "", apperr.New(apperr.Cancelled, "llm call cancelled", ctx.Err())
		}
		return "", apperr.New(apperr.RemoteFailed, "llm provider request failed", err)
	}
	if len(resp.Choices) == 0 {
		return "", apperr.New(apperr.RemoteFailed, "llm provider returned no choices", nil)
	}
	return resp.Choices[0].Message.Content, nil
}
