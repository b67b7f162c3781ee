package llm

import (
	"context"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/DiscipleTools/agent-ai-sub001/internal/apperr"
	"github.com/DiscipleTools/agent-ai-sub001/internal/collab"
)

const anthropicDefaultMaxTokens int64 = 1024

// AnthropicClient speaks the Anthropic Messages API.
type AnthropicClient struct {
	sdk   anthropic.Client
	model string
}

// NewAnthropic builds an AnthropicClient from a connection.
func NewAnthropic(conn Connection) *AnthropicClient {
	opts := []option.RequestOption{option.WithAPIKey(conn.APIKey)}
	if conn.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(conn.BaseURL))
	}
	return &AnthropicClient{sdk: anthropic.NewClient(opts...), model: conn.Model}
}

// Chat sends a single-turn message and concatenates the text blocks of the
// response.
func (c *AnthropicClient) Chat(ctx context.Context, prompt string, opts collab.ChatOptions) (string, error) {
	maxTokens := anthropicDefaultMaxTokens
	if opts.MaxTokens > 0 {
		maxTokens = int64(opts.MaxTokens)
	}
	model := c.model
	if opts.Model != "" {
		model = opts.Model
	}

	msg, err := c.sdk.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(model),
		MaxTokens:   maxTokens,
		Temperature: anthropic.Float(opts.Temperature),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", apperr.New(apperr.Cancelled, "llm call cancelled", ctx.Err())
		}
		return "", apperr.New(apperr.RemoteFailed, "llm provider request failed", err)
	}

	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	if b.Len() == 0 {
		return "", apperr.New(apperr.RemoteFailed, "llm provider returned no text", nil)
	}
	return b.String(), nil
}
