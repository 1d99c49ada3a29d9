package models

import (
	"context"
	"os"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	anthropicopt "github.com/anthropics/anthropic-sdk-go/option"

	"github.com/seshat-labs/seshat/src/memory/model"
)

type ClaudeProvider struct {
	client    *anthropic.Client
	model     string
	maxTokens int64
}

// NewClaudeProvider reads ANTHROPIC_API_KEY from the env.
func NewClaudeProvider(modelName string) *ClaudeProvider {
	cl := anthropic.NewClient(
		anthropicopt.WithAPIKey(os.Getenv("ANTHROPIC_API_KEY")),
	)
	if modelName == "" {
		modelName = "claude-3-5-haiku-latest"
	}
	return &ClaudeProvider{client: &cl, model: modelName, maxTokens: 1024}
}

func (c *ClaudeProvider) TextChat(ctx context.Context, messages []model.Message, systemPrompt string) (model.ChatResponse, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: c.maxTokens,
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemPrompt}}
	}
	for _, m := range messages {
		block := anthropic.NewTextBlock(m.Content)
		if m.Role == model.RoleAssistant {
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(block))
		} else {
			params.Messages = append(params.Messages, anthropic.NewUserMessage(block))
		}
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return model.ChatResponse{}, err
	}
	var b strings.Builder
	for _, cb := range msg.Content {
		if tb, ok := cb.AsAny().(anthropic.TextBlock); ok {
			b.WriteString(tb.Text)
		}
	}
	if b.Len() == 0 {
		return model.ChatResponse{}, ErrEmptyResponse
	}
	return model.ChatResponse{Role: model.RoleAssistant, Content: b.String()}, nil
}
