// Package models wraps the LLM providers used for summarization behind one
// chat interface.
package models

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/seshat-labs/seshat/src/memory/model"
)

// Provider is a chat-capable LLM backend. TextChat sends the conversation
// plus an optional system prompt and returns the assistant reply.
type Provider interface {
	TextChat(ctx context.Context, messages []model.Message, systemPrompt string) (model.ChatResponse, error)
}

// ErrEmptyResponse is returned when a provider yields no usable text.
var ErrEmptyResponse = errors.New("provider returned an empty response")

// New builds a provider by name: openai, ollama, claude, or dummy.
func New(provider, modelName string) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "openai":
		return NewOpenAIProvider(modelName), nil
	case "ollama":
		return NewOllamaProvider(modelName)
	case "claude", "anthropic":
		return NewClaudeProvider(modelName), nil
	case "dummy", "":
		return DummyProvider{}, nil
	default:
		return nil, fmt.Errorf("unknown model provider %q", provider)
	}
}
