package models

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	ollama "github.com/ollama/ollama/api"

	"github.com/seshat-labs/seshat/src/memory/model"
)

type OllamaProvider struct {
	client *ollama.Client
	model  string
}

func NewOllamaProvider(modelName string) (*OllamaProvider, error) {
	host := os.Getenv("OLLAMA_HOST")
	if host == "" {
		host = "http://localhost:11434"
	}
	u, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("invalid OLLAMA_HOST %q: %w", host, err)
	}
	cli := ollama.NewClient(u, &http.Client{Timeout: 120 * time.Second})
	if modelName == "" {
		modelName = "llama3.2"
	}
	return &OllamaProvider{client: cli, model: modelName}, nil
}

func (o *OllamaProvider) TextChat(ctx context.Context, messages []model.Message, systemPrompt string) (model.ChatResponse, error) {
	msgs := make([]ollama.Message, 0, len(messages)+1)
	if systemPrompt != "" {
		msgs = append(msgs, ollama.Message{Role: model.RoleSystem, Content: systemPrompt})
	}
	for _, m := range messages {
		msgs = append(msgs, ollama.Message{Role: m.Role, Content: m.Content})
	}

	stream := false
	var text strings.Builder
	var role string
	err := o.client.Chat(ctx, &ollama.ChatRequest{
		Model:    o.model,
		Messages: msgs,
		Stream:   &stream,
	}, func(resp ollama.ChatResponse) error {
		role = resp.Message.Role
		text.WriteString(resp.Message.Content)
		return nil
	})
	if err != nil {
		return model.ChatResponse{}, err
	}
	if text.Len() == 0 {
		return model.ChatResponse{}, ErrEmptyResponse
	}
	if role == "" {
		role = model.RoleAssistant
	}
	return model.ChatResponse{Role: role, Content: text.String()}, nil
}
