package models

import (
	"context"
	"strings"

	"github.com/seshat-labs/seshat/src/memory/model"
)

// DummyProvider condenses the conversation locally. Useful for tests and for
// running the engine without any API key configured.
type DummyProvider struct{}

func (DummyProvider) TextChat(_ context.Context, messages []model.Message, _ string) (model.ChatResponse, error) {
	var parts []string
	for _, m := range messages {
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		if len(content) > 80 {
			content = content[:80]
		}
		parts = append(parts, m.Role+": "+content)
	}
	if len(parts) == 0 {
		return model.ChatResponse{}, ErrEmptyResponse
	}
	return model.ChatResponse{
		Role:    model.RoleAssistant,
		Content: strings.Join(parts, " | "),
	}, nil
}

var _ Provider = DummyProvider{}
