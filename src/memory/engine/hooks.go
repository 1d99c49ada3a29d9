package engine

import (
	"context"
	"time"

	"github.com/seshat-labs/seshat/src/memory/model"
)

// OnBeforeLLMRequest is the host hook for outgoing requests: it records the
// user turn, bumps the turn counter, and injects relevant memories into req.
func (e *Engine) OnBeforeLLMRequest(ctx context.Context, sessionID, personaID string, req *PromptRequest) {
	if req == nil {
		return
	}
	e.state.AddMessage(sessionID, model.Message{
		Role:      model.RoleUser,
		Content:   req.Prompt,
		Timestamp: time.Now(),
	})
	if _, err := e.counter.Increment(ctx, sessionID, 1); err != nil {
		e.log.Error("turn counter increment failed", "session_id", sessionID, "err", err)
	}
	e.HandleQuery(ctx, sessionID, personaID, req.Prompt, req)
}

// OnAfterLLMResponse records the assistant turn and triggers a background
// summarization once the session crosses the turn threshold.
func (e *Engine) OnAfterLLMResponse(ctx context.Context, sessionID, personaID string, resp model.ChatResponse) {
	e.state.AddMessage(sessionID, model.Message{
		Role:      model.RoleAssistant,
		Content:   resp.Content,
		Timestamp: time.Now(),
	})
	count, err := e.counter.Increment(ctx, sessionID, 1)
	if err != nil {
		e.log.Error("turn counter increment failed", "session_id", sessionID, "err", err)
		return
	}
	// Host-side context trimming can leave the counter ahead of the turns
	// actually carried; clamp before comparing against the threshold.
	if observed := e.state.PendingCount(sessionID); count > observed {
		if adjusted, err := e.counter.AdjustIfOver(ctx, sessionID, observed); err == nil {
			count = adjusted
		}
	}
	if count >= e.opts.SummaryThreshold {
		e.enqueueSummarization(ctx, sessionID, personaID, count)
	}
}
