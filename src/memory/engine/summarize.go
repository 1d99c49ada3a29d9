package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/seshat-labs/seshat/src/concurrent"
	"github.com/seshat-labs/seshat/src/memory/model"
	"github.com/seshat-labs/seshat/src/memory/store"
)

// summaryJobTimeout bounds one background summarization: an LLM round trip,
// an embedding call, and the insert.
const summaryJobTimeout = 90 * time.Second

// Summarize condenses historyText into one memory record for the session.
// Precondition failures and downstream errors are logged and returned; the
// caller decides whether anything else needs to happen (the background paths
// only log).
func (e *Engine) Summarize(ctx context.Context, sessionID, personaID, historyText string) error {
	if strings.TrimSpace(historyText) == "" {
		return errors.New("nothing to summarize")
	}
	if e.embedder == nil {
		return fmt.Errorf("%w: no embedding provider", store.ErrEmbeddingFailure)
	}
	if err := e.ensureStore(ctx); err != nil {
		return fmt.Errorf("store unavailable: %w", err)
	}

	resp, err := e.provider.TextChat(ctx, []model.Message{
		{Role: model.RoleUser, Content: historyText},
	}, e.opts.SummaryInstruction)
	if err != nil {
		return fmt.Errorf("summary request: %w", err)
	}
	if resp.Role != model.RoleAssistant || strings.TrimSpace(resp.Content) == "" {
		return fmt.Errorf("summary rejected: role %q, %d bytes", resp.Role, len(resp.Content))
	}
	summary := strings.TrimSpace(resp.Content)

	vecs, err := e.embedder.GetEmbeddings(ctx, []string{summary})
	if err != nil || len(vecs) == 0 || len(vecs[0]) == 0 {
		return fmt.Errorf("%w: %v", store.ErrEmbeddingFailure, err)
	}

	persona := personaID
	if persona == "" {
		persona = UnknownPersona
	}
	rec := model.MemoryRecord{
		PersonalityID: persona,
		SessionID:     sessionID,
		Content:       summary,
		Embedding:     vecs[0],
	}
	if _, err := e.store.Insert(ctx, e.opts.Collection, []model.MemoryRecord{rec}); err != nil {
		return fmt.Errorf("insert summary: %w", err)
	}
	// The record is durable once inserted; a failed flush only delays
	// visibility, so it does not fail the job.
	if err := e.store.Flush(ctx, e.opts.Collection); err != nil {
		e.log.Warn("flush after summary insert failed",
			"session_id", sessionID, "err", err)
	}
	return nil
}

// summarizeSession drains the session's pending messages into one summary
// job. Runs inside a worker slot.
func (e *Engine) summarizeSession(ctx context.Context, sessionID, personaID string) error {
	pending := e.state.Pending(sessionID)
	if len(pending) == 0 {
		return nil
	}
	historyText := renderHistory(pending)
	if err := e.Summarize(ctx, sessionID, personaID, historyText); err != nil {
		return err
	}
	e.state.Consume(sessionID, len(pending))
	return nil
}

// enqueueSummarization resets the counter and hands the session to the
// worker pool. When the pool is saturated the counter is restored so the
// turns trigger again later instead of being lost.
func (e *Engine) enqueueSummarization(ctx context.Context, sessionID, personaID string, turns int) {
	if err := e.counter.Reset(ctx, sessionID); err != nil {
		e.log.Error("counter reset failed, skipping summarization",
			"session_id", sessionID, "err", err)
		return
	}
	jobID := uuid.NewString()
	err := e.pool.TryGo(func() error {
		// Fire-and-forget: detach from the request context so the job
		// survives the turn that triggered it.
		jobCtx, cancel := context.WithTimeout(context.Background(), summaryJobTimeout)
		defer cancel()
		return e.summarizeSession(jobCtx, sessionID, personaID)
	}, func(err error) {
		if err != nil {
			e.log.Error("summarization job failed",
				"job_id", jobID, "session_id", sessionID, "err", err)
			return
		}
		e.log.Info("session summarized", "job_id", jobID, "session_id", sessionID)
	})
	if errors.Is(err, concurrent.ErrPoolBusy) {
		if _, rerr := e.counter.Increment(ctx, sessionID, turns); rerr != nil {
			e.log.Error("counter restore after pool rejection failed",
				"session_id", sessionID, "err", rerr)
		}
		e.log.Warn("summarization pool saturated, deferred",
			"job_id", jobID, "session_id", sessionID, "in_flight", e.pool.InFlight())
	}
}

// renderHistory flattens messages into the text handed to the LLM.
func renderHistory(messages []model.Message) string {
	var b strings.Builder
	for _, m := range messages {
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}
