package engine

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/seshat-labs/seshat/src/memory/embed"
	"github.com/seshat-labs/seshat/src/memory/model"
	"github.com/seshat-labs/seshat/src/memory/session"
	"github.com/seshat-labs/seshat/src/memory/store"
	"github.com/seshat-labs/seshat/src/models"
)

func newTestEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	dir := t.TempDir()
	counter, err := session.OpenCounter(filepath.Join(dir, "counters.db"))
	if err != nil {
		t.Fatalf("OpenCounter returned error: %v", err)
	}
	t.Cleanup(func() { counter.Close() })

	emb := embed.DummyEmbedder{Dimension: 8}
	e := New(store.NewLocalStore(filepath.Join(dir, "data")), emb, models.DummyProvider{}, counter, opts)
	if err := e.Init(context.Background()); err != nil {
		t.Fatalf("Init returned error: %v", err)
	}
	return e
}

func queryCount(t *testing.T, e *Engine, sessionID string) int {
	t.Helper()
	recs, err := e.store.Query(context.Background(), store.QueryRequest{
		Collection: e.opts.Collection,
		Filter:     `session_id == "` + sessionID + `"`,
		Limit:      100,
	})
	if err != nil {
		t.Fatalf("Query returned error: %v", err)
	}
	return len(recs)
}

func TestThresholdTriggersSummarizationOnce(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, Options{SummaryThreshold: 2})

	req := &PromptRequest{Prompt: "my cat is named Miso"}
	e.OnBeforeLLMRequest(ctx, "s1", "alice", req)
	e.OnAfterLLMResponse(ctx, "s1", "alice", model.ChatResponse{
		Role: model.RoleAssistant, Content: "noted, Miso it is",
	})
	e.pool.Wait()

	if got := queryCount(t, e, "s1"); got != 1 {
		t.Fatalf("expected exactly one summary record, got %d", got)
	}
	count, err := e.counter.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if count != 0 {
		t.Fatalf("counter must reset when summarization triggers, got %d", count)
	}
	if n := e.state.PendingCount("s1"); n != 0 {
		t.Fatalf("pending messages must be consumed after summarization, got %d", n)
	}
}

func TestBelowThresholdDoesNotSummarize(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, Options{SummaryThreshold: 10})

	req := &PromptRequest{Prompt: "hello"}
	e.OnBeforeLLMRequest(ctx, "s1", "", req)
	e.OnAfterLLMResponse(ctx, "s1", "", model.ChatResponse{
		Role: model.RoleAssistant, Content: "hi",
	})
	e.pool.Wait()

	if got := queryCount(t, e, "s1"); got != 0 {
		t.Fatalf("no summary expected below the threshold, got %d records", got)
	}
}

func TestHandleQueryInjectsSessionMemories(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, Options{SummaryThreshold: 100})

	if err := e.Summarize(ctx, "s1", "alice", "user: I prefer window seats"); err != nil {
		t.Fatalf("Summarize returned error: %v", err)
	}
	if err := e.Summarize(ctx, "s2", "alice", "user: I prefer aisle seats"); err != nil {
		t.Fatalf("Summarize returned error: %v", err)
	}

	req := &PromptRequest{Prompt: "book me a flight"}
	if !e.HandleQuery(ctx, "s1", "alice", "seat preference", req) {
		t.Fatalf("expected memories to be injected")
	}
	if !strings.Contains(req.Prompt, DefaultBlockPrefix) {
		t.Fatalf("prompt should carry a memory block, got %q", req.Prompt)
	}
	if !strings.Contains(req.Prompt, "window seats") {
		t.Fatalf("expected the session's own memory, got %q", req.Prompt)
	}
	if strings.Contains(req.Prompt, "aisle seats") {
		t.Fatalf("must not leak another session's memory, got %q", req.Prompt)
	}
	if !strings.HasSuffix(req.Prompt, "book me a flight") {
		t.Fatalf("original prompt text must survive injection, got %q", req.Prompt)
	}
}

func TestHandleQueryEmptyQueryIsNoOp(t *testing.T) {
	e := newTestEngine(t, Options{})

	req := &PromptRequest{Prompt: "   "}
	if e.HandleQuery(context.Background(), "s1", "", "   ", req) {
		t.Fatalf("blank query must inject nothing")
	}
	if req.Prompt != "   " {
		t.Fatalf("request must be untouched, got %q", req.Prompt)
	}
}

func TestHandleQueryWithoutEmbedderIsNoOp(t *testing.T) {
	dir := t.TempDir()
	counter, err := session.OpenCounter(filepath.Join(dir, "counters.db"))
	if err != nil {
		t.Fatalf("OpenCounter returned error: %v", err)
	}
	t.Cleanup(func() { counter.Close() })

	e := New(store.NewLocalStore(filepath.Join(dir, "data")), nil, models.DummyProvider{}, counter, Options{})
	if err := e.Init(context.Background()); err != nil {
		t.Fatalf("Init returned error: %v", err)
	}

	req := &PromptRequest{Prompt: "anything"}
	if e.HandleQuery(context.Background(), "s1", "", "anything", req) {
		t.Fatalf("an engine without an embedder must inject nothing")
	}
	if req.Prompt != "anything" {
		t.Fatalf("request must be untouched, got %q", req.Prompt)
	}
}

func TestHandleQueryNoHitsLeavesRequestAlone(t *testing.T) {
	e := newTestEngine(t, Options{})

	req := &PromptRequest{Prompt: "anything"}
	if e.HandleQuery(context.Background(), "empty-session", "", "anything", req) {
		t.Fatalf("no stored memories means nothing to inject")
	}
	if req.Prompt != "anything" {
		t.Fatalf("request must be untouched, got %q", req.Prompt)
	}
}

func TestSummarizeRejectsBlankHistory(t *testing.T) {
	e := newTestEngine(t, Options{})
	if err := e.Summarize(context.Background(), "s1", "", "  \n "); err == nil {
		t.Fatalf("expected error for blank history")
	}
}

func TestSummarizeFallsBackToUnknownPersona(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, Options{})

	if err := e.Summarize(ctx, "s1", "", "user: hello there"); err != nil {
		t.Fatalf("Summarize returned error: %v", err)
	}
	recs, err := e.store.Query(ctx, store.QueryRequest{
		Collection:   e.opts.Collection,
		Filter:       "memory_id > 0",
		Limit:        10,
		OutputFields: []string{model.FieldPersonalityID},
	})
	if err != nil {
		t.Fatalf("Query returned error: %v", err)
	}
	if len(recs) != 1 || recs[0].PersonalityID != UnknownPersona {
		t.Fatalf("expected the unknown-persona placeholder, got %+v", recs)
	}
}

func TestForgetRemovesSessionEverywhere(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, Options{})

	if err := e.Summarize(ctx, "s1", "alice", "user: remember me"); err != nil {
		t.Fatalf("Summarize returned error: %v", err)
	}
	e.state.AddMessage("s1", model.Message{Role: model.RoleUser, Content: "pending"})
	if _, err := e.counter.Increment(ctx, "s1", 3); err != nil {
		t.Fatalf("Increment returned error: %v", err)
	}

	removed, err := e.Forget(ctx, "s1")
	if err != nil {
		t.Fatalf("Forget returned error: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected one record removed, got %d", removed)
	}
	if got := queryCount(t, e, "s1"); got != 0 {
		t.Fatalf("records must be gone after forget, got %d", got)
	}
	count, err := e.counter.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if count != 0 {
		t.Fatalf("counter must be cleared after forget, got %d", count)
	}
	if n := e.state.PendingCount("s1"); n != 0 {
		t.Fatalf("pending history must be dropped after forget, got %d", n)
	}
}

// blockingProvider parks every chat call until released, so tests can hold a
// worker slot open deterministically.
type blockingProvider struct {
	started chan struct{}
	release chan struct{}
}

func (p *blockingProvider) TextChat(ctx context.Context, _ []model.Message, _ string) (model.ChatResponse, error) {
	close(p.started)
	select {
	case <-p.release:
	case <-ctx.Done():
		return model.ChatResponse{}, ctx.Err()
	}
	return model.ChatResponse{Role: model.RoleAssistant, Content: "summary"}, nil
}

func TestSaturatedPoolRestoresCounter(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	counter, err := session.OpenCounter(filepath.Join(dir, "counters.db"))
	if err != nil {
		t.Fatalf("OpenCounter returned error: %v", err)
	}
	defer counter.Close()

	provider := &blockingProvider{started: make(chan struct{}), release: make(chan struct{})}
	e := New(store.NewLocalStore(filepath.Join(dir, "data")),
		embed.DummyEmbedder{Dimension: 8}, provider, counter, Options{MaxWorkers: 1})
	if err := e.Init(ctx); err != nil {
		t.Fatalf("Init returned error: %v", err)
	}

	e.state.AddMessage("busy", model.Message{Role: model.RoleUser, Content: "hold the slot"})
	e.enqueueSummarization(ctx, "busy", "", 1)
	<-provider.started

	if _, err := counter.Increment(ctx, "deferred", 5); err != nil {
		t.Fatalf("Increment returned error: %v", err)
	}
	if err := counter.Reset(ctx, "deferred"); err != nil {
		t.Fatalf("Reset returned error: %v", err)
	}
	e.enqueueSummarization(ctx, "deferred", "", 5)

	count, err := counter.Get(ctx, "deferred")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if count != 5 {
		t.Fatalf("rejected job must restore the counter, got %d", count)
	}

	close(provider.release)
	e.pool.Wait()
}

func TestSchedulerSummarizesIdleSessions(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, Options{SummaryThreshold: 100})

	e.state.AddMessage("idle", model.Message{Role: model.RoleUser, Content: "stale turn"})
	if _, err := e.counter.Increment(ctx, "idle", 1); err != nil {
		t.Fatalf("Increment returned error: %v", err)
	}

	s := NewScheduler(e, time.Minute, time.Millisecond, nil)
	time.Sleep(5 * time.Millisecond)
	s.tick(ctx)
	e.pool.Wait()

	if got := queryCount(t, e, "idle"); got != 1 {
		t.Fatalf("idle session should be summarized, got %d records", got)
	}
	count, err := e.counter.Get(ctx, "idle")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if count != 0 {
		t.Fatalf("counter must reset after the scheduler triggers, got %d", count)
	}
}

func TestSchedulerSkipsSessionsWithoutTurns(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, Options{SummaryThreshold: 100})

	// Tracked but never incremented: the scheduler must leave it alone.
	e.state.AddMessage("quiet", model.Message{Role: model.RoleUser, Content: "hello"})
	if err := e.counter.Reset(ctx, "quiet"); err != nil {
		t.Fatalf("Reset returned error: %v", err)
	}

	s := NewScheduler(e, time.Minute, time.Millisecond, nil)
	time.Sleep(5 * time.Millisecond)
	s.tick(ctx)
	e.pool.Wait()

	if got := queryCount(t, e, "quiet"); got != 0 {
		t.Fatalf("a session with no counted turns must not be summarized, got %d", got)
	}
}

func TestSchedulerDisabledWithoutIdleTimeout(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, Options{SummaryThreshold: 100})

	e.state.AddMessage("s1", model.Message{Role: model.RoleUser, Content: "turn"})
	if _, err := e.counter.Increment(ctx, "s1", 1); err != nil {
		t.Fatalf("Increment returned error: %v", err)
	}

	s := NewScheduler(e, time.Minute, 0, nil)
	s.tick(ctx)
	e.pool.Wait()

	if got := queryCount(t, e, "s1"); got != 0 {
		t.Fatalf("a zero idle timeout disables triggering, got %d records", got)
	}
}
