// Package engine ties the stores, embedders, and LLM providers together into
// the retrieval and summarization pipelines plus the host-facing hooks.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/seshat-labs/seshat/src/concurrent"
	"github.com/seshat-labs/seshat/src/memory/embed"
	"github.com/seshat-labs/seshat/src/memory/filter"
	"github.com/seshat-labs/seshat/src/memory/model"
	"github.com/seshat-labs/seshat/src/memory/schema"
	"github.com/seshat-labs/seshat/src/memory/session"
	"github.com/seshat-labs/seshat/src/memory/store"
	"github.com/seshat-labs/seshat/src/models"
)

// UnknownPersona is the placeholder persona id used when persona filtering
// is enabled but no persona resolves, keeping filter expressions well-formed.
const UnknownPersona = "UNKNOWN_PERSONA"

// Options configures an Engine. Zero values select the defaults listed on
// each field.
type Options struct {
	Collection string // default "long_term_memory"
	Dim        int    // default embedder's dim, else 1024

	TopK             int           // similar memories injected per query; default 5
	SummaryThreshold int           // turns before a summarization triggers; default 10
	SearchTimeout    time.Duration // bound on embed+search; default 5s
	MaxHistory       int           // pending-message buffer bound; default 200
	MaxWorkers       int           // concurrent summarization jobs; default 10

	PersonaFiltering bool
	InjectStrategy   string // user_prompt | system_prompt | system_context
	BlockPrefix      string // default "<memory>"
	BlockSuffix      string // default "</memory>"
	// ContextRetention keeps the last N injected blocks when stripping:
	// 0 strips all, negative keeps all.
	ContextRetention int

	// SummaryInstruction overrides the system prompt used for summarization.
	SummaryInstruction string

	Logger *slog.Logger
}

const defaultSummaryInstruction = "Condense the following conversation into a short third-person memory. " +
	"Keep concrete facts, decisions, names, and preferences. Reply with the summary text only."

// Engine is the long-term memory engine: it retrieves relevant memories into
// outgoing prompts and condenses finished turns back into the store.
type Engine struct {
	store    store.VectorStore
	embedder embed.Embedder
	provider models.Provider
	state    *session.State
	counter  *session.Counter
	pool     *concurrent.WorkerPool

	opts Options
	log  *slog.Logger
}

// New wires an Engine from its parts. The store should already be
// constructed but need not be connected; Init does that.
func New(vs store.VectorStore, emb embed.Embedder, provider models.Provider, counter *session.Counter, opts Options) *Engine {
	if opts.Collection == "" {
		opts.Collection = schema.DefaultCollectionName
	}
	if opts.Dim <= 0 {
		if emb != nil && emb.Dim() > 0 {
			opts.Dim = emb.Dim()
		} else {
			opts.Dim = schema.DefaultDim
		}
	}
	if opts.TopK <= 0 {
		opts.TopK = 5
	}
	if opts.SummaryThreshold <= 0 {
		opts.SummaryThreshold = 10
	}
	if opts.SearchTimeout <= 0 {
		opts.SearchTimeout = 5 * time.Second
	}
	if opts.SummaryInstruction == "" {
		opts.SummaryInstruction = defaultSummaryInstruction
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		store:    vs,
		embedder: emb,
		provider: provider,
		state:    session.NewState(opts.MaxHistory),
		counter:  counter,
		pool:     concurrent.NewWorkerPool(opts.MaxWorkers),
		opts:     opts,
		log:      log,
	}
}

// Init connects the store and ensures the collection and index exist. Setup
// failures here are the only fatal errors the engine surfaces; everything at
// runtime degrades instead.
func (e *Engine) Init(ctx context.Context) error {
	if err := e.store.Connect(ctx); err != nil {
		return fmt.Errorf("connect vector store: %w", err)
	}
	col := schema.Define(e.opts.Collection, e.opts.Dim)
	if err := e.store.EnsureCollection(ctx, col, schema.DefaultIndexParams()); err != nil {
		return fmt.Errorf("ensure collection %q: %w", e.opts.Collection, err)
	}
	return nil
}

// Close flushes and closes the store. Pending summarization jobs are given a
// chance to finish first.
func (e *Engine) Close(ctx context.Context) error {
	e.pool.Wait()
	if err := e.store.Flush(ctx, e.opts.Collection); err != nil {
		e.log.Warn("flush on close failed", "err", err)
	}
	return e.store.Close(ctx)
}

// State exposes the session state store for host runtimes that manage
// history directly.
func (e *Engine) State() *session.State { return e.state }

// Store exposes the vector store for admin surfaces.
func (e *Engine) Store() store.VectorStore { return e.store }

// Collection returns the active collection name.
func (e *Engine) Collection() string { return e.opts.Collection }

// Forget deletes every memory for a session, flushes the deletion, and
// clears the session's counter and pending history. Returns how many records
// were removed.
func (e *Engine) Forget(ctx context.Context, sessionID string) (int64, error) {
	if err := e.ensureStore(ctx); err != nil {
		return 0, err
	}
	expr, err := filter.Eq(model.FieldSessionID, sessionID)
	if err != nil {
		return 0, err
	}
	removed, err := e.store.Delete(ctx, e.opts.Collection, expr)
	if err != nil {
		return 0, err
	}
	if err := e.store.Flush(ctx, e.opts.Collection); err != nil {
		e.log.Warn("flush after forget failed", "session_id", sessionID, "err", err)
	}
	if err := e.counter.Forget(ctx, sessionID); err != nil {
		e.log.Warn("counter cleanup after forget failed", "session_id", sessionID, "err", err)
	}
	e.state.Drop(sessionID)
	return removed, nil
}

// ensureStore checks liveness and performs one coalesced reconnect attempt
// before giving up.
func (e *Engine) ensureStore(ctx context.Context) error {
	if e.store.IsConnected(ctx) {
		return nil
	}
	if err := e.store.Connect(ctx); err != nil {
		return err
	}
	return nil
}
