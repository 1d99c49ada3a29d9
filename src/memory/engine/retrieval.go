package engine

import (
	"context"
	"strings"

	"github.com/seshat-labs/seshat/src/memory/filter"
	"github.com/seshat-labs/seshat/src/memory/model"
	"github.com/seshat-labs/seshat/src/memory/schema"
	"github.com/seshat-labs/seshat/src/memory/store"
)

// HandleQuery retrieves memories relevant to queryText and injects them into
// req. Every failure path is non-fatal: the request proceeds unmodified and
// the cause is logged. It reports whether anything was injected.
func (e *Engine) HandleQuery(ctx context.Context, sessionID, personaID, queryText string, req *PromptRequest) bool {
	if strings.TrimSpace(queryText) == "" || req == nil {
		return false
	}
	if e.embedder == nil {
		e.log.Error("memory retrieval skipped, no embedding provider",
			"session_id", sessionID)
		return false
	}

	expr := e.buildFilter(sessionID, personaID)

	ctx, cancel := context.WithTimeout(ctx, e.opts.SearchTimeout)
	defer cancel()

	if err := e.ensureStore(ctx); err != nil {
		e.log.Error("memory retrieval skipped, store unavailable",
			"session_id", sessionID, "err", err)
		return false
	}

	vecs, err := e.embedder.GetEmbeddings(ctx, []string{queryText})
	if err != nil || len(vecs) == 0 || len(vecs[0]) == 0 {
		e.log.Error("memory retrieval skipped, query embedding failed",
			"session_id", sessionID, "err", err)
		return false
	}

	hits, err := e.store.Search(ctx, store.SearchRequest{
		Collection:   e.opts.Collection,
		Vector:       vecs[0],
		Filter:       expr,
		Limit:        e.opts.TopK,
		OutputFields: model.DefaultOutputFields,
		Params:       schema.DefaultSearchParams(),
	})
	if err != nil {
		e.log.Error("memory retrieval skipped, search failed",
			"session_id", sessionID, "err", err)
		return false
	}
	if len(hits) == 0 {
		return false
	}

	StripInjected(req, e.opts.BlockPrefix, e.opts.BlockSuffix, e.opts.ContextRetention)
	block := WrapBlock(FormatHits(hits), e.opts.BlockPrefix, e.opts.BlockSuffix)
	Inject(req, block, e.opts.InjectStrategy)

	e.log.Debug("injected memories", "session_id", sessionID, "hits", len(hits))
	return true
}

// buildFilter assembles the retrieval filter. The id guard keeps the
// expression non-empty even when nothing else applies.
func (e *Engine) buildFilter(sessionID, personaID string) string {
	// Fields and operators below are all on the filter allow-list, so the
	// builders cannot fail here.
	preds := make([]string, 0, 3)
	if p, err := filter.Build(model.FieldMemoryID, ">", 0); err == nil {
		preds = append(preds, p)
	}
	if sessionID != "" {
		if p, err := filter.Eq(model.FieldSessionID, sessionID); err == nil {
			preds = append(preds, p)
		}
	} else {
		e.log.Warn("no session id resolved, searching memories across all sessions")
	}
	if e.opts.PersonaFiltering {
		persona := personaID
		if persona == "" {
			persona = UnknownPersona
		}
		if p, err := filter.Eq(model.FieldPersonalityID, persona); err == nil {
			preds = append(preds, p)
		}
	}
	return filter.And(preds...)
}
