package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/seshat-labs/seshat/src/concurrent"
)

// Scheduler periodically summarizes sessions that have gone idle with
// unsummarized turns. One scheduler per engine; run it in its own goroutine.
type Scheduler struct {
	engine      *Engine
	interval    time.Duration
	idleTimeout time.Duration
	log         *slog.Logger

	// personaOf resolves the persona for a session at trigger time. Nil
	// leaves persona resolution to the summarization pipeline's fallback.
	personaOf func(sessionID string) string
}

// NewScheduler creates a scheduler. interval <= 0 selects one minute.
// idleTimeout <= 0 disables triggering: the loop still ticks so the
// configuration can be flipped without restarting, but no session is ever
// considered idle.
func NewScheduler(e *Engine, interval, idleTimeout time.Duration, personaOf func(string) string) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{
		engine:      e,
		interval:    interval,
		idleTimeout: idleTimeout,
		log:         e.log,
		personaOf:   personaOf,
	}
}

// Run blocks until ctx is cancelled, checking for idle sessions every
// interval. Each session's failure is logged and skipped; the loop never
// stops early.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.log.Info("summarization scheduler started",
		"interval", s.interval, "idle_timeout", s.idleTimeout)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("summarization scheduler stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if s.idleTimeout <= 0 {
		return
	}
	e := s.engine
	concurrent.ForEach(ctx, e.state.Sessions(), 4, func(sessionID string) error {
		count, err := e.counter.Get(ctx, sessionID)
		if err != nil {
			return err
		}
		if count <= 0 || e.state.PendingCount(sessionID) == 0 {
			return nil
		}
		last, ok := e.state.LastSummary(sessionID)
		if !ok {
			// Session vanished between listing and inspection.
			return nil
		}
		if time.Since(last) <= s.idleTimeout {
			return nil
		}
		persona := ""
		if s.personaOf != nil {
			persona = s.personaOf(sessionID)
		}
		s.log.Info("idle session queued for summarization",
			"session_id", sessionID, "turns", count)
		e.enqueueSummarization(ctx, sessionID, persona, count)
		return nil
	}, func(sessionID string, err error) {
		s.log.Error("scheduler skipping session",
			"session_id", sessionID, "err", err)
	})
}
