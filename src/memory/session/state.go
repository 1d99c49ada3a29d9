package session

import (
	"sync"
	"time"

	"github.com/seshat-labs/seshat/src/memory/model"
)

// State holds the in-memory side of session tracking: the bounded message
// buffer awaiting summarization plus activity timestamps. All methods are
// safe for concurrent use; snapshots are copies, so callers can iterate
// without holding any lock.
type State struct {
	mu         sync.RWMutex
	sessions   map[string]*sessionState
	maxHistory int
}

type sessionState struct {
	pending     []model.Message
	lastActive  time.Time
	lastSummary time.Time
}

// DefaultMaxHistory bounds the per-session buffer when no limit is given.
const DefaultMaxHistory = 200

// NewState creates a session state store. maxHistory <= 0 selects
// DefaultMaxHistory.
func NewState(maxHistory int) *State {
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistory
	}
	return &State{sessions: map[string]*sessionState{}, maxHistory: maxHistory}
}

func (s *State) get(sessionID string) *sessionState {
	st, ok := s.sessions[sessionID]
	if !ok {
		// lastSummary starts at creation time so idle-based triggers
		// measure from when the session began, not from the epoch.
		st = &sessionState{lastSummary: time.Now()}
		s.sessions[sessionID] = st
	}
	return st
}

// AddMessage appends a message to the session's pending buffer, evicting the
// oldest entry once the buffer is full. A zero timestamp gets the current
// time.
func (s *State) AddMessage(sessionID string, msg model.Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.get(sessionID)
	st.pending = append(st.pending, msg)
	if len(st.pending) > s.maxHistory {
		st.pending = append(st.pending[:0:0], st.pending[len(st.pending)-s.maxHistory:]...)
	}
	st.lastActive = msg.Timestamp
}

// Pending returns a copy of the session's unsummarized messages.
func (s *State) Pending(sessionID string) []model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	return append([]model.Message(nil), st.pending...)
}

// Consume drops the first n pending messages and records the summarization
// time. Called after those messages have been durably summarized; n larger
// than the buffer clears it.
func (s *State) Consume(sessionID string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[sessionID]
	if !ok {
		return
	}
	if n >= len(st.pending) {
		st.pending = nil
	} else if n > 0 {
		st.pending = append([]model.Message(nil), st.pending[n:]...)
	}
	st.lastSummary = time.Now()
}

// LastActivity returns when the session last received a message.
func (s *State) LastActivity(sessionID string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.sessions[sessionID]
	if !ok {
		return time.Time{}, false
	}
	return st.lastActive, true
}

// LastSummary returns when the session was last summarized.
func (s *State) LastSummary(sessionID string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.sessions[sessionID]
	if !ok {
		return time.Time{}, false
	}
	return st.lastSummary, true
}

// IdleSessions returns sessions with pending messages whose last activity is
// older than the cutoff.
func (s *State) IdleSessions(olderThan time.Duration) []string {
	cutoff := time.Now().Add(-olderThan)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for id, st := range s.sessions {
		if len(st.pending) > 0 && st.lastActive.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids
}

// PendingCount returns how many messages await summarization.
func (s *State) PendingCount(sessionID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.sessions[sessionID]
	if !ok {
		return 0
	}
	return len(st.pending)
}

// Drop forgets a session entirely.
func (s *State) Drop(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}

// Sessions lists tracked session ids.
func (s *State) Sessions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	return ids
}
