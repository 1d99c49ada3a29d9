package model

import "time"

// Field names as they appear in collections and filter expressions.
const (
	FieldMemoryID      = "memory_id"
	FieldPersonalityID = "personality_id"
	FieldSessionID     = "session_id"
	FieldContent       = "content"
	FieldEmbedding     = "embedding"
	FieldCreateTime    = "create_time"
)

// DefaultOutputFields is what retrieval asks the store to return. The primary
// key is always included by the store even when omitted here.
var DefaultOutputFields = []string{FieldContent, FieldCreateTime, FieldMemoryID}

// MemoryRecord is one persisted long-term memory entry.
//
// ID is assigned by the store (auto-id primary key). CreateTime is unix
// seconds; the store fills it in server-side when the caller leaves it zero,
// and never overwrites a caller-supplied positive value, so backdated imports
// keep their timestamps.
type MemoryRecord struct {
	ID            int64     `json:"memory_id"`
	PersonalityID string    `json:"personality_id"`
	SessionID     string    `json:"session_id"`
	Content       string    `json:"content"`
	Embedding     []float32 `json:"embedding,omitempty"`
	CreateTime    int64     `json:"create_time"`
}

// CreatedAt converts the unix-seconds timestamp to a time.Time.
func (r MemoryRecord) CreatedAt() time.Time {
	return time.Unix(r.CreateTime, 0)
}

// SearchHit is one ranked result from a vector search. Distance is the raw
// metric value reported by the backend; for L2-style metrics lower means more
// similar, and results are returned in ascending distance order.
type SearchHit struct {
	Record   MemoryRecord
	Distance float32
}

// Chat roles recorded in session history.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message is one turn of conversation kept in short-term session history.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ChatResponse is what an LLM provider returns for a text-chat call.
type ChatResponse struct {
	Role    string
	Content string
}
