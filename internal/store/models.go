// Package store is the Store Adapter: the sole surface that
// touches persistent storage. Every other component calls into store's typed
// methods instead of constructing SQL itself.
package store

import "time"

// CoreFact is a keyed, bounded, importance-ranked fact per user.
type CoreFact struct {
	ID           string
	UserID       string
	Key          string
	Value        string
	Importance   float64
	Metadata     map[string]any
	AccessCount  int64
	LastAccessed time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RecallItem is an append-only semantic memory row per user.
type RecallItem struct {
	ID           string
	UserID       string
	Content      string
	Embedding    []float32
	Importance   float64
	AccessCount  int64
	LastAccessed time.Time
	CreatedAt    time.Time

	// Similarity is populated only by search results, not stored.
	Similarity float64
}

// ArchivalItem is compressed long-form memory with metadata filtering.
type ArchivalItem struct {
	ID                string
	UserID            string
	Content           string
	Source            string
	Metadata          map[string]any
	SessionID         *string
	Compressed        bool
	CompressedIntoID  *string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Node is a typed, embedded node in the per-user knowledge graph.
type Node struct {
	ID         string
	UserID     string
	Label      string
	NodeType   string
	Properties map[string]any
	Embedding  []float32
	CreatedAt  time.Time
	UpdatedAt  time.Time

	Similarity float64
}

// Edge connects two same-user Nodes.
type Edge struct {
	ID         string
	SourceID   string
	TargetID   string
	EdgeType   string
	Weight     float64
	Properties map[string]any
	CreatedAt  time.Time
}

// Session is an ordered per-user, per-channel message log used for token
// budgeting by the Context Engine.
type Session struct {
	SessionID string
	UserID    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// StoredMessage is one persisted turn of a session's message log.
type StoredMessage struct {
	ID        int64
	SessionID string
	UserID    string
	Role      string
	Content   string
	Tokens    int
	Partial   bool
	CreatedAt time.Time
}

// OffloadEntry backs the Context Engine's offload cache across restarts.
type OffloadEntry struct {
	SessionID string
	Index     int
	Priority  int
	Payload   []byte
	StoredAt  time.Time
}

// PendingApproval backs the Orchestrator's PENDING_APPROVAL sub-state.
type PendingApproval struct {
	RequestID string
	UserID    string
	Intent    string
	Status    string // "pending", "approved", "denied", "timeout"
	CreatedAt time.Time
	ExpiresAt time.Time
}

// MetricEvent is the structured metric row emitted once per handled turn.
type MetricEvent struct {
	RequestID     string
	UserIDHash    string
	Intent        string
	Confidence    float64
	LatencyMs     int64
	TokensIn      int
	TokensOut     int
	SourcesCount  int
	CreatedAt     time.Time
}
