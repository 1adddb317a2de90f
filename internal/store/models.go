package store

// Domain models for the conversation graph (conversations, threads, refs,
// events). A Conversation is the coarse container for one line of work; a
// Thread layers forking and compaction on top of it.

import (
	"time"

	"github.com/agentrelay/internal/events"
)

// ConversationStatus is the lifecycle state of a conversation
type ConversationStatus string

const (
	ConversationActive  ConversationStatus = "active"
	ConversationPaused  ConversationStatus = "paused"
	ConversationStopped ConversationStatus = "stopped"
)

// ThreadStatus is the lifecycle state of a thread
type ThreadStatus string

const (
	ThreadActive  ThreadStatus = "active"
	ThreadPaused  ThreadStatus = "paused"
	ThreadStopped ThreadStatus = "stopped"
)

// RefStatus mirrors the external item's state
type RefStatus string

const (
	RefOpen   RefStatus = "open"
	RefClosed RefStatus = "closed"
	RefMerged RefStatus = "merged"
)

// Direction distinguishes messages received from messages sent
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Conversation is the coarse container for a line of work
type Conversation struct {
	ID        int64              `json:"id"`
	Channel   string             `json:"channel"`
	Topic     string             `json:"topic"`
	Status    ConversationStatus `json:"status"`
	Tags      []string           `json:"tags"`
	Repo      string             `json:"repo"`
	SessionID string             `json:"session_id"`
	Archived  bool               `json:"archived"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// Thread is the richer unit layered on a conversation. ConversationID is
// nil for legacy threads created before conversations existed.
type Thread struct {
	ID               int64        `json:"id"`
	ConversationID   *int64       `json:"conversation_id,omitempty"`
	Status           ThreadStatus `json:"status"`
	ParentThreadID   *int64       `json:"parent_thread_id,omitempty"`
	ForkPointEventID *int64       `json:"fork_point_event_id,omitempty"`
	Topic            string       `json:"topic"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// ThreadRef is a structured link from a thread to an external item.
// Uniqueness of (repo, kind, number) is logical, not physically enforced;
// lookups deduplicate by returning the first live match.
type ThreadRef struct {
	ID       int64          `json:"id"`
	ThreadID int64          `json:"thread_id"`
	Kind     events.RefKind `json:"kind"`
	Repo     string         `json:"repo"`
	Number   int            `json:"number"`
	URL      string         `json:"url"`
	Status   RefStatus      `json:"status"`
}

// TokenUsage records LLM token consumption for one event
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ThreadEvent is one message or action in a thread's timeline. Rows are
// append-only; compaction sets Compacted instead of deleting.
type ThreadEvent struct {
	ID          int64          `json:"id"`
	ThreadID    int64          `json:"thread_id"`
	Channel     string         `json:"channel"`
	Direction   Direction      `json:"direction"`
	Actor       string         `json:"actor"`
	Content     string         `json:"content"`
	MessageKind string         `json:"message_kind"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Usage       *TokenUsage    `json:"usage,omitempty"`
	Compacted   bool           `json:"compacted"`
	CreatedAt   time.Time      `json:"created_at"`
}
