// Package worker defines the contract with the coding agent. The agent is a
// black box invoked with a message history; it streams progress events and
// returns aggregated text, tool activity, token usage, and a resumable
// session handle.
package worker

import "context"

// Role identifies who authored a message
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry in the history handed to the worker
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// StreamEventType classifies progress events emitted during an invocation
type StreamEventType string

const (
	StreamTextChunk  StreamEventType = "text_chunk"
	StreamToolUse    StreamEventType = "tool_use"
	StreamToolResult StreamEventType = "tool_result"
	StreamAgentDone  StreamEventType = "agent_done"
)

// StreamEvent is one progress event from a running invocation
type StreamEvent struct {
	Type StreamEventType `json:"type"`
	Text string          `json:"text,omitempty"`
	Tool string          `json:"tool,omitempty"`
}

// ToolCall records one tool invocation the worker performed
type ToolCall struct {
	Name   string `json:"name"`
	Input  string `json:"input,omitempty"`
	Output string `json:"output,omitempty"`
}

// Usage is the token consumption of one invocation
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Invocation is one request to the worker. SessionID, when non-empty,
// resumes a previous session; OnEvent, when set, receives progress events
// as they happen.
type Invocation struct {
	Messages  []Message
	SessionID string
	OnEvent   func(StreamEvent)
}

// Result is the aggregated outcome of one invocation. SessionID is the
// (possibly new) handle to continue the session with.
type Result struct {
	Text      string     `json:"text"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     Usage      `json:"usage"`
	SessionID string     `json:"session_id"`
}

// Worker is the coding agent collaborator
type Worker interface {
	Invoke(ctx context.Context, inv Invocation) (*Result, error)
}
