// Package streaming implements the Conversation Streaming Gateway (spec.md
// §4.9): a unified adapter over a local OpenAI-compatible proxy, a direct
// provider API, and CLI subprocess streaming, yielding typed deltas.
// Grounded on original_source's conversation_streaming.py for resolution
// priority and gzip-aware error handling, and on the teacher's Codex OTEL
// event parser (internal/harness/codex's event handler) for the
// "accumulate index-keyed fragments into typed events" shape.
package streaming

import (
	"time"

	"agentctl/internal/config"
)

// Role is a conversation message's speaker.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry in the ordered conversation (spec.md §4.9 "array of
// role-tagged messages").
type Message struct {
	Role    Role
	Content string
}

// ChatRequest is the input to Resolve/Stream: a conversation plus routing
// hints.
type ChatRequest struct {
	Backend      config.Backend
	Messages     []Message
	Model        string
	AccountEmail string // requests account routing via X-Account-Email; requires a proxy
}

// Mode is the resolved transport for a streaming attempt.
type Mode string

const (
	ModeProxy     Mode = "proxy"
	ModeDirectAPI Mode = "direct_api"
	ModeCLI       Mode = "cli"
)

// Resolution is the outcome of the priority chain in spec.md §4.9.
type Resolution struct {
	Mode    Mode
	BaseURL string
	APIKey  string
}

// EventType tags a streamed delta.
type EventType string

const (
	EventContentDelta EventType = "content_delta"
	EventToolCall     EventType = "tool_call"
	EventFinish       EventType = "finish"
	EventError        EventType = "error"
)

// ToolCall is the running state of one index-keyed tool-call fragment
// stream (spec.md §4.9: "assembled from index-keyed fragments whose
// arguments come in partial JSON slices and are concatenated until
// finish_reason").
type ToolCall struct {
	Index     int
	ID        string
	Name      string
	Arguments string // concatenation of all fragments seen so far
}

// Event is one item in a chat stream.
type Event struct {
	Type         EventType
	Text         string // EventContentDelta
	ToolCall     *ToolCall
	FinishReason string
	Err          error
}

// StreamTimeout is the wall-clock guard on proxy/CLI streaming (spec.md §5:
// "streaming subprocesses have a 120s wall-clock guard").
const StreamTimeout = 120 * time.Second
