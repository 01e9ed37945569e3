package generation

import (
	"encoding/json"

	"github.com/shopspring/decimal"

	"github.com/itzam-ai/itzam/internal/apperr"
)

// EventKind tags a uniform event.
type EventKind string

const (
	EventTextDelta      EventKind = "text-delta"
	EventReasoningDelta EventKind = "reasoning-delta"
	EventToolCall       EventKind = "tool-call"
	EventToolResult     EventKind = "tool-result"
	EventFinish         EventKind = "finish"
	EventError          EventKind = "error"
)

// Usage holds token counts for one run.
type Usage struct {
	InputTokens  int64 `json:"inputTokens"`
	OutputTokens int64 `json:"outputTokens"`
}

// Known reports whether the provider reported any usage at all.
func (u Usage) Known() bool {
	return u.InputTokens > 0 || u.OutputTokens > 0
}

// ToolCall is a function invocation requested by the model.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolResult is the outcome of a provider-executed tool.
type ToolResult struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Output string `json:"output"`
}

// Event is the provider-agnostic stream element. Exactly one of the payload
// groups is meaningful, selected by Kind:
//
//	text-delta, reasoning-delta → Delta
//	tool-call                   → ToolCall
//	tool-result                 → ToolResult
//	finish                      → Usage, Cost, DurationMs, Text, Object,
//	                              Reasoning, ToolCalls
//	error                       → Code, Message (+ partial Usage, Cost, Text)
//
// finish and error are terminal: nothing follows them on a channel.
type Event struct {
	Kind  EventKind
	RunID string

	Delta      string
	ToolCall   *ToolCall
	ToolResult *ToolResult

	Usage      Usage
	Cost       decimal.Decimal
	DurationMs int64
	Text       string
	Object     json.RawMessage
	Reasoning  string
	ToolCalls  []ToolCall

	Code    apperr.Code
	Message string
}

// Terminal reports whether e ends the stream.
func (e Event) Terminal() bool {
	return e.Kind == EventFinish || e.Kind == EventError
}

// Err converts an error event back to an error value. It returns nil for
// every other kind.
func (e Event) Err() error {
	if e.Kind != EventError {
		return nil
	}
	return apperr.New(e.Code, "%s", e.Message)
}
