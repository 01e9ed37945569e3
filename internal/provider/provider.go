// Package provider defines the Provider interface and the LLM provider adapters.
//
// Every LLM backend (OpenAI, Anthropic, Google, and the OpenAI-compatible
// gateways) implements Provider. The dispatcher talks to these unified types
// only, so it never needs to know which backend is serving a run; adding a
// provider means adding one adapter file and one factory entry in the
// registry. Nothing downstream changes.
package provider

import (
	"context"
	"encoding/json"

	"github.com/itzam-ai/itzam/internal/generation"
)

// Provider is the interface that every LLM backend must satisfy.
type Provider interface {
	// Name returns the provider identifier, e.g. "anthropic" or "google".
	// It is the prefix of the model tags the provider serves.
	Name() string

	// ChatCompletion sends a request and waits for the complete response.
	// This is the buffered path used by event-triggered runs and by
	// non-streaming API calls.
	ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// ChatCompletionStream sends a request and returns a channel that
	// delivers chunks as they arrive from the upstream API.
	//
	// The adapter owns the channel: it writes chunks, sends a final chunk
	// with Done or Error set, and closes it. When ctx is cancelled the
	// adapter stops reading upstream and closes the channel without
	// necessarily sending a Done chunk.
	ChatCompletionStream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error)
}

// ---------------------------------------------------------------------------
// Unified request types
// ---------------------------------------------------------------------------

// ChatRequest is the provider-facing form of a generation request. The
// dispatcher builds it from a generation.Request; adapters translate it
// into their backend's wire format.
type ChatRequest struct {
	Model     string               // upstream model name, without the provider prefix
	System    string               // system prompt plus any injected context
	Messages  []generation.Message // conversation, oldest first, ending with the new input
	MaxTokens int                  // 0 means the adapter default

	// Schema, when set, asks for a JSON object conforming to it. Adapters
	// with native structured output pass it through; others instruct the
	// model through the system prompt. Validation happens in the dispatcher
	// either way.
	Schema json.RawMessage

	// Reasoning turns on extended thinking for models that support it.
	Reasoning bool
}

// ---------------------------------------------------------------------------
// Unified response types
// ---------------------------------------------------------------------------

// ChatResponse is a complete (non-streaming) response.
type ChatResponse struct {
	ID        string
	Model     string
	Content   string
	Reasoning string
	ToolCalls []generation.ToolCall
	Usage     generation.Usage
}

// StreamChunk is one piece of a streaming response.
//
// A chunk carries any combination of Delta, Reasoning and ToolCall. The last
// chunk an adapter sends has Done set (with Usage when the backend reports
// it) or Error set; nothing follows either.
type StreamChunk struct {
	Delta      string
	Reasoning  string
	ToolCall   *generation.ToolCall
	ToolResult *generation.ToolResult

	Done  bool
	Usage *generation.Usage
	Error error
}

// defaultMaxTokens is used when the caller doesn't specify max tokens.
// Anthropic requires the field, the others just get a sane cap.
const defaultMaxTokens = 4096

func maxTokens(req *ChatRequest) int {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	return defaultMaxTokens
}

// send delivers a chunk unless ctx is cancelled first. It reports whether
// the chunk was delivered.
func send(ctx context.Context, ch chan<- StreamChunk, chunk StreamChunk) bool {
	select {
	case ch <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}
