package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/itzam-ai/itzam/internal/domain"
	"github.com/itzam-ai/itzam/internal/generation"
)

// ---------------------------------------------------------------------------
// AnthropicProvider struct + constructor
// ---------------------------------------------------------------------------

// AnthropicProvider implements Provider for Anthropic's Messages API.
// Translate the unified ChatRequest into Anthropic's format, make the HTTP
// call, translate back.
type AnthropicProvider struct {
	apiKey  string
	baseURL string // e.g. "https://api.anthropic.com/v1"
	client  *http.Client
}

// NewAnthropicProvider creates an AnthropicProvider ready to make API calls.
func NewAnthropicProvider(apiKey, baseURL string, client *http.Client) *AnthropicProvider {
	if baseURL == "" {
		baseURL = "https://api.anthropic.com/v1"
	}
	return &AnthropicProvider{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

// Name returns the provider identifier.
func (a *AnthropicProvider) Name() string {
	return "anthropic"
}

// ---------------------------------------------------------------------------
// Anthropic API types (unexported)
// ---------------------------------------------------------------------------

// --- Request types ---

// anthropicRequest is the request body for /v1/messages.
//
//   - "system" is a top-level string, not a message
//   - "max_tokens" is REQUIRED
//   - "thinking" enables extended reasoning; its budget must stay below max_tokens
type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
	Stream    bool               `json:"stream,omitempty"`
	Thinking  *anthropicThinking `json:"thinking,omitempty"`
}

type anthropicThinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens"`
}

// anthropicMessage is one conversation turn. Content is always sent as an
// array of blocks so text, images and documents can be mixed.
type anthropicMessage struct {
	Role    string                  `json:"role"`
	Content []anthropicContentBlock `json:"content"`
}

// anthropicContentBlock covers both request and response blocks. Which
// fields are set depends on Type: text, image, document, thinking, tool_use.
type anthropicContentBlock struct {
	Type     string           `json:"type"`
	Text     string           `json:"text,omitempty"`
	Source   *anthropicSource `json:"source,omitempty"`
	Thinking string           `json:"thinking,omitempty"`
	ID       string           `json:"id,omitempty"`
	Name     string           `json:"name,omitempty"`
	Input    json.RawMessage  `json:"input,omitempty"`
}

// anthropicSource points at image/document bytes, either inline base64 or
// a URL Anthropic fetches itself.
type anthropicSource struct {
	Type      string `json:"type"` // "base64" or "url"
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

// --- Response types ---

type anthropicResponse struct {
	ID         string                  `json:"id"`
	Content    []anthropicContentBlock `json:"content"`
	Model      string                  `json:"model"`
	StopReason string                  `json:"stop_reason"`
	Usage      anthropicUsage          `json:"usage"`
}

type anthropicUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// --- Streaming event types ---
//
// Anthropic sends NAMED events, each with its own payload shape:
//
//	message_start        → response ID, model, input token count
//	content_block_start  → opens block N (text, thinking or tool_use)
//	content_block_delta  → text_delta / thinking_delta / input_json_delta for block N
//	content_block_stop   → closes block N
//	message_delta        → stop_reason and output token count
//	message_stop         → end of stream
//	error                → mid-stream failure (e.g. overloaded_error)
//
// Every payload repeats its type in a "type" field, so we decode into one
// wrapper struct and switch on that, ignoring the "event:" lines.
type anthropicStreamEvent struct {
	Type         string                 `json:"type"`
	Index        int                    `json:"index"`
	Message      *anthropicEventMessage `json:"message,omitempty"`
	ContentBlock *anthropicContentBlock `json:"content_block,omitempty"`
	Delta        *anthropicEventDelta   `json:"delta,omitempty"`
	Usage        *anthropicUsage        `json:"usage,omitempty"`
	Error        *anthropicEventError   `json:"error,omitempty"`
}

type anthropicEventMessage struct {
	ID    string         `json:"id"`
	Model string         `json:"model"`
	Usage anthropicUsage `json:"usage"`
}

type anthropicEventDelta struct {
	Type        string `json:"type,omitempty"`
	Text        string `json:"text,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

type anthropicEventError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// anthropicAPIVersion pins the API behavior; Anthropic versions by header.
const anthropicAPIVersion = "2023-06-01"

// anthropicThinkingBudget is the token budget given to extended thinking.
const anthropicThinkingBudget = 2048

// ---------------------------------------------------------------------------
// Request translation
// ---------------------------------------------------------------------------

// toAnthropicRequest translates the unified ChatRequest:
//  1. system messages and the schema instruction go into the top-level "system"
//  2. remaining messages map onto content-block arrays
//  3. max_tokens gets a default, raised above the thinking budget if needed
func toAnthropicRequest(req *ChatRequest) *anthropicRequest {
	ar := &anthropicRequest{
		Model:     req.Model,
		MaxTokens: maxTokens(req),
	}

	systemParts := []string{}
	if req.System != "" {
		systemParts = append(systemParts, req.System)
	}

	for _, msg := range req.Messages {
		if msg.Role == domain.RoleSystem {
			systemParts = append(systemParts, msg.Text())
			continue
		}
		ar.Messages = append(ar.Messages, anthropicMessage{
			Role:    string(msg.Role),
			Content: toAnthropicBlocks(msg.Parts),
		})
	}

	system := strings.Join(systemParts, "\n\n")
	if len(req.Schema) > 0 {
		system = schemaInstruction(system, req.Schema)
	}
	ar.System = system

	if req.Reasoning {
		ar.Thinking = &anthropicThinking{Type: "enabled", BudgetTokens: anthropicThinkingBudget}
		if ar.MaxTokens <= anthropicThinkingBudget {
			ar.MaxTokens = anthropicThinkingBudget + defaultMaxTokens
		}
	}

	return ar
}

func toAnthropicBlocks(parts []generation.Part) []anthropicContentBlock {
	blocks := make([]anthropicContentBlock, 0, len(parts))
	for _, p := range parts {
		switch p.Kind {
		case generation.PartText:
			blocks = append(blocks, anthropicContentBlock{Type: "text", Text: p.Text})
		case generation.PartImage:
			blocks = append(blocks, anthropicContentBlock{Type: "image", Source: anthropicSourceFor(p)})
		case generation.PartFile:
			blocks = append(blocks, anthropicContentBlock{Type: "document", Source: anthropicSourceFor(p)})
		}
	}
	return blocks
}

func anthropicSourceFor(p generation.Part) *anthropicSource {
	if mime, data, ok := inlineData(p.URL); ok {
		return &anthropicSource{Type: "base64", MediaType: mime, Data: data}
	}
	return &anthropicSource{Type: "url", URL: p.URL}
}

func (a *AnthropicProvider) newRequest(ctx context.Context, ar *anthropicRequest) (*http.Request, error) {
	body, err := json.Marshal(ar)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	// The model is in the body, so the endpoint is just {baseURL}/messages.
	// Auth uses Anthropic's own x-api-key header rather than Bearer.
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)
	return httpReq, nil
}

// ---------------------------------------------------------------------------
// Non-streaming: ChatCompletion
// ---------------------------------------------------------------------------

// ChatCompletion sends a non-streaming request to /v1/messages.
//
//	translate → serialize → HTTP POST → decode response → translate back
func (a *AnthropicProvider) ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	httpReq, err := a.newRequest(ctx, toAnthropicRequest(req))
	if err != nil {
		return nil, err
	}

	httpResp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Provider: a.Name(), Err: err}
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, readStatusError(a.Name(), httpResp)
	}

	var anthropicResp anthropicResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&anthropicResp); err != nil {
		return nil, fmt.Errorf("decoding anthropic response: %w: %w", ErrMalformed, err)
	}

	// Content is an array of blocks; a response can mix thinking, text and
	// tool_use, so walk all of them.
	resp := &ChatResponse{
		ID:    anthropicResp.ID,
		Model: anthropicResp.Model,
		Usage: generation.Usage{
			InputTokens:  anthropicResp.Usage.InputTokens,
			OutputTokens: anthropicResp.Usage.OutputTokens,
		},
	}
	for _, block := range anthropicResp.Content {
		switch block.Type {
		case "text":
			resp.Content += block.Text
		case "thinking":
			resp.Reasoning += block.Thinking
		case "tool_use":
			resp.ToolCalls = append(resp.ToolCalls, generation.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: string(block.Input),
			})
		}
	}

	return resp, nil
}

// ---------------------------------------------------------------------------
// Streaming: ChatCompletionStream
// ---------------------------------------------------------------------------

// ChatCompletionStream sends a streaming request to /v1/messages and returns
// a channel of StreamChunks.
//
// HTTP POST → goroutine reads SSE lines → sends StreamChunks on the channel.
// Metadata is spread over the stream (input tokens on message_start, output
// tokens on message_delta), so the goroutine accumulates it and attaches it
// to the Done chunk sent on message_stop.
func (a *AnthropicProvider) ChatCompletionStream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error) {
	ar := toAnthropicRequest(req)
	ar.Stream = true

	httpReq, err := a.newRequest(ctx, ar)
	if err != nil {
		return nil, err
	}

	// Do NOT defer Body.Close() here; the goroutine owns the body.
	httpResp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Provider: a.Name(), Err: err}
	}

	if httpResp.StatusCode != http.StatusOK {
		defer httpResp.Body.Close()
		return nil, readStatusError(a.Name(), httpResp)
	}

	ch := make(chan StreamChunk)

	go func() {
		defer close(ch)
		defer httpResp.Body.Close()

		var (
			inputTokens  int64
			outputTokens int64
			// Tool-use blocks stream their arguments as JSON fragments
			// keyed by block index; we emit the call once the block closes.
			tools = map[int]*generation.ToolCall{}
		)

		scanner := bufio.NewScanner(httpResp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}

			var event anthropicStreamEvent
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
				send(ctx, ch, StreamChunk{Error: fmt.Errorf("decoding anthropic stream event: %w: %w", ErrMalformed, err)})
				return
			}

			var chunk StreamChunk
			switch event.Type {
			case "message_start":
				if event.Message != nil {
					inputTokens = event.Message.Usage.InputTokens
				}
				continue

			case "content_block_start":
				if event.ContentBlock != nil && event.ContentBlock.Type == "tool_use" {
					tools[event.Index] = &generation.ToolCall{
						ID:   event.ContentBlock.ID,
						Name: event.ContentBlock.Name,
					}
				}
				continue

			case "content_block_delta":
				if event.Delta == nil {
					continue
				}
				switch event.Delta.Type {
				case "text_delta":
					chunk.Delta = event.Delta.Text
				case "thinking_delta":
					chunk.Reasoning = event.Delta.Thinking
				case "input_json_delta":
					if tc, ok := tools[event.Index]; ok {
						tc.Arguments += event.Delta.PartialJSON
					}
					continue
				default:
					continue
				}

			case "content_block_stop":
				tc, ok := tools[event.Index]
				if !ok {
					continue
				}
				delete(tools, event.Index)
				chunk.ToolCall = tc

			case "message_delta":
				if event.Usage != nil {
					outputTokens = event.Usage.OutputTokens
				}
				continue

			case "message_stop":
				chunk.Done = true
				chunk.Usage = &generation.Usage{InputTokens: inputTokens, OutputTokens: outputTokens}

			case "error":
				se := &StatusError{Provider: a.Name(), StatusCode: http.StatusServiceUnavailable}
				if event.Error != nil {
					se.Type = event.Error.Type
					se.Message = event.Error.Message
					if se.Type == "rate_limit_error" {
						se.StatusCode = http.StatusTooManyRequests
					}
				}
				send(ctx, ch, StreamChunk{Error: se})
				return

			default:
				// ping and anything Anthropic adds later.
				continue
			}

			if !send(ctx, ch, chunk) {
				return
			}
			if chunk.Done {
				return
			}
		}

		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			send(ctx, ch, StreamChunk{Error: &TransportError{Provider: a.Name(), Err: fmt.Errorf("reading anthropic stream: %w", err)}})
		}
	}()

	return ch, nil
}
