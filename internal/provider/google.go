package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/itzam-ai/itzam/internal/domain"
	"github.com/itzam-ai/itzam/internal/generation"
)

// ---------------------------------------------------------------------------
// GoogleProvider struct + constructor
// ---------------------------------------------------------------------------

// GoogleProvider implements Provider for Google's Gemini API.
type GoogleProvider struct {
	apiKey  string       // sent as a query parameter, not a header
	baseURL string       // e.g. "https://generativelanguage.googleapis.com/v1beta"
	client  *http.Client // shared, owns connection pooling
}

// NewGoogleProvider creates a GoogleProvider ready to make API calls.
func NewGoogleProvider(apiKey, baseURL string, client *http.Client) *GoogleProvider {
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	return &GoogleProvider{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

// Name returns the provider identifier.
func (g *GoogleProvider) Name() string {
	return "google"
}

// ---------------------------------------------------------------------------
// Gemini API types (unexported)
// ---------------------------------------------------------------------------

// --- Request types ---

// geminiRequest is the body for generateContent / streamGenerateContent.
//
// Gemini differs from OpenAI in a few ways:
//   - messages are "contents", and the assistant role is "model"
//   - the system prompt lives in its own "systemInstruction" field
//   - generation knobs (max tokens, JSON mode, thinking) sit in "generationConfig"
type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

// geminiContent is one turn. The same shape is used in responses.
type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

// geminiPart is a union: exactly one of the payload fields is set.
// Response parts with Thought=true carry reasoning rather than answer text.
type geminiPart struct {
	Text         string              `json:"text,omitempty"`
	Thought      bool                `json:"thought,omitempty"`
	InlineData   *geminiBlob         `json:"inlineData,omitempty"`
	FileData     *geminiFileData     `json:"fileData,omitempty"`
	FunctionCall *geminiFunctionCall `json:"functionCall,omitempty"`
}

type geminiBlob struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiFileData struct {
	MimeType string `json:"mimeType,omitempty"`
	FileURI  string `json:"fileUri"`
}

type geminiFunctionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type geminiGenerationConfig struct {
	MaxOutputTokens  int                   `json:"maxOutputTokens,omitempty"`
	ResponseMimeType string                `json:"responseMimeType,omitempty"`
	ThinkingConfig   *geminiThinkingConfig `json:"thinkingConfig,omitempty"`
}

type geminiThinkingConfig struct {
	IncludeThoughts bool `json:"includeThoughts"`
}

// --- Response types ---

// geminiResponse is the response from generateContent. Streaming sends the
// same shape once per SSE event, each holding only the new fragment.
type geminiResponse struct {
	Candidates    []geminiCandidate    `json:"candidates"`
	UsageMetadata *geminiUsageMetadata `json:"usageMetadata,omitempty"`
	ModelVersion  string               `json:"modelVersion"`
	ResponseID    string               `json:"responseId"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason,omitempty"`
}

// geminiUsageMetadata reports token counts. Thinking tokens are billed as
// output but reported separately.
type geminiUsageMetadata struct {
	PromptTokenCount     int64 `json:"promptTokenCount"`
	CandidatesTokenCount int64 `json:"candidatesTokenCount"`
	ThoughtsTokenCount   int64 `json:"thoughtsTokenCount"`
}

func (u *geminiUsageMetadata) usage() generation.Usage {
	return generation.Usage{
		InputTokens:  u.PromptTokenCount,
		OutputTokens: u.CandidatesTokenCount + u.ThoughtsTokenCount,
	}
}

// ---------------------------------------------------------------------------
// Request translation
// ---------------------------------------------------------------------------

// toGeminiRequest converts the unified ChatRequest into Gemini's shape:
//  1. system messages (and the schema instruction) → systemInstruction
//  2. "assistant" → "model"
//  3. image/file parts → inlineData for data URLs, fileData otherwise
func toGeminiRequest(req *ChatRequest) *geminiRequest {
	gr := &geminiRequest{
		GenerationConfig: &geminiGenerationConfig{MaxOutputTokens: maxTokens(req)},
	}

	systemParts := []string{}
	if req.System != "" {
		systemParts = append(systemParts, req.System)
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case domain.RoleSystem:
			systemParts = append(systemParts, msg.Text())
			continue
		case domain.RoleAssistant:
			gr.Contents = append(gr.Contents, geminiContent{Role: "model", Parts: toGeminiParts(msg.Parts)})
		default:
			gr.Contents = append(gr.Contents, geminiContent{Role: "user", Parts: toGeminiParts(msg.Parts)})
		}
	}

	system := strings.Join(systemParts, "\n\n")
	if len(req.Schema) > 0 {
		system = schemaInstruction(system, req.Schema)
		gr.GenerationConfig.ResponseMimeType = "application/json"
	}
	if system != "" {
		gr.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: system}}}
	}

	if req.Reasoning {
		gr.GenerationConfig.ThinkingConfig = &geminiThinkingConfig{IncludeThoughts: true}
	}

	return gr
}

func toGeminiParts(parts []generation.Part) []geminiPart {
	out := make([]geminiPart, 0, len(parts))
	for _, p := range parts {
		switch p.Kind {
		case generation.PartText:
			out = append(out, geminiPart{Text: p.Text})
		case generation.PartImage, generation.PartFile:
			if mime, data, ok := inlineData(p.URL); ok {
				out = append(out, geminiPart{InlineData: &geminiBlob{MimeType: mime, Data: data}})
				continue
			}
			out = append(out, geminiPart{FileData: &geminiFileData{MimeType: p.MimeType, FileURI: p.URL}})
		}
	}
	return out
}

// endpoint builds {baseURL}/models/{model}:{method}?key=...&extra.
// Gemini puts the model in the URL path, not the body.
func (g *GoogleProvider) endpoint(model, method string, extra url.Values) string {
	q := url.Values{}
	for k, v := range extra {
		q[k] = v
	}
	q.Set("key", g.apiKey)
	return fmt.Sprintf("%s/models/%s:%s?%s", g.baseURL, url.PathEscape(model), method, q.Encode())
}

func (g *GoogleProvider) do(ctx context.Context, endpoint string, gr *geminiRequest) (*http.Response, error) {
	body, err := json.Marshal(gr)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Provider: g.Name(), Err: err}
	}
	if httpResp.StatusCode != http.StatusOK {
		defer httpResp.Body.Close()
		return nil, readStatusError(g.Name(), httpResp)
	}
	return httpResp, nil
}

// ---------------------------------------------------------------------------
// Non-streaming: ChatCompletion
// ---------------------------------------------------------------------------

// ChatCompletion sends a non-streaming request to generateContent.
func (g *GoogleProvider) ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	httpResp, err := g.do(ctx, g.endpoint(req.Model, "generateContent", nil), toGeminiRequest(req))
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	var geminiResp geminiResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&geminiResp); err != nil {
		return nil, fmt.Errorf("decoding gemini response: %w: %w", ErrMalformed, err)
	}

	if len(geminiResp.Candidates) == 0 {
		return nil, fmt.Errorf("gemini returned no candidates: %w", ErrMalformed)
	}

	resp := &ChatResponse{
		ID:    geminiResp.ResponseID,
		Model: geminiResp.ModelVersion,
	}
	for _, part := range geminiResp.Candidates[0].Content.Parts {
		applyGeminiPart(part, &resp.Content, &resp.Reasoning, &resp.ToolCalls)
	}
	if geminiResp.UsageMetadata != nil {
		resp.Usage = geminiResp.UsageMetadata.usage()
	}

	return resp, nil
}

func applyGeminiPart(part geminiPart, content, reasoning *string, calls *[]generation.ToolCall) {
	switch {
	case part.FunctionCall != nil:
		*calls = append(*calls, generation.ToolCall{
			ID:        part.FunctionCall.Name,
			Name:      part.FunctionCall.Name,
			Arguments: string(part.FunctionCall.Args),
		})
	case part.Thought:
		*reasoning += part.Text
	default:
		*content += part.Text
	}
}

// ---------------------------------------------------------------------------
// Streaming: ChatCompletionStream
// ---------------------------------------------------------------------------

// ChatCompletionStream sends a streaming request to streamGenerateContent.
//
// The ?alt=sse parameter switches Gemini from a JSON array to SSE. Each data
// line is a full geminiResponse with just the new fragment. Gemini sends no
// [DONE] marker: the final event carries finishReason and the stream ends, so
// the Done chunk is emitted when the body is exhausted cleanly.
func (g *GoogleProvider) ChatCompletionStream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error) {
	endpoint := g.endpoint(req.Model, "streamGenerateContent", url.Values{"alt": {"sse"}})

	// The goroutine owns the body from here.
	httpResp, err := g.do(ctx, endpoint, toGeminiRequest(req))
	if err != nil {
		return nil, err
	}

	ch := make(chan StreamChunk)

	go func() {
		defer close(ch)
		defer httpResp.Body.Close()

		var (
			usage    *generation.Usage
			finished bool
		)

		scanner := bufio.NewScanner(httpResp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}

			var event geminiResponse
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
				send(ctx, ch, StreamChunk{Error: fmt.Errorf("decoding gemini stream event: %w: %w", ErrMalformed, err)})
				return
			}

			// Usage shows up on later events and is cumulative; keep the last.
			if event.UsageMetadata != nil {
				u := event.UsageMetadata.usage()
				usage = &u
			}

			if len(event.Candidates) == 0 {
				continue
			}
			cand := event.Candidates[0]
			if cand.FinishReason != "" {
				finished = true
			}

			for _, part := range cand.Content.Parts {
				var (
					chunk StreamChunk
					calls []generation.ToolCall
				)
				applyGeminiPart(part, &chunk.Delta, &chunk.Reasoning, &calls)
				if len(calls) > 0 {
					chunk.ToolCall = &calls[0]
				}
				if chunk.Delta == "" && chunk.Reasoning == "" && chunk.ToolCall == nil {
					continue
				}
				if !send(ctx, ch, chunk) {
					return
				}
			}
		}

		if err := scanner.Err(); err != nil {
			if ctx.Err() == nil {
				send(ctx, ch, StreamChunk{Error: &TransportError{Provider: g.Name(), Err: fmt.Errorf("reading gemini stream: %w", err)}})
			}
			return
		}
		if !finished {
			send(ctx, ch, StreamChunk{Error: fmt.Errorf("gemini stream ended without finishReason: %w", ErrMalformed)})
			return
		}

		send(ctx, ch, StreamChunk{Done: true, Usage: usage})
	}()

	return ch, nil
}
