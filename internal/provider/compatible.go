package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/itzam-ai/itzam/internal/domain"
	"github.com/itzam-ai/itzam/internal/generation"
)

// CompatibleBaseURLs are the default endpoints of the gateways that speak the
// OpenAI chat-completions dialect. A configured base_url overrides them.
var CompatibleBaseURLs = map[string]string{
	"xai":        "https://api.x.ai/v1",
	"groq":       "https://api.groq.com/openai/v1",
	"deepseek":   "https://api.deepseek.com/v1",
	"mistral":    "https://api.mistral.ai/v1",
	"openrouter": "https://openrouter.ai/api/v1",
}

// CompatibleProvider serves any OpenAI-compatible gateway through
// sashabaranov/go-openai. The same type is instantiated once per provider
// kind; name is what appears in model tags.
type CompatibleProvider struct {
	name   string
	client *goopenai.Client
}

// NewCompatibleProvider builds a client for the gateway called name. When
// baseURL is empty the entry in CompatibleBaseURLs is used.
func NewCompatibleProvider(name, apiKey, baseURL string, client *http.Client) *CompatibleProvider {
	if baseURL == "" {
		baseURL = CompatibleBaseURLs[name]
	}
	cfg := goopenai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	if client != nil {
		cfg.HTTPClient = client
	}
	return &CompatibleProvider{name: name, client: goopenai.NewClientWithConfig(cfg)}
}

func (c *CompatibleProvider) Name() string {
	return c.name
}

func (c *CompatibleProvider) buildRequest(req *ChatRequest) goopenai.ChatCompletionRequest {
	msgs := make([]goopenai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleSystem, Content: req.System})
	}
	for _, m := range req.Messages {
		msgs = append(msgs, compatibleMessage(m))
	}

	cr := goopenai.ChatCompletionRequest{
		Model:     req.Model,
		Messages:  msgs,
		MaxTokens: maxTokens(req),
	}
	if len(req.Schema) > 0 {
		cr.ResponseFormat = &goopenai.ChatCompletionResponseFormat{
			Type: goopenai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &goopenai.ChatCompletionResponseFormatJSONSchema{
				Name:   "output",
				Schema: req.Schema,
			},
		}
	}
	return cr
}

// compatibleMessage keeps plain-text turns as Content and switches to
// MultiContent only when images are present; several gateways reject the
// array form for text-only messages.
func compatibleMessage(m generation.Message) goopenai.ChatCompletionMessage {
	role := goopenai.ChatMessageRoleUser
	switch m.Role {
	case domain.RoleSystem:
		role = goopenai.ChatMessageRoleSystem
	case domain.RoleAssistant:
		role = goopenai.ChatMessageRoleAssistant
	}

	hasImage := false
	for _, p := range m.Parts {
		if p.Kind == generation.PartImage {
			hasImage = true
			break
		}
	}
	if !hasImage {
		var b strings.Builder
		for _, p := range m.Parts {
			switch p.Kind {
			case generation.PartText:
				b.WriteString(p.Text)
			case generation.PartFile:
				if b.Len() > 0 {
					b.WriteString("\n")
				}
				b.WriteString(fileReference(p))
			}
		}
		return goopenai.ChatCompletionMessage{Role: role, Content: b.String()}
	}

	parts := make([]goopenai.ChatMessagePart, 0, len(m.Parts))
	for _, p := range m.Parts {
		switch p.Kind {
		case generation.PartText:
			parts = append(parts, goopenai.ChatMessagePart{Type: goopenai.ChatMessagePartTypeText, Text: p.Text})
		case generation.PartImage:
			parts = append(parts, goopenai.ChatMessagePart{
				Type:     goopenai.ChatMessagePartTypeImageURL,
				ImageURL: &goopenai.ChatMessageImageURL{URL: p.URL},
			})
		case generation.PartFile:
			parts = append(parts, goopenai.ChatMessagePart{Type: goopenai.ChatMessagePartTypeText, Text: fileReference(p)})
		}
	}
	return goopenai.ChatCompletionMessage{Role: role, MultiContent: parts}
}

// ChatCompletion sends a buffered request.
func (c *CompatibleProvider) ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	resp, err := c.client.CreateChatCompletion(ctx, c.buildRequest(req))
	if err != nil {
		return nil, c.wrapErr(err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%s returned no choices: %w", c.name, ErrMalformed)
	}

	msg := resp.Choices[0].Message
	out := &ChatResponse{
		ID:        resp.ID,
		Model:     resp.Model,
		Content:   msg.Content,
		Reasoning: msg.ReasoningContent,
		Usage: generation.Usage{
			InputTokens:  int64(resp.Usage.PromptTokens),
			OutputTokens: int64(resp.Usage.CompletionTokens),
		},
	}
	for _, tc := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, generation.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return out, nil
}

// ChatCompletionStream streams deltas, including reasoning_content from
// gateways that expose it (DeepSeek, OpenRouter).
func (c *CompatibleProvider) ChatCompletionStream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error) {
	cr := c.buildRequest(req)
	cr.Stream = true
	cr.StreamOptions = &goopenai.StreamOptions{IncludeUsage: true}

	strm, err := c.client.CreateChatCompletionStream(ctx, cr)
	if err != nil {
		return nil, c.wrapErr(err)
	}

	ch := make(chan StreamChunk)

	go func() {
		defer close(ch)
		defer strm.Close()

		var (
			usage *generation.Usage
			tools = map[int64]*generation.ToolCall{}
		)

		for {
			resp, err := strm.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				if ctx.Err() == nil {
					send(ctx, ch, StreamChunk{Error: c.wrapErr(err)})
				}
				return
			}

			if resp.Usage != nil {
				usage = &generation.Usage{
					InputTokens:  int64(resp.Usage.PromptTokens),
					OutputTokens: int64(resp.Usage.CompletionTokens),
				}
			}
			if len(resp.Choices) == 0 {
				continue
			}

			delta := resp.Choices[0].Delta
			for i, tc := range delta.ToolCalls {
				idx := int64(i)
				if tc.Index != nil {
					idx = int64(*tc.Index)
				}
				acc, ok := tools[idx]
				if !ok {
					acc = &generation.ToolCall{}
					tools[idx] = acc
				}
				if tc.ID != "" {
					acc.ID = tc.ID
				}
				if tc.Function.Name != "" {
					acc.Name = tc.Function.Name
				}
				acc.Arguments += tc.Function.Arguments
			}

			if delta.Content == "" && delta.ReasoningContent == "" {
				continue
			}
			if !send(ctx, ch, StreamChunk{Delta: delta.Content, Reasoning: delta.ReasoningContent}) {
				return
			}
		}

		for _, tc := range sortedToolCalls(tools) {
			if !send(ctx, ch, StreamChunk{ToolCall: tc}) {
				return
			}
		}
		send(ctx, ch, StreamChunk{Done: true, Usage: usage})
	}()

	return ch, nil
}

func (c *CompatibleProvider) wrapErr(err error) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		return &StatusError{
			Provider:   c.name,
			StatusCode: apiErr.HTTPStatusCode,
			Type:       apiErr.Type,
			Message:    apiErr.Message,
		}
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return &StatusError{Provider: c.name, StatusCode: reqErr.HTTPStatusCode, Message: reqErr.Error()}
	}
	return &TransportError{Provider: c.name, Err: err}
}
