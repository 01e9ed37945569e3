package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"

	"github.com/goccy/go-json"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/itzam-ai/itzam/internal/domain"
	"github.com/itzam-ai/itzam/internal/generation"
)

// OpenAIProvider implements Provider on top of the official openai-go SDK.
// The SDK's built-in retries are disabled: a run is dispatched exactly once.
type OpenAIProvider struct {
	client *openai.Client
}

// NewOpenAIProvider builds an SDK client for apiKey. An empty baseURL keeps
// the SDK default.
func NewOpenAIProvider(apiKey, baseURL string, client *http.Client) *OpenAIProvider {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if client != nil {
		opts = append(opts, option.WithHTTPClient(client))
	}
	return &OpenAIProvider{client: openai.NewClient(opts...)}
}

func (o *OpenAIProvider) Name() string {
	return "openai"
}

func (o *OpenAIProvider) buildParams(req *ChatRequest) (openai.ChatCompletionNewParams, error) {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, openai.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case domain.RoleSystem:
			msgs = append(msgs, openai.SystemMessage(m.Text()))
		case domain.RoleAssistant:
			msgs = append(msgs, openai.AssistantMessage(m.Text()))
		default:
			msgs = append(msgs, openai.UserMessageParts(openAIParts(m.Parts)...))
		}
	}

	params := openai.ChatCompletionNewParams{
		Messages:            openai.F(msgs),
		Model:               openai.F(req.Model),
		MaxCompletionTokens: openai.Int(int64(maxTokens(req))),
	}

	if len(req.Schema) > 0 {
		var schema any
		if err := json.Unmarshal(req.Schema, &schema); err != nil {
			return params, fmt.Errorf("decoding output schema: %w", err)
		}
		params.ResponseFormat = openai.F[openai.ChatCompletionNewParamsResponseFormatUnion](openai.ResponseFormatJSONSchemaParam{
			Type: openai.F(openai.ResponseFormatJSONSchemaTypeJSONSchema),
			JSONSchema: openai.F(openai.ResponseFormatJSONSchemaJSONSchemaParam{
				Name:   openai.F("output"),
				Schema: openai.F[any](schema),
			}),
		})
	}

	return params, nil
}

// openAIParts maps parts onto chat content parts. The chat API takes images
// by URL (data URLs included); other files are referenced in text.
func openAIParts(parts []generation.Part) []openai.ChatCompletionContentPartUnionParam {
	out := make([]openai.ChatCompletionContentPartUnionParam, 0, len(parts))
	for _, p := range parts {
		switch p.Kind {
		case generation.PartText:
			out = append(out, openai.TextPart(p.Text))
		case generation.PartImage:
			out = append(out, openai.ChatCompletionContentPartImageParam{
				ImageURL: openai.F(openai.ChatCompletionContentPartImageImageURLParam{
					URL: openai.String(p.URL),
				}),
				Type: openai.F(openai.ChatCompletionContentPartImageTypeImageURL),
			})
		case generation.PartFile:
			out = append(out, openai.TextPart(fileReference(p)))
		}
	}
	return out
}

func fileReference(p generation.Part) string {
	name := p.Name
	if name == "" {
		name = "attachment"
	}
	return fmt.Sprintf("[%s (%s): %s]", name, p.MimeType, p.URL)
}

// ChatCompletion sends a buffered request.
func (o *OpenAIProvider) ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	params, err := o.buildParams(req)
	if err != nil {
		return nil, err
	}

	chat, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, o.wrapErr(err)
	}
	if len(chat.Choices) == 0 {
		return nil, fmt.Errorf("openai returned no choices: %w", ErrMalformed)
	}

	msg := chat.Choices[0].Message
	resp := &ChatResponse{
		ID:      chat.ID,
		Model:   chat.Model,
		Content: msg.Content,
		Usage: generation.Usage{
			InputTokens:  chat.Usage.PromptTokens,
			OutputTokens: chat.Usage.CompletionTokens,
		},
	}
	for _, tc := range msg.ToolCalls {
		resp.ToolCalls = append(resp.ToolCalls, generation.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return resp, nil
}

// ChatCompletionStream streams deltas. Usage arrives on a trailing chunk with
// no choices because include_usage is requested.
func (o *OpenAIProvider) ChatCompletionStream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error) {
	params, err := o.buildParams(req)
	if err != nil {
		return nil, err
	}
	params.StreamOptions = openai.F(openai.ChatCompletionStreamOptionsParam{
		IncludeUsage: openai.Bool(true),
	})

	strm := o.client.Chat.Completions.NewStreaming(ctx, params)
	if err := strm.Err(); err != nil {
		strm.Close()
		return nil, o.wrapErr(err)
	}

	ch := make(chan StreamChunk)

	go func() {
		defer close(ch)
		defer strm.Close()

		var (
			usage *generation.Usage
			tools = map[int64]*generation.ToolCall{}
		)

		for strm.Next() {
			chunk := strm.Current()

			if chunk.Usage.PromptTokens > 0 || chunk.Usage.CompletionTokens > 0 {
				usage = &generation.Usage{
					InputTokens:  chunk.Usage.PromptTokens,
					OutputTokens: chunk.Usage.CompletionTokens,
				}
			}
			if len(chunk.Choices) == 0 {
				continue
			}

			delta := chunk.Choices[0].Delta
			for _, tc := range delta.ToolCalls {
				acc, ok := tools[tc.Index]
				if !ok {
					acc = &generation.ToolCall{}
					tools[tc.Index] = acc
				}
				if tc.ID != "" {
					acc.ID = tc.ID
				}
				if tc.Function.Name != "" {
					acc.Name = tc.Function.Name
				}
				acc.Arguments += tc.Function.Arguments
			}

			if delta.Content == "" {
				continue
			}
			if !send(ctx, ch, StreamChunk{Delta: delta.Content}) {
				return
			}
		}

		if err := strm.Err(); err != nil {
			if ctx.Err() == nil {
				send(ctx, ch, StreamChunk{Error: o.wrapErr(err)})
			}
			return
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

func sortedToolCalls(m map[int64]*generation.ToolCall) []*generation.ToolCall {
	idx := make([]int64, 0, len(m))
	for i := range m {
		idx = append(idx, i)
	}
	sort.Slice(idx, func(a, b int) bool { return idx[a] < idx[b] })
	out := make([]*generation.ToolCall, 0, len(idx))
	for _, i := range idx {
		out = append(out, m[i])
	}
	return out
}

// wrapErr converts SDK errors into StatusError / TransportError.
func (o *OpenAIProvider) wrapErr(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		// The SDK decodes the whole body into Error, so the nested
		// error.message field is only reachable through the raw JSON.
		se := statusErrorFromBody(o.Name(), apiErr.StatusCode, []byte(apiErr.JSON.RawJSON()))
		if se.Type == "" {
			se.Type = apiErr.Type
		}
		if apiErr.Message != "" && se.Message == http.StatusText(apiErr.StatusCode) {
			se.Message = apiErr.Message
		}
		return se
	}
	return &TransportError{Provider: o.Name(), Err: err}
}
