package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itzam-ai/itzam/internal/apperr"
	"github.com/itzam-ai/itzam/internal/domain"
	"github.com/itzam-ai/itzam/internal/generation"
)

func TestGeminiRequestTranslation(t *testing.T) {
	req := &ChatRequest{
		Model:  "gemini-2.5-flash",
		System: "sys",
		Messages: []generation.Message{
			{Role: domain.RoleUser, Parts: []generation.Part{generation.TextPart("q1")}},
			{Role: domain.RoleAssistant, Parts: []generation.Part{generation.TextPart("a1")}},
			{Role: domain.RoleUser, Parts: []generation.Part{
				generation.TextPart("q2"),
				{Kind: generation.PartImage, URL: "data:image/jpeg;base64,/9j/", MimeType: "image/jpeg"},
				{Kind: generation.PartFile, URL: "https://files.example/a.pdf", MimeType: "application/pdf"},
			}},
		},
		Schema: json.RawMessage(`{"type":"object"}`),
	}

	gr := toGeminiRequest(req)

	require.Len(t, gr.Contents, 3)
	assert.Equal(t, "user", gr.Contents[0].Role)
	assert.Equal(t, "model", gr.Contents[1].Role)
	parts := gr.Contents[2].Parts
	require.Len(t, parts, 3)
	assert.Equal(t, &geminiBlob{MimeType: "image/jpeg", Data: "/9j/"}, parts[1].InlineData)
	assert.Equal(t, "https://files.example/a.pdf", parts[2].FileData.FileURI)

	require.NotNil(t, gr.SystemInstruction)
	assert.Contains(t, gr.SystemInstruction.Parts[0].Text, "sys")
	assert.Contains(t, gr.SystemInstruction.Parts[0].Text, `{"type":"object"}`)
	assert.Equal(t, "application/json", gr.GenerationConfig.ResponseMimeType)
	assert.Nil(t, gr.GenerationConfig.ThinkingConfig)
}

func TestGeminiChatCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models/gemini-2.5-flash:generateContent", r.URL.Path)
		assert.Equal(t, "g-key", r.URL.Query().Get("key"))
		fmt.Fprint(w, `{"responseId":"r1","modelVersion":"gemini-2.5-flash","candidates":[{"content":{"role":"model","parts":[
			{"text":"thinking...","thought":true},
			{"text":"Answer"}
		]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":10,"candidatesTokenCount":4,"thoughtsTokenCount":6}}`)
	}))
	defer srv.Close()

	p := NewGoogleProvider("g-key", srv.URL, srv.Client())
	resp, err := p.ChatCompletion(context.Background(), &ChatRequest{Model: "gemini-2.5-flash"})
	require.NoError(t, err)

	assert.Equal(t, "Answer", resp.Content)
	assert.Equal(t, "thinking...", resp.Reasoning)
	assert.Equal(t, generation.Usage{InputTokens: 10, OutputTokens: 10}, resp.Usage)
}

func TestGeminiStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "sse", r.URL.Query().Get("alt"))
		fmt.Fprint(w, "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"Hel\"}]}}]}\n\n")
		fmt.Fprint(w, "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"lo\"}]},\"finishReason\":\"STOP\"}],\"usageMetadata\":{\"promptTokenCount\":3,\"candidatesTokenCount\":2}}\n\n")
	}))
	defer srv.Close()

	p := NewGoogleProvider("g-key", srv.URL, srv.Client())
	ch, err := p.ChatCompletionStream(context.Background(), &ChatRequest{Model: "gemini-2.5-flash"})
	require.NoError(t, err)

	chunks := collect(t, ch)
	require.Len(t, chunks, 3)
	assert.Equal(t, "Hel", chunks[0].Delta)
	assert.Equal(t, "lo", chunks[1].Delta)
	assert.True(t, chunks[2].Done)
	assert.Equal(t, &generation.Usage{InputTokens: 3, OutputTokens: 2}, chunks[2].Usage)
}

func TestGeminiStreamTruncated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"Hel\"}]}}]}\n\n")
	}))
	defer srv.Close()

	p := NewGoogleProvider("g-key", srv.URL, srv.Client())
	ch, err := p.ChatCompletionStream(context.Background(), &ChatRequest{Model: "gemini-2.5-flash"})
	require.NoError(t, err)

	chunks := collect(t, ch)
	require.Len(t, chunks, 2)
	require.Error(t, chunks[1].Error)
	assert.ErrorIs(t, chunks[1].Error, ErrMalformed)
	assert.Equal(t, apperr.CodeUpstreamError, Classify(chunks[1].Error))
}

func TestGeminiResourceExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"code":429,"message":"quota","status":"RESOURCE_EXHAUSTED"}}`)
	}))
	defer srv.Close()

	p := NewGoogleProvider("g-key", srv.URL, srv.Client())
	_, err := p.ChatCompletion(context.Background(), &ChatRequest{Model: "gemini-2.5-flash"})
	require.Error(t, err)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "quota", se.Message)
	assert.Equal(t, "RESOURCE_EXHAUSTED", se.Type)
	assert.Equal(t, apperr.CodeRateLimited, Classify(err))
}
