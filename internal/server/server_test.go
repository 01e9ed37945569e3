package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itzam-ai/itzam/internal/auth"
	"github.com/itzam-ai/itzam/internal/auth/authtest"
	"github.com/itzam-ai/itzam/internal/callback"
	"github.com/itzam-ai/itzam/internal/config"
	"github.com/itzam-ai/itzam/internal/dispatch"
	"github.com/itzam-ai/itzam/internal/domain"
	"github.com/itzam-ai/itzam/internal/generation"
	"github.com/itzam-ai/itzam/internal/ledger"
	"github.com/itzam-ai/itzam/internal/params"
	"github.com/itzam-ai/itzam/internal/pipeline"
	"github.com/itzam-ai/itzam/internal/provider"
	"github.com/itzam-ai/itzam/internal/registry"
	"github.com/itzam-ai/itzam/internal/store/memory"
)

const (
	testKey     = "itz-test-key"
	otherKey    = "itz-other-key"
	sessionKey  = "session-secret"
	eventSecret = "event-secret"
)

// fakeProvider answers every request with the same text, or fails with err.
type fakeProvider struct {
	text  string
	err   error
	calls atomic.Int32
}

func (p *fakeProvider) Name() string { return "openai" }

func (p *fakeProvider) ChatCompletion(_ context.Context, _ *provider.ChatRequest) (*provider.ChatResponse, error) {
	p.calls.Add(1)
	if p.err != nil {
		return nil, p.err
	}
	return &provider.ChatResponse{Content: p.text, Usage: generation.Usage{InputTokens: 10, OutputTokens: 5}}, nil
}

func (p *fakeProvider) ChatCompletionStream(ctx context.Context, _ *provider.ChatRequest) (<-chan provider.StreamChunk, error) {
	p.calls.Add(1)
	if p.err != nil {
		return nil, p.err
	}
	ch := make(chan provider.StreamChunk, 4)
	half := len(p.text) / 2
	ch <- provider.StreamChunk{Delta: p.text[:half]}
	ch <- provider.StreamChunk{Delta: p.text[half:]}
	ch <- provider.StreamChunk{Done: true, Usage: &generation.Usage{InputTokens: 10, OutputTokens: 5}}
	close(ch)
	return ch, nil
}

type testEnv struct {
	st   *memory.Store
	prov *fakeProvider
	auth *auth.Authenticator
	pipe *pipeline.Pipeline
	srv  *httptest.Server

	mu    sync.Mutex
	built []string // keys provider clients were built with
}

func (e *testEnv) builtKeys() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.built...)
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{st: memory.New(), prov: &fakeProvider{text: "Hello"}}
	env.st.PutWorkflow(domain.Workflow{ID: "wf1", Slug: "support", OwnerID: "u1", Prompt: "Be brief.", ModelTag: "openai:gpt-4.1-mini", IsActive: true})
	env.st.PutWorkflow(domain.Workflow{ID: "wf2", Slug: "private", OwnerID: "u2", ModelTag: "openai:gpt-4.1-mini", IsActive: true})
	env.st.PutAPIKeyHash(auth.HashAPIKey(testKey), "u1")
	env.st.PutAPIKeyHash(auth.HashAPIKey(otherKey), "u2")
	env.st.SetPlatformKeys("u1", true)
	env.st.SetPlatformKeys("u2", true)

	reg := registry.New(registry.StaticCatalog{
		{Tag: "openai:gpt-4.1-mini", Provider: "openai", InputPerMillion: decimal.RequireFromString("0.40"), OutputPerMillion: decimal.RequireFromString("1.60")},
		{Tag: "openai:gpt-3.5-turbo", Provider: "openai", Deprecated: true},
	},
		map[string]config.ProviderConfig{"openai": {Kind: "openai", APIKey: "sk-platform"}},
		registry.WithFactory("openai", func(_, key, _ string, _ *http.Client) provider.Provider {
			env.mu.Lock()
			defer env.mu.Unlock()
			env.built = append(env.built, key)
			return env.prov
		}),
	)
	require.NoError(t, reg.Refresh(context.Background()))

	led := ledger.New(env.st)
	env.auth = auth.New(env.st, sessionKey, eventSecret)
	env.pipe = pipeline.New(pipeline.Config{
		Builder: &params.Builder{
			Workflows: env.st, Threads: env.st, Runs: env.st, Knowledge: env.st, Uploader: env.st,
			Models: reg,
		},
		Dispatcher:   dispatch.New(reg),
		Ledger:       led,
		ProviderKeys: env.st,
		Plans:        env.st,
		Callbacks:    callback.New(time.Second, zerolog.Nop()),
		Log:          zerolog.Nop(),
	})

	env.srv = httptest.NewServer(New(Deps{
		Pipeline:     env.pipe,
		Auth:         env.auth,
		Ledger:       led,
		Models:       reg,
		Clients:      reg,
		ProviderKeys: env.st,
		Workflows:    env.st,
		Threads:      env.st,
		Runs:         env.st,
		Log:          zerolog.Nop(),
	}))
	t.Cleanup(env.srv.Close)
	return env
}

func (e *testEnv) post(t *testing.T, path, key, body string) *http.Response {
	t.Helper()
	return e.do(t, http.MethodPost, path, key, body)
}

func (e *testEnv) do(t *testing.T, method, path, key, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set(auth.APIKeyHeader, key)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *testEnv) get(t *testing.T, path, key string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, e.srv.URL+path, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+key)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func errorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	body := decodeJSON(t, resp)
	e, ok := body["error"].(map[string]any)
	require.True(t, ok, "missing error object: %v", body)
	return e["code"].(string)
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestHealth(t *testing.T) {
	env := newEnv(t)
	resp, err := http.Get(env.srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", decodeJSON(t, resp)["status"])
}

func TestHealthDegraded(t *testing.T) {
	s := New(Deps{Checks: map[string]Check{
		"postgres": func(context.Context) error { return errors.New("connection refused") },
	}, Log: zerolog.Nop()})
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")
}

func TestGenerate(t *testing.T) {
	env := newEnv(t)
	resp := env.post(t, "/api/v1/generate", testKey, `{"input":"Hello","workflowSlug":"support"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeJSON(t, resp)
	assert.Equal(t, "Hello", body["text"])
	meta := body["metadata"].(map[string]any)
	assert.NotEmpty(t, meta["runId"])
	assert.Equal(t, "openai:gpt-4.1-mini", meta["model"])
	assert.EqualValues(t, 10, meta["inputTokens"])
	assert.EqualValues(t, 5, meta["outputTokens"])
	assert.Equal(t, "0.000012", meta["cost"])

	run := env.get(t, "/api/v1/runs/"+meta["runId"].(string), testKey)
	require.Equal(t, http.StatusOK, run.StatusCode)
	assert.Equal(t, "COMPLETED", decodeJSON(t, run)["status"])
}

func TestGenerateObject(t *testing.T) {
	env := newEnv(t)
	env.prov.text = "```json\n{\"name\":\"Ada\"}\n```"
	resp := env.post(t, "/api/v1/generate/object", testKey,
		`{"input":"Who?","workflowSlug":"support","schema":{"type":"object","required":["name"]}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeJSON(t, resp)
	assert.Equal(t, map[string]any{"name": "Ada"}, body["object"])
	assert.NotContains(t, body, "text")
}

func TestGenerateErrors(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		key    string
		body   string
		status int
		code   string
	}{
		{"missing key", "/api/v1/generate", "", `{"input":"x","workflowSlug":"support"}`, 401, "Unauthorized"},
		{"bad key", "/api/v1/generate", "nope", `{"input":"x","workflowSlug":"support"}`, 401, "Unauthorized"},
		{"malformed json", "/api/v1/generate", testKey, `{"input":`, 400, "ValidationError"},
		{"no workflow", "/api/v1/generate", testKey, `{"input":"x"}`, 400, "ValidationError"},
		{"unknown workflow", "/api/v1/generate", testKey, `{"input":"x","workflowSlug":"nope"}`, 404, "NotFoundError"},
		{"workflow of another owner", "/api/v1/generate", testKey, `{"input":"x","workflowId":"wf2"}`, 404, "NotFoundError"},
		{"object without schema", "/api/v1/generate/object", testKey, `{"input":"x","workflowSlug":"support"}`, 400, "ValidationError"},
		{"text with schema", "/api/v1/stream/text", testKey, `{"input":"x","workflowSlug":"support","schema":{"type":"object"}}`, 400, "ValidationError"},
		{"unknown model", "/api/v1/generate", testKey, `{"input":"x","workflowSlug":"support","modelTag":"openai:nope"}`, 404, "NotFoundError"},
		{"attachment without file", "/api/v1/generate", testKey, `{"input":"x","workflowSlug":"support","attachments":[{"mimeType":"image/png"}]}`, 400, "ValidationError"},
	}
	env := newEnv(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.post(t, tt.path, tt.key, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.code, errorCode(t, resp))
		})
	}
	assert.Zero(t, env.prov.calls.Load())
}

func TestGenerateUpstreamFailureCarriesRunID(t *testing.T) {
	env := newEnv(t)
	env.prov.err = &provider.StatusError{Provider: "openai", StatusCode: http.StatusTooManyRequests, Message: "slow down"}

	resp := env.post(t, "/api/v1/generate", testKey, `{"input":"x","workflowSlug":"support"}`)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	body := decodeJSON(t, resp)
	e := body["error"].(map[string]any)
	assert.Equal(t, "RATE_LIMITED", e["code"])
	require.NotEmpty(t, e["runId"])

	run := decodeJSON(t, env.get(t, "/api/v1/runs/"+e["runId"].(string), testKey))
	assert.Equal(t, "FAILED", run["status"])
	assert.Equal(t, "RATE_LIMITED", run["errorCode"])
}

func TestStream(t *testing.T) {
	env := newEnv(t)
	resp := env.post(t, "/api/v1/stream", testKey, `{"input":"Hello","workflowSlug":"support"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	runID := resp.Header.Get(RunIDHeader)
	require.NotEmpty(t, runID)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := string(raw)
	assert.Equal(t, 2, strings.Count(out, "event: text-delta\n"))
	assert.Contains(t, out, `"delta":"He"`)
	assert.True(t, strings.HasPrefix(out[strings.LastIndex(out, "event:"):], "event: finish\n"))
	assert.Contains(t, out, `"runId":"`+runID+`"`)
}

func TestPlaygroundStream(t *testing.T) {
	env := newEnv(t)
	token := authtest.Session(sessionKey, "u1", time.Hour)

	req, err := http.NewRequest(http.MethodPost, env.srv.URL+"/api/playground",
		strings.NewReader(`{"input":"Hello","workflowSlug":"support","stream":true}`))
	require.NoError(t, err)
	req.AddCookie(&http.Cookie{Name: auth.SessionCookie, Value: token})
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "text/plain"))
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "Hello", string(raw))
	assert.Empty(t, resp.Trailer.Get(errorCodeTrailer))

	run := decodeJSON(t, env.get(t, "/api/v1/runs/"+resp.Header.Get(RunIDHeader), testKey))
	assert.Equal(t, "WEB", run["origin"])
}

func TestPlaygroundRequiresSession(t *testing.T) {
	env := newEnv(t)
	resp := env.post(t, "/api/playground", testKey, `{"input":"Hello","workflowSlug":"support"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestEvent(t *testing.T) {
	env := newEnv(t)
	got := make(chan map[string]any, 1)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		got <- body
	}))
	defer hook.Close()

	body := `{"workflow":"wf1","input":"Hello","callback":{"url":"` + hook.URL + `","customProperties":{"ticket":42}}}`
	sig := authtest.EventSignature(eventSecret, []byte(body), time.Minute)

	req, err := http.NewRequest(http.MethodPost, env.srv.URL+"/api/events", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set(auth.SignatureHeader, sig)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.NotEmpty(t, decodeJSON(t, resp)["runId"])

	select {
	case cb := <-got:
		assert.Equal(t, "Hello", cb["text"])
		assert.Equal(t, map[string]any{"ticket": float64(42)}, cb["customProperties"])
	case <-time.After(2 * time.Second):
		t.Fatal("callback not delivered")
	}
	require.NoError(t, env.pipe.Wait(context.Background()))
}

func TestEventRejectsBadSignature(t *testing.T) {
	env := newEnv(t)
	body := `{"workflow":"wf1","input":"Hello","callback":{"url":"http://127.0.0.1:1"}}`
	sig := authtest.EventSignature(eventSecret, []byte(`{"workflow":"wf1"}`), time.Minute)

	req, err := http.NewRequest(http.MethodPost, env.srv.URL+"/api/events", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set(auth.SignatureHeader, sig)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Zero(t, env.prov.calls.Load())
}

func TestModelsHidesDeprecated(t *testing.T) {
	env := newEnv(t)
	body := decodeJSON(t, env.get(t, "/api/v1/models", testKey))
	models := body["models"].([]any)
	require.Len(t, models, 1)
	assert.Equal(t, "openai:gpt-4.1-mini", models[0].(map[string]any)["tag"])
}

func TestRunOfAnotherOwnerIsHidden(t *testing.T) {
	env := newEnv(t)
	resp := env.post(t, "/api/v1/generate", testKey, `{"input":"Hello","workflowSlug":"support"}`)
	runID := decodeJSON(t, resp)["metadata"].(map[string]any)["runId"].(string)

	assert.Equal(t, http.StatusNotFound, env.get(t, "/api/v1/runs/"+runID, otherKey).StatusCode)
	assert.Equal(t, http.StatusNotFound, env.get(t, "/api/v1/runs/missing", testKey).StatusCode)
}

func TestThreads(t *testing.T) {
	env := newEnv(t)
	resp := env.post(t, "/api/v1/threads", testKey, `{"workflowSlug":"support","name":"Ticket 7","lookupKeys":["ticket-7"]}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	thread := decodeJSON(t, resp)
	id := thread["id"].(string)
	assert.Equal(t, "wf1", thread["workflowId"])

	for _, input := range []string{"one", "two"} {
		r := env.post(t, "/api/v1/generate", testKey, `{"input":"`+input+`","workflowSlug":"support","threadId":"`+id+`"}`)
		require.Equal(t, http.StatusOK, r.StatusCode)
	}

	got := decodeJSON(t, env.get(t, "/api/v1/threads/"+id, testKey))
	assert.Equal(t, "Ticket 7", got["name"])

	runs := decodeJSON(t, env.get(t, "/api/v1/threads/"+id+"/runs?status=COMPLETED", testKey))["runs"].([]any)
	require.Len(t, runs, 2)
	assert.Equal(t, "one", runs[0].(map[string]any)["input"])

	limited := decodeJSON(t, env.get(t, "/api/v1/threads/"+id+"/runs?limit=1", testKey))["runs"].([]any)
	require.Len(t, limited, 1)
	assert.Equal(t, "two", limited[0].(map[string]any)["input"])

	assert.Equal(t, http.StatusBadRequest, env.get(t, "/api/v1/threads/"+id+"/runs?status=DONE", testKey).StatusCode)
	assert.Equal(t, http.StatusNotFound, env.get(t, "/api/v1/threads/"+id, otherKey).StatusCode)

	// Another owner cannot attach a run to this thread.
	r := env.post(t, "/api/v1/generate", otherKey, `{"input":"x","workflowSlug":"private","threadId":"`+id+`"}`)
	assert.Equal(t, http.StatusBadRequest, r.StatusCode)
}

func TestCreateThreadForeignWorkflow(t *testing.T) {
	env := newEnv(t)
	resp := env.post(t, "/api/v1/threads", testKey, `{"workflowId":"wf2"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestProviderKeys(t *testing.T) {
	env := newEnv(t)
	generate := func() {
		t.Helper()
		resp := env.post(t, "/api/v1/generate", testKey, `{"input":"Hello","workflowSlug":"support"}`)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	put := func(key string) {
		t.Helper()
		resp := env.do(t, http.MethodPut, "/api/v1/provider-keys/openai", testKey, `{"apiKey":"`+key+`"}`)
		require.Equal(t, http.StatusNoContent, resp.StatusCode)
	}

	put("sk-user-1")
	generate()
	generate()
	put("sk-user-2")
	generate()
	put("sk-user-1")
	generate()
	// Each replaced key's client is dropped, so returning to an old key
	// builds a fresh client.
	assert.Equal(t, []string{"sk-user-1", "sk-user-2", "sk-user-1"}, env.builtKeys())

	list := decodeJSON(t, env.get(t, "/api/v1/provider-keys", testKey))
	assert.Equal(t, []any{"openai"}, list["providers"])
	assert.Empty(t, decodeJSON(t, env.get(t, "/api/v1/provider-keys", otherKey))["providers"])

	resp := env.do(t, http.MethodDelete, "/api/v1/provider-keys/openai", testKey, "")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	generate()
	assert.Equal(t, "sk-platform", env.builtKeys()[3])

	resp = env.do(t, http.MethodDelete, "/api/v1/provider-keys/openai", testKey, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPutProviderKeyErrors(t *testing.T) {
	env := newEnv(t)

	resp := env.do(t, http.MethodPut, "/api/v1/provider-keys/nobody", testKey, `{"apiKey":"x"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(t, http.MethodPut, "/api/v1/provider-keys/openai", testKey, `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodPut, "/api/v1/provider-keys/openai", "", `{"apiKey":"x"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
