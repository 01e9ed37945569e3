package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscordNotify(t *testing.T) {
	var content string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body map[string]string
		require.NoError(t, json.Unmarshal(raw, &body))
		content = body["content"]
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	err := NewDiscord(srv.URL, time.Second).Notify(context.Background(), Failure{
		RunID: "r1", UserID: "u1", WorkflowSlug: "support", Endpoint: "/api/v1/generate",
		Code: "RATE_LIMITED", Message: "slow down",
	})
	require.NoError(t, err)
	for _, want := range []string{"RATE_LIMITED", "u1", "support", "/api/v1/generate", "r1", "slow down"} {
		assert.Contains(t, content, want)
	}
}

func TestDiscordTruncatesAndReportsStatus(t *testing.T) {
	var got int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body map[string]string
		_ = json.Unmarshal(raw, &body)
		got = len(body["content"])
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	err := NewDiscord(srv.URL, time.Second).Notify(context.Background(), Failure{Message: strings.Repeat("x", 5000)})
	assert.Error(t, err)
	assert.Equal(t, discordMaxContent, got)
}

type countingNotifier struct{ n int }

func (c *countingNotifier) Notify(context.Context, Failure) error { c.n++; return nil }

func TestLoggedForwards(t *testing.T) {
	next := &countingNotifier{}
	require.NoError(t, Logged{Next: next, Log: zerolog.Nop()}.Notify(context.Background(), Failure{}))
	assert.Equal(t, 1, next.n)
	assert.NoError(t, Logged{Log: zerolog.Nop()}.Notify(context.Background(), Failure{}))
	assert.NoError(t, Nop{}.Notify(context.Background(), Failure{}))
}
