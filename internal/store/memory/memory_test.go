package memory

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itzam-ai/itzam/internal/domain"
	"github.com/itzam-ai/itzam/internal/store"
)

func TestFinishRunIsConditional(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Now()

	require.NoError(t, s.InsertRun(ctx, &domain.Run{ID: "r1", Status: domain.StatusRunning, CreatedAt: now}))
	assert.ErrorIs(t, s.InsertRun(ctx, &domain.Run{ID: "r1"}), store.ErrDuplicate)

	changed, err := s.FinishRun(ctx, "r1", store.RunFinish{Status: domain.StatusCompleted, OutputText: "a", Cost: decimal.NewFromInt(1), FinishedAt: now})
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = s.FinishRun(ctx, "r1", store.RunFinish{Status: domain.StatusFailed, OutputText: "b", FinishedAt: now})
	require.NoError(t, err)
	assert.False(t, changed)

	r, err := s.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, r.Status)
	assert.Equal(t, "a", r.OutputText)
	require.NotNil(t, r.FinishedAt)

	_, err = s.FinishRun(ctx, "missing", store.RunFinish{})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestListThreadRuns(t *testing.T) {
	ctx := context.Background()
	s := New()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c", "d"} {
		status := domain.StatusCompleted
		if id == "c" {
			status = domain.StatusFailed
		}
		require.NoError(t, s.InsertRun(ctx, &domain.Run{ID: id, ThreadID: "t1", Status: status, CreatedAt: base.Add(time.Duration(i) * time.Minute)}))
	}
	require.NoError(t, s.InsertRun(ctx, &domain.Run{ID: "x", ThreadID: "t2", Status: domain.StatusCompleted, CreatedAt: base}))

	runs, err := s.ListThreadRuns(ctx, "t1", domain.StatusCompleted, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "b", runs[0].ID)
	assert.Equal(t, "d", runs[1].ID)
}

func TestListStaleRuns(t *testing.T) {
	ctx := context.Background()
	s := New()
	old := time.Now().Add(-time.Hour)
	require.NoError(t, s.InsertRun(ctx, &domain.Run{ID: "old", Status: domain.StatusRunning, CreatedAt: old}))
	require.NoError(t, s.InsertRun(ctx, &domain.Run{ID: "new", Status: domain.StatusRunning, CreatedAt: time.Now()}))
	require.NoError(t, s.InsertRun(ctx, &domain.Run{ID: "done", Status: domain.StatusCompleted, CreatedAt: old}))

	runs, err := s.ListStaleRuns(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "old", runs[0].ID)
}

func TestSnippetsAndUpload(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.PutSnippets("u1", "docs", []domain.Snippet{{ContextSlug: "docs", Position: 0, Content: "x"}})

	sn, err := s.Snippets(ctx, "u1", "docs")
	require.NoError(t, err)
	assert.Len(t, sn, 1)

	_, err = s.Snippets(ctx, "u2", "docs")
	assert.ErrorIs(t, err, store.ErrNotFound)

	u, err := s.Upload(ctx, "u1", "a.txt", "text/plain", []byte("hi"))
	require.NoError(t, err)
	assert.Equal(t, "data:text/plain;base64,aGk=", u)
}

func TestProviderKeysAreCopied(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.PutProviderKey("u1", "openai", "sk-user")

	keys, err := s.ProviderKeys(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"openai": "sk-user"}, keys)

	keys["openai"] = "changed"
	again, err := s.ProviderKeys(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "sk-user", again["openai"])

	none, err := s.ProviderKeys(ctx, "u2")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSetAndDeleteProviderKey(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.SetProviderKey(ctx, "u1", "groq", "gsk-1"))
	require.NoError(t, s.SetProviderKey(ctx, "u1", "groq", "gsk-2"))
	keys, err := s.ProviderKeys(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"groq": "gsk-2"}, keys)

	require.NoError(t, s.DeleteProviderKey(ctx, "u1", "groq"))
	assert.ErrorIs(t, s.DeleteProviderKey(ctx, "u1", "groq"), store.ErrNotFound)
	assert.ErrorIs(t, s.DeleteProviderKey(ctx, "u9", "groq"), store.ErrNotFound)
}
