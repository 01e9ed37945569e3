package rediscache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itzam-ai/itzam/internal/store"
)

type countingStore struct {
	keys  map[string]string
	calls int
}

func (s *countingStore) ProviderKeys(context.Context, string) (map[string]string, error) {
	s.calls++
	out := map[string]string{}
	for k, v := range s.keys {
		out[k] = v
	}
	return out, nil
}

func (s *countingStore) SetProviderKey(_ context.Context, _, provider, key string) error {
	s.keys[provider] = key
	return nil
}

func (s *countingStore) DeleteProviderKey(_ context.Context, _, provider string) error {
	if _, ok := s.keys[provider]; !ok {
		return store.ErrNotFound
	}
	delete(s.keys, provider)
	return nil
}

func newCache(t *testing.T, next *countingStore) (*ProviderKeys, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewProviderKeys(client, next, time.Minute, zerolog.Nop()), mr
}

func TestProviderKeysReadThrough(t *testing.T) {
	ctx := context.Background()
	next := &countingStore{keys: map[string]string{"openai": "sk-user"}}
	c, mr := newCache(t, next)

	keys, err := c.ProviderKeys(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "sk-user", keys["openai"])

	keys, err = c.ProviderKeys(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "sk-user", keys["openai"])
	assert.Equal(t, 1, next.calls)
	assert.True(t, mr.Exists(cacheKey("u1")))
}

func TestProviderKeysRotation(t *testing.T) {
	ctx := context.Background()
	next := &countingStore{keys: map[string]string{"openai": "old"}}
	c, mr := newCache(t, next)

	_, err := c.ProviderKeys(ctx, "u1")
	require.NoError(t, err)

	next.keys["openai"] = "new"
	keys, _ := c.ProviderKeys(ctx, "u1")
	assert.Equal(t, "old", keys["openai"], "cached until expiry")

	mr.FastForward(2 * time.Minute)
	keys, _ = c.ProviderKeys(ctx, "u1")
	assert.Equal(t, "new", keys["openai"])

	next.keys["openai"] = "newer"
	require.NoError(t, c.Invalidate(ctx, "u1"))
	keys, _ = c.ProviderKeys(ctx, "u1")
	assert.Equal(t, "newer", keys["openai"])
}

func TestProviderKeyWritesInvalidate(t *testing.T) {
	ctx := context.Background()
	next := &countingStore{keys: map[string]string{"openai": "old"}}
	c, mr := newCache(t, next)

	_, err := c.ProviderKeys(ctx, "u1")
	require.NoError(t, err)
	require.True(t, mr.Exists(cacheKey("u1")))

	require.NoError(t, c.SetProviderKey(ctx, "u1", "openai", "new"))
	assert.False(t, mr.Exists(cacheKey("u1")))
	keys, err := c.ProviderKeys(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "new", keys["openai"])

	require.NoError(t, c.DeleteProviderKey(ctx, "u1", "openai"))
	keys, err = c.ProviderKeys(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, keys)
	assert.Equal(t, 3, next.calls)

	assert.ErrorIs(t, c.DeleteProviderKey(ctx, "u1", "openai"), store.ErrNotFound)
}

func TestProviderKeysRedisDown(t *testing.T) {
	next := &countingStore{keys: map[string]string{"groq": "gsk"}}
	c, mr := newCache(t, next)
	mr.Close()

	keys, err := c.ProviderKeys(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "gsk", keys["groq"])
}
