// Package rediscache puts a Redis read-through cache in front of a
// provider key store. Writes go through to the store and then drop the
// owner's cache entry, so a changed key is used by the next run; runs
// already resolved keep the key they started with.
package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/itzam-ai/itzam/internal/store"
)

const cacheVersion = "v1"

// ProviderKeys caches ProviderKeys lookups per owner.
type ProviderKeys struct {
	client redis.UniversalClient
	next   store.ProviderKeyReadWriter
	ttl    time.Duration
	log    zerolog.Logger
}

var _ store.ProviderKeyReadWriter = (*ProviderKeys)(nil)

// Connect opens a client and pings it.
func Connect(ctx context.Context, addr, password string, db int) (redis.UniversalClient, error) {
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{addr},
		Password: password,
		DB:       db,
	})
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return client, nil
}

func NewProviderKeys(client redis.UniversalClient, next store.ProviderKeyReadWriter, ttl time.Duration, log zerolog.Logger) *ProviderKeys {
	return &ProviderKeys{
		client: client,
		next:   next,
		ttl:    ttl,
		log:    log.With().Str("component", "provider-key-cache").Logger(),
	}
}

func cacheKey(ownerID string) string {
	return "itzam:" + cacheVersion + ":provider-keys:" + ownerID
}

// ProviderKeys serves from Redis when possible. Redis failures fall through
// to the backing store.
func (c *ProviderKeys) ProviderKeys(ctx context.Context, ownerID string) (map[string]string, error) {
	raw, err := c.client.Get(ctx, cacheKey(ownerID)).Bytes()
	switch {
	case err == nil:
		var keys map[string]string
		if jerr := json.Unmarshal(raw, &keys); jerr == nil {
			return keys, nil
		}
		c.log.Warn().Str("owner_id", ownerID).Msg("dropping undecodable cache entry")
	case !errors.Is(err, redis.Nil):
		c.log.Warn().Err(err).Msg("redis get failed, reading through")
	}

	keys, err := c.next.ProviderKeys(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	if buf, jerr := json.Marshal(keys); jerr == nil {
		if serr := c.client.Set(ctx, cacheKey(ownerID), buf, c.ttl).Err(); serr != nil {
			c.log.Warn().Err(serr).Msg("redis set failed")
		}
	}
	return keys, nil
}

// SetProviderKey stores the key, then invalidates the owner's entry.
func (c *ProviderKeys) SetProviderKey(ctx context.Context, ownerID, provider, key string) error {
	if err := c.next.SetProviderKey(ctx, ownerID, provider, key); err != nil {
		return err
	}
	return c.Invalidate(ctx, ownerID)
}

// DeleteProviderKey removes the key, then invalidates the owner's entry.
func (c *ProviderKeys) DeleteProviderKey(ctx context.Context, ownerID, provider string) error {
	if err := c.next.DeleteProviderKey(ctx, ownerID, provider); err != nil {
		return err
	}
	return c.Invalidate(ctx, ownerID)
}

// Invalidate drops the cached keys of one owner. The write has already
// happened when this fails, so the error says so.
func (c *ProviderKeys) Invalidate(ctx context.Context, ownerID string) error {
	if err := c.client.Del(ctx, cacheKey(ownerID)).Err(); err != nil {
		return fmt.Errorf("key saved but cached copy not dropped: %w", err)
	}
	return nil
}
