// Package cache holds the Redis-backed token cache shared by all server
// instances. Entries are independent keys with per-key TTLs, so concurrent
// writers need no coordination: a collision writes identical content and
// last-writer-wins is acceptable.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

const tokenKeyPrefix = "token:"

type tokenEntry struct {
	UserID int64 `json:"user_id"`
}

// TokenCache maps raw bearer tokens to the user id they authenticate. Only
// the user id is cached; no other claim survives the round trip. A nil
// client disables the cache: every Get misses and every Set is a no-op,
// which keeps the service correct (if slower) when Redis is down.
type TokenCache struct {
	client *redis.Client
}

func NewTokenCache(client *redis.Client) *TokenCache {
	return &TokenCache{client: client}
}

func (c *TokenCache) Get(ctx context.Context, token string) (int64, bool, error) {
	if c.client == nil {
		return 0, false, nil
	}
	raw, err := c.client.Get(ctx, tokenKeyPrefix+token).Bytes()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	var entry tokenEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return 0, false, err
	}
	return entry.UserID, true, nil
}

// Set stores a verified token with the given TTL. Callers must never pass
// a TTL beyond the token's own remaining validity; non-positive TTLs are
// dropped rather than stored without expiry.
func (c *TokenCache) Set(ctx context.Context, token string, userID int64, ttl time.Duration) error {
	if c.client == nil || ttl <= 0 {
		return nil
	}
	payload, err := json.Marshal(tokenEntry{UserID: userID})
	if err != nil {
		return err
	}
	return c.client.Set(ctx, tokenKeyPrefix+token, payload, ttl).Err()
}

// Invalidate drops a token, e.g. on logout. Missing keys are not an error.
func (c *TokenCache) Invalidate(ctx context.Context, token string) error {
	if c.client == nil {
		return nil
	}
	return c.client.Del(ctx, tokenKeyPrefix+token).Err()
}
