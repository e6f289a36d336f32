package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/khunghaydien/sellbridge-backend/internal/core/ports"
)

// Ensure RedisTokenCache implements PageTokenStore
var _ ports.PageTokenStore = (*RedisTokenCache)(nil)

// RedisTokenCache is a read-through TTL cache of page tokens in front of a
// source store. With a nil source, Redis alone holds the tokens.
type RedisTokenCache struct {
	client *redis.Client
	source ports.PageTokenStore
	ttl    time.Duration
}

// NewRedisTokenCache creates a cache; ttl <= 0 keeps entries until deactivated
func NewRedisTokenCache(client *redis.Client, source ports.PageTokenStore, ttl time.Duration) *RedisTokenCache {
	return &RedisTokenCache{
		client: client,
		source: source,
		ttl:    ttl,
	}
}

// GetPageAccessToken returns the cached token, loading it from the source on a miss
func (r *RedisTokenCache) GetPageAccessToken(ctx context.Context, pageID string) (string, error) {
	key := buildTokenKey(pageID)

	token, err := r.client.Get(ctx, key).Result()
	if err == nil {
		return token, nil
	}
	if !errors.Is(err, redis.Nil) {
		// Cache unavailable: fall through to the source
		slog.Warn("Failed to read page token cache", "error", err, "page_id", pageID)
	}

	if r.source == nil {
		return "", ports.ErrTokenNotFound
	}

	token, err = r.source.GetPageAccessToken(ctx, pageID)
	if err != nil {
		return "", err
	}

	if err := r.client.Set(ctx, key, token, r.ttl).Err(); err != nil {
		slog.Warn("Failed to fill page token cache", "error", err, "page_id", pageID)
	}
	return token, nil
}

// PutPageAccessToken writes through to the source, then the cache
func (r *RedisTokenCache) PutPageAccessToken(ctx context.Context, pageID, token string) error {
	if r.source != nil {
		if err := r.source.PutPageAccessToken(ctx, pageID, token); err != nil {
			return err
		}
	}
	if err := r.client.Set(ctx, buildTokenKey(pageID), token, r.ttl).Err(); err != nil {
		return fmt.Errorf("cache page token: %w", err)
	}
	return nil
}

// DeactivatePage evicts the token and deactivates it at the source
func (r *RedisTokenCache) DeactivatePage(ctx context.Context, pageID string) error {
	if err := r.client.Del(ctx, buildTokenKey(pageID)).Err(); err != nil {
		slog.Error("Failed to evict page token", "error", err, "page_id", pageID)
	}
	if r.source == nil {
		return nil
	}
	return r.source.DeactivatePage(ctx, pageID)
}

// buildTokenKey constructs the Redis key of a page token
func buildTokenKey(pageID string) string {
	return fmt.Sprintf("page:token:%s", pageID)
}
