package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/khunghaydien/sellbridge-backend/internal/core/domain"
	"github.com/khunghaydien/sellbridge-backend/internal/core/ports"
)

// FallbackDisplayName is used when a sender cannot be resolved
const FallbackDisplayName = "Facebook User"

var errEnrichmentDisabled = errors.New("sender enrichment not configured")

type senderKey struct {
	pageID   string
	senderID string
}

// SenderCache memoizes sender display identities per (page, sender).
// Entries never expire; failed resolutions are never cached.
type SenderCache struct {
	mu      sync.RWMutex
	entries map[senderKey]domain.SenderInfo

	tokens  ports.PageTokenStore
	fetcher ports.ProfileFetcher
	group   singleflight.Group
	now     func() time.Time
}

// NewSenderCache creates a cache backed by the Graph profile fetcher.
// Either dependency may be nil, in which case every miss falls back.
func NewSenderCache(tokens ports.PageTokenStore, fetcher ports.ProfileFetcher) *SenderCache {
	return &SenderCache{
		entries: make(map[senderKey]domain.SenderInfo),
		tokens:  tokens,
		fetcher: fetcher,
		now:     time.Now,
	}
}

// Resolve returns the cached identity or fetches it. The upstream call runs
// outside the lock; concurrent misses for one key share a single call.
func (c *SenderCache) Resolve(ctx context.Context, pageID, senderID string) domain.SenderInfo {
	key := senderKey{pageID: pageID, senderID: senderID}
	if info, ok := c.lookup(key); ok {
		return info
	}

	v, err, _ := c.group.Do(pageID+"\x00"+senderID, func() (any, error) {
		if info, ok := c.lookup(key); ok {
			return info, nil
		}

		info, err := c.fetch(ctx, pageID, senderID)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		if existing, ok := c.entries[key]; ok {
			return existing, nil
		}
		c.entries[key] = info
		return info, nil
	})
	if err != nil {
		slog.Warn("Sender resolution failed, using fallback identity",
			"error", err,
			"page_id", pageID,
			"sender_id", senderID,
		)
		return c.fallback()
	}

	return v.(domain.SenderInfo)
}

// Len returns the number of cached identities
func (c *SenderCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *SenderCache) lookup(key senderKey) (domain.SenderInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	info, ok := c.entries[key]
	return info, ok
}

func (c *SenderCache) fetch(ctx context.Context, pageID, senderID string) (domain.SenderInfo, error) {
	if c.tokens == nil || c.fetcher == nil {
		return domain.SenderInfo{}, errEnrichmentDisabled
	}

	token, err := c.tokens.GetPageAccessToken(ctx, pageID)
	if err != nil {
		return domain.SenderInfo{}, fmt.Errorf("page token: %w", err)
	}

	info, err := c.fetcher.GetUserProfile(ctx, senderID, token)
	if err != nil {
		if errors.Is(err, ports.ErrTokenExpired) {
			if derr := c.tokens.DeactivatePage(ctx, pageID); derr != nil {
				slog.Error("Failed to deactivate page after token expiry",
					"error", derr,
					"page_id", pageID,
				)
			}
		}
		return domain.SenderInfo{}, fmt.Errorf("fetch profile: %w", err)
	}

	if info.DisplayName == "" {
		info.DisplayName = FallbackDisplayName
	}
	info.ResolvedAt = c.now()
	info.Placeholder = false
	return info, nil
}

func (c *SenderCache) fallback() domain.SenderInfo {
	return domain.SenderInfo{
		DisplayName: FallbackDisplayName,
		ResolvedAt:  c.now(),
		Placeholder: true,
	}
}
