package scan

import (
	"context"
	"sync"
	"time"

	"scan_server/core/domain"
	"scan_server/core/port/out"
)

const directoryTTL = 15 * time.Minute

// DirectoryCache is the one permitted piece of process-wide state: a
// lazily loaded snapshot of the merchant directory, refreshed on
// expiry and never mutated by request handlers.
type DirectoryCache struct {
	source out.MerchantDirectory

	mu        sync.RWMutex
	entries   []*domain.DirectoryEntry
	fetchedAt time.Time
}

// NewDirectoryCache wraps a merchant directory with a 15-minute TTL.
func NewDirectoryCache(source out.MerchantDirectory) *DirectoryCache {
	return &DirectoryCache{source: source}
}

// Entries returns the cached directory snapshot, refreshing it when
// stale. A stale snapshot is served when the refresh fails.
func (c *DirectoryCache) Entries(ctx context.Context) ([]*domain.DirectoryEntry, error) {
	c.mu.RLock()
	if c.entries != nil && time.Since(c.fetchedAt) < directoryTTL {
		entries := c.entries
		c.mu.RUnlock()
		return entries, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries != nil && time.Since(c.fetchedAt) < directoryTTL {
		return c.entries, nil
	}

	entries, err := c.source.Entries(ctx)
	if err != nil {
		if c.entries != nil {
			return c.entries, nil
		}
		return nil, err
	}
	c.entries = entries
	c.fetchedAt = time.Now()
	return entries, nil
}

// Overrides are per-user and cheap; they pass straight through.
func (c *DirectoryCache) Overrides(ctx context.Context, userID string) ([]*domain.UserOverride, error) {
	return c.source.Overrides(ctx, userID)
}
