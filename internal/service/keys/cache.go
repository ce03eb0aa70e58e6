package keys

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	domainkeys "github.com/casefolio/casefolio-backend/internal/domain/keys"
)

// DefaultCacheTTL bounds how long an unwrapped DEK stays in memory.
// Rotation invalidates the owning entry explicitly; other instances
// converge within the TTL.
const DefaultCacheTTL = 5 * time.Minute

type cacheEntry struct {
	dek       *domainkeys.DEK
	expiresAt time.Time
}

// dekCache is a process-local TTL cache of unwrapped DEKs keyed by
// organization. The clock is injected so expiry is testable without
// sleeping.
type dekCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	ttl     time.Duration
	clock   clockwork.Clock
}

func newDEKCache(ttl time.Duration, clock clockwork.Clock) *dekCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &dekCache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
		clock:   clock,
	}
}

func (c *dekCache) get(organizationID string) (*domainkeys.DEK, bool) {
	c.mu.RLock()
	entry, ok := c.entries[organizationID]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if c.clock.Now().After(entry.expiresAt) {
		c.mu.Lock()
		// Re-check under the write lock; a concurrent put may have
		// refreshed the entry.
		if current, ok := c.entries[organizationID]; ok && c.clock.Now().After(current.expiresAt) {
			delete(c.entries, organizationID)
		}
		c.mu.Unlock()
		return nil, false
	}
	return entry.dek, true
}

func (c *dekCache) put(organizationID string, dek *domainkeys.DEK) {
	c.mu.Lock()
	c.entries[organizationID] = cacheEntry{
		dek:       dek,
		expiresAt: c.clock.Now().Add(c.ttl),
	}
	c.mu.Unlock()
}

func (c *dekCache) invalidate(organizationID string) {
	c.mu.Lock()
	delete(c.entries, organizationID)
	c.mu.Unlock()
}

func (c *dekCache) clear() {
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry)
	c.mu.Unlock()
}
