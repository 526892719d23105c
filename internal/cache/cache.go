// Package cache keeps recently validated bearer identities in memory so the
// authentication gate does not hit the database or re-verify a signature on
// every request.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/inkwellcms/inkwell-oauth/internal/oauth"
)

// maxEntryTTL caps how long an identity may be served from cache, so a
// revocation is observed within this window even for long-lived tokens.
const maxEntryTTL = 30 * time.Second

type entry struct {
	identity   oauth.Identity
	expiration time.Time
}

// IdentityCache is a thread-safe TTL cache keyed by bearer credential.
// Bearer strings are hashed before use as keys so a heap dump of the cache
// does not leak live credentials.
type IdentityCache struct {
	mu    sync.RWMutex
	items map[string]entry
}

// NewIdentityCache creates an empty cache.
func NewIdentityCache() *IdentityCache {
	return &IdentityCache{items: make(map[string]entry)}
}

// Get returns the cached identity for a bearer credential, if present and
// not expired.
func (c *IdentityCache) Get(bearer string) (*oauth.Identity, bool) {
	key := cacheKey(bearer)

	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.items[key]
	if !ok || time.Now().After(e.expiration) {
		return nil, false
	}
	identity := e.identity
	return &identity, true
}

// Set caches a validated identity. The entry lives until the token's own
// expiry or maxEntryTTL, whichever comes first.
func (c *IdentityCache) Set(bearer string, identity *oauth.Identity) {
	ttl := maxEntryTTL
	if remaining := time.Until(identity.ExpiresAt); remaining < ttl {
		ttl = remaining
	}
	if ttl <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[cacheKey(bearer)] = entry{identity: *identity, expiration: time.Now().Add(ttl)}
}

// Delete drops a bearer credential from the cache, used on revocation.
func (c *IdentityCache) Delete(bearer string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, cacheKey(bearer))
}

// Clear removes all entries.
func (c *IdentityCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]entry)
}

func cacheKey(bearer string) string {
	sum := sha256.Sum256([]byte(bearer))
	return hex.EncodeToString(sum[:])
}
