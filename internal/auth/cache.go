package auth

import (
	"sync"
	"sync/atomic"
	"time"
)

// AuthCache is a TTL-based in-memory cache of authenticated sessions keyed
// by token. Uses sync.Map for lock-free reads on the hot path.
//
// Stale-while-revalidate: when an entry expires, Get() still returns the stale
// value immediately and signals that a background refresh is needed, so no
// request blocks on DB + bcrypt after the first one.
type AuthCache struct {
	store sync.Map      // map[string]*cacheEntry
	ttl   time.Duration // Default: 30s
}

type cacheEntry struct {
	session    *SessionContext
	expiresAt  time.Time
	refreshing atomic.Bool // prevents duplicate background refreshes
}

// NewAuthCache creates a cache with the given TTL.
func NewAuthCache(ttl time.Duration) *AuthCache {
	return &AuthCache{ttl: ttl}
}

// GetResult holds the result of a cache lookup.
type GetResult struct {
	Session      *SessionContext
	Hit          bool // true if a value was found (fresh or stale)
	NeedsRefresh bool // true if the entry is expired and should be refreshed in the background
}

// Get looks up the token in the cache.
//
// Returns:
//   - Fresh hit:  {Session, Hit=true,  NeedsRefresh=false}
//   - Stale hit:  {Session, Hit=true,  NeedsRefresh=true}  (serve stale, refresh in background)
//   - Miss:       {nil,     Hit=false, NeedsRefresh=false}
//
// The refreshing flag is set atomically so only one goroutine refreshes per token.
func (c *AuthCache) Get(token string) GetResult {
	val, ok := c.store.Load(token)
	if !ok {
		return GetResult{}
	}

	entry := val.(*cacheEntry)

	if time.Now().Before(entry.expiresAt) {
		return GetResult{Session: entry.session, Hit: true}
	}

	needsRefresh := entry.refreshing.CompareAndSwap(false, true)
	return GetResult{
		Session:      entry.session,
		Hit:          true,
		NeedsRefresh: needsRefresh,
	}
}

// Set stores a session in the cache with the configured TTL.
func (c *AuthCache) Set(token string, session *SessionContext) {
	c.store.Store(token, &cacheEntry{
		session:   session,
		expiresAt: time.Now().Add(c.ttl),
	})
}

// Delete removes an entry from the cache.
func (c *AuthCache) Delete(token string) {
	c.store.Delete(token)
}

// PurgeUser removes every cached session of a user and returns how many
// were removed.
func (c *AuthCache) PurgeUser(userID string) int {
	n := 0
	c.store.Range(func(key, val any) bool {
		if val.(*cacheEntry).session.UserID == userID {
			c.store.Delete(key)
			n++
		}
		return true
	})
	return n
}

// MarkBanned flags every cached session of a user as banned, keeping the
// entries' freshness.
func (c *AuthCache) MarkBanned(userID, reason string) {
	c.store.Range(func(key, val any) bool {
		entry := val.(*cacheEntry)
		if entry.session.UserID != userID || entry.session.Banned {
			return true
		}
		banned := *entry.session
		banned.Banned = true
		banned.BanReason = reason
		c.store.CompareAndSwap(key, val, &cacheEntry{session: &banned, expiresAt: entry.expiresAt})
		return true
	})
}
