// Package lock provides cross-process mutual exclusion keyed by
// connection identity, backed by the shared cache store. The lock TTL
// bounds worst-case staleness if a holder crashes mid-refresh.
package lock

import (
	"time"

	"github.com/finbridge/exactlink/internal/store"
	"github.com/google/uuid"
)

const keyPrefix = "token-refresh-lock:"

// Key derives the cache key for a connection's refresh lock.
func Key(connectionID string) string {
	return keyPrefix + connectionID
}

// Locker hands out TTL-bounded locks over a shared cache.
type Locker struct {
	cache store.Cache
	ttl   time.Duration
}

func NewLocker(cache store.Cache, ttl time.Duration) *Locker {
	return &Locker{cache: cache, ttl: ttl}
}

// TryAcquire attempts to take the lock without waiting. On success the
// returned guard must be released on every exit path.
func (l *Locker) TryAcquire(connectionID string) (*Guard, bool) {
	owner := uuid.NewString()
	key := Key(connectionID)
	if !l.cache.SetNX(key, owner, l.ttl) {
		return nil, false
	}
	return &Guard{cache: l.cache, key: key, owner: owner}, true
}

// Guard is a held lock. Release is idempotent and only removes the
// sentinel while this guard still owns it, so a holder whose TTL lapsed
// cannot evict a successor.
type Guard struct {
	cache    store.Cache
	key      string
	owner    string
	released bool
}

func (g *Guard) Release() {
	if g == nil || g.released {
		return
	}
	g.released = true
	if current, ok := g.cache.Get(g.key); ok && current == g.owner {
		g.cache.Delete(g.key)
	}
}
