package notify

import (
	"sync"
	"time"
)

// Guard is a small time-indexed set of send keys. A key claimed once is
// suppressed until its TTL passes, so temporally overlapping retries of one
// logical send cannot produce duplicate deliveries. Dedup holds only for
// identical keys, never for identical content.
type Guard struct {
	mu        sync.Mutex
	ttl       time.Duration
	entries   map[string]time.Time // key -> expiry
	lastSweep time.Time
}

const defaultGuardTTL = 5 * time.Minute

func NewGuard(ttl time.Duration) *Guard {
	if ttl <= 0 {
		ttl = defaultGuardTTL
	}
	return &Guard{
		ttl:     ttl,
		entries: map[string]time.Time{},
	}
}

// Claim registers key and reports whether this is the first claim inside the
// TTL window. An expired key behaves like a fresh one.
func (g *Guard) Claim(key string) bool {
	return g.claimAt(key, time.Now())
}

func (g *Guard) claimAt(key string, now time.Time) bool {
	if key == "" {
		return true
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	g.sweepLocked(now)

	if until, ok := g.entries[key]; ok && now.Before(until) {
		return false
	}
	g.entries[key] = now.Add(g.ttl)
	return true
}

// sweepLocked drops expired entries. Eviction is idempotent; sweeping twice
// or never between claims changes nothing observable.
func (g *Guard) sweepLocked(now time.Time) {
	if now.Sub(g.lastSweep) < g.ttl {
		return
	}
	g.lastSweep = now
	for k, until := range g.entries {
		if !now.Before(until) {
			delete(g.entries, k)
		}
	}
}
