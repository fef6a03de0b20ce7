// Package ratelimit provides a keyed token-bucket table used for both the
// per-source-IP client limiter and the per-peer-pubkey limiter on the
// swarm endpoints.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// idleEviction is how long an untouched bucket survives before being
// dropped, bounding table growth under key churn.
const idleEviction = 10 * time.Minute

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Keyed is a table of token buckets, one per key.
type Keyed struct {
	perSecond rate.Limit
	burst     int

	mu      sync.Mutex
	entries map[string]*entry
}

// NewKeyed creates a limiter table whose buckets refill at perSecond and
// hold at most burst tokens.
func NewKeyed(perSecond float64, burst int) *Keyed {
	return &Keyed{
		perSecond: rate.Limit(perSecond),
		burst:     burst,
		entries:   make(map[string]*entry),
	}
}

// Allow reports whether a request under key may proceed, consuming one
// token if so.
func (k *Keyed) Allow(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	now := time.Now()
	e, ok := k.entries[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(k.perSecond, k.burst), lastSeen: now}
		k.entries[key] = e
		k.evictIdleLocked(now)
	}
	e.lastSeen = now
	return e.limiter.Allow()
}

func (k *Keyed) evictIdleLocked(now time.Time) {
	for key, e := range k.entries {
		if now.Sub(e.lastSeen) > idleEviction {
			delete(k.entries, key)
		}
	}
}
