// Package reachability tracks peers that have recently failed an audit and
// decides when an unreachable peer should be escalated to the daemon for
// deregistration.
package reachability

import (
	"sync"
	"time"
)

// GracePeriod is the time a peer may remain unreachable before the
// coordinator escalates it for on-chain deregistration.
const GracePeriod = 120 * time.Minute

// Record is the bookkeeping kept for one unreachable peer.
type Record struct {
	FirstFailure time.Time
	LastTested   time.Time
	Reported     bool
}

// Ledger is the single-owner (main-executor-equivalent: mutex-guarded)
// table of currently unreachable peers.
type Ledger struct {
	mu      sync.Mutex
	records map[string]*Record
}

// NewLedger creates an empty reachability ledger.
func NewLedger() *Ledger {
	return &Ledger{records: make(map[string]*Record)}
}

// RecordUnreachable registers a failed audit against pubkey. It returns
// true exactly once per escalation window: the first call where
// now-firstFailure exceeds GracePeriod and the record has not yet been
// marked reported. The caller must call SetReported after a successful
// escalation; if escalation fails, the next tick retries because Reported
// was never set.
func (l *Ledger) RecordUnreachable(pubkey string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[pubkey]
	if !ok {
		l.records[pubkey] = &Record{FirstFailure: now, LastTested: now}
		return false
	}

	rec.LastTested = now
	if rec.Reported {
		return false
	}
	if now.Sub(rec.FirstFailure) > GracePeriod {
		return true
	}
	return false
}

// SetReported marks pubkey's record as having been escalated, so
// RecordUnreachable stops returning true for it until it is expired and
// fails again.
func (l *Ledger) SetReported(pubkey string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rec, ok := l.records[pubkey]; ok {
		rec.Reported = true
	}
}

// Expire removes pubkey's record on audit success: a peer appears in the
// ledger iff its last completed audit failed. It reports whether the peer
// had a record to remove.
func (l *Ledger) Expire(pubkey string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.records[pubkey]; !ok {
		return false
	}
	delete(l.records, pubkey)
	return true
}

// NextToTest returns the unreachable peer with the oldest LastTested time,
// implementing round-robin-by-age retesting. It returns false when the
// ledger is empty.
func (l *Ledger) NextToTest() (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var (
		best   string
		bestAt time.Time
		found  bool
	)
	for pk, rec := range l.records {
		if !found || rec.LastTested.Before(bestAt) {
			best, bestAt, found = pk, rec.LastTested, true
		}
	}
	return best, found
}

// Len returns the number of peers currently tracked as unreachable.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}
