package store

import (
	"sort"
	"sync"
	"time"

	"github.com/swarmnet/storagenode/snode"
)

type memRow struct {
	msg snode.Message
	seq uint64
}

// InMemoryStore is a mutex-guarded, in-process Store implementation used
// by tests and by the clientapi/peerapi test harnesses.
type InMemoryStore struct {
	mu      sync.Mutex
	byHash  map[string]*memRow
	nextSeq uint64
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{byHash: make(map[string]*memRow)}
}

// Insert implements Store.
func (s *InMemoryStore) Insert(msg snode.Message) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byHash[msg.Hash]; exists {
		return false, nil
	}

	s.nextSeq++
	s.byHash[msg.Hash] = &memRow{msg: msg, seq: s.nextSeq}
	return true, nil
}

// GetSince implements Store.
func (s *InMemoryStore) GetSince(pubkey snode.UserPubKey, lastHash string) ([]snode.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var afterSeq uint64
	if lastHash != "" {
		if row, ok := s.byHash[lastHash]; ok {
			afterSeq = row.seq
		}
	}

	now := time.Now().UnixMilli()
	var rows []*memRow
	for _, row := range s.byHash {
		if row.msg.RecipientPubkey != pubkey {
			continue
		}
		if row.seq <= afterSeq {
			continue
		}
		if !row.msg.Live(now) {
			continue
		}
		rows = append(rows, row)
	}

	sort.Slice(rows, func(i, j int) bool { return rows[i].seq < rows[j].seq })

	out := make([]snode.Message, len(rows))
	for i, row := range rows {
		out[i] = row.msg
	}
	return out, nil
}

// GetByHash implements Store.
func (s *InMemoryStore) GetByHash(hash string) (snode.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.byHash[hash]
	if !ok {
		return snode.Message{}, false, nil
	}
	return row.msg, true, nil
}

// AllLive implements Store.
func (s *InMemoryStore) AllLive(now time.Time) ([]snode.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	nowMillis := now.UnixMilli()
	var out []snode.Message
	for _, row := range s.byHash {
		if row.msg.Live(nowMillis) {
			out = append(out, row.msg)
		}
	}
	return out, nil
}

// Purge implements Store.
func (s *InMemoryStore) Purge(now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	nowMillis := now.UnixMilli()
	removed := 0
	for hash, row := range s.byHash {
		if !row.msg.Live(nowMillis) {
			delete(s.byHash, hash)
			removed++
		}
	}
	return removed, nil
}
