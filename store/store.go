// Package store defines the persistent message store contract and its two
// implementations: PostgresStore for production and InMemoryStore for
// tests.
package store

import (
	"time"

	"github.com/swarmnet/storagenode/snode"
)

// Store is an append-mostly, pubkey-indexed table of (hash, pubkey,
// data, ttl, timestamp, nonce), insert-idempotent on hash.
type Store interface {
	// Insert persists msg if its hash is not already present. Returns
	// whether a new row was inserted.
	Insert(msg snode.Message) (inserted bool, err error)
	// GetSince returns all live messages for pubkey with sequence strictly
	// after lastHash, in insertion order. An empty
	// lastHash returns every live message for pubkey.
	GetSince(pubkey snode.UserPubKey, lastHash string) ([]snode.Message, error)
	// GetByHash retrieves a single stored message by its content hash,
	// used by the storage-test responder.
	GetByHash(hash string) (snode.Message, bool, error)
	// AllLive returns every message still within its TTL at now, used for
	// bootstrap replication after a swarm dissolution or a new swarm
	// appearing.
	AllLive(now time.Time) ([]snode.Message, error)
	// Purge deletes every message expired as of now and returns how many
	// rows were removed.
	Purge(now time.Time) (int, error)
}
