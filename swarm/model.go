// Package swarm computes swarm membership from a blockchain snapshot:
// which swarm a recipient pubkey belongs to, which swarm the local node
// belongs to, and the diff between two snapshots that drives bootstrap
// replication.
package swarm

import (
	"encoding/hex"
	"math/big"
	"sync"

	"github.com/swarmnet/storagenode/snode"
)

// InvalidSwarmID marks "no swarm yet".
const InvalidSwarmID = ^uint64(0)

// Descriptor is one swarm's membership list.
type Descriptor struct {
	SwarmID uint64
	Members []snode.SnRecord
}

// Snapshot is the chain-derived view of swarm composition at a given
// height.
type Snapshot struct {
	Swarms         []Descriptor
	Decommissioned []snode.SnRecord
	Height         uint64
	BlockHash      string
	Hardfork       int
}

// Events is the diff between two consecutive snapshots from the local
// node's point of view.
type Events struct {
	OurSwarmID      uint64
	Dissolved       bool
	NewSwarms       []uint64
	NewSnodes       []snode.SnRecord
	OurSwarmMembers []snode.SnRecord
}

// GetSwarmByPK maps a recipient pubkey to the swarm responsible for it:
// interpret pk as a 256-bit unsigned integer, take its low 64 bits, and
// pick the active swarm minimizing the circular distance to that value on
// a 64-bit ring. Ties break on the smaller swarm ID, so the result is
// deterministic and stable under list permutation.
func GetSwarmByPK(snap Snapshot, pk snode.UserPubKey) uint64 {
	if len(snap.Swarms) == 0 {
		return InvalidSwarmID
	}

	pk64 := lowerUint64(pk)

	best := snap.Swarms[0].SwarmID
	bestDist := ringDistance(pk64, best)
	for _, d := range snap.Swarms[1:] {
		dist := ringDistance(pk64, d.SwarmID)
		if dist < bestDist || (dist == bestDist && d.SwarmID < best) {
			best, bestDist = d.SwarmID, dist
		}
	}
	return best
}

// IsPubkeyForUs reports whether pk is assigned to ourSwarmID under snap.
func IsPubkeyForUs(snap Snapshot, pk snode.UserPubKey, ourSwarmID uint64) bool {
	return GetSwarmByPK(snap, pk) == ourSwarmID
}

// ringDistance is min(x xor y, -(x xor y) mod 2^64) on the 64-bit ring.
func ringDistance(a, b uint64) uint64 {
	d := a ^ b
	neg := -d // wraps mod 2^64
	if neg < d {
		return neg
	}
	return d
}

// lowerUint64 interprets pk (hex-encoded) as a big-endian 256-bit unsigned
// integer and returns its low 64 bits.
func lowerUint64(pk snode.UserPubKey) uint64 {
	raw, err := hex.DecodeString(string(pk))
	if err != nil || len(raw) == 0 {
		return 0
	}
	n := new(big.Int).SetBytes(raw)
	mask := new(big.Int).SetUint64(^uint64(0))
	low := new(big.Int).And(n, mask)
	return low.Uint64()
}

// membersOf returns the member list of the swarm with the given id, or nil
// if not present.
func membersOf(snap Snapshot, id uint64) []snode.SnRecord {
	for _, d := range snap.Swarms {
		if d.SwarmID == id {
			return d.Members
		}
	}
	return nil
}

// swarmIDsOf returns the set of swarm IDs present in snap.
func swarmIDsOf(snap Snapshot) map[uint64]struct{} {
	out := make(map[uint64]struct{}, len(snap.Swarms))
	for _, d := range snap.Swarms {
		out[d.SwarmID] = struct{}{}
	}
	return out
}

// ourSwarmID finds the swarm containing ourLegacyPubkey, or InvalidSwarmID.
func ourSwarmID(snap Snapshot, ourLegacyPubkey string) uint64 {
	for _, d := range snap.Swarms {
		for _, m := range d.Members {
			if m.LegacyPubkey == ourLegacyPubkey {
				return d.SwarmID
			}
		}
	}
	return InvalidSwarmID
}

// DeriveSwarmEvents computes the diff from prev to next from the local
// node's viewpoint.
func DeriveSwarmEvents(prev, next Snapshot, ourLegacyPubkey string) Events {
	newID := ourSwarmID(next, ourLegacyPubkey)

	dissolved := false
	if prevID := ourSwarmID(prev, ourLegacyPubkey); prevID != InvalidSwarmID {
		if _, stillExists := swarmIDsOf(next)[prevID]; !stillExists {
			dissolved = true
		}
	}

	prevIDs := swarmIDsOf(prev)
	var newSwarms []uint64
	for _, d := range next.Swarms {
		if _, existed := prevIDs[d.SwarmID]; !existed && d.SwarmID != newID {
			newSwarms = append(newSwarms, d.SwarmID)
		}
	}

	prevMembers := make(map[string]struct{})
	if newID != InvalidSwarmID {
		for _, m := range membersOf(prev, newID) {
			prevMembers[m.LegacyPubkey] = struct{}{}
		}
	}

	var newSnodes []snode.SnRecord
	var ourMembers []snode.SnRecord
	for _, m := range membersOf(next, newID) {
		if m.LegacyPubkey == ourLegacyPubkey {
			continue
		}
		ourMembers = append(ourMembers, m)
		if _, existed := prevMembers[m.LegacyPubkey]; !existed {
			newSnodes = append(newSnodes, m)
		}
	}

	return Events{
		OurSwarmID:      newID,
		Dissolved:       dissolved,
		NewSwarms:       newSwarms,
		NewSnodes:       newSnodes,
		OurSwarmMembers: ourMembers,
	}
}

// AllFundedNodes returns every registered node across all swarms plus
// decommissioned nodes, used as the sample pool for blockchain tests and
// bootstrapping.
func AllFundedNodes(snap Snapshot) []snode.SnRecord {
	var out []snode.SnRecord
	for _, d := range snap.Swarms {
		out = append(out, d.Members...)
	}
	out = append(out, snap.Decommissioned...)
	return out
}

// Model owns the current swarm snapshot and the events derived from the
// most recent update, replacing state atomically so readers never observe
// a hybrid of old and new snapshots.
type Model struct {
	mu sync.RWMutex

	ourLegacyPubkey string
	current         Snapshot
	currentSwarmID  uint64
	ourPeers        []snode.SnRecord
	allFundedNodes  []snode.SnRecord
}

// NewModel creates an empty swarm model for the node identified by
// ourLegacyPubkey.
func NewModel(ourLegacyPubkey string) *Model {
	return &Model{
		ourLegacyPubkey: ourLegacyPubkey,
		currentSwarmID:  InvalidSwarmID,
	}
}

// Update replaces the snapshot atomically and returns the derived events.
func (m *Model) Update(next Snapshot) Events {
	m.mu.Lock()
	prev := m.current
	events := DeriveSwarmEvents(prev, next, m.ourLegacyPubkey)

	m.current = next
	m.currentSwarmID = events.OurSwarmID
	m.ourPeers = events.OurSwarmMembers
	m.allFundedNodes = AllFundedNodes(next)
	m.mu.Unlock()

	return events
}

// Snapshot returns the current snapshot by value, safe to read without
// holding the model's lock afterward.
func (m *Model) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// CurrentSwarmID returns our current swarm ID, or InvalidSwarmID if we are
// not (yet) assigned to one.
func (m *Model) CurrentSwarmID() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentSwarmID
}

// OurPeers returns the current swarm's members, excluding self.
func (m *Model) OurPeers() []snode.SnRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]snode.SnRecord(nil), m.ourPeers...)
}

// AllFundedNodes returns the sample pool used for blockchain tests and
// bootstrapping: every registered node plus decommissioned nodes.
func (m *Model) AllFundedNodes() []snode.SnRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]snode.SnRecord(nil), m.allFundedNodes...)
}

// Height returns the chain height of the current snapshot.
func (m *Model) Height() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current.Height
}

// GetSwarmByPK maps pk to a swarm ID under the model's current snapshot.
func (m *Model) GetSwarmByPK(pk snode.UserPubKey) uint64 {
	return GetSwarmByPK(m.Snapshot(), pk)
}

// IsPubkeyForUs reports whether pk belongs to our current swarm.
func (m *Model) IsPubkeyForUs(pk snode.UserPubKey) bool {
	m.mu.RLock()
	ourID := m.currentSwarmID
	snap := m.current
	m.mu.RUnlock()
	return IsPubkeyForUs(snap, pk, ourID)
}
