package swarm

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/swarmnet/storagenode/snode"
)

func rec(legacy string) snode.SnRecord {
	return snode.SnRecord{LegacyPubkey: legacy}
}

func sampleSnapshot() Snapshot {
	return Snapshot{
		Swarms: []Descriptor{
			{SwarmID: 7, Members: []snode.SnRecord{rec("a"), rec("b")}},
			{SwarmID: 13, Members: []snode.SnRecord{rec("c"), rec("d")}},
			{SwarmID: 200, Members: []snode.SnRecord{rec("e")}},
		},
	}
}

func TestGetSwarmByPKDeterministicUnderPermutation(t *testing.T) {
	snap := sampleSnapshot()
	pk := snode.UserPubKey("00000000000000000000000000000000000000000000000000000000000007")

	want := GetSwarmByPK(snap, pk)

	shuffled := Snapshot{Swarms: append([]Descriptor(nil), snap.Swarms...)}
	rand.Shuffle(len(shuffled.Swarms), func(i, j int) {
		shuffled.Swarms[i], shuffled.Swarms[j] = shuffled.Swarms[j], shuffled.Swarms[i]
	})

	require.Equal(t, want, GetSwarmByPK(shuffled, pk))
}

func TestGetSwarmByPKNoSwarms(t *testing.T) {
	require.Equal(t, InvalidSwarmID, GetSwarmByPK(Snapshot{}, "pk"))
}

func TestIsPubkeyForUsAgreesWithGetSwarmByPK(t *testing.T) {
	snap := sampleSnapshot()
	pks := []snode.UserPubKey{
		"00000000000000000000000000000000000000000000000000000000000001",
		"ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff",
		"00000000000000000000000000000000000000000000000000000000000064",
	}

	for _, pk := range pks {
		target := GetSwarmByPK(snap, pk)
		for _, d := range snap.Swarms {
			require.Equal(t, d.SwarmID == target, IsPubkeyForUs(snap, pk, d.SwarmID))
		}
	}
}

func TestGetSwarmByPKTieBreaksOnSmallerID(t *testing.T) {
	// Two swarms equidistant from pk64=0: ids 1 and 0xFFFFFFFFFFFFFFFF
	// both have ring-distance 1. The smaller id must win.
	snap := Snapshot{Swarms: []Descriptor{
		{SwarmID: 1, Members: []snode.SnRecord{rec("x")}},
		{SwarmID: ^uint64(0), Members: []snode.SnRecord{rec("y")}},
	}}
	pk := snode.UserPubKey("0000000000000000000000000000000000000000000000000000000000000000")
	require.Equal(t, uint64(1), GetSwarmByPK(snap, pk))
}

func TestDeriveSwarmEventsDissolution(t *testing.T) {
	prev := Snapshot{Swarms: []Descriptor{
		{SwarmID: 7, Members: []snode.SnRecord{rec("self"), rec("peer1")}},
	}}
	next := Snapshot{Swarms: []Descriptor{
		{SwarmID: 9, Members: []snode.SnRecord{rec("peer2"), rec("peer3")}},
	}}

	events := DeriveSwarmEvents(prev, next, "self")
	require.True(t, events.Dissolved)
}

func TestDeriveSwarmEventsNewSwarmsExcludesOurs(t *testing.T) {
	prev := Snapshot{Swarms: []Descriptor{
		{SwarmID: 7, Members: []snode.SnRecord{rec("self")}},
	}}
	next := Snapshot{Swarms: []Descriptor{
		{SwarmID: 7, Members: []snode.SnRecord{rec("self")}},
		{SwarmID: 50, Members: []snode.SnRecord{rec("newguy")}},
	}}

	events := DeriveSwarmEvents(prev, next, "self")
	require.False(t, events.Dissolved)
	require.Equal(t, []uint64{50}, events.NewSwarms)
	require.Equal(t, uint64(7), events.OurSwarmID)
}

func TestDeriveSwarmEventsNewSnodesAndMembersExcludeSelf(t *testing.T) {
	prev := Snapshot{Swarms: []Descriptor{
		{SwarmID: 7, Members: []snode.SnRecord{rec("self"), rec("peer1")}},
	}}
	next := Snapshot{Swarms: []Descriptor{
		{SwarmID: 7, Members: []snode.SnRecord{rec("self"), rec("peer1"), rec("peer2")}},
	}}

	events := DeriveSwarmEvents(prev, next, "self")
	require.Len(t, events.NewSnodes, 1)
	require.Equal(t, "peer2", events.NewSnodes[0].LegacyPubkey)
	require.Len(t, events.OurSwarmMembers, 2)
}

func TestDeriveSwarmEventsNoAssignmentYieldsInvalid(t *testing.T) {
	next := Snapshot{Swarms: []Descriptor{
		{SwarmID: 7, Members: []snode.SnRecord{rec("someoneelse")}},
	}}
	events := DeriveSwarmEvents(Snapshot{}, next, "self")
	require.Equal(t, InvalidSwarmID, events.OurSwarmID)
	require.False(t, events.Dissolved)
}

func TestModelUpdateAtomicReplace(t *testing.T) {
	m := NewModel("self")
	require.Equal(t, InvalidSwarmID, m.CurrentSwarmID())

	events := m.Update(Snapshot{Swarms: []Descriptor{
		{SwarmID: 7, Members: []snode.SnRecord{rec("self"), rec("peer1")}},
	}})

	require.Equal(t, uint64(7), events.OurSwarmID)
	require.Equal(t, uint64(7), m.CurrentSwarmID())
	require.Len(t, m.OurPeers(), 1)
}

func TestAllFundedNodesIncludesDecommissioned(t *testing.T) {
	snap := Snapshot{
		Swarms:         []Descriptor{{SwarmID: 1, Members: []snode.SnRecord{rec("a")}}},
		Decommissioned: []snode.SnRecord{rec("b")},
	}
	all := AllFundedNodes(snap)
	require.Len(t, all, 2)
}
