// Package auditor runs the periodic peer audits: a storage
// test that challenges a random swarm peer to return a message we both
// hold, and a blockchain test that challenges a peer to report a
// deterministically sampled historical block hash. Failures feed
// reachability.Ledger; persistent unreachability is escalated through the
// daemon's deregistration vote.
package auditor

import (
	"bytes"
	"context"
	"crypto/rand"
	"log/slog"
	"math/big"
	"time"

	"github.com/swarmnet/storagenode/reachability"
	"github.com/swarmnet/storagenode/snode"
	"github.com/swarmnet/storagenode/store"
)

const (
	storageTestInterval    = 10 * time.Second
	blockchainTestInterval = 2 * time.Minute
)

// DeregistrationVoter submits a vote that a peer should be deregistered.
type DeregistrationVoter interface {
	SubmitDeregistrationVote(ctx context.Context, legacyPubkey string) error
}

// BlockHashSource answers what the chain's hash was at a given height,
// backing both sides of the blockchain test.
type BlockHashSource interface {
	GetBlockHash(ctx context.Context, height uint64) (string, error)
}

// ChainView exposes the slice of the swarm model the auditor needs: our
// peers, our swarm assignment, the wider node pool and the chain height.
type ChainView interface {
	OurPeers() []snode.SnRecord
	CurrentSwarmID() uint64
	AllFundedNodes() []snode.SnRecord
	Height() uint64
}

// StorageTestReply is a peer's answer to a storage test challenge.
type StorageTestReply struct {
	Status string `json:"status"`
	Value  []byte `json:"value,omitempty"`
}

// BlockchainTestReply is a peer's answer to a blockchain test challenge.
type BlockchainTestReply struct {
	ResHeight uint64 `json:"res_height"`
	ResHash   string `json:"res_hash"`
}

// PeerClient issues signed test requests to a peer. Implemented by
// peerapi.Client; kept as an interface here so auditor does not depend on
// the HTTP transport.
type PeerClient interface {
	StorageTest(ctx context.Context, peer snode.SnRecord, height uint64, hash string) (StorageTestReply, error)
	BlockchainTest(ctx context.Context, peer snode.SnRecord, maxHeight, seed uint64) (BlockchainTestReply, error)
}

// Auditor periodically challenges swarm peers, records outcomes in the
// reachability ledger, and escalates confirmed unreachability to the chain.
type Auditor struct {
	Chain  ChainView
	Store  store.Store
	Ledger *reachability.Ledger
	Daemon BlockHashSource
	Voter  DeregistrationVoter
	Peers  PeerClient
	Logger *slog.Logger
}

// New constructs an Auditor.
func New(chain ChainView, st store.Store, ledger *reachability.Ledger, daemon BlockHashSource, voter DeregistrationVoter, peers PeerClient, logger *slog.Logger) *Auditor {
	return &Auditor{
		Chain:  chain,
		Store:  st,
		Ledger: ledger,
		Daemon: daemon,
		Voter:  voter,
		Peers:  peers,
		Logger: logger,
	}
}

// Run drives the storage-test and blockchain-test loops until ctx is
// cancelled.
func (a *Auditor) Run(ctx context.Context) {
	storageTicker := time.NewTicker(storageTestInterval)
	defer storageTicker.Stop()
	blockchainTicker := time.NewTicker(blockchainTestInterval)
	defer blockchainTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-storageTicker.C:
			a.runStorageTest(ctx)
		case <-blockchainTicker.C:
			a.runBlockchainTest(ctx)
		}
	}
}

// pickStorageTestTarget prefers retesting the stalest entry in the
// reachability ledger when it is still one of our peers; otherwise a
// random peer.
func (a *Auditor) pickStorageTestTarget(peers []snode.SnRecord) (snode.SnRecord, bool) {
	if stale, ok := a.Ledger.NextToTest(); ok {
		for _, p := range peers {
			if p.LegacyPubkey == stale {
				return p, true
			}
		}
	}
	return pickRandomPeer(peers)
}

func (a *Auditor) runStorageTest(ctx context.Context) {
	peer, ok := a.pickStorageTestTarget(a.Chain.OurPeers())
	if !ok {
		return
	}

	msg, ok, err := a.pickRandomLiveMessage()
	if err != nil {
		a.Logger.Error("storage test: listing live messages failed", "error", err)
		return
	}
	if !ok {
		return
	}

	reply, err := a.Peers.StorageTest(ctx, peer, a.Chain.Height(), msg.Hash)
	now := time.Now()
	switch {
	case err != nil:
		a.recordFailure(ctx, peer, now)
	case reply.Status == StatusOK && bytes.Equal(reply.Value, msg.Data):
		a.Ledger.Expire(peer.LegacyPubkey)
	case reply.Status == StatusRetry:
		// Replication lag; neither a pass nor a strike.
	default:
		a.recordFailure(ctx, peer, now)
	}
}

func (a *Auditor) pickRandomLiveMessage() (snode.Message, bool, error) {
	live, err := a.Store.AllLive(time.Now())
	if err != nil {
		return snode.Message{}, false, err
	}
	if len(live) == 0 {
		return snode.Message{}, false, nil
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(live))))
	if err != nil {
		return live[0], true, nil
	}
	return live[n.Int64()], true, nil
}

// DeriveBlockSample deterministically maps a seed to a block height in
// [0, maxHeight]. Both sides of the blockchain test compute this, so a
// peer cannot choose which block it is asked about.
func DeriveBlockSample(seed, maxHeight uint64) uint64 {
	if maxHeight == ^uint64(0) {
		return seed
	}
	return seed % (maxHeight + 1)
}

func (a *Auditor) runBlockchainTest(ctx context.Context) {
	peer, ok := pickRandomPeer(a.Chain.AllFundedNodes())
	if !ok {
		return
	}

	maxHeight := a.Chain.Height()
	if maxHeight == 0 {
		return
	}

	seed, err := randomSeed()
	if err != nil {
		return
	}

	sample := DeriveBlockSample(seed, maxHeight)
	want, err := a.Daemon.GetBlockHash(ctx, sample)
	if err != nil {
		a.Logger.Warn("blockchain test: local block lookup failed", "height", sample, "error", err)
		return
	}

	reply, err := a.Peers.BlockchainTest(ctx, peer, maxHeight, seed)
	now := time.Now()
	if err != nil || reply.ResHeight != sample || reply.ResHash != want {
		a.recordFailure(ctx, peer, now)
		return
	}
	a.Ledger.Expire(peer.LegacyPubkey)
}

func (a *Auditor) recordFailure(ctx context.Context, peer snode.SnRecord, now time.Time) {
	escalated := a.Ledger.RecordUnreachable(peer.LegacyPubkey, now)
	if !escalated {
		return
	}

	a.Logger.Warn("escalating unreachable peer", "pubkey", peer.LegacyPubkey)
	if a.Voter == nil {
		return
	}
	if err := a.Voter.SubmitDeregistrationVote(ctx, peer.LegacyPubkey); err != nil {
		a.Logger.Error("failed to submit deregistration vote", "pubkey", peer.LegacyPubkey, "error", err)
		return
	}
	a.Ledger.SetReported(peer.LegacyPubkey)
}

func randomSeed() (uint64, error) {
	n, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	if err != nil {
		return 0, err
	}
	return n.Uint64(), nil
}

func pickRandomPeer(peers []snode.SnRecord) (snode.SnRecord, bool) {
	if len(peers) == 0 {
		return snode.SnRecord{}, false
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(peers))))
	if err != nil {
		return peers[0], true
	}
	return peers[n.Int64()], true
}
