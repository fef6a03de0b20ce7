// Package coordinator ties the chain-refresh loop, swarm membership model
// and message store together into the single entry point the client and
// peer APIs call into: store, fan-out replication, and long-poll delivery.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/swarmnet/storagenode/snode"
	"github.com/swarmnet/storagenode/store"
	"github.com/swarmnet/storagenode/swarm"
)

const chainRefreshInterval = 10 * time.Second

// replicationTimeout bounds each background push to a peer after the
// client's store response has already been written.
const replicationTimeout = 30 * time.Second

// ChainSource fetches the current swarm snapshot from the blockchain
// daemon.
type ChainSource interface {
	GetNServiceNodes(ctx context.Context) (swarm.Snapshot, error)
}

// Replicator pushes a message (or a batch) to a specific peer over the
// inter-node push protocol. Implemented by package peerapi's client side.
type Replicator interface {
	Push(ctx context.Context, peer snode.SnRecord, msg snode.Message) error
	PushBatch(ctx context.Context, peer snode.SnRecord, msgs []snode.Message) error
}

// listenerToken is a strong, single-use handle to a registered long-poll
// waiter, returned to the caller instead of the caller needing to identify
// itself by pointer identity. Connections hold the token, not the other
// way around, so teardown cannot leave a dangling back-reference.
type listenerToken uint64

type listener struct {
	pubkey snode.UserPubKey
	notify chan snode.Message
}

// Coordinator is the readiness gate, swarm-membership cache and message
// ingest path shared by the client-facing and peer-facing HTTP APIs.
type Coordinator struct {
	Store      store.Store
	Chain      ChainSource
	Replicator Replicator
	Logger     *slog.Logger

	// ForceStart serves client traffic even when our pubkey is missing
	// from every swarm (the --force-start flag).
	ForceStart bool

	ourLegacyPubkey string
	swarmModel      *swarm.Model

	ready atomic.Bool

	listenerMu sync.Mutex
	nextToken  listenerToken
	listeners  map[listenerToken]listener
}

// New constructs a Coordinator for a node identified by ourLegacyPubkey.
func New(ourLegacyPubkey string, st store.Store, chain ChainSource, replicator Replicator, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		Store:           st,
		Chain:           chain,
		Replicator:      replicator,
		Logger:          logger,
		ourLegacyPubkey: ourLegacyPubkey,
		swarmModel:      swarm.NewModel(ourLegacyPubkey),
		listeners:       make(map[listenerToken]listener),
	}
}

// Ready reports whether the most recently applied snapshot assigns us a
// swarm, or ForceStart is set. Snapshots are applied by chain refreshes
// and by PrimeFromSeeds, so a seed snapshot that assigns us a swarm opens
// the gate before any chain refresh has completed. The HTTP layer rejects
// client traffic with 503 while the gate is closed.
func (c *Coordinator) Ready() bool {
	return c.ready.Load()
}

// SwarmModel exposes the current swarm membership view.
func (c *Coordinator) SwarmModel() *swarm.Model {
	return c.swarmModel
}

// RunChainRefresh polls the daemon every chainRefreshInterval, updates the
// swarm model, and triggers bootstrap replication on dissolution or a new
// swarm/peer appearing, until ctx is cancelled.
func (c *Coordinator) RunChainRefresh(ctx context.Context) {
	c.refreshOnce(ctx)

	ticker := time.NewTicker(chainRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.refreshOnce(ctx)
		}
	}
}

func (c *Coordinator) refreshOnce(ctx context.Context) {
	snap, err := c.Chain.GetNServiceNodes(ctx)
	if err != nil {
		c.Logger.Error("chain refresh failed", "error", err)
		return
	}

	events := c.swarmModel.Update(snap)
	c.ready.Store(events.OurSwarmID != swarm.InvalidSwarmID || c.ForceStart)

	if events.Dissolved {
		c.Logger.Info("swarm dissolved, handing messages to their new owners")
		c.redistributeAll(ctx, snap)
		return
	}

	if len(events.NewSnodes) > 0 {
		c.Logger.Info("new snodes joined our swarm, bootstrapping them", "count", len(events.NewSnodes))
		c.bootstrapReplicate(ctx, events.NewSnodes)
	}
	for _, swarmID := range events.NewSwarms {
		c.pushOwnedBySwarm(ctx, snap, swarmID)
	}
}

// redistributeAll pushes every live message to the swarm responsible for
// its recipient under snap, used after our swarm dissolved.
func (c *Coordinator) redistributeAll(ctx context.Context, snap swarm.Snapshot) {
	if c.Replicator == nil {
		return
	}

	live, err := c.Store.AllLive(time.Now())
	if err != nil {
		c.Logger.Error("redistribute: listing live messages failed", "error", err)
		return
	}
	if len(live) == 0 {
		return
	}

	bySwarm := make(map[uint64][]snode.Message)
	for _, msg := range live {
		id := swarm.GetSwarmByPK(snap, msg.RecipientPubkey)
		bySwarm[id] = append(bySwarm[id], msg)
	}

	for swarmID, msgs := range bySwarm {
		c.pushBatchToSwarm(ctx, snap, swarmID, msgs)
	}
}

// bootstrapReplicate pushes every currently-live message to each of peers,
// used when a new node joins our swarm.
func (c *Coordinator) bootstrapReplicate(ctx context.Context, peers []snode.SnRecord) {
	if len(peers) == 0 || c.Replicator == nil {
		return
	}

	live, err := c.Store.AllLive(time.Now())
	if err != nil {
		c.Logger.Error("bootstrap replicate: listing live messages failed", "error", err)
		return
	}
	if len(live) == 0 {
		return
	}

	for _, peer := range peers {
		if peer.LegacyPubkey == c.ourLegacyPubkey {
			continue
		}
		if err := c.Replicator.PushBatch(ctx, peer, live); err != nil {
			c.Logger.Warn("bootstrap push_batch failed", "peer", peer.LegacyPubkey, "error", err)
		}
	}
}

// pushOwnedBySwarm pushes the live messages whose recipient maps to
// swarmID under snap, used when a swarm appears that did not exist in the
// previous snapshot.
func (c *Coordinator) pushOwnedBySwarm(ctx context.Context, snap swarm.Snapshot, swarmID uint64) {
	if c.Replicator == nil {
		return
	}

	live, err := c.Store.AllLive(time.Now())
	if err != nil {
		c.Logger.Error("new-swarm push: listing live messages failed", "error", err)
		return
	}

	var owned []snode.Message
	for _, msg := range live {
		if swarm.GetSwarmByPK(snap, msg.RecipientPubkey) == swarmID {
			owned = append(owned, msg)
		}
	}
	if len(owned) == 0 {
		return
	}
	c.Logger.Info("pushing messages claimed by new swarm", "swarm_id", swarmID, "count", len(owned))
	c.pushBatchToSwarm(ctx, snap, swarmID, owned)
}

func (c *Coordinator) pushBatchToSwarm(ctx context.Context, snap swarm.Snapshot, swarmID uint64, msgs []snode.Message) {
	for _, d := range snap.Swarms {
		if d.SwarmID != swarmID {
			continue
		}
		for _, peer := range d.Members {
			if peer.LegacyPubkey == c.ourLegacyPubkey {
				continue
			}
			if err := c.Replicator.PushBatch(ctx, peer, msgs); err != nil {
				c.Logger.Warn("push_batch failed", "peer", peer.LegacyPubkey, "swarm_id", swarmID, "error", err)
			}
		}
		return
	}
}

// StoreMessage inserts msg, fans it out to the rest of our swarm, and wakes
// any long-poll listener waiting on its recipient. PoW and swarm-assignment
// checks have already passed in package clientapi. Replication is
// dispatched on detached goroutines so the store response returns as soon
// as the local insert lands; a slow or dead peer never stalls the client.
func (c *Coordinator) StoreMessage(ctx context.Context, msg snode.Message) (inserted bool, err error) {
	inserted, err = c.Store.Insert(msg)
	if err != nil {
		return false, fmt.Errorf("insert message: %w", err)
	}
	if !inserted {
		return false, nil
	}

	c.notifyListeners(msg)
	c.replicateToPeers(msg)
	return true, nil
}

// replicateToPeers schedules one push per swarm peer in the background.
// The pushes deliberately do not inherit the client request's context:
// the client is done once its 200 is written, and cancelling its
// connection must not abort replication.
func (c *Coordinator) replicateToPeers(msg snode.Message) {
	if c.Replicator == nil {
		return
	}
	for _, peer := range c.swarmModel.OurPeers() {
		if peer.LegacyPubkey == c.ourLegacyPubkey {
			continue
		}
		go func(peer snode.SnRecord) {
			ctx, cancel := context.WithTimeout(context.Background(), replicationTimeout)
			defer cancel()
			if err := c.Replicator.Push(ctx, peer, msg); err != nil {
				c.Logger.Warn("push replication failed", "peer", peer.LegacyPubkey, "error", err)
			}
		}(peer)
	}
}

// IngestFromPeer inserts a message received over the peer push protocol
// and wakes matching long-poll waiters, without replicating further: the
// originating node already fans out to the whole swarm, so forwarding a
// forwarded message would echo forever.
func (c *Coordinator) IngestFromPeer(msg snode.Message) (inserted bool, err error) {
	inserted, err = c.Store.Insert(msg)
	if err != nil {
		return false, fmt.Errorf("insert message: %w", err)
	}
	if inserted {
		c.notifyListeners(msg)
	}
	return inserted, nil
}

// PrimeFromSeeds feeds a statically-configured snapshot into the swarm
// model before the first daemon refresh completes, so a node restarted
// while its daemon is still syncing can begin serving peers it already
// knows about. The next successful refresh replaces it wholesale.
func (c *Coordinator) PrimeFromSeeds(snap swarm.Snapshot) {
	events := c.swarmModel.Update(snap)
	c.ready.Store(events.OurSwarmID != swarm.InvalidSwarmID || c.ForceStart)
}

// Register adds a long-poll waiter for pubkey and returns a token that
// must be passed to Deregister once the waiter is done, whether it timed
// out or was woken.
func (c *Coordinator) Register(pubkey snode.UserPubKey) (listenerToken, <-chan snode.Message) {
	notify := make(chan snode.Message, 1)

	c.listenerMu.Lock()
	defer c.listenerMu.Unlock()
	c.nextToken++
	token := c.nextToken
	c.listeners[token] = listener{pubkey: pubkey, notify: notify}
	return token, notify
}

// Deregister removes the waiter identified by token. Safe to call more
// than once.
func (c *Coordinator) Deregister(token listenerToken) {
	c.listenerMu.Lock()
	defer c.listenerMu.Unlock()
	delete(c.listeners, token)
}

func (c *Coordinator) notifyListeners(msg snode.Message) {
	c.listenerMu.Lock()
	defer c.listenerMu.Unlock()
	for _, l := range c.listeners {
		if l.pubkey != msg.RecipientPubkey {
			continue
		}
		select {
		case l.notify <- msg:
		default:
		}
	}
}
