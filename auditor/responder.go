package auditor

import (
	"context"
	"time"
)

// Storage test reply statuses exchanged on the wire.
const (
	StatusOK       = "OK"
	StatusRetry    = "retry"
	StatusWrongReq = "wrong request"
	StatusOther    = "other"
)

const (
	responderPollInterval = 50 * time.Millisecond
	responderPollWindow   = 60 * time.Second

	// heightTolerance is how far the tester's height may lag or lead ours
	// before the request is classified as wrong request rather than
	// replication lag.
	heightTolerance = 2
)

// ProcessStorageTestRequest answers a peer's storage test challenge. If the
// tester's height agrees with ours and the message is present, it returns
// OK with the message body. If the height agrees but the message has not
// been indexed yet, the request re-polls the store every 50ms for up to
// 60s before giving up with retry, covering replication lag. A divergent
// height is wrong request; a store failure is other.
func (a *Auditor) ProcessStorageTestRequest(ctx context.Context, testerHeight uint64, hash string) (status string, value []byte) {
	ourHeight := a.Chain.Height()
	if diff(testerHeight, ourHeight) > heightTolerance {
		return StatusWrongReq, nil
	}

	deadline := time.Now().Add(responderPollWindow)
	for {
		msg, found, err := a.Store.GetByHash(hash)
		if err != nil {
			return StatusOther, nil
		}
		if found {
			return StatusOK, msg.Data
		}
		if time.Now().After(deadline) {
			return StatusRetry, nil
		}
		select {
		case <-ctx.Done():
			return StatusRetry, nil
		case <-time.After(responderPollInterval):
		}
	}
}

// ProcessBlockchainTestRequest answers a peer's blockchain test challenge
// by computing the same deterministic sample as the tester and looking the
// block up through our own daemon.
func (a *Auditor) ProcessBlockchainTestRequest(ctx context.Context, maxHeight, seed uint64) (BlockchainTestReply, error) {
	sample := DeriveBlockSample(seed, maxHeight)
	hash, err := a.Daemon.GetBlockHash(ctx, sample)
	if err != nil {
		return BlockchainTestReply{}, err
	}
	return BlockchainTestReply{ResHeight: sample, ResHash: hash}, nil
}

func diff(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}
