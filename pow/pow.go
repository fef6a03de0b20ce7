// Package pow implements the client proof-of-work check that gates the
// store request: CheckDifficulty verifies that the high 8
// bytes of a message's content hash, interpreted as a big-endian integer,
// satisfy the required inequality for the message's TTL and payload size.
package pow

import (
	"encoding/hex"
	"math/big"

	"github.com/swarmnet/storagenode/snode"
)

// CheckDifficulty reports whether msg's hash satisfies the proof-of-work
// requirement at the given difficulty: interpreting the high 8 bytes of
// the hash as a big-endian integer t, require
//
//	t * ttl_seconds * difficulty <= 2^64 * payload_len
//
// Returns false (never true) if hash isn't valid hex or is shorter than
// 8 bytes.
func CheckDifficulty(msg snode.Message, difficulty uint64) bool {
	raw, err := hex.DecodeString(msg.Hash)
	if err != nil || len(raw) < 8 {
		return false
	}

	t := new(big.Int).SetBytes(raw[:8])
	ttlSeconds := new(big.Int).SetInt64(msg.TTLMillis / 1000)
	if ttlSeconds.Sign() <= 0 {
		return false
	}

	lhs := new(big.Int).Mul(t, ttlSeconds)
	lhs.Mul(lhs, new(big.Int).SetUint64(difficulty))

	rhs := new(big.Int).Lsh(big.NewInt(1), 64)
	rhs.Mul(rhs, big.NewInt(int64(len(msg.Data))))

	return lhs.Cmp(rhs) <= 0
}
