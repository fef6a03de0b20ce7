// Package wire implements the binary length-prefixed framing used for the
// peer push and push_batch protocol.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/swarmnet/storagenode/snode"
)

// EncodeMessage serializes one message as length-prefixed fields in the
// fixed order: pubkey, data, hash, nonce, ttl (u64 LE), timestamp (u64 LE).
// Each length prefix is a u32 LE.
func EncodeMessage(msg snode.Message) []byte {
	buf := make([]byte, 0, 4*4+len(msg.RecipientPubkey)+len(msg.Data)+len(msg.Hash)+len(msg.Nonce)+16)

	buf = appendField(buf, []byte(msg.RecipientPubkey))
	buf = appendField(buf, msg.Data)
	buf = appendField(buf, []byte(msg.Hash))
	buf = appendField(buf, []byte(msg.Nonce))

	var ttl, ts [8]byte
	binary.LittleEndian.PutUint64(ttl[:], uint64(msg.TTLMillis))
	binary.LittleEndian.PutUint64(ts[:], uint64(msg.TimestampMillis))
	buf = append(buf, ttl[:]...)
	buf = append(buf, ts[:]...)

	return buf
}

func appendField(buf, field []byte) []byte {
	var lenPrefix [4]byte
	binary.LittleEndian.PutUint32(lenPrefix[:], uint32(len(field)))
	buf = append(buf, lenPrefix[:]...)
	return append(buf, field...)
}

// DecodeMessage parses a single record produced by EncodeMessage and
// returns the number of bytes consumed.
func DecodeMessage(data []byte) (snode.Message, int, error) {
	var msg snode.Message
	offset := 0

	pubkey, n, err := readField(data[offset:])
	if err != nil {
		return msg, 0, fmt.Errorf("pubkey field: %w", err)
	}
	offset += n

	payload, n, err := readField(data[offset:])
	if err != nil {
		return msg, 0, fmt.Errorf("data field: %w", err)
	}
	offset += n

	hash, n, err := readField(data[offset:])
	if err != nil {
		return msg, 0, fmt.Errorf("hash field: %w", err)
	}
	offset += n

	nonce, n, err := readField(data[offset:])
	if err != nil {
		return msg, 0, fmt.Errorf("nonce field: %w", err)
	}
	offset += n

	if len(data)-offset < 16 {
		return msg, 0, fmt.Errorf("truncated ttl/timestamp: need 16 bytes, have %d", len(data)-offset)
	}
	ttl := binary.LittleEndian.Uint64(data[offset : offset+8])
	offset += 8
	ts := binary.LittleEndian.Uint64(data[offset : offset+8])
	offset += 8

	msg = snode.Message{
		RecipientPubkey: snode.UserPubKey(pubkey),
		Data:            payload,
		Hash:            string(hash),
		Nonce:           string(nonce),
		TTLMillis:       int64(ttl),
		TimestampMillis: int64(ts),
	}
	return msg, offset, nil
}

func readField(data []byte) ([]byte, int, error) {
	if len(data) < 4 {
		return nil, 0, fmt.Errorf("truncated length prefix")
	}
	length := binary.LittleEndian.Uint32(data[:4])
	if uint64(len(data)-4) < uint64(length) {
		return nil, 0, fmt.Errorf("truncated field: want %d bytes, have %d", length, len(data)-4)
	}
	field := make([]byte, length)
	copy(field, data[4:4+length])
	return field, 4 + int(length), nil
}

// EncodeBatch concatenates the framing of each message in order.
func EncodeBatch(msgs []snode.Message) []byte {
	var out []byte
	for _, m := range msgs {
		out = append(out, EncodeMessage(m)...)
	}
	return out
}

// DecodeBatch parses a concatenation of message records produced by
// EncodeBatch.
func DecodeBatch(data []byte) ([]snode.Message, error) {
	var out []snode.Message
	offset := 0
	for offset < len(data) {
		msg, n, err := DecodeMessage(data[offset:])
		if err != nil {
			return nil, fmt.Errorf("decoding record at offset %d: %w", offset, err)
		}
		out = append(out, msg)
		offset += n
	}
	return out, nil
}
