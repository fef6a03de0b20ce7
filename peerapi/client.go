// Package peerapi implements both sides of the intra-swarm HTTP
// protocol: the signed outbound client used for replication pushes and
// audit challenges, and the chi route handlers that serve the /swarms/*
// endpoints.
package peerapi

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/swarmnet/storagenode/auditor"
	"github.com/swarmnet/storagenode/identity"
	"github.com/swarmnet/storagenode/snode"
	"github.com/swarmnet/storagenode/wire"
)

// Inter-node request headers. Every peer request except ping_test must
// carry both; peer responses echo the node's cached cert
// signature under HeaderSignature so callers can pin the TLS identity to
// the on-chain identity.
const (
	HeaderSenderPubkey = "X-Sender-SNode-PubKey"
	HeaderSignature    = "X-SNode-Signature"
)

// Client issues signed requests to swarm peers. It implements
// coordinator.Replicator and auditor.PeerClient.
type Client struct {
	Keys       *identity.Keys
	HTTPClient *http.Client
	Logger     *slog.Logger

	senderAddress string
}

// NewClient builds a peer client for the given identity. Peer TLS
// certificates are self-signed, so chain verification is disabled and the
// response's snode signature header is the authenticity anchor instead.
func NewClient(keys *identity.Keys, logger *slog.Logger) (*Client, error) {
	addr, err := keys.Base32zAddress()
	if err != nil {
		return nil, fmt.Errorf("derive sender address: %w", err)
	}
	return &Client{
		Keys: keys,
		HTTPClient: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
			},
		},
		Logger:        logger,
		senderAddress: addr,
	}, nil
}

func (c *Client) post(ctx context.Context, peer snode.SnRecord, path, contentType string, body []byte) (*http.Response, error) {
	url := fmt.Sprintf("https://%s:%d%s", peer.IP, peer.Port, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	sig, err := c.Keys.Sign(body)
	if err != nil {
		return nil, fmt.Errorf("sign request: %w", err)
	}
	req.Header.Set(HeaderSenderPubkey, c.senderAddress)
	req.Header.Set(HeaderSignature, base64.StdEncoding.EncodeToString(sig.Bytes()))

	return c.HTTPClient.Do(req)
}

func (c *Client) postExpectOK(ctx context.Context, peer snode.SnRecord, path, contentType string, body []byte) error {
	resp, err := c.post(ctx, peer, path, contentType, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%s returned %d: %s", path, resp.StatusCode, respBody)
	}
	return nil
}

// Push replicates a single message to peer.
func (c *Client) Push(ctx context.Context, peer snode.SnRecord, msg snode.Message) error {
	return c.postExpectOK(ctx, peer, "/swarms/push/v1", "application/octet-stream", wire.EncodeMessage(msg))
}

// PushBatch bulk-replicates msgs to peer, used for bootstrap after swarm
// reconfiguration.
func (c *Client) PushBatch(ctx context.Context, peer snode.SnRecord, msgs []snode.Message) error {
	return c.postExpectOK(ctx, peer, "/swarms/push_batch/v1", "application/octet-stream", wire.EncodeBatch(msgs))
}

type storageTestRequest struct {
	Height uint64 `json:"height"`
	Hash   string `json:"hash"`
}

// StorageTest challenges peer to return the body of a message we hold.
func (c *Client) StorageTest(ctx context.Context, peer snode.SnRecord, height uint64, hash string) (auditor.StorageTestReply, error) {
	body, err := json.Marshal(storageTestRequest{Height: height, Hash: hash})
	if err != nil {
		return auditor.StorageTestReply{}, err
	}

	resp, err := c.post(ctx, peer, "/swarms/storage_test/v1", "application/json", body)
	if err != nil {
		return auditor.StorageTestReply{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return auditor.StorageTestReply{}, fmt.Errorf("storage_test returned %d", resp.StatusCode)
	}

	var reply auditor.StorageTestReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return auditor.StorageTestReply{}, fmt.Errorf("decode storage_test reply: %w", err)
	}
	return reply, nil
}

type blockchainTestRequest struct {
	MaxHeight uint64 `json:"max_height"`
	Seed      uint64 `json:"seed"`
	Height    uint64 `json:"height,omitempty"`
}

// BlockchainTest challenges peer to report the hash of a seed-sampled
// historical block.
func (c *Client) BlockchainTest(ctx context.Context, peer snode.SnRecord, maxHeight, seed uint64) (auditor.BlockchainTestReply, error) {
	body, err := json.Marshal(blockchainTestRequest{MaxHeight: maxHeight, Seed: seed})
	if err != nil {
		return auditor.BlockchainTestReply{}, err
	}

	resp, err := c.post(ctx, peer, "/swarms/blockchain_test/v1", "application/json", body)
	if err != nil {
		return auditor.BlockchainTestReply{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return auditor.BlockchainTestReply{}, fmt.Errorf("blockchain_test returned %d", resp.StatusCode)
	}

	var reply auditor.BlockchainTestReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return auditor.BlockchainTestReply{}, fmt.Errorf("decode blockchain_test reply: %w", err)
	}
	return reply, nil
}

// Ping probes peer liveness. The endpoint accepts unsigned requests, but
// signing costs nothing and lets the peer attribute the probe.
func (c *Client) Ping(ctx context.Context, peer snode.SnRecord) error {
	return c.postExpectOK(ctx, peer, "/swarms/ping_test/v1", "application/json", nil)
}
