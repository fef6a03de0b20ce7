// Package daemon is the JSON-RPC 2.0 client used to talk to the
// blockchain daemon: fetching service-node private keys, the registered
// node list, block hashes, pings, and deregistration votes.
package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/swarmnet/storagenode/snode"
	"github.com/swarmnet/storagenode/swarm"
)

// Client talks JSON-RPC 2.0 to the blockchain daemon at BaseURL.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client

	requestID atomic.Int64
}

// NewClient creates a daemon RPC client. ip/port default to mainnet
// (127.0.0.1:19994) or stagenet (127.0.0.1:39994) unless overridden on
// the command line.
func NewClient(ip string, port int) *Client {
	return &Client{
		BaseURL:    fmt.Sprintf("http://%s:%d/json_rpc", ip, port),
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (c *Client) call(ctx context.Context, method string, params, result any) error {
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      c.requestID.Add(1),
		Method:  method,
		Params:  params,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal rpc request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build rpc request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("rpc %s: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("rpc %s returned %d: %s", method, resp.StatusCode, respBody)
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("decoding rpc %s response: %w", method, err)
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("rpc %s error %d: %s", method, rpcResp.Error.Code, rpcResp.Error.Message)
	}

	if result == nil {
		return nil
	}
	return json.Unmarshal(rpcResp.Result, result)
}

type privKeyResult struct {
	ServiceNodeLegacyKey  string `json:"service_node_legacy_privkey"`
	ServiceNodeEd25519Key string `json:"service_node_ed25519_privkey"`
	ServiceNodeX25519Key  string `json:"service_node_x25519_privkey"`
}

// GetServiceNodePrivKeys implements identity.PrivKeySource by calling the
// daemon's get_service_node_privkey RPC.
func (c *Client) GetServiceNodePrivKeys(ctx context.Context) (legacyHex, ed25519Hex, x25519Hex string, err error) {
	var result privKeyResult
	if err := c.call(ctx, "get_service_node_privkey", nil, &result); err != nil {
		return "", "", "", err
	}
	return result.ServiceNodeLegacyKey, result.ServiceNodeEd25519Key, result.ServiceNodeX25519Key, nil
}

type snEntry struct {
	ServiceNodePubkey string `json:"service_node_pubkey"`
	PubkeyEd25519     string `json:"pubkey_ed25519"`
	PubkeyX25519      string `json:"pubkey_x25519"`
	PublicIP          string `json:"public_ip"`
	StoragePort       uint16 `json:"storage_port"`
	SwarmID           uint64 `json:"swarm_id"`
	FundedButInactive bool   `json:"is_decommissioned"`
}

type getNServiceNodesResult struct {
	ServiceNodeStates []snEntry `json:"service_node_states"`
	Height            uint64    `json:"height"`
	BlockHash         string    `json:"block_hash"`
	Hardfork          int       `json:"hardfork"`
}

// GetNServiceNodes fetches the registered node list and groups it into a
// swarm snapshot.
func (c *Client) GetNServiceNodes(ctx context.Context) (swarm.Snapshot, error) {
	var result getNServiceNodesResult
	params := map[string]any{
		"fields": map[string]bool{
			"service_node_pubkey": true,
			"pubkey_ed25519":      true,
			"pubkey_x25519":       true,
			"public_ip":           true,
			"storage_port":        true,
			"swarm_id":            true,
			"is_decommissioned":   true,
		},
	}
	if err := c.call(ctx, "get_n_service_nodes", params, &result); err != nil {
		return swarm.Snapshot{}, err
	}

	bySwarm := make(map[uint64][]snode.SnRecord)
	var decommissioned []snode.SnRecord
	for _, e := range result.ServiceNodeStates {
		rec := snode.SnRecord{
			LegacyPubkey:  e.ServiceNodePubkey,
			Ed25519Pubkey: e.PubkeyEd25519,
			X25519Pubkey:  e.PubkeyX25519,
			IP:            e.PublicIP,
			Port:          e.StoragePort,
		}
		if e.FundedButInactive {
			decommissioned = append(decommissioned, rec)
			continue
		}
		bySwarm[e.SwarmID] = append(bySwarm[e.SwarmID], rec)
	}

	snap := swarm.Snapshot{
		Decommissioned: decommissioned,
		Height:         result.Height,
		BlockHash:      result.BlockHash,
		Hardfork:       result.Hardfork,
	}
	for id, members := range bySwarm {
		snap.Swarms = append(snap.Swarms, swarm.Descriptor{SwarmID: id, Members: members})
	}
	return snap, nil
}

type blockHashResult struct {
	Hash string `json:"hash"`
}

// GetBlockHash fetches the hash of the block at height, used by the
// auditor's blockchain test to check a peer's claimed sample.
func (c *Client) GetBlockHash(ctx context.Context, height uint64) (string, error) {
	var result blockHashResult
	if err := c.call(ctx, "get_block_hash", map[string]any{"height": height}, &result); err != nil {
		return "", err
	}
	return result.Hash, nil
}

// Ping calls the daemon's storage_server_ping RPC, used at startup.
func (c *Client) Ping(ctx context.Context) error {
	return c.call(ctx, "storage_server_ping", nil, nil)
}

// SubmitDeregistrationVote submits a vote to deregister pubkey. The
// daemon's schema for this RPC is not pinned down by its published docs;
// this sends the minimal shape and surfaces any daemon-side rejection as
// an error so the caller's escalation retries next tick.
func (c *Client) SubmitDeregistrationVote(ctx context.Context, legacyPubkey string) error {
	return c.call(ctx, "submit_deregistration_vote", map[string]any{"service_node_pubkey": legacyPubkey}, nil)
}
