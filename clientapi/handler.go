// Package clientapi serves the client-facing storage RPC: a
// JSON-RPC-shaped dispatcher behind rate limiting and the optional
// request-level encrypted channel, plus the stats and log endpoints.
package clientapi

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"github.com/swarmnet/storagenode/apierr"
	"github.com/swarmnet/storagenode/channel"
	"github.com/swarmnet/storagenode/coordinator"
	"github.com/swarmnet/storagenode/crypto"
	"github.com/swarmnet/storagenode/identity"
	"github.com/swarmnet/storagenode/pow"
	"github.com/swarmnet/storagenode/ratelimit"
	"github.com/swarmnet/storagenode/snode"
)

// Client protocol headers and limits.
const (
	HeaderLongPoll = "X-Arqma-Long-Poll"
	HeaderEphemKey = "X-Arqma-EphemKey"

	maxDataBytes    = 3100
	maxBodyBytes    = 64 << 10
	longPollTimeout = 20 * time.Second

	ttlMinMillis = int64(10 * time.Second / time.Millisecond)
	ttlMaxMillis = int64(14 * 24 * time.Hour / time.Millisecond)

	// timestampDriftMillis is how far into the future a client clock may
	// run before the store is rejected.
	timestampDriftMillis = int64(10 * time.Minute / time.Millisecond)
)

// Token bucket sizing for client requests, per source IP.
const (
	clientRatePerSecond = 4
	clientRateBurst     = 8
)

// CurrentPoWDifficulty is served to clients with every store response and
// enforced against incoming nonces.
const CurrentPoWDifficulty = uint64(100)

// Handler routes the client storage RPC.
type Handler struct {
	Coordinator *coordinator.Coordinator
	Keys        *identity.Keys
	Params      snode.NetworkParams
	Limiter     *ratelimit.Keyed
	Logs        *LogBuffer
	Logger      *slog.Logger

	startedAt   time.Time
	logsLimiter *rate.Limiter
}

// NewHandler builds the client-facing handler.
func NewHandler(coord *coordinator.Coordinator, keys *identity.Keys, params snode.NetworkParams, logs *LogBuffer, logger *slog.Logger) *Handler {
	return &Handler{
		Coordinator: coord,
		Keys:        keys,
		Params:      params,
		Limiter:     ratelimit.NewKeyed(clientRatePerSecond, clientRateBurst),
		Logs:        logs,
		Logger:      logger,
		startedAt:   time.Now(),
		logsLimiter: rate.NewLimiter(1, 1),
	}
}

// RegisterRoutes mounts the client endpoints.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/storage_rpc/v1", h.handleStorageRPC)
	r.Get("/get_stats/v1", h.handleGetStats)
	r.Get("/get_logs/v1", h.handleGetLogs)
}

type rpcEnvelope struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

func (h *Handler) handleStorageRPC(w http.ResponseWriter, r *http.Request) {
	if !h.Coordinator.Ready() {
		apierr.RespondError(w, fmt.Errorf("%w: node is still syncing", apierr.ErrNotReady))
		return
	}

	if !h.Limiter.Allow(clientIP(r)) {
		apierr.RespondError(w, fmt.Errorf("%w", apierr.ErrRateLimited))
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		apierr.RespondError(w, fmt.Errorf("%w: reading body: %v", apierr.ErrBadRequest, err))
		return
	}

	plaintext, ephemPub, encrypted, err := h.openChannel(r, raw)
	if err != nil {
		apierr.RespondError(w, err)
		return
	}

	var env rpcEnvelope
	if err := json.Unmarshal(plaintext, &env); err != nil {
		apierr.RespondError(w, fmt.Errorf("%w: malformed json: %v", apierr.ErrBadRequest, err))
		return
	}

	var result any
	switch env.Method {
	case "store":
		result, err = h.serveStore(r, env.Params)
	case "retrieve":
		result, err = h.serveRetrieve(r, env.Params)
	case "get_snodes_for_pubkey":
		result, err = h.serveGetSnodes(env.Params)
	default:
		err = fmt.Errorf("%w: unknown method %q", apierr.ErrBadRequest, env.Method)
	}
	if err != nil {
		apierr.RespondError(w, err)
		return
	}

	body, err := json.Marshal(result)
	if err != nil {
		apierr.RespondError(w, fmt.Errorf("%w: %v", apierr.ErrStorage, err))
		return
	}

	if encrypted {
		sealed, err := channel.Encrypt(h.Keys.X25519PrivateKey(), ephemPub, body)
		if err != nil {
			apierr.RespondError(w, fmt.Errorf("%w: sealing response: %v", apierr.ErrStorage, err))
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(base64.StdEncoding.EncodeToString(sealed))) //nolint:errcheck
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(body) //nolint:errcheck
}

// openChannel decrypts the request body when the client supplied an
// ephemeral key header; otherwise the body is used as-is.
func (h *Handler) openChannel(r *http.Request, raw []byte) (plaintext []byte, ephemPub crypto.KemPublicKey, encrypted bool, err error) {
	ephemB64 := r.Header.Get(HeaderEphemKey)
	if ephemB64 == "" {
		return raw, crypto.KemPublicKey{}, false, nil
	}

	ephemRaw, err := base64.StdEncoding.DecodeString(ephemB64)
	if err != nil || len(ephemRaw) != 32 {
		return nil, crypto.KemPublicKey{}, false, fmt.Errorf("%w: malformed ephemeral key header", apierr.ErrBadRequest)
	}
	copy(ephemPub[:], ephemRaw)

	ciphertext, err := base64.StdEncoding.DecodeString(string(raw))
	if err != nil {
		return nil, crypto.KemPublicKey{}, false, fmt.Errorf("%w: body is not valid base64", apierr.ErrBadRequest)
	}

	plaintext, err = channel.Decrypt(h.Keys.X25519PrivateKey(), ephemPub, ciphertext)
	if err != nil {
		return nil, crypto.KemPublicKey{}, false, fmt.Errorf("%w: channel decryption failed", apierr.ErrBadRequest)
	}
	return plaintext, ephemPub, true, nil
}

type storeParams struct {
	PubKey    string `json:"pubKey"`
	TTL       string `json:"ttl"`
	Nonce     string `json:"nonce"`
	Timestamp string `json:"timestamp"`
	Data      string `json:"data"`
}

type storeResult struct {
	Difficulty uint64 `json:"difficulty"`
}

func (h *Handler) serveStore(r *http.Request, params json.RawMessage) (any, error) {
	var p storeParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("%w: malformed store params: %v", apierr.ErrBadRequest, err)
	}
	if p.PubKey == "" || p.TTL == "" || p.Nonce == "" || p.Timestamp == "" || p.Data == "" {
		return nil, fmt.Errorf("%w: store requires pubKey, ttl, nonce, timestamp, data", apierr.ErrBadRequest)
	}

	pk := snode.UserPubKey(p.PubKey)
	if !pk.Valid(h.Params) {
		return nil, fmt.Errorf("%w: pubkey must be %d hex characters", apierr.ErrBadRequest, h.Params.PubkeyHexLen)
	}
	if len(p.Data) > maxDataBytes {
		return nil, fmt.Errorf("%w: data exceeds %d bytes", apierr.ErrBadRequest, maxDataBytes)
	}

	model := h.Coordinator.SwarmModel()
	if target := model.GetSwarmByPK(pk); target != model.CurrentSwarmID() {
		return nil, apierr.WrongSwarm(h.snodesForSwarm(target))
	}

	ttlMillis, err := strconv.ParseUint(p.TTL, 10, 63)
	if err != nil || int64(ttlMillis) < ttlMinMillis || int64(ttlMillis) > ttlMaxMillis {
		return nil, fmt.Errorf("%w: ttl must be within [%d, %d] ms", apierr.ErrInvalidTTL, ttlMinMillis, ttlMaxMillis)
	}

	tsMillis, err := strconv.ParseUint(p.Timestamp, 10, 63)
	if err != nil {
		return nil, fmt.Errorf("%w: timestamp is not a valid integer", apierr.ErrInvalidTimestamp)
	}
	nowMillis := time.Now().UnixMilli()
	if int64(tsMillis) > nowMillis+timestampDriftMillis {
		return nil, fmt.Errorf("%w: timestamp is too far in the future", apierr.ErrInvalidTimestamp)
	}
	if int64(tsMillis)+int64(ttlMillis) <= nowMillis {
		return nil, fmt.Errorf("%w: message would already be expired", apierr.ErrInvalidTimestamp)
	}

	msg := snode.Message{
		RecipientPubkey: pk,
		Data:            []byte(p.Data),
		Hash:            snode.ComputeHash(int64(ttlMillis), int64(tsMillis), pk, []byte(p.Data), p.Nonce),
		TTLMillis:       int64(ttlMillis),
		TimestampMillis: int64(tsMillis),
		Nonce:           p.Nonce,
	}

	if !pow.CheckDifficulty(msg, CurrentPoWDifficulty) {
		return nil, apierr.InvalidPoW(CurrentPoWDifficulty)
	}

	if _, err := h.Coordinator.StoreMessage(r.Context(), msg); err != nil {
		return nil, fmt.Errorf("%w: %v", apierr.ErrStorage, err)
	}
	return storeResult{Difficulty: CurrentPoWDifficulty}, nil
}

type retrieveParams struct {
	PubKey   string `json:"pubKey"`
	LastHash string `json:"lastHash"`
}

type retrievedMessage struct {
	Hash       string `json:"hash"`
	Expiration int64  `json:"expiration"`
	Data       string `json:"data"`
}

type retrieveResult struct {
	Messages []retrievedMessage `json:"messages"`
}

func (h *Handler) serveRetrieve(r *http.Request, params json.RawMessage) (any, error) {
	var p retrieveParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("%w: malformed retrieve params: %v", apierr.ErrBadRequest, err)
	}

	pk := snode.UserPubKey(p.PubKey)
	if !pk.Valid(h.Params) {
		return nil, fmt.Errorf("%w: pubkey must be %d hex characters", apierr.ErrBadRequest, h.Params.PubkeyHexLen)
	}

	model := h.Coordinator.SwarmModel()
	if target := model.GetSwarmByPK(pk); target != model.CurrentSwarmID() {
		return nil, apierr.WrongSwarm(h.snodesForSwarm(target))
	}

	// For long-poll, the listener must be registered before the store is
	// read: a message inserted between an empty read and a later
	// registration would be caught by neither path, stranding the client
	// for the full window.
	var notify <-chan snode.Message
	if r.Header.Get(HeaderLongPoll) != "" {
		token, ch := h.Coordinator.Register(pk)
		defer h.Coordinator.Deregister(token)
		notify = ch
	}

	msgs, err := h.Coordinator.Store.GetSince(pk, p.LastHash)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apierr.ErrStorage, err)
	}

	if len(msgs) == 0 && notify != nil {
		if msg, ok := h.awaitNotify(r, notify); ok {
			msgs = []snode.Message{msg}
		}
	}

	out := retrieveResult{Messages: make([]retrievedMessage, 0, len(msgs))}
	for _, m := range msgs {
		out.Messages = append(out.Messages, retrievedMessage{
			Hash:       m.Hash,
			Expiration: m.ExpiresAtMillis(),
			Data:       string(m.Data),
		})
	}
	return out, nil
}

// awaitNotify holds the request open until a message for the registered
// pubkey arrives, the 20s long-poll window lapses, or the client goes
// away. The caller registered the listener before reading the store.
func (h *Handler) awaitNotify(r *http.Request, notify <-chan snode.Message) (snode.Message, bool) {
	timer := time.NewTimer(longPollTimeout)
	defer timer.Stop()

	select {
	case msg := <-notify:
		return msg, true
	case <-timer.C:
		return snode.Message{}, false
	case <-r.Context().Done():
		return snode.Message{}, false
	}
}

type getSnodesParams struct {
	PubKey string `json:"pubKey"`
}

// SnodeInfo is the client-visible description of one swarm member,
// returned by get_snodes_for_pubkey and as the 421 redirect body.
type SnodeInfo struct {
	Address       string `json:"address"`
	IP            string `json:"ip"`
	Port          uint16 `json:"port"`
	PubkeyLegacy  string `json:"pubkey_legacy"`
	PubkeyEd25519 string `json:"pubkey_ed25519"`
	PubkeyX25519  string `json:"pubkey_x25519"`
}

type getSnodesResult struct {
	Snodes []SnodeInfo `json:"snodes"`
}

func (h *Handler) serveGetSnodes(params json.RawMessage) (any, error) {
	var p getSnodesParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("%w: malformed params: %v", apierr.ErrBadRequest, err)
	}

	pk := snode.UserPubKey(p.PubKey)
	if !pk.Valid(h.Params) {
		return nil, fmt.Errorf("%w: pubkey must be %d hex characters", apierr.ErrBadRequest, h.Params.PubkeyHexLen)
	}

	target := h.Coordinator.SwarmModel().GetSwarmByPK(pk)
	return getSnodesResult{Snodes: h.snodesForSwarm(target)}, nil
}

// snodesForSwarm renders the member list of swarmID for client responses.
func (h *Handler) snodesForSwarm(swarmID uint64) []SnodeInfo {
	snap := h.Coordinator.SwarmModel().Snapshot()

	var members []snode.SnRecord
	for _, d := range snap.Swarms {
		if d.SwarmID == swarmID {
			members = d.Members
			break
		}
	}

	out := make([]SnodeInfo, 0, len(members))
	for _, m := range members {
		addr, err := m.Address()
		if err != nil {
			h.Logger.Warn("skipping snode with undecodable pubkey", "pubkey", m.LegacyPubkey)
			continue
		}
		out = append(out, SnodeInfo{
			Address:       addr,
			IP:            m.IP,
			Port:          m.Port,
			PubkeyLegacy:  m.LegacyPubkey,
			PubkeyEd25519: m.Ed25519Pubkey,
			PubkeyX25519:  m.X25519Pubkey,
		})
	}
	return out
}

type statsResult struct {
	UptimeSeconds int64  `json:"uptime_seconds"`
	Height        uint64 `json:"height"`
	SwarmID       uint64 `json:"swarm_id"`
	PeerCount     int    `json:"peer_count"`
	LiveMessages  int    `json:"live_messages"`
	Version       string `json:"version"`
}

// Version is stamped by the build; overridable from cmd.
var Version = "dev"

func (h *Handler) handleGetStats(w http.ResponseWriter, r *http.Request) {
	model := h.Coordinator.SwarmModel()

	live, err := h.Coordinator.Store.AllLive(time.Now())
	if err != nil {
		apierr.RespondError(w, fmt.Errorf("%w: %v", apierr.ErrStorage, err))
		return
	}

	stats := statsResult{
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
		Height:        model.Height(),
		SwarmID:       model.CurrentSwarmID(),
		PeerCount:     len(model.OurPeers()),
		LiveMessages:  len(live),
		Version:       Version,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats) //nolint:errcheck
}

func (h *Handler) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	if !h.logsLimiter.Allow() {
		apierr.RespondError(w, fmt.Errorf("%w: log endpoint allows one request per second", apierr.ErrRateLimited))
		return
	}

	var entries []string
	if h.Logs != nil {
		entries = h.Logs.Recent()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string][]string{"entries": entries}) //nolint:errcheck
}

// clientIP prefers the RealIP middleware's rewrite, falling back to the
// socket address.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
