package clientapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/swarmnet/storagenode/channel"
	"github.com/swarmnet/storagenode/coordinator"
	"github.com/swarmnet/storagenode/crypto"
	"github.com/swarmnet/storagenode/identity"
	"github.com/swarmnet/storagenode/pow"
	"github.com/swarmnet/storagenode/snode"
	"github.com/swarmnet/storagenode/store"
	"github.com/swarmnet/storagenode/swarm"
)

const (
	recipientPK = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	ourNodePK   = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	otherNodePK = "cccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccc"
)

type fakePrivKeySource struct {
	edHex, xHex string
}

func (f fakePrivKeySource) GetServiceNodePrivKeys(ctx context.Context) (string, string, string, error) {
	return f.edHex, f.edHex, f.xHex, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestKeys(t *testing.T) *identity.Keys {
	t.Helper()
	_, edPriv, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	_, xPriv, err := crypto.GenerateKemKeyPair()
	require.NoError(t, err)

	keys, err := identity.LoadWithRetry(context.Background(), fakePrivKeySource{
		edHex: hex.EncodeToString(edPriv.Bytes()),
		xHex:  hex.EncodeToString(xPriv[:]),
	})
	require.NoError(t, err)
	return keys
}

type testEnv struct {
	coord *coordinator.Coordinator
	store *store.InMemoryStore
	srv   *httptest.Server
}

// newTestEnv starts a node whose single swarm owns every pubkey.
func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvWithSnapshot(t, swarm.Snapshot{
		Swarms: []swarm.Descriptor{{SwarmID: 7, Members: []snode.SnRecord{{LegacyPubkey: ourNodePK}}}},
		Height: 42,
	})
}

func newTestEnvWithSnapshot(t *testing.T, snap swarm.Snapshot) *testEnv {
	t.Helper()
	st := store.NewInMemoryStore()
	coord := coordinator.New(ourNodePK, st, nil, nil, testLogger())
	coord.PrimeFromSeeds(snap)

	h := NewHandler(coord, newTestKeys(t), snode.MainnetParams(), nil, testLogger())
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return &testEnv{coord: coord, store: st, srv: srv}
}

func rpcBody(t *testing.T, method string, params any) []byte {
	t.Helper()
	rawParams, err := json.Marshal(params)
	require.NoError(t, err)
	body, err := json.Marshal(map[string]json.RawMessage{
		"method": json.RawMessage(strconv.Quote(method)),
		"params": rawParams,
	})
	require.NoError(t, err)
	return body
}

func postRPC(t *testing.T, env *testEnv, body []byte, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, env.srv.URL+"/storage_rpc/v1", bytes.NewReader(body))
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

// mineNonce searches for a nonce satisfying the current difficulty.
func mineNonce(t *testing.T, ttlMillis, tsMillis int64, pk snode.UserPubKey, data []byte) string {
	t.Helper()
	for i := 0; i < 1_000_000; i++ {
		nonce := strconv.Itoa(i)
		msg := snode.Message{
			RecipientPubkey: pk,
			Data:            data,
			Hash:            snode.ComputeHash(ttlMillis, tsMillis, pk, data, nonce),
			TTLMillis:       ttlMillis,
			TimestampMillis: tsMillis,
		}
		if pow.CheckDifficulty(msg, CurrentPoWDifficulty) {
			return nonce
		}
	}
	t.Fatal("failed to mine a nonce")
	return ""
}

// failingNonce finds a nonce the difficulty check rejects.
func failingNonce(t *testing.T, ttlMillis, tsMillis int64, pk snode.UserPubKey, data []byte) string {
	t.Helper()
	for i := 0; i < 1_000_000; i++ {
		nonce := strconv.Itoa(i)
		msg := snode.Message{
			RecipientPubkey: pk,
			Data:            data,
			Hash:            snode.ComputeHash(ttlMillis, tsMillis, pk, data, nonce),
			TTLMillis:       ttlMillis,
			TimestampMillis: tsMillis,
		}
		if !pow.CheckDifficulty(msg, CurrentPoWDifficulty) {
			return nonce
		}
	}
	t.Fatal("every nonce passed the difficulty check")
	return ""
}

func storeParamsFor(nonce string, ttlMillis, tsMillis int64, data string) map[string]string {
	return map[string]string{
		"pubKey":    recipientPK,
		"ttl":       strconv.FormatInt(ttlMillis, 10),
		"nonce":     nonce,
		"timestamp": strconv.FormatInt(tsMillis, 10),
		"data":      data,
	}
}

func TestStoreThenRetrieve(t *testing.T) {
	env := newTestEnv(t)

	ttl, ts := int64(60_000), time.Now().UnixMilli()
	nonce := mineNonce(t, ttl, ts, recipientPK, []byte("hello"))

	resp := postRPC(t, env, rpcBody(t, "store", storeParamsFor(nonce, ttl, ts, "hello")), nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stored storeResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stored))
	require.Equal(t, CurrentPoWDifficulty, stored.Difficulty)

	resp2 := postRPC(t, env, rpcBody(t, "retrieve", map[string]string{"pubKey": recipientPK, "lastHash": ""}), nil)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)

	var got retrieveResult
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&got))
	require.Len(t, got.Messages, 1)
	require.Equal(t, "hello", got.Messages[0].Data)
	require.Equal(t, ts+ttl, got.Messages[0].Expiration)
}

func TestStoreWrongSwarmRedirects(t *testing.T) {
	// pk "aa"*32 has low-64 bits 0xaaaa...aa, so with swarms {7, that
	// value} the recipient maps to the other swarm.
	pk64 := uint64(0xaaaaaaaaaaaaaaaa)
	env := newTestEnvWithSnapshot(t, swarm.Snapshot{
		Swarms: []swarm.Descriptor{
			{SwarmID: 7, Members: []snode.SnRecord{{LegacyPubkey: ourNodePK}}},
			{SwarmID: pk64, Members: []snode.SnRecord{{LegacyPubkey: otherNodePK, IP: "10.0.0.2", Port: 443}}},
		},
		Height: 42,
	})

	ttl, ts := int64(60_000), time.Now().UnixMilli()
	resp := postRPC(t, env, rpcBody(t, "store", storeParamsFor("0", ttl, ts, "hello")), nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusMisdirectedRequest, resp.StatusCode)

	var redirect struct {
		Snodes []SnodeInfo `json:"snodes"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&redirect))
	require.Len(t, redirect.Snodes, 1)
	require.Equal(t, "10.0.0.2", redirect.Snodes[0].IP)
	require.Equal(t, uint16(443), redirect.Snodes[0].Port)
	require.True(t, strings.HasSuffix(redirect.Snodes[0].Address, ".snode"))
}

func TestStorePoWRejected(t *testing.T) {
	env := newTestEnv(t)

	ttl, ts := int64(86_400_000), time.Now().UnixMilli()
	nonce := failingNonce(t, ttl, ts, recipientPK, []byte("hello"))

	resp := postRPC(t, env, rpcBody(t, "store", storeParamsFor(nonce, ttl, ts, "hello")), nil)
	defer resp.Body.Close()
	require.Equal(t, 432, resp.StatusCode)

	var body struct {
		Difficulty uint64 `json:"difficulty"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, CurrentPoWDifficulty, body.Difficulty)
}

func TestStoreBadTTL(t *testing.T) {
	env := newTestEnv(t)

	ttl, ts := int64(1_000), time.Now().UnixMilli() // below the 10s floor
	resp := postRPC(t, env, rpcBody(t, "store", storeParamsFor("0", ttl, ts, "hello")), nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestStoreBadTimestamp(t *testing.T) {
	env := newTestEnv(t)

	ttl := int64(60_000)
	ts := time.Now().Add(time.Hour).UnixMilli()
	resp := postRPC(t, env, rpcBody(t, "store", storeParamsFor("0", ttl, ts, "hello")), nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotAcceptable, resp.StatusCode)
}

func TestMalformedJSONRejected(t *testing.T) {
	env := newTestEnv(t)

	resp := postRPC(t, env, []byte("{not json"), nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestNotReadyReturns503(t *testing.T) {
	st := store.NewInMemoryStore()
	coord := coordinator.New(ourNodePK, st, nil, nil, testLogger())

	h := NewHandler(coord, newTestKeys(t), snode.MainnetParams(), nil, testLogger())
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	resp, err := http.Post(srv.URL+"/storage_rpc/v1", "application/json", bytes.NewReader([]byte("{}")))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestLongPollNotification(t *testing.T) {
	env := newTestEnv(t)

	type pollResult struct {
		result retrieveResult
		status int
	}
	done := make(chan pollResult, 1)

	body := rpcBody(t, "retrieve", map[string]string{"pubKey": recipientPK, "lastHash": ""})
	go func() {
		req, err := http.NewRequest(http.MethodPost, env.srv.URL+"/storage_rpc/v1", bytes.NewReader(body))
		if err != nil {
			done <- pollResult{}
			return
		}
		req.Header.Set(HeaderLongPoll, "true")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			done <- pollResult{}
			return
		}
		defer resp.Body.Close()

		var got retrieveResult
		_ = json.NewDecoder(resp.Body).Decode(&got)
		done <- pollResult{result: got, status: resp.StatusCode}
	}()

	// Give the poller time to register its listener.
	time.Sleep(200 * time.Millisecond)

	ttl, ts := int64(60_000), time.Now().UnixMilli()
	msg := snode.Message{
		RecipientPubkey: recipientPK,
		Data:            []byte("wake up"),
		Hash:            snode.ComputeHash(ttl, ts, recipientPK, []byte("wake up"), "n"),
		TTLMillis:       ttl,
		TimestampMillis: ts,
		Nonce:           "n",
	}
	_, err := env.coord.StoreMessage(context.Background(), msg)
	require.NoError(t, err)

	select {
	case got := <-done:
		require.Equal(t, http.StatusOK, got.status)
		require.Len(t, got.result.Messages, 1)
		require.Equal(t, "wake up", got.result.Messages[0].Data)
	case <-time.After(1 * time.Second):
		t.Fatal("long-poll response did not arrive within 1s")
	}
}

func TestGetSnodesForPubkey(t *testing.T) {
	env := newTestEnv(t)

	resp := postRPC(t, env, rpcBody(t, "get_snodes_for_pubkey", map[string]string{"pubKey": recipientPK}), nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got getSnodesResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.Len(t, got.Snodes, 1)
	require.Equal(t, ourNodePK, got.Snodes[0].PubkeyLegacy)
}

func TestRateLimitKicksIn(t *testing.T) {
	env := newTestEnv(t)

	var limited bool
	body := rpcBody(t, "retrieve", map[string]string{"pubKey": recipientPK, "lastHash": ""})
	for i := 0; i < clientRateBurst+4; i++ {
		resp := postRPC(t, env, body, nil)
		if resp.StatusCode == http.StatusTooManyRequests {
			limited = true
		}
		resp.Body.Close()
	}
	require.True(t, limited, "burst of requests should trip the limiter")
}

func TestGetStats(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.srv.URL + "/get_stats/v1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stats statsResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	require.Equal(t, uint64(42), stats.Height)
	require.Equal(t, uint64(7), stats.SwarmID)
}

func TestGetLogsThrottled(t *testing.T) {
	env := newTestEnv(t)

	first, err := http.Get(env.srv.URL + "/get_logs/v1")
	require.NoError(t, err)
	first.Body.Close()
	require.Equal(t, http.StatusOK, first.StatusCode)

	second, err := http.Get(env.srv.URL + "/get_logs/v1")
	require.NoError(t, err)
	second.Body.Close()
	require.Equal(t, http.StatusTooManyRequests, second.StatusCode)
}

func TestEncryptedChannelRoundTrip(t *testing.T) {
	st := store.NewInMemoryStore()
	coord := coordinator.New(ourNodePK, st, nil, nil, testLogger())
	coord.PrimeFromSeeds(swarm.Snapshot{
		Swarms: []swarm.Descriptor{{SwarmID: 7, Members: []snode.SnRecord{{LegacyPubkey: ourNodePK}}}},
		Height: 42,
	})

	keys := newTestKeys(t)
	h := NewHandler(coord, keys, snode.MainnetParams(), nil, testLogger())
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	env := &testEnv{coord: coord, store: st, srv: srv}

	clientPub, clientPriv, err := crypto.GenerateKemKeyPair()
	require.NoError(t, err)

	plaintext := rpcBody(t, "retrieve", map[string]string{"pubKey": recipientPK, "lastHash": ""})
	sealed, err := channelEncryptForTest(clientPriv, keys.X25519Pub, plaintext)
	require.NoError(t, err)

	resp := postRPC(t, env, []byte(sealed), map[string]string{
		HeaderEphemKey: base64OfKem(clientPub),
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	respB64, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	decrypted, err := channelDecryptForTest(clientPriv, keys.X25519Pub, string(respB64))
	require.NoError(t, err)

	var got retrieveResult
	require.NoError(t, json.Unmarshal(decrypted, &got))
	require.Empty(t, got.Messages)
}

func base64OfKem(pub crypto.KemPublicKey) string {
	return base64.StdEncoding.EncodeToString(pub[:])
}

// channelEncryptForTest plays the client's side of the request channel:
// X25519 agreement is symmetric, so sealing with (clientPriv, nodePub)
// produces what the node opens with (nodePriv, clientPub).
func channelEncryptForTest(clientPriv crypto.KemPrivateKey, nodePub crypto.KemPublicKey, plaintext []byte) (string, error) {
	sealed, err := channel.Encrypt(clientPriv, nodePub, plaintext)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func channelDecryptForTest(clientPriv crypto.KemPrivateKey, nodePub crypto.KemPublicKey, bodyB64 string) ([]byte, error) {
	sealed, err := base64.StdEncoding.DecodeString(bodyB64)
	if err != nil {
		return nil, err
	}
	return channel.Decrypt(clientPriv, nodePub, sealed)
}

func TestUnknownMethodRejected(t *testing.T) {
	env := newTestEnv(t)

	resp := postRPC(t, env, rpcBody(t, "frobnicate", map[string]string{}), nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStoreIdempotentOnDuplicate(t *testing.T) {
	env := newTestEnv(t)

	ttl, ts := int64(60_000), time.Now().UnixMilli()
	nonce := mineNonce(t, ttl, ts, recipientPK, []byte("once"))
	body := rpcBody(t, "store", storeParamsFor(nonce, ttl, ts, "once"))

	for i := 0; i < 2; i++ {
		resp := postRPC(t, env, body, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode, fmt.Sprintf("attempt %d", i))
		resp.Body.Close()
	}

	resp := postRPC(t, env, rpcBody(t, "retrieve", map[string]string{"pubKey": recipientPK, "lastHash": ""}), nil)
	defer resp.Body.Close()

	var got retrieveResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.Len(t, got.Messages, 1)
}
