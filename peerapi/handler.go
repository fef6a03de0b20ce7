package peerapi

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/swarmnet/storagenode/apierr"
	"github.com/swarmnet/storagenode/auditor"
	"github.com/swarmnet/storagenode/coordinator"
	"github.com/swarmnet/storagenode/crypto"
	"github.com/swarmnet/storagenode/identity"
	"github.com/swarmnet/storagenode/ratelimit"
	"github.com/swarmnet/storagenode/wire"
)

// maxPeerBodyBytes bounds how much a peer request body may carry. Batches
// during bootstrap can be large; 64 MiB leaves ample headroom over any
// realistic swarm's live message set.
const maxPeerBodyBytes = 64 << 20

// Token bucket sizing for signed peer requests, per sender pubkey. Looser
// than the client limiter: a bootstrapping peer legitimately bursts.
const (
	peerRatePerSecond = 20
	peerRateBurst     = 100
)

// Handler serves the /swarms/* peer endpoints.
type Handler struct {
	Coordinator *coordinator.Coordinator
	Auditor     *auditor.Auditor
	Keys        *identity.Keys
	Logger      *slog.Logger

	certSigB64 string
	limiter    *ratelimit.Keyed
}

// NewHandler builds the peer-facing handler. certPubKeyDigest is the
// digest of the TLS certificate's public key; its signature is attached to
// every response so callers can pin our TLS identity to our on-chain
// identity.
func NewHandler(coord *coordinator.Coordinator, aud *auditor.Auditor, keys *identity.Keys, certPubKeyDigest []byte, logger *slog.Logger) *Handler {
	sig := keys.CertSignature(certPubKeyDigest)
	return &Handler{
		Coordinator: coord,
		Auditor:     aud,
		Keys:        keys,
		Logger:      logger,
		certSigB64:  base64.StdEncoding.EncodeToString(sig.Bytes()),
		limiter:     ratelimit.NewKeyed(peerRatePerSecond, peerRateBurst),
	}
}

// RegisterRoutes mounts the peer endpoints. Everything except ping_test
// requires the signed-request envelope.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/swarms", func(r chi.Router) {
		r.Post("/ping_test/v1", h.handlePingTest)

		r.Group(func(r chi.Router) {
			r.Use(h.requireSignature)
			r.Post("/push/v1", h.handlePush)
			r.Post("/push_batch/v1", h.handlePushBatch)
			r.Post("/storage_test/v1", h.handleStorageTest)
			r.Post("/blockchain_test/v1", h.handleBlockchainTest)
		})
	})
}

// requireSignature enforces the inter-node envelope: both headers present
// and the signature valid over the raw body under the sender's legacy
// pubkey. The body is re-buffered for the downstream handler.
func (h *Handler) requireSignature(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sender := r.Header.Get(HeaderSenderPubkey)
		sigB64 := r.Header.Get(HeaderSignature)
		if sender == "" || sigB64 == "" {
			h.respondError(w, fmt.Errorf("%w: missing %s or %s header", apierr.ErrUnauthorized, HeaderSenderPubkey, HeaderSignature))
			return
		}

		if !h.limiter.Allow(sender) {
			h.respondError(w, fmt.Errorf("%w: peer %s", apierr.ErrRateLimited, sender))
			return
		}

		sigRaw, err := base64.StdEncoding.DecodeString(sigB64)
		if err != nil {
			h.respondError(w, fmt.Errorf("%w: malformed signature header", apierr.ErrUnauthorized))
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxPeerBodyBytes))
		if err != nil {
			h.respondError(w, fmt.Errorf("%w: reading body: %v", apierr.ErrTransport, err))
			return
		}
		r.Body.Close()

		if !identity.Verify(crypto.NewSignature(sigRaw), body, sender) {
			h.respondError(w, fmt.Errorf("%w: bad signature from %s", apierr.ErrUnauthorized, sender))
			return
		}

		r = r.WithContext(withSignedBody(r.Context(), body))
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) handlePush(w http.ResponseWriter, r *http.Request) {
	body := signedBody(r.Context())
	msg, _, err := wire.DecodeMessage(body)
	if err != nil {
		h.respondError(w, fmt.Errorf("%w: %v", apierr.ErrBadRequest, err))
		return
	}

	if _, err := h.Coordinator.IngestFromPeer(msg); err != nil {
		h.respondError(w, fmt.Errorf("%w: %v", apierr.ErrStorage, err))
		return
	}
	h.respondJSON(w, map[string]string{"status": "ok"})
}

func (h *Handler) handlePushBatch(w http.ResponseWriter, r *http.Request) {
	body := signedBody(r.Context())
	msgs, err := wire.DecodeBatch(body)
	if err != nil {
		h.respondError(w, fmt.Errorf("%w: %v", apierr.ErrBadRequest, err))
		return
	}

	for _, msg := range msgs {
		if _, err := h.Coordinator.IngestFromPeer(msg); err != nil {
			h.respondError(w, fmt.Errorf("%w: %v", apierr.ErrStorage, err))
			return
		}
	}
	h.respondJSON(w, map[string]any{"status": "ok", "count": len(msgs)})
}

func (h *Handler) handleStorageTest(w http.ResponseWriter, r *http.Request) {
	var req storageTestRequest
	if err := json.Unmarshal(signedBody(r.Context()), &req); err != nil {
		h.respondError(w, fmt.Errorf("%w: %v", apierr.ErrBadRequest, err))
		return
	}

	status, value := h.Auditor.ProcessStorageTestRequest(r.Context(), req.Height, req.Hash)
	h.respondJSON(w, auditor.StorageTestReply{Status: status, Value: value})
}

func (h *Handler) handleBlockchainTest(w http.ResponseWriter, r *http.Request) {
	var req blockchainTestRequest
	if err := json.Unmarshal(signedBody(r.Context()), &req); err != nil {
		h.respondError(w, fmt.Errorf("%w: %v", apierr.ErrBadRequest, err))
		return
	}

	reply, err := h.Auditor.ProcessBlockchainTestRequest(r.Context(), req.MaxHeight, req.Seed)
	if err != nil {
		h.respondError(w, fmt.Errorf("%w: %v", apierr.ErrUpstream, err))
		return
	}
	h.respondJSON(w, reply)
}

// handlePingTest answers liveness probes. Always allowed, even before the
// readiness gate opens, so peers can probe a warming-up node.
func (h *Handler) handlePingTest(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, map[string]string{"status": "ok"})
}

func (h *Handler) respondJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(HeaderSignature, h.certSigB64)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.Logger.Error("writing peer response failed", "error", err)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	w.Header().Set(HeaderSignature, h.certSigB64)
	apierr.RespondError(w, err)
}
