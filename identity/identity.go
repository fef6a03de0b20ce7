// Package identity holds a service node's key material and the signing and
// verification primitives used to authenticate inter-node request
// envelopes.
package identity

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/swarmnet/storagenode/crypto"
	"github.com/swarmnet/storagenode/snode"
)

// PrivKeySource is the narrow slice of the daemon RPC client identity needs:
// fetching this node's three private keys. Kept as an interface here
// (rather than importing package daemon) so identity has no dependency on
// the daemon's HTTP transport.
type PrivKeySource interface {
	GetServiceNodePrivKeys(ctx context.Context) (legacyHex, ed25519Hex, x25519Hex string, err error)
}

// Keys holds the three private/public keypairs a service node needs:
// legacy (hex identity, used as the swarm membership key), Ed25519
// (signing) and X25519 (key agreement for the client channel).
type Keys struct {
	LegacyPubHex string

	Ed25519Pub  crypto.PublicKey
	ed25519Priv crypto.PrivateKey

	X25519Pub  crypto.KemPublicKey
	x25519Priv crypto.KemPrivateKey

	certSig     crypto.Signature
	certSigOnce bool
}

// LoadWithRetry blocks, retrying every 5 seconds, until it successfully
// obtains key material from src. The daemon may not be running yet when
// the storage server starts; startup waits rather than fails.
func LoadWithRetry(ctx context.Context, src PrivKeySource) (*Keys, error) {
	const retryInterval = 5 * time.Second

	for {
		keys, err := load(ctx, src)
		if err == nil {
			return keys, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("loading service node keys: %w", ctx.Err())
		case <-time.After(retryInterval):
		}
	}
}

func load(ctx context.Context, src PrivKeySource) (*Keys, error) {
	_, ed25519Hex, x25519Hex, err := src.GetServiceNodePrivKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("get_service_node_privkey: %w", err)
	}

	ed25519Priv, err := crypto.NewPrivateKeyFromString(ed25519Hex)
	if err != nil {
		return nil, fmt.Errorf("parse ed25519 privkey: %w", err)
	}
	ed25519Pub, err := ed25519Priv.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("derive ed25519 pubkey: %w", err)
	}

	x25519PrivRaw, err := decodeHex32(x25519Hex)
	if err != nil {
		return nil, fmt.Errorf("parse x25519 privkey: %w", err)
	}

	// The daemon reports legacy and Ed25519 private keys separately, but
	// a service node is identified by its legacy Ed25519 pubkey: they are
	// the same keypair. Deriving the
	// legacy pubkey from the Ed25519 key here (rather than trusting a
	// second RPC field that could in principle disagree) keeps Sign and
	// Verify talking about the same key.
	return &Keys{
		LegacyPubHex: ed25519Pub.String(),
		Ed25519Pub:   ed25519Pub,
		ed25519Priv:  ed25519Priv,
		X25519Pub:    crypto.ScalarBaseMult(x25519PrivRaw),
		x25519Priv:   x25519PrivRaw,
	}, nil
}

// X25519PrivateKey exposes the raw X25519 private scalar for use by the
// channel package when decrypting client request bodies.
func (k *Keys) X25519PrivateKey() crypto.KemPrivateKey {
	return k.x25519Priv
}

// Sign produces a detached Ed25519 signature over SHA-512(body).
func (k *Keys) Sign(body []byte) (crypto.Signature, error) {
	digest := sha512.Sum512(body)
	return crypto.Sign(k.ed25519Priv, digest[:])
}

// Verify checks a detached signature over SHA-512(body) from a peer
// identified by its base32z-encoded legacy pubkey. The legacy pubkey
// doubles as the peer's Ed25519 verification key, so
// decoding the sender's base32z address directly yields the key to
// verify against.
func Verify(sig crypto.Signature, body []byte, senderB32z string) bool {
	raw, err := snode.DecodeBase32z(trimSnodeSuffix(senderB32z))
	if err != nil {
		return false
	}
	digest := sha512.Sum512(body)
	return sig.Verify(crypto.PublicKey(raw), digest[:])
}

func trimSnodeSuffix(s string) string {
	const suffix = ".snode"
	if len(s) > len(suffix) && s[len(s)-len(suffix):] == suffix {
		return s[:len(s)-len(suffix)]
	}
	return s
}

// CertSignature returns a one-shot Ed25519 signature over the TLS
// certificate's public-key digest, cached after the first call so every
// outbound peer response can cheaply attach the same header.
func (k *Keys) CertSignature(certPubKeyDigest []byte) crypto.Signature {
	if k.certSigOnce {
		return k.certSig
	}
	sig, err := crypto.Sign(k.ed25519Priv, certPubKeyDigest)
	if err == nil {
		k.certSig = sig
		k.certSigOnce = true
	}
	return sig
}

// Base32zAddress returns this node's base32z .snode hostname derived from
// its legacy pubkey.
func (k *Keys) Base32zAddress() (string, error) {
	rec := snode.SnRecord{LegacyPubkey: k.LegacyPubHex}
	return rec.Address()
}

func decodeHex32(s string) (crypto.KemPrivateKey, error) {
	var out crypto.KemPrivateKey
	raw, err := hex.DecodeString(s)
	if err != nil {
		return out, err
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("expected 32 bytes, got %d", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}
