// Package channel implements the request-level encrypted channel between a
// client and the service node it talks to: X25519 key agreement on the
// client's ephemeral public key and the node's identity X25519 key, HKDF
// expansion, and AES-256-GCM sealing.
package channel

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/sha3"

	"github.com/swarmnet/storagenode/crypto"
)

const channelInfo = "storagenode-client-channel-v1"

// deriveAESGCM derives an AES-256-GCM cipher.AEAD from the shared secret
// between nodePriv and clientEphemeralPub. The HKDF output is re-mixed
// through SHA3-256 so the channel's key material never equals the raw
// secret exchanged by any other consumer of DeriveSharedSecret.
func deriveAESGCM(nodePriv crypto.KemPrivateKey, clientEphemeralPub crypto.KemPublicKey) (cipher.AEAD, error) {
	secret, err := crypto.DeriveSharedSecret(nodePriv, clientEphemeralPub, []byte(channelInfo))
	if err != nil {
		return nil, fmt.Errorf("derive shared secret: %w", err)
	}

	key := sha3.Sum256(append(secret.Bytes(), []byte(channelInfo)...))

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// Decrypt opens a client request body using the node's X25519 private key
// and the client's ephemeral public key (carried in the X-Arqma-EphemKey
// header).
func Decrypt(nodePriv crypto.KemPrivateKey, clientEphemeralPub crypto.KemPublicKey, ciphertext []byte) ([]byte, error) {
	gcm, err := deriveAESGCM(nodePriv, clientEphemeralPub)
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}
	nonce, sealed := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}

// Encrypt seals a response body so only the holder of clientEphemeralPub's
// matching private key can read it, using the same derived key as Decrypt
// (the channel is symmetric once the shared secret is established).
func Encrypt(nodePriv crypto.KemPrivateKey, clientEphemeralPub crypto.KemPublicKey, plaintext []byte) ([]byte, error) {
	gcm, err := deriveAESGCM(nodePriv, clientEphemeralPub)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	return append(nonce, sealed...), nil
}
