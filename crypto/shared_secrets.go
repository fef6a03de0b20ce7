package crypto

import (
	"crypto/rand"
	"crypto/sha256"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// KemPublicKey is an X25519 public key, used both for the node's identity
// key agreement material and for client ephemeral keys on the request
// channel.
type KemPublicKey [32]byte

// KemPrivateKey is an X25519 private key.
type KemPrivateKey [32]byte

// GenerateKemKeyPair generates a new X25519 key pair for key exchange.
func GenerateKemKeyPair() (KemPublicKey, KemPrivateKey, error) {
	var privKey KemPrivateKey
	var pubKey KemPublicKey

	if _, err := rand.Read(privKey[:]); err != nil {
		return pubKey, privKey, err
	}

	curve25519.ScalarBaseMult((*[32]byte)(&pubKey), (*[32]byte)(&privKey))
	return pubKey, privKey, nil
}

// ScalarBaseMult derives the X25519 public key for a private scalar, used
// when a private key arrives from the daemon without its paired public key.
func ScalarBaseMult(priv KemPrivateKey) KemPublicKey {
	var pub KemPublicKey
	curve25519.ScalarBaseMult((*[32]byte)(&pub), (*[32]byte)(&priv))
	return pub
}

// SharedKey is a symmetric key derived from an X25519 ECDH exchange. It must
// never be used directly as an AES key without passing through HKDF first;
// DeriveSharedSecret already does this.
type SharedKey []byte

// Bytes returns the shared key bytes.
func (sk SharedKey) Bytes() []byte {
	return sk
}

// DeriveSharedSecret performs X25519 key agreement between privateKey and
// publicKey and expands the resulting point with HKDF-SHA256, bound to
// info so secrets derived for different purposes never collide.
func DeriveSharedSecret(privateKey KemPrivateKey, publicKey KemPublicKey, info []byte) (SharedKey, error) {
	var sharedPoint [32]byte
	curve25519.ScalarMult(&sharedPoint, (*[32]byte)(&privateKey), (*[32]byte)(&publicKey))

	kdf := hkdf.New(sha256.New, sharedPoint[:], nil, info)
	secret := make([]byte, 32)
	if _, err := kdf.Read(secret); err != nil {
		return nil, err
	}

	return SharedKey(secret), nil
}
