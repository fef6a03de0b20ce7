// Package crypto provides the low-level cryptographic primitives shared by
// the identity and channel packages: Ed25519 signing keys and X25519 key
// encapsulation used to derive shared secrets for the request-level
// encrypted channel.
//
// # Key Management
//
// PublicKey, PrivateKey and Signature wrap Ed25519 key material with
// helpers for hex (de)serialization and comparison. KemPublicKey and
// KemPrivateKey wrap X25519 key material used for ECDH key agreement.
//
// # Shared secrets
//
// DeriveSharedSecret performs X25519 ECDH and expands the resulting point
// with HKDF-SHA256, bound to a caller-supplied info string so secrets
// derived for different purposes (e.g. channel encryption vs. swarm
// identity) never collide even when the same keypair is reused.
package crypto
