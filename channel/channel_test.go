package channel

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/swarmnet/storagenode/crypto"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	nodePub, nodePriv, err := crypto.GenerateKemKeyPair()
	require.NoError(t, err)
	clientPub, clientPriv, err := crypto.GenerateKemKeyPair()
	require.NoError(t, err)

	plaintext := []byte(`{"method":"retrieve","params":{"pubKey":"aa"}}`)

	ciphertext, err := Encrypt(clientPriv, nodePub, plaintext)
	require.NoError(t, err)

	decrypted, err := Decrypt(nodePriv, clientPub, ciphertext)
	require.NoError(t, err)
	require.Equal(t, plaintext, decrypted)
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	nodePub, nodePriv, err := crypto.GenerateKemKeyPair()
	require.NoError(t, err)
	clientPub, clientPriv, err := crypto.GenerateKemKeyPair()
	require.NoError(t, err)

	ciphertext, err := Encrypt(clientPriv, nodePub, []byte("hello"))
	require.NoError(t, err)

	ciphertext[len(ciphertext)-1] ^= 0x01
	_, err = Decrypt(nodePriv, clientPub, ciphertext)
	require.Error(t, err)
}

func TestDecryptRejectsShortCiphertext(t *testing.T) {
	_, nodePriv, err := crypto.GenerateKemKeyPair()
	require.NoError(t, err)
	clientPub, _, err := crypto.GenerateKemKeyPair()
	require.NoError(t, err)

	_, err = Decrypt(nodePriv, clientPub, []byte{1, 2, 3})
	require.Error(t, err)
}
