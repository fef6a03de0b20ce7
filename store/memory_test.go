package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/swarmnet/storagenode/snode"
)

func newMsg(pubkey, hash string) snode.Message {
	return snode.Message{
		RecipientPubkey: snode.UserPubKey(pubkey),
		Data:            []byte("hello"),
		Hash:            hash,
		TTLMillis:       60000,
		TimestampMillis: time.Now().UnixMilli(),
		Nonce:           "nonce-" + hash,
	}
}

func TestInsertIsIdempotent(t *testing.T) {
	s := NewInMemoryStore()
	m := newMsg("pk1", "h1")

	inserted, err := s.Insert(m)
	require.NoError(t, err)
	require.True(t, inserted)

	inserted, err = s.Insert(m)
	require.NoError(t, err)
	require.False(t, inserted)

	msgs, err := s.GetSince("pk1", "")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func TestGetSinceMonotonicity(t *testing.T) {
	s := NewInMemoryStore()
	for _, h := range []string{"h1", "h2", "h3"} {
		_, err := s.Insert(newMsg("pk1", h))
		require.NoError(t, err)
	}

	msgs, err := s.GetSince("pk1", "h1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "h2", msgs[0].Hash)
	require.Equal(t, "h3", msgs[1].Hash)
}

func TestGetSinceExcludesOtherRecipients(t *testing.T) {
	s := NewInMemoryStore()
	_, err := s.Insert(newMsg("pk1", "h1"))
	require.NoError(t, err)
	_, err = s.Insert(newMsg("pk2", "h2"))
	require.NoError(t, err)

	msgs, err := s.GetSince("pk1", "")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "h1", msgs[0].Hash)
}

func TestGetSinceExcludesExpired(t *testing.T) {
	s := NewInMemoryStore()
	expired := newMsg("pk1", "h1")
	expired.TimestampMillis = time.Now().Add(-time.Hour).UnixMilli()
	expired.TTLMillis = 1000
	_, err := s.Insert(expired)
	require.NoError(t, err)

	msgs, err := s.GetSince("pk1", "")
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestPurgeRemovesExpired(t *testing.T) {
	s := NewInMemoryStore()
	expired := newMsg("pk1", "h1")
	expired.TimestampMillis = time.Now().Add(-time.Hour).UnixMilli()
	expired.TTLMillis = 1000
	_, err := s.Insert(expired)
	require.NoError(t, err)

	live := newMsg("pk1", "h2")
	_, err = s.Insert(live)
	require.NoError(t, err)

	removed, err := s.Purge(time.Now())
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	_, ok, err := s.GetByHash("h1")
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = s.GetByHash("h2")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestAllLive(t *testing.T) {
	s := NewInMemoryStore()
	_, err := s.Insert(newMsg("pk1", "h1"))
	require.NoError(t, err)
	_, err = s.Insert(newMsg("pk2", "h2"))
	require.NoError(t, err)

	all, err := s.AllLive(time.Now())
	require.NoError(t, err)
	require.Len(t, all, 2)
}
