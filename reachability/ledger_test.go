package reachability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRecordUnreachableEscalatesOnceAfterGracePeriod(t *testing.T) {
	l := NewLedger()
	t0 := time.Now()

	require.False(t, l.RecordUnreachable("pk1", t0))

	// Repeated failures before the grace period elapses never escalate.
	require.False(t, l.RecordUnreachable("pk1", t0.Add(30*time.Minute)))
	require.False(t, l.RecordUnreachable("pk1", t0.Add(119*time.Minute)))

	// The first failure past the grace period returns true; once the caller
	// marks the node reported, later failures return false.
	require.True(t, l.RecordUnreachable("pk1", t0.Add(121*time.Minute)))
	l.SetReported("pk1")
	require.False(t, l.RecordUnreachable("pk1", t0.Add(122*time.Minute)))
	require.False(t, l.RecordUnreachable("pk1", t0.Add(200*time.Minute)))
}

func TestExpireRemovesRecordAndEscalationResets(t *testing.T) {
	l := NewLedger()
	t0 := time.Now()

	require.False(t, l.RecordUnreachable("pk1", t0))
	require.True(t, l.Expire("pk1"))
	require.False(t, l.Expire("pk1"))
	require.Equal(t, 0, l.Len())

	// After expiry, a fresh failure starts a new grace-period window.
	require.False(t, l.RecordUnreachable("pk1", t0.Add(500*time.Minute)))
	require.True(t, l.RecordUnreachable("pk1", t0.Add(500*time.Minute+121*time.Minute)))
}

func TestNextToTestPicksOldestLastTested(t *testing.T) {
	l := NewLedger()
	t0 := time.Now()

	_, ok := l.NextToTest()
	require.False(t, ok)

	l.RecordUnreachable("newer", t0.Add(time.Minute))
	l.RecordUnreachable("older", t0)

	pk, ok := l.NextToTest()
	require.True(t, ok)
	require.Equal(t, "older", pk)
}

func TestEscalationFailureDoesNotSetReported(t *testing.T) {
	l := NewLedger()
	t0 := time.Now()

	require.False(t, l.RecordUnreachable("pk1", t0))
	require.True(t, l.RecordUnreachable("pk1", t0.Add(121*time.Minute)))

	// Caller's escalation RPC failed and never called SetReported; the
	// next tick must retry.
	require.True(t, l.RecordUnreachable("pk1", t0.Add(130*time.Minute)))
}
