package pathplane

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestBuildLimiterAttemptThenDecay checks that Attempt(x) followed
// immediately by Attempt(x) returns (true, false); after Decay at time
// >= first call + 500ms, a new Attempt(x) returns true.
func TestBuildLimiterAttemptThenDecay(t *testing.T) {
	b := NewBuildLimiter(MinPathBuildInterval)
	var id [32]byte
	id[0] = 1

	t0 := time.Now()
	require.True(t, b.Attempt(id, t0))
	require.False(t, b.Attempt(id, t0))

	t1 := t0.Add(MinPathBuildInterval)
	b.Decay(t1)
	require.True(t, b.Attempt(id, t1))
}

func TestBuildLimiterLimitedDoesNotMutate(t *testing.T) {
	b := NewBuildLimiter(MinPathBuildInterval)
	var id [32]byte
	id[0] = 2

	now := time.Now()
	require.False(t, b.Limited(id, now))
	require.True(t, b.Attempt(id, now))
	require.True(t, b.Limited(id, now))
	require.True(t, b.Limited(id, now)) // Limited never mutates
}
