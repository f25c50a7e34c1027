package pathplane

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oxen-io/lokinet-go/crypto"
	"github.com/oxen-io/lokinet-go/rc"
	"github.com/oxen-io/lokinet-go/wireframe"
)

func signedRC(t *testing.T) *rc.RC {
	t.Helper()
	sk, err := crypto.NewSignKeypair()
	require.NoError(t, err)
	dh, err := crypto.NewDHKeypair()
	require.NoError(t, err)
	r := &rc.RC{EncryptionKey: dh.Public, LastUpdatedMS: 1}
	require.NoError(t, rc.Sign(sk, r))
	return r
}

func threeHops(t *testing.T) []*Hop {
	t.Helper()
	hops := make([]*Hop, 3)
	for i := range hops {
		r := signedRC(t)
		ephemeral, err := crypto.NewDHKeypair()
		require.NoError(t, err)
		shared, err := crypto.DH(ephemeral, r.EncryptionKey)
		require.NoError(t, err)
		hops[i] = &Hop{RC: r, CommKey: ephemeral, Shared: shared, NonceXOR: crypto.HashShared(shared)}
	}
	return hops
}

type noopLooper struct{}

func (noopLooper) CallLater(d time.Duration, fn func()) func() { return func() {} }

func noopSend(*wireframe.Envelope) error { return nil }

// TestPathSpliceInvariant checks that for any i<len(p)-1,
// p.hops[i].txID == p.hops[i+1].rxID.
func TestPathSpliceInvariant(t *testing.T) {
	hops := threeHops(t)
	p, err := New(hops, noopLooper{}, noopSend, TransitHopLifetime)
	require.NoError(t, err)

	for i := 0; i < len(p.Hops)-1; i++ {
		require.Equal(t, p.Hops[i].TxID, p.Hops[i+1].RxID)
	}
	require.Equal(t, p.Hops[2].RC.ID(), p.Intro.Router)
	require.Equal(t, p.Hops[2].TxID, p.Intro.PathID)
}

func TestNewRejectsZeroHops(t *testing.T) {
	_, err := New(nil, noopLooper{}, noopSend, TransitHopLifetime)
	require.ErrorIs(t, err, ErrZeroHops)
}

func TestNewRejectsTooManyHops(t *testing.T) {
	hops := make([]*Hop, MaxHops+1)
	for i := range hops {
		hops[i] = &Hop{RC: signedRC(t)}
	}
	_, err := New(hops, noopLooper{}, noopSend, TransitHopLifetime)
	require.ErrorIs(t, err, ErrTooManyHops)
}

func TestIsReadyRequiresEstablishedAndLatency(t *testing.T) {
	p, err := New(threeHops(t), noopLooper{}, noopSend, TransitHopLifetime)
	require.NoError(t, err)
	require.False(t, p.IsReady())

	p.MarkEstablished(time.Now(), time.Now().Add(time.Hour))
	require.False(t, p.IsReady()) // established but no latency measurement yet

	p.LatencyProbeResult(50*time.Millisecond, true)
	require.True(t, p.IsReady())
}

func TestIsExpired(t *testing.T) {
	p, err := New(threeHops(t), noopLooper{}, noopSend, TransitHopLifetime)
	require.NoError(t, err)
	require.False(t, p.IsExpired(time.Now())) // zero ExpiresAt means never built yet

	now := time.Now()
	p.ExpiresAt = now.Add(time.Minute)
	require.False(t, p.IsExpired(now))
	require.True(t, p.IsExpired(now.Add(time.Minute)))
	require.True(t, p.IsExpired(now.Add(2*time.Minute)))
}

func TestTwoMissedLatencyProbesMarksTimeout(t *testing.T) {
	p, err := New(threeHops(t), noopLooper{}, noopSend, TransitHopLifetime)
	require.NoError(t, err)
	p.MarkEstablished(time.Now(), time.Now().Add(time.Hour))

	p.LatencyProbeResult(0, false)
	require.Equal(t, Established, p.State)
	p.LatencyProbeResult(0, false)
	require.Equal(t, Timeout, p.State)
}

func TestDrainPendingFiresCanceled(t *testing.T) {
	p, err := New(threeHops(t), noopLooper{}, noopSend, TransitHopLifetime)
	require.NoError(t, err)
	p.State = Established

	var gotErr error
	require.NoError(t, p.SendControl("PING", nil, time.Second, func(payload []byte, err error) {
		gotErr = err
	}))

	p.DrainPending()
	require.ErrorIs(t, gotErr, ErrCanceled)
}
