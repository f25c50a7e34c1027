package pathplane

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oxen-io/lokinet-go/crypto"
	"github.com/oxen-io/lokinet-go/transit"
	"github.com/oxen-io/lokinet-go/wireframe"
)

// relaySim models one physical relay along a built path: its transit
// table and the peer identity it presents to its neighbors.
type relaySim struct {
	peer  transit.PeerID
	table *transit.Table
}

func newRelaySim(id byte) *relaySim {
	return &relaySim{peer: transit.PeerID{id}, table: transit.New()}
}

// installChain wires three relay tables for a freshly-built 3-hop
// path: relay i's Upstream is the previous node (client for i=0) and
// Downstream is the next relay (none for the exit, which terminates
// locally and never gets an installed splice of its own).
func installChain(t *testing.T, p *Path, clientPeer, r0, r1 transit.PeerID, relays []*relaySim) {
	t.Helper()
	require.Len(t, relays, 2) // only the two forwarding relays get transit state; hop2 is the exit
	upstream := []transit.PeerID{clientPeer, r0}
	downstream := []transit.PeerID{r1, transit.PeerID{0xEE}} // hop1's downstream peer is an opaque id; the exit has no transit entry
	for i, relay := range relays {
		h := &transit.Hop{
			Upstream:   upstream[i],
			Downstream: downstream[i],
			RxPathID:   p.Hops[i].RxID,
			TxPathID:   p.Hops[i].TxID,
			Key:        wireframe.HopKey{Shared: p.Hops[i].Shared, NonceXOR: p.Hops[i].NonceXOR},
			Started:    time.Now(),
			Lifetime:   p.Hops[i].Lifetime,
		}
		require.NoError(t, relay.table.Install(h))
	}
}

// buildThreeHopPath constructs hops against three independently keyed
// relay RCs and the Path that splices them, mirroring what
// Handler.BuildMore does internally.
func buildThreeHopPath(t *testing.T) (*Path, []*relaySim) {
	t.Helper()
	hops := threeHops(t)
	p, err := New(hops, noopLooper{}, noopSend, TransitHopLifetime)
	require.NoError(t, err)

	relays := []*relaySim{newRelaySim(0x10), newRelaySim(0x11)}
	clientPeer := transit.PeerID{0xCC}
	installChain(t, p, clientPeer, relays[0].peer, relays[1].peer, relays)
	return p, relays
}

// forwardOutbound drives env through the two forwarding relays (hop0,
// then hop1) as transit.Table.OnPacket would in production, then peels
// the exit's own final layer directly since hop2 never gets an
// installed splice.
func forwardOutbound(t *testing.T, p *Path, relays []*relaySim, clientPeer transit.PeerID, env *wireframe.Envelope) []byte {
	t.Helper()
	fwdDir, err := relays[0].table.OnPacket(clientPeer, transit.Upstream, env, time.Now())
	require.NoError(t, err)
	require.Equal(t, transit.Downstream, fwdDir)
	require.Equal(t, p.Hops[1].RxID, env.HopID)

	fwdDir, err = relays[1].table.OnPacket(relays[0].peer, transit.Upstream, env, time.Now())
	require.NoError(t, err)
	require.Equal(t, transit.Downstream, fwdDir)
	require.Equal(t, p.Hops[2].RxID, env.HopID)

	exitHop := p.Hops[2]
	plain := append([]byte(nil), env.Ciphertext...)
	_, err = wireframe.PeelOneLayer(wireframe.HopKey{Shared: exitHop.Shared, NonceXOR: exitHop.NonceXOR}, env.Nonce, plain)
	require.NoError(t, err)
	return plain
}

// buildReplyEnvelope simulates the exit originating a status reply and
// the two forwarding relays carrying it back toward the client,
// exactly mirroring forwardOutbound's physical direction in reverse.
func buildReplyEnvelope(t *testing.T, p *Path, relays []*relaySim, clientPeer transit.PeerID, status int, pathID [16]byte) *wireframe.Envelope {
	t.Helper()
	inner, err := wireframe.EncodeStatus(status, pathID)
	require.NoError(t, err)

	exitHop := p.Hops[2]
	var seed [wireframe.NonceSize]byte
	copy(seed[:], crypto.RandBytes(wireframe.NonceSize))
	buf := append([]byte(nil), inner...)
	fwdNonce, err := wireframe.PeelOneLayer(wireframe.HopKey{Shared: exitHop.Shared, NonceXOR: exitHop.NonceXOR}, seed, buf)
	require.NoError(t, err)

	env := &wireframe.Envelope{Nonce: fwdNonce, HopID: p.Hops[1].TxID, Ciphertext: buf}

	fwdDir, err := relays[1].table.OnPacket(transit.PeerID{0xEE}, transit.Downstream, env, time.Now())
	require.NoError(t, err)
	require.Equal(t, transit.Upstream, fwdDir)

	fwdDir, err = relays[0].table.OnPacket(relays[1].peer, transit.Downstream, env, time.Now())
	require.NoError(t, err)
	require.Equal(t, transit.Upstream, fwdDir)

	// The client has no transit table entry; it is the final recipient.
	return env
}

// TestFullPathBuildAndControlRoundTrip checks that a 3-hop path is
// built, a control message travels to the exit and back, and the
// client recovers exactly the reply the exit sent.
func TestFullPathBuildAndControlRoundTrip(t *testing.T) {
	p, relays := buildThreeHopPath(t)
	clientPeer := transit.PeerID{0xCC}

	require.Equal(t, p.Hops[2].RC.ID(), p.Intro.Router)

	inner, err := wireframe.EncodeControl("PING", []byte("probe"))
	require.NoError(t, err)
	nonce, ciphertext, err := wireframe.WrapOutbound(p.hopKeys(), inner)
	require.NoError(t, err)
	env := &wireframe.Envelope{Nonce: nonce, HopID: p.Hops[0].RxID, Ciphertext: ciphertext}

	plain := forwardOutbound(t, p, relays, clientPeer, env)
	method, body, err := wireframe.DecodeControl(plain)
	require.NoError(t, err)
	require.Equal(t, "PING", method)
	require.Equal(t, []byte("probe"), body)

	reply := buildReplyEnvelope(t, p, relays, clientPeer, 1, p.Intro.PathID)
	plainReply, err := wireframe.UnwrapInbound(p.hopKeys(), reply.Nonce, reply.Ciphertext)
	require.NoError(t, err)
	status, pathID, err := wireframe.DecodeStatus(plainReply)
	require.NoError(t, err)
	require.Equal(t, 1, status)
	require.Equal(t, p.Intro.PathID, pathID)
}

// TestControlResponseDecryptFailureOnKeyMismatch checks that a reply
// built with a substituted (wrong) exit key fails to decrypt cleanly
// at the client, surfacing as ErrDecryptFailed without the path
// package touching any transit state.
func TestControlResponseDecryptFailureOnKeyMismatch(t *testing.T) {
	p, relays := buildThreeHopPath(t)
	clientPeer := transit.PeerID{0xCC}

	var token [16]byte
	copy(token[:], crypto.RandBytes(16))
	inner, err := wireframe.EncodeControl("PING", token[:])
	require.NoError(t, err)
	nonce, ciphertext, err := wireframe.WrapOutbound(p.hopKeys(), inner)
	require.NoError(t, err)
	env := &wireframe.Envelope{Nonce: nonce, HopID: p.Hops[0].RxID, Ciphertext: ciphertext}
	_ = forwardOutbound(t, p, relays, clientPeer, env)

	// Tamper: the exit "forgets" its real key and replies encrypted
	// under a freshly generated, unrelated shared secret instead of
	// p.Hops[2].Shared.
	wrongDH, err := crypto.NewDHKeypair()
	require.NoError(t, err)
	bogusShared, err := crypto.DH(wrongDH, p.Hops[2].RC.EncryptionKey)
	require.NoError(t, err)

	inner2, err := wireframe.EncodeStatus(1, p.Intro.PathID)
	require.NoError(t, err)
	var seed [wireframe.NonceSize]byte
	copy(seed[:], crypto.RandBytes(wireframe.NonceSize))
	buf := append([]byte(nil), inner2...)
	fwdNonce, err := wireframe.PeelOneLayer(wireframe.HopKey{Shared: bogusShared, NonceXOR: p.Hops[2].NonceXOR}, seed, buf)
	require.NoError(t, err)

	replyEnv := &wireframe.Envelope{Nonce: fwdNonce, HopID: p.Hops[1].TxID, Ciphertext: buf}
	_, err = relays[1].table.OnPacket(transit.PeerID{0xEE}, transit.Downstream, replyEnv, time.Now())
	require.NoError(t, err)
	_, err = relays[0].table.OnPacket(relays[1].peer, transit.Downstream, replyEnv, time.Now())
	require.NoError(t, err)

	p.State = Established
	err = p.OnControlResponse(replyEnv.Nonce, replyEnv.Ciphertext)
	require.ErrorIs(t, err, ErrDecryptFailed)
}

// TestSecondBuildOverSameFirstHopRejectedAsDuplicate checks that, at
// the path/transit boundary, installing a second path's hop0 splice
// with a colliding rx_id at the same relay is rejected, while the
// first path's splice keeps forwarding normally.
func TestSecondBuildOverSameFirstHopRejectedAsDuplicate(t *testing.T) {
	p1, relays := buildThreeHopPath(t)
	clientPeer := transit.PeerID{0xCC}

	collidingHop := &transit.Hop{
		Upstream:   clientPeer,
		Downstream: relays[1].peer,
		RxPathID:   p1.Hops[0].RxID, // deliberately collides
		TxPathID:   [16]byte{0x99},
		Key:        wireframe.HopKey{Shared: p1.Hops[0].Shared, NonceXOR: p1.Hops[0].NonceXOR},
		Started:    time.Now(),
		Lifetime:   TransitHopLifetime,
	}
	err := relays[0].table.Install(collidingHop)
	require.ErrorIs(t, err, transit.ErrDuplicateHop)
	require.Equal(t, 1, relays[0].table.Len())

	inner, err := wireframe.EncodeData([]byte("still alive"))
	require.NoError(t, err)
	nonce, ciphertext, err := wireframe.WrapOutbound(p1.hopKeys(), inner)
	require.NoError(t, err)
	env := &wireframe.Envelope{Nonce: nonce, HopID: p1.Hops[0].RxID, Ciphertext: ciphertext}
	plain := forwardOutbound(t, p1, relays, clientPeer, env)
	data, err := wireframe.DecodeData(plain)
	require.NoError(t, err)
	require.Equal(t, []byte("still alive"), data)
}

// TestExpiredPathRebuildsOverSameRelaysWithFreshIDs checks that once a
// path's ExpiresAt has passed, Tick marks it EXPIRED and DrainPending
// cancels its pending callbacks; a rebuild through New over the same
// RCs produces a distinct path (fresh tx/rx IDs) over the identical
// relay set, ready for a new build.
func TestExpiredPathRebuildsOverSameRelaysWithFreshIDs(t *testing.T) {
	p, _ := buildThreeHopPath(t)
	now := time.Now()
	p.MarkEstablished(now, now.Add(time.Minute))

	var fired error
	require.NoError(t, p.SendControl("PING", nil, time.Second, func(_ []byte, err error) { fired = err }))

	later := now.Add(2 * time.Minute)
	require.True(t, p.IsExpired(later))
	shouldProbe := p.Tick(later)
	require.False(t, shouldProbe)
	require.Equal(t, Expired, p.State)

	p.DrainPending()
	require.ErrorIs(t, fired, ErrCanceled)

	rebuiltHops := make([]*Hop, len(p.Hops))
	for i, h := range p.Hops {
		rc := h.RC
		ephemeral, err := crypto.NewDHKeypair()
		require.NoError(t, err)
		shared, err := crypto.DH(ephemeral, rc.EncryptionKey)
		require.NoError(t, err)
		rebuiltHops[i] = &Hop{RC: rc, CommKey: ephemeral, Shared: shared, NonceXOR: crypto.HashShared(shared)}
	}
	np, err := New(rebuiltHops, noopLooper{}, noopSend, TransitHopLifetime)
	require.NoError(t, err)

	require.Equal(t, p.Hops[0].RC.ID(), np.Hops[0].RC.ID())
	require.NotEqual(t, p.Hops[0].RxID, np.Hops[0].RxID)
	require.NotEqual(t, p.Hops[0].TxID, np.Hops[0].TxID)
}
