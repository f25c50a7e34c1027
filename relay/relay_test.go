package relay

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oxen-io/lokinet-go/crypto"
	"github.com/oxen-io/lokinet-go/rc"
	"github.com/oxen-io/lokinet-go/transit"
	"github.com/oxen-io/lokinet-go/wireframe"
)

type fakeBook struct {
	byID map[[32]byte]*rc.RC
}

func (b *fakeBook) Snapshot() []*rc.RC {
	out := make([]*rc.RC, 0, len(b.byID))
	for _, r := range b.byID {
		out = append(out, r)
	}
	return out
}

func (b *fakeBook) GetRC(id [32]byte) (*rc.RC, bool) {
	r, ok := b.byID[id]
	return r, ok
}

type recordingSender struct {
	addr  string
	frame []byte
}

func (s *recordingSender) SendTo(ctx context.Context, addr string, frame []byte) error {
	s.addr = addr
	s.frame = append([]byte(nil), frame...)
	return nil
}

func nodeRC(t *testing.T, tag byte, port uint16) *rc.RC {
	t.Helper()
	var r rc.RC
	r.IdentityKey[tag%32] = tag
	r.IdentityKey[0] = tag
	r.Addresses = []rc.AddressInfo{{IP: net.ParseIP("127.0.0.1"), Port: port}}
	return &r
}

func TestHandleFrameForwardsUpstreamToDownstream(t *testing.T) {
	upstreamID := nodeRC(t, 1, 9001)
	downstreamID := nodeRC(t, 2, 9002)

	book := &fakeBook{byID: map[[32]byte]*rc.RC{
		upstreamID.ID():   upstreamID,
		downstreamID.ID(): downstreamID,
	}}

	table := transit.New()
	shared := [32]byte{7}
	key := wireframe.HopKey{Shared: shared, NonceXOR: crypto.HashShared(shared)}
	rxID := [16]byte{1}
	txID := [16]byte{2}
	require.NoError(t, table.Install(&transit.Hop{
		Upstream:   transit.PeerID(upstreamID.ID()),
		Downstream: transit.PeerID(downstreamID.ID()),
		RxPathID:   rxID,
		TxPathID:   txID,
		Key:        key,
		Started:    time.Now(),
		Lifetime:   time.Minute,
	}))

	sender := &recordingSender{}
	dhKP, err := crypto.NewDHKeypair()
	require.NoError(t, err)
	r := New(table, book, sender, dhKP)
	r.RefreshAddressIndex()

	var nonce [wireframe.NonceSize]byte
	plain := []byte("hello, onion")
	buf := append([]byte(nil), plain...)
	newNonce, err := wireframe.PeelOneLayer(key, nonce, buf)
	require.NoError(t, err)

	env := &wireframe.Envelope{Nonce: newNonce, HopID: rxID, Ciphertext: buf}
	frame, err := env.Marshal()
	require.NoError(t, err)

	r.HandleFrame("127.0.0.1:9001", frame)

	require.Equal(t, "127.0.0.1:9002", sender.addr)
	require.NotEmpty(t, sender.frame)

	forwarded, err := wireframe.Unmarshal(sender.frame)
	require.NoError(t, err)
	require.Equal(t, txID, forwarded.HopID)
}

func TestHandleFrameDropsUnknownPeer(t *testing.T) {
	table := transit.New()
	book := &fakeBook{byID: map[[32]byte]*rc.RC{}}
	sender := &recordingSender{}
	dhKP, err := crypto.NewDHKeypair()
	require.NoError(t, err)
	r := New(table, book, sender, dhKP)

	env := &wireframe.Envelope{HopID: [16]byte{9}}
	frame, err := env.Marshal()
	require.NoError(t, err)

	r.HandleFrame("10.0.0.1:1", frame)
	require.Empty(t, sender.addr)
}
