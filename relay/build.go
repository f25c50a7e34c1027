package relay

import (
	"context"
	"time"

	"github.com/oxen-io/lokinet-go/crypto"
	"github.com/oxen-io/lokinet-go/transit"
	"github.com/oxen-io/lokinet-go/transport"
	"github.com/oxen-io/lokinet-go/wireframe"
)

// handleBuildFrame processes one inbound LR_init build frame: find the
// slot addressed to this relay by trial-decrypting each of the fixed
// slots against its own static DH key (a relay cannot know in advance
// which of the LRSlotCount slots is its own, and dummy slots must fail
// the same way a genuinely foreign slot does), then either install the
// splice the slot describes and forward the untouched frame on toward
// NextRouterID, or — when the slot is flagged as the exit — terminate
// the build locally without installing any splice of its own and reply
// backward with an LR_Status frame.
func (r *Relay) handleBuildFrame(remoteAddr string, env *wireframe.Envelope) {
	r.mu.RLock()
	upstreamID, known := r.addrToID[remoteAddr]
	r.mu.RUnlock()
	if !known {
		return
	}
	upstream := transit.PeerID(upstreamID)

	slots, err := wireframe.SplitLRFrame(env.Ciphertext)
	if err != nil {
		return
	}

	var (
		rec    wireframe.LRRecord
		shared [crypto.SharedSecretSize]byte
		found  bool
	)
	for _, slot := range slots {
		pub, err := wireframe.LRSlotEphemeral(slot)
		if err != nil {
			continue
		}
		candShared, err := crypto.DH(r.dhKP, pub)
		if err != nil {
			continue
		}
		candRec, err := wireframe.DecodeLRSlot(slot, candShared)
		if err != nil {
			continue
		}
		rec, shared, found = candRec, candShared, true
		break
	}
	if !found {
		return
	}

	key := wireframe.HopKey{Shared: shared, NonceXOR: crypto.HashShared(shared)}

	if rec.ExitFlag {
		r.replyBuildStatus(remoteAddr, rec.RxID, rec.TxID, key, transit.StatusSuccess)
		return
	}

	hop := &transit.Hop{
		Upstream:   upstream,
		Downstream: transit.PeerID(rec.NextRouterID),
		RxPathID:   rec.RxID,
		TxPathID:   rec.TxID,
		Key:        key,
		Started:    time.Now(),
		Lifetime:   time.Duration(rec.LifetimeSecs) * time.Second,
	}
	if err := r.table.Install(hop); err != nil {
		r.replyBuildStatus(remoteAddr, rec.RxID, rec.TxID, key, transit.StatusFailDuplicateHop)
		return
	}

	target, ok := r.books.GetRC(rec.NextRouterID)
	if !ok {
		r.replyBuildStatus(remoteAddr, rec.RxID, rec.TxID, key, transit.StatusFailDestUnknown)
		return
	}
	addr, err := addrOf(target)
	if err != nil {
		r.replyBuildStatus(remoteAddr, rec.RxID, rec.TxID, key, transit.StatusFailCannotConnect)
		return
	}

	out, err := env.Marshal()
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), transport.DialTimeout)
	defer cancel()
	_ = r.sender.SendTo(ctx, addr, out)
}

// replyBuildStatus onion-peels an LR_Status frame once under this
// hop's own build-time key and sends it directly back to remoteAddr,
// the neighbor that handed us the build frame. hopID is addressed as
// our own rx_id, since that is the tx_path_id our upstream neighbor
// installed for us when it processed its own slot — the same
// addressing transit.Table.OnPacket's Downstream lookup expects.
func (r *Relay) replyBuildStatus(remoteAddr string, hopID, pathID [16]byte, key wireframe.HopKey, status transit.StatusFlag) {
	inner, err := wireframe.EncodeStatus(int(status), pathID)
	if err != nil {
		return
	}
	var seed [wireframe.NonceSize]byte
	copy(seed[:], crypto.RandBytes(wireframe.NonceSize))
	buf := append([]byte(nil), inner...)
	fwdNonce, err := wireframe.PeelOneLayer(key, seed, buf)
	if err != nil {
		return
	}

	env := &wireframe.Envelope{Kind: wireframe.KindOnion, Nonce: fwdNonce, HopID: hopID, Ciphertext: buf}
	out, err := env.Marshal()
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), transport.DialTimeout)
	defer cancel()
	_ = r.sender.SendTo(ctx, remoteAddr, out)
}
