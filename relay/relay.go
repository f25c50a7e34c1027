// Package relay wires the transit table to the transport: it resolves
// a peer's wire address to the router identity transit.PeerID actually
// keys on (RCs already carry that address<->identity mapping, so this
// is a reverse index over nodedb rather than a new identity scheme),
// dispatches an inbound frame to whichever side of the splice it
// matches, and forwards the onion-stepped result on to the next hop.
package relay

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/oxen-io/lokinet-go/crypto"
	"github.com/oxen-io/lokinet-go/rc"
	"github.com/oxen-io/lokinet-go/transit"
	"github.com/oxen-io/lokinet-go/transport"
	"github.com/oxen-io/lokinet-go/wireframe"
)

// AddressBook resolves between a router identity and its dialable
// address. nodedb.DB satisfies it structurally via Snapshot/GetRC.
type AddressBook interface {
	Snapshot() []*rc.RC
	GetRC(id [32]byte) (*rc.RC, bool)
}

// Relay forwards frames between installed transit splices.
type Relay struct {
	table  *transit.Table
	books  AddressBook
	sender transport.Sender
	dhKP   *crypto.DHKeypair

	mu       sync.RWMutex
	addrToID map[string][32]byte
}

// New constructs a Relay dispatching onto table, resolving peer
// addresses via books, forwarding via sender, and decrypting its own
// LR_init build slots with dhKP (the node's static encryption keypair,
// the same one published in its RC).
func New(table *transit.Table, books AddressBook, sender transport.Sender, dhKP *crypto.DHKeypair) *Relay {
	return &Relay{
		table:    table,
		books:    books,
		sender:   sender,
		dhKP:     dhKP,
		addrToID: make(map[string][32]byte),
	}
}

// RefreshAddressIndex rebuilds the address->identity reverse index
// from the current RC catalog. Call periodically (e.g. alongside the
// NodeDB fetch round) so newly learned routers become dispatchable.
func (r *Relay) RefreshAddressIndex() {
	idx := make(map[string][32]byte)
	for _, one := range r.books.Snapshot() {
		for _, a := range one.Addresses {
			if a.IP == nil {
				continue
			}
			idx[addrString(a.IP.String(), a.Port)] = one.ID()
		}
	}
	r.mu.Lock()
	r.addrToID = idx
	r.mu.Unlock()
}

func addrString(ip string, port uint16) string {
	return ip + ":" + strconv.Itoa(int(port))
}

// HandleFrame is the transport.FrameHandler that dispatches one
// inbound onion frame: identify the sending peer, find which splice
// side it matches, onion-step in place, and forward to the resolved
// next-hop address.
func (r *Relay) HandleFrame(remoteAddr string, frame []byte) {
	env, err := wireframe.Unmarshal(frame)
	if err != nil {
		return
	}

	if env.Kind == wireframe.KindBuild {
		r.handleBuildFrame(remoteAddr, env)
		return
	}

	r.mu.RLock()
	peerID, known := r.addrToID[remoteAddr]
	r.mu.RUnlock()
	if !known {
		return
	}
	peer := transit.PeerID(peerID)

	dir := transit.Upstream
	h, ok := r.table.Hop(peer, dir, env.HopID)
	if !ok {
		dir = transit.Downstream
		h, ok = r.table.Hop(peer, dir, env.HopID)
		if !ok {
			return
		}
	}

	fwdDir, err := r.table.OnPacket(peer, dir, env, time.Now())
	if err != nil {
		return
	}

	var nextID [32]byte
	if fwdDir == transit.Downstream {
		nextID = [32]byte(h.Downstream)
	} else {
		nextID = [32]byte(h.Upstream)
	}

	target, ok := r.books.GetRC(nextID)
	if !ok {
		return
	}
	addr, err := addrOf(target)
	if err != nil {
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

func addrOf(target *rc.RC) (string, error) {
	for _, a := range target.Addresses {
		if a.IP != nil {
			return addrString(a.IP.String(), a.Port), nil
		}
	}
	return "", transit.ErrNotFound
}
