// Package transit implements the per-relay transit hop table: the
// stateless splice between an upstream and downstream path-ID once
// build-time key exchange has installed the hop's symmetric keys.
//
// The lifecycle is install once, use repeatedly, tear down on
// expiry/teardown, with packet handling following a "look up by key,
// drop silently on miss, forward on hit" dispatch.
package transit

import (
	"errors"
	"time"

	"github.com/oxen-io/lokinet-go/wireframe"
)

// StatusFlag bits, matching the wire positions of a hop status reply.
type StatusFlag uint16

const (
	StatusSuccess              StatusFlag = 1 << 0
	StatusFailTimeout          StatusFlag = 1 << 1
	StatusFailCongestion       StatusFlag = 1 << 2
	StatusFailDestUnknown      StatusFlag = 1 << 3
	StatusFailDecryptError     StatusFlag = 1 << 4
	StatusFailMalformedRecord  StatusFlag = 1 << 5
	StatusFailDestInvalid      StatusFlag = 1 << 6
	StatusFailCannotConnect    StatusFlag = 1 << 7
	StatusFailDuplicateHop     StatusFlag = 1 << 8
)

var (
	ErrDuplicateHop = errors.New("transit: rx_id already installed for this peer")
	ErrNotFound     = errors.New("transit: no hop installed for (peer, hop_id)")
	ErrExpired      = errors.New("transit: hop lifetime exceeded")
)

// Direction distinguishes which side of a splice a frame arrived on.
type Direction int

const (
	Upstream Direction = iota
	Downstream
)

// PeerID identifies the remote node on one side of a splice — in
// practice a router identity key, but kept opaque here so tests can
// use small synthetic values.
type PeerID [32]byte

// hopKey is the lookup key for the transit table: the peer a frame
// arrived from, plus the hop_id it carried.
type hopKey struct {
	peer  PeerID
	hopID [16]byte
}

// Hop is one installed splice: upstream_id/rx_path_id <->
// downstream_id/tx_path_id.
type Hop struct {
	Upstream   PeerID
	Downstream PeerID
	RxPathID   [16]byte
	TxPathID   [16]byte

	Key wireframe.HopKey

	Started  time.Time
	Lifetime time.Duration
}

func (h *Hop) expired(now time.Time) bool {
	return now.After(h.Started.Add(h.Lifetime))
}

// Table is the relay's full transit hop table: every currently
// installed splice, indexed by (peer, hop_id) for O(1) lookup from
// either direction.
type Table struct {
	byUpstreamKey   map[hopKey]*Hop
	byDownstreamKey map[hopKey]*Hop
}

// New constructs an empty transit table.
func New() *Table {
	return &Table{
		byUpstreamKey:   make(map[hopKey]*Hop),
		byDownstreamKey: make(map[hopKey]*Hop),
	}
}

// Len returns the number of installed splices.
func (t *Table) Len() int { return len(t.byUpstreamKey) }

// Install creates transit state for one splice. Rejects a duplicate
// rx_id from the same upstream peer with ErrDuplicateHop.
func (t *Table) Install(h *Hop) error {
	upKey := hopKey{peer: h.Upstream, hopID: h.RxPathID}
	if _, exists := t.byUpstreamKey[upKey]; exists {
		return ErrDuplicateHop
	}
	downKey := hopKey{peer: h.Downstream, hopID: h.TxPathID}

	t.byUpstreamKey[upKey] = h
	t.byDownstreamKey[downKey] = h
	return nil
}

// OnPacket processes one frame arriving from peer, direction
// indicating which side it arrived on. On a table miss it is dropped
// silently (ErrNotFound; a miss is routine, e.g. post-teardown
// stragglers, and callers should not propagate it further). On hit, it
// onion-steps env.Ciphertext in place, rewrites HopID to the splice
// partner's path-ID, and returns the direction to forward in.
func (t *Table) OnPacket(peer PeerID, dir Direction, env *wireframe.Envelope, now time.Time) (fwdDir Direction, err error) {
	key := hopKey{peer: peer, hopID: env.HopID}

	var h *Hop
	var ok bool
	switch dir {
	case Upstream:
		h, ok = t.byUpstreamKey[key]
	case Downstream:
		h, ok = t.byDownstreamKey[key]
	}
	if !ok {
		return dir, ErrNotFound
	}
	if h.expired(now) {
		return dir, ErrExpired
	}

	newNonce, err := wireframe.PeelOneLayer(h.Key, env.Nonce, env.Ciphertext)
	if err != nil {
		return dir, err
	}
	env.Nonce = newNonce

	switch dir {
	case Upstream:
		env.HopID = h.TxPathID
		return Downstream, nil
	default:
		env.HopID = h.RxPathID
		return Upstream, nil
	}
}

// Hop returns the installed splice matching (peer, hopID) on the
// given side without mutating any onion or frame state, for callers
// that need to inspect a splice's peers before committing to a
// direction via OnPacket.
func (t *Table) Hop(peer PeerID, dir Direction, hopID [16]byte) (*Hop, bool) {
	key := hopKey{peer: peer, hopID: hopID}
	switch dir {
	case Upstream:
		h, ok := t.byUpstreamKey[key]
		return h, ok
	default:
		h, ok := t.byDownstreamKey[key]
		return h, ok
	}
}

// Teardown removes both halves of the splice identified by its
// upstream (peer, rx_id) key and returns the removed hop. reason is
// not used: no status frame is built or sent.
func (t *Table) Teardown(peer PeerID, rxID [16]byte, reason StatusFlag) (*Hop, bool) {
	upKey := hopKey{peer: peer, hopID: rxID}
	h, ok := t.byUpstreamKey[upKey]
	if !ok {
		return nil, false
	}
	delete(t.byUpstreamKey, upKey)
	delete(t.byDownstreamKey, hopKey{peer: h.Downstream, hopID: h.TxPathID})
	_ = reason
	return h, true
}

// RemoveExpired scans the table for hops whose lifetime has elapsed
// and removes them, returning the removed hops for status
// notification.
func (t *Table) RemoveExpired(now time.Time) []*Hop {
	var expired []*Hop
	for k, h := range t.byUpstreamKey {
		if h.expired(now) {
			expired = append(expired, h)
			delete(t.byUpstreamKey, k)
			delete(t.byDownstreamKey, hopKey{peer: h.Downstream, hopID: h.TxPathID})
		}
	}
	return expired
}
