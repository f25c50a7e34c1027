// Package nodedb implements the node's catalog of known relays: the
// in-memory mirror of every known RouterContact, the three disjoint
// role sets (whitelist/greylist/greenlist), the pinned-edge allowlist,
// and the XOR-metric closest-k lookup used by the path builder.
//
// DB is the authoritative local view of the network, refreshed over
// time from fetched router contacts rather than a single consensus
// document, with disjoint role-set bookkeeping layered on top.
package nodedb

import (
	"errors"
	"math/bits"
	"sort"
	"sync"
	"time"

	"github.com/oxen-io/lokinet-go/rc"
)

// Role is one of the three disjoint membership sets a node tracks
// over router identities.
type Role int

const (
	Whitelist Role = iota
	Greylist
	Greenlist
)

// Staleness thresholds for relay and client router contacts.
const (
	RelayStaleAfter  = 12 * time.Hour
	ClientStaleAfter = 30 * 24 * time.Hour
)

var (
	ErrNotFound    = errors.New("nodedb: identity not found")
	ErrNotAccepted = errors.New("nodedb: rc not accepted")
)

// entry is the NodeDB's per-identity bookkeeping: the RC plus when this
// node last observed it, independent of the RC's own last_updated.
type entry struct {
	rc            *rc.RC
	lastLocalSeen time.Time
}

// DB is the in-memory + on-disk router-contact catalog. Every mutating
// method is expected to be invoked only from the loop goroutine per
// the loop goroutine; DB itself holds a mutex only to guard against the
// disk worker pool's read-only snapshot reads running concurrently.
type DB struct {
	mu sync.RWMutex

	known map[[32]byte]*entry
	roles map[[32]byte]Role

	// pinnedEdges, when non-empty, restricts is_first_hop_allowed to
	// exactly this set.
	pinnedEdges map[[32]byte]bool

	isClient bool
}

// New constructs an empty catalog. isClient selects which staleness
// threshold remove_stale_rcs applies.
func New(isClient bool) *DB {
	return &DB{
		known:       make(map[[32]byte]*entry),
		roles:       make(map[[32]byte]Role),
		pinnedEdges: make(map[[32]byte]bool),
		isClient:    isClient,
	}
}

// SetPinnedEdges replaces the pinned-edge set wholesale.
func (d *DB) SetPinnedEdges(ids [][32]byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pinnedEdges = make(map[[32]byte]bool, len(ids))
	for _, id := range ids {
		d.pinnedEdges[id] = true
	}
}

// SetRole assigns id to role, registering it (the registered_routers
// set is implicit: membership in any of the three maps).
func (d *DB) SetRole(id [32]byte, role Role) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.roles[id] = role
}

// wantRCLocked reports whether an RC for id would be accepted at all, i.e.
// its identity is a registered router. Call with mu held.
func (d *DB) wantRCLocked(id [32]byte) bool {
	_, ok := d.roles[id]
	return ok
}

// PutRC unconditionally installs rc, provided its identity is
// registered. Returns ErrNotAccepted if not.
func (d *DB) PutRC(r *rc.RC) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := r.ID()
	if !d.wantRCLocked(id) {
		return ErrNotAccepted
	}
	d.known[id] = &entry{rc: r, lastLocalSeen: time.Now()}
	return nil
}

// PutRCIfNewer installs rc iff its identity is registered (want_rc)
// and its LastUpdatedMS strictly exceeds the stored RC's. Returns true
// iff accepted.
func (d *DB) PutRCIfNewer(r *rc.RC) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := r.ID()
	if !d.wantRCLocked(id) {
		return false
	}
	if existing, ok := d.known[id]; ok {
		if r.LastUpdatedMS <= existing.rc.LastUpdatedMS {
			return false
		}
	}
	d.known[id] = &entry{rc: r, lastLocalSeen: time.Now()}
	return true
}

// RemoveRouter drops id from both the catalog and every role set.
func (d *DB) RemoveRouter(id [32]byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.known, id)
	delete(d.roles, id)
	delete(d.pinnedEdges, id)
}

// RemoveStaleRCs evicts every entry whose lastLocalSeen exceeds the
// role-appropriate staleness threshold (12h relays / 30d clients),
// returning the evicted identities so the caller can schedule async
// disk unlinks.
func (d *DB) RemoveStaleRCs(now time.Time) [][32]byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	threshold := RelayStaleAfter
	if d.isClient {
		threshold = ClientStaleAfter
	}

	var evicted [][32]byte
	for id, e := range d.known {
		if now.Sub(e.lastLocalSeen) > threshold {
			evicted = append(evicted, id)
			delete(d.known, id)
		}
	}
	return evicted
}

// GetRC returns the RC for id, if known.
func (d *DB) GetRC(id [32]byte) (*rc.RC, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.known[id]
	if !ok {
		return nil, false
	}
	return e.rc, true
}

// HasRC reports whether id is currently in the catalog.
func (d *DB) HasRC(id [32]byte) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.known[id]
	return ok
}

// GetRandomWhitelistRouter returns a uniformly random RC among those
// whose identity holds Whitelist role and whose RC is known.
func (d *DB) GetRandomWhitelistRouter(randIntn func(n int) int) (*rc.RC, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var candidates []*rc.RC
	for id, role := range d.roles {
		if role != Whitelist {
			continue
		}
		if e, ok := d.known[id]; ok {
			candidates = append(candidates, e.rc)
		}
	}
	if len(candidates) == 0 {
		return nil, false
	}
	return candidates[randIntn(len(candidates))], true
}

// xorDistance computes the XOR metric between two 32-byte identity
// keys as an unsigned big-endian comparison key: the position of the
// highest differing bit dominates, matching Kademlia-style routing
// distance.
func xorDistance(a, b [32]byte) [32]byte {
	var d [32]byte
	for i := range a {
		d[i] = a[i] ^ b[i]
	}
	return d
}

func lessDistance(a, b [32]byte) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// leadingZeros returns the number of leading zero bits of an XOR
// distance. Nothing in the module calls it.
func leadingZeros(d [32]byte) int {
	for i, b := range d {
		if b != 0 {
			return i*8 + bits.LeadingZeros8(b)
		}
	}
	return 256
}

// FindManyClosestTo returns the min(n, |known|) identities closest to
// key under the XOR metric, sorted ascending by distance.
func (d *DB) FindManyClosestTo(key [32]byte, n int) []*rc.RC {
	d.mu.RLock()
	defer d.mu.RUnlock()

	type scored struct {
		dist [32]byte
		rc   *rc.RC
	}
	all := make([]scored, 0, len(d.known))
	for id, e := range d.known {
		all = append(all, scored{dist: xorDistance(id, key), rc: e.rc})
	}
	sort.Slice(all, func(i, j int) bool { return lessDistance(all[i].dist, all[j].dist) })

	if n > len(all) {
		n = len(all)
	}
	out := make([]*rc.RC, n)
	for i := 0; i < n; i++ {
		out[i] = all[i].rc
	}
	return out
}

// IsConnectionAllowed reports whether id may be dialed at all: it must
// be a registered router in good standing (whitelist or greylist —
// greenlist routers are not yet serving traffic).
func (d *DB) IsConnectionAllowed(id [32]byte) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	role, ok := d.roles[id]
	if !ok {
		return false
	}
	return role == Whitelist || role == Greylist
}

// IsPathAllowed reports whether id may appear as a non-edge path hop:
// only fully funded, serving (whitelist) routers qualify.
func (d *DB) IsPathAllowed(id [32]byte) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.roles[id] == Whitelist
}

// IsFirstHopAllowed reports whether id may be used as a path's first
// hop: it must pass IsPathAllowed, and, if the pinned-edge set is
// non-empty, must also belong to it.
func (d *DB) IsFirstHopAllowed(id [32]byte) bool {
	if !d.IsPathAllowed(id) {
		return false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if len(d.pinnedEdges) == 0 {
		return true
	}
	return d.pinnedEdges[id]
}

// Snapshot returns every known RC, for disk flush or gossip response.
func (d *DB) Snapshot() []*rc.RC {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*rc.RC, 0, len(d.known))
	for _, e := range d.known {
		out = append(out, e.rc)
	}
	return out
}

// Len returns the number of known RCs.
func (d *DB) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.known)
}
