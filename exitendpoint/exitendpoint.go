// Package exitendpoint implements the node's exit-handler capability
// set: the base `{ tick(now), set_option(k,v), name() }` surface every
// endpoint variant shares, extended for exits with `{ allocate_exit,
// find_endpoint_by_path, update_endpoint_path, del_endpoint_info }`.
//
// Modeled as composition rather than inheritance: an ExitEndpoint
// has-a router.Router for the base packet-dispatch capability and
// implements the extended exit surface itself, so packet-router
// dispatch can pick the exit variant by tag without a class hierarchy.
// AllocateExit/FindEndpointByPath/UpdateEndpointPath/DelEndpointInfo
// track allocations with a per-path-to-pubkey map and a
// per-pubkey-to-exit-info index, both guarded by a mutex.
package exitendpoint

import (
	"errors"
	"net/netip"
	"sync"
	"time"

	"github.com/oxen-io/lokinet-go/policy"
	"github.com/oxen-io/lokinet-go/router"
)

var (
	// ErrNoExitCapacity is returned by AllocateExit when the
	// configured address range has no free addresses left.
	ErrNoExitCapacity = errors.New("exitendpoint: address pool exhausted")
	// ErrPathNotFound is returned by UpdateEndpointPath and
	// DelEndpointInfo when path names no active allocation.
	ErrPathNotFound = errors.New("exitendpoint: no exit allocated for path")
	// ErrInternetNotPermitted is returned by AllocateExit when the
	// caller asked for Internet egress but this endpoint forbids it.
	ErrInternetNotPermitted = errors.New("exitendpoint: internet egress not permitted")
)

// Endpoint is the capability every handler variant (exit, named
// service, plain tun) exposes to the node's tick loop and config
// layer.
type Endpoint interface {
	Tick(now time.Time)
	SetOption(key, value string) error
	Name() string
}

// allocation is one active exit grant: which remote pubkey owns it,
// which path currently carries its traffic, and which address from
// the pool it was given.
type allocation struct {
	Pubkey [32]byte
	Path   [16]byte
	IP     netip.Addr
}

// ExitEndpoint grants Internet (or policy-restricted) egress to paths
// terminating at this node, each grant bound to one client pubkey and
// rebindable to a new path (a rebuilt path reusing the same identity)
// via UpdateEndpointPath.
type ExitEndpoint struct {
	name           string
	permitInternet bool
	policy         policy.TrafficPolicy
	router         *router.Router

	pool *addressPool

	mu       sync.Mutex
	byPath   map[[16]byte]*allocation
	byPubkey map[[32]byte][]*allocation
	options  map[string]string
}

// New constructs an ExitEndpoint serving addresses out of cidr (e.g.
// "10.90.0.0/16"), gated by pol, with r as the underlying packet
// router it composes for the base tun capability.
func New(name string, cidr string, permitInternet bool, pol policy.TrafficPolicy, r *router.Router) (*ExitEndpoint, error) {
	pool, err := newAddressPool(cidr)
	if err != nil {
		return nil, err
	}
	return &ExitEndpoint{
		name:           name,
		permitInternet: permitInternet,
		policy:         pol,
		router:         r,
		pool:           pool,
		byPath:         make(map[[16]byte]*allocation),
		byPubkey:       make(map[[32]byte][]*allocation),
		options:        make(map[string]string),
	}, nil
}

// Name implements Endpoint.
func (e *ExitEndpoint) Name() string { return e.name }

// SetOption implements Endpoint. Recognized keys: "permit-internet"
// ("true"/"false").
func (e *ExitEndpoint) SetOption(key, value string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch key {
	case "permit-internet":
		e.permitInternet = value == "true"
	default:
		e.options[key] = value
	}
	return nil
}

// Tick implements Endpoint: this endpoint carries no time-driven
// state of its own (allocations live as long as their owning path
// does, and are torn down explicitly via DelEndpointInfo), so Tick is
// a deliberate no-op kept to satisfy the capability interface.
func (e *ExitEndpoint) Tick(now time.Time) {}

// AllowPacket reports whether pkt may be forwarded out this exit under
// its traffic policy.
func (e *ExitEndpoint) AllowPacket(pkt policy.Packet) bool {
	return e.policy.Allow(pkt)
}

// AllocateExit grants pk a fresh address for path. permitInternet
// must not exceed this endpoint's own configured permission.
func (e *ExitEndpoint) AllocateExit(pk [32]byte, path [16]byte, permitInternet bool) (netip.Addr, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if permitInternet && !e.permitInternet {
		return netip.Addr{}, ErrInternetNotPermitted
	}
	if _, exists := e.byPath[path]; exists {
		return netip.Addr{}, errors.New("exitendpoint: path already has an exit")
	}

	ip, err := e.pool.acquire()
	if err != nil {
		return netip.Addr{}, err
	}

	a := &allocation{Pubkey: pk, Path: path, IP: ip}
	e.byPath[path] = a
	e.byPubkey[pk] = append(e.byPubkey[pk], a)
	return ip, nil
}

// FindEndpointByPath returns the active allocation riding path.
func (e *ExitEndpoint) FindEndpointByPath(path [16]byte) (pubkey [32]byte, ip netip.Addr, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.byPath[path]
	if !ok {
		return [32]byte{}, netip.Addr{}, false
	}
	return a.Pubkey, a.IP, true
}

// UpdateEndpointPath rebinds remote's most recent allocation onto next
// (older allocations of the same pubkey keep their paths), used
// when a client rebuilds a path over the same identity and the
// exit-side grant should follow rather than being re-allocated from
// scratch.
func (e *ExitEndpoint) UpdateEndpointPath(remote [32]byte, next [16]byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	allocs, ok := e.byPubkey[remote]
	if !ok || len(allocs) == 0 {
		return ErrPathNotFound
	}
	a := allocs[len(allocs)-1]
	delete(e.byPath, a.Path)
	a.Path = next
	e.byPath[next] = a
	return nil
}

// DelEndpointInfo tears down the allocation for path, returning its
// address to the pool. ip and pk are the caller's expected values and
// must match the live allocation, guarding against stale teardown
// requests racing a rebind.
func (e *ExitEndpoint) DelEndpointInfo(path [16]byte, ip netip.Addr, pk [32]byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	a, ok := e.byPath[path]
	if !ok || a.IP != ip || a.Pubkey != pk {
		return ErrPathNotFound
	}
	delete(e.byPath, path)
	e.removeFromPubkeyIndex(a)
	e.pool.release(a.IP)
	return nil
}

func (e *ExitEndpoint) removeFromPubkeyIndex(a *allocation) {
	allocs := e.byPubkey[a.Pubkey]
	for i, cand := range allocs {
		if cand == a {
			allocs = append(allocs[:i], allocs[i+1:]...)
			break
		}
	}
	if len(allocs) == 0 {
		delete(e.byPubkey, a.Pubkey)
	} else {
		e.byPubkey[a.Pubkey] = allocs
	}
}
