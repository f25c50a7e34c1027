package exitendpoint

import (
	"net/netip"
)

// addressPool hands out addresses from a CIDR range one at a time,
// reusing released addresses before minting new ones. No example repo
// in the corpus allocates IP addresses, so this is new logic; it
// builds on net/netip for the same reason package policy does — the
// standard library's Addr/Prefix pair already is the native
// representation, and no third-party range library fits any better.
type addressPool struct {
	prefix netip.Prefix
	next   netip.Addr
	free   []netip.Addr
	used   map[netip.Addr]bool
}

func newAddressPool(cidr string) (*addressPool, error) {
	p, err := netip.ParsePrefix(cidr)
	if err != nil {
		return nil, err
	}
	p = p.Masked()
	return &addressPool{
		prefix: p,
		next:   p.Addr().Next(), // reserve the network address itself
		used:   make(map[netip.Addr]bool),
	}, nil
}

// acquire returns the next free address in the pool, preferring a
// released address (LIFO) over minting a fresh one.
func (p *addressPool) acquire() (netip.Addr, error) {
	if n := len(p.free); n > 0 {
		addr := p.free[n-1]
		p.free = p.free[:n-1]
		p.used[addr] = true
		return addr, nil
	}
	if !p.prefix.Contains(p.next) {
		return netip.Addr{}, ErrNoExitCapacity
	}
	addr := p.next
	p.next = p.next.Next()
	p.used[addr] = true
	return addr, nil
}

// release returns addr to the free list. Releasing an address not
// currently held is a no-op.
func (p *addressPool) release(addr netip.Addr) {
	if !p.used[addr] {
		return
	}
	delete(p.used, addr)
	p.free = append(p.free, addr)
}
