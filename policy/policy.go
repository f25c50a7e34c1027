// Package policy implements traffic filtering: 128-bit IP ranges and
// the protocol/port traffic policy that gates exit forwarding (spec
// §4.I), plus its canonical bencode encoding so policies embed in
// router contacts and service descriptors.
//
// IPRange matching is built on net/netip rather than any third-party
// CIDR library: none of the example repos import a range-matching
// package, and net/netip's Addr/Prefix pair is the standard-library
// native representation for exactly this 128-bit (v4-mapped-v6)
// comparison, making a third-party dependency here add indirection
// without adding capability.
package policy

import (
	"net/netip"

	"github.com/zeebo/bencode"
)

// IPRange is a 128-bit address plus a prefix length, with IPv4
// addresses represented in their canonical v4-mapped form at
// ::ffff:0:0/96.
type IPRange struct {
	Base   netip.Addr
	Prefix int // bits
}

// NewIPRange builds an IPRange from CIDR notation such as
// "10.0.0.0/8" or "2001:db8::/32".
func NewIPRange(cidr string) (IPRange, error) {
	p, err := netip.ParsePrefix(cidr)
	if err != nil {
		return IPRange{}, err
	}
	base := p.Addr()
	if base.Is4() {
		base = netip.AddrFrom16(base.As16())
	}
	bits := p.Bits()
	if p.Addr().Is4() {
		bits += 96 // shift an IPv4 prefix length into the v4-mapped /96 subrange
	}
	return IPRange{Base: base, Prefix: bits}, nil
}

// Contains reports whether addr falls within r.
func (r IPRange) Contains(addr netip.Addr) bool {
	if addr.Is4() {
		addr = netip.AddrFrom16(addr.As16())
	}
	prefix := netip.PrefixFrom(r.Base, r.Prefix)
	return prefix.Contains(addr)
}

// wireIPRange is IPRange's canonical bencode form: a raw 16-byte
// address plus a prefix length.
type wireIPRange struct {
	Addr   [16]byte `bencode:"a"`
	Prefix int      `bencode:"p"`
}

func (r IPRange) toWire() wireIPRange {
	return wireIPRange{Addr: r.Base.As16(), Prefix: r.Prefix}
}

func (w wireIPRange) toRange() IPRange {
	return IPRange{Base: netip.AddrFrom16(w.Addr), Prefix: w.Prefix}
}

// ProtocolInfo matches an L4 protocol, optionally restricted to one
// port.
type ProtocolInfo struct {
	Protocol uint8 // IANA protocol number, e.g. 6=TCP, 17=UDP
	Port     uint16
	HasPort  bool
}

func (p ProtocolInfo) matches(protocol uint8, port uint16) bool {
	if p.Protocol != protocol {
		return false
	}
	if p.HasPort && p.Port != port {
		return false
	}
	return true
}

type wireProtocolInfo struct {
	Protocol uint8  `bencode:"b"`
	Port     uint16 `bencode:"o,omitempty"`
	HasPort  bool   `bencode:"h,omitempty"`
}

// Packet is the minimal addressing view TrafficPolicy.Allow needs from
// an IP packet: destination address, L4 protocol, and (for UDP/TCP)
// destination port.
type Packet struct {
	Dst      netip.Addr
	Protocol uint8
	Port     uint16
}

// TrafficPolicy is `{ ranges, protocols }`: a packet is
// permitted iff (ranges is empty OR some range contains the
// destination) AND (protocols is empty OR some ProtocolInfo matches).
// An empty policy allows everything.
type TrafficPolicy struct {
	Ranges    []IPRange
	Protocols []ProtocolInfo
}

// Allow reports whether pkt is permitted under p.
func (p TrafficPolicy) Allow(pkt Packet) bool {
	if len(p.Ranges) > 0 {
		inRange := false
		for _, r := range p.Ranges {
			if r.Contains(pkt.Dst) {
				inRange = true
				break
			}
		}
		if !inRange {
			return false
		}
	}
	if len(p.Protocols) > 0 {
		matched := false
		for _, pi := range p.Protocols {
			if pi.matches(pkt.Protocol, pkt.Port) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

type wireTrafficPolicy struct {
	Ranges    []wireIPRange      `bencode:"r"`
	Protocols []wireProtocolInfo `bencode:"p"`
}

// Encode returns the canonical bencode encoding of p, for embedding in
// an RC's ExitInfo.Policy field.
func Encode(p TrafficPolicy) ([]byte, error) {
	w := wireTrafficPolicy{
		Ranges:    make([]wireIPRange, len(p.Ranges)),
		Protocols: make([]wireProtocolInfo, len(p.Protocols)),
	}
	for i, r := range p.Ranges {
		w.Ranges[i] = r.toWire()
	}
	for i, pi := range p.Protocols {
		w.Protocols[i] = wireProtocolInfo{Protocol: pi.Protocol, Port: pi.Port, HasPort: pi.HasPort}
	}
	return bencode.EncodeBytes(w)
}

// Decode parses a bencode-encoded TrafficPolicy.
func Decode(data []byte) (TrafficPolicy, error) {
	var w wireTrafficPolicy
	if err := bencode.DecodeBytes(data, &w); err != nil {
		return TrafficPolicy{}, err
	}
	p := TrafficPolicy{
		Ranges:    make([]IPRange, len(w.Ranges)),
		Protocols: make([]ProtocolInfo, len(w.Protocols)),
	}
	for i, r := range w.Ranges {
		p.Ranges[i] = r.toRange()
	}
	for i, pi := range w.Protocols {
		p.Protocols[i] = ProtocolInfo{Protocol: pi.Protocol, Port: pi.Port, HasPort: pi.HasPort}
	}
	return p, nil
}
