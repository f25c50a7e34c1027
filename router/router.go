// Package router implements the packet router: the ingress
// demultiplexer that turns a raw IP packet entering or leaving the
// tunnel into a handler invocation.
//
// The dispatch loop is a central "parse header, switch on
// discriminant, invoke the matching handler, else fall through to a
// default" shape, expressed here over IP protocol number and UDP
// destination port instead of a wire command tag.
package router

import (
	"encoding/binary"
	"errors"
)

// ErrNoHandler is returned when no registered handler matches a packet
// and no default handler is registered.
var ErrNoHandler = errors.New("router: no handler for packet and no default registered")

const (
	ProtoUDP = 17
	ProtoTCP = 6
)

// Packet is an owned IP packet buffer. Handlers receive ownership (the
// move semantics this implies): once passed to HandleIPPacket, callers must
// not reuse buf.
type Packet struct {
	Version  int // 4 or 6
	Protocol uint8
	UDPPort  uint16 // valid only if Protocol == ProtoUDP and hasUDPPort
	hasUDPPort bool

	Buf []byte
}

// Handler consumes one packet.
type Handler func(pkt Packet)

// Router holds a default handler plus per-protocol and per-UDP-port
// overrides.
type Router struct {
	defaultHandler Handler
	byProto        map[uint8]Handler
	byUDPPort      map[uint16]Handler
}

// New constructs a Router. def may be nil; if so, a packet matching no
// registered handler is dropped and ErrNoHandler is returned to the
// caller for counting.
func New(def Handler) *Router {
	return &Router{
		defaultHandler: def,
		byProto:        make(map[uint8]Handler),
		byUDPPort:      make(map[uint16]Handler),
	}
}

// RegisterProtocol installs a handler for every packet of the given L4
// protocol that has no more specific UDP-port match.
func (r *Router) RegisterProtocol(proto uint8, h Handler) {
	r.byProto[proto] = h
}

// RegisterUDPPort installs a handler for UDP packets destined to port.
// UDP-port handlers take precedence over protocol handlers.
func (r *Router) RegisterUDPPort(port uint16, h Handler) {
	r.byUDPPort[port] = h
}

// ParsePacket determines an IP packet's version, L4 protocol, and (for
// UDP) destination port. It does not validate checksums or full
// header correctness — malformed headers are the caller's concern;
// ParsePacket only
// extracts the routing-relevant fields or reports that it could not.
func ParsePacket(buf []byte) (Packet, error) {
	if len(buf) < 1 {
		return Packet{}, errors.New("router: empty packet")
	}
	version := int(buf[0] >> 4)
	switch version {
	case 4:
		return parseIPv4(buf)
	case 6:
		return parseIPv6(buf)
	default:
		return Packet{}, errors.New("router: unrecognized IP version")
	}
}

func parseIPv4(buf []byte) (Packet, error) {
	if len(buf) < 20 {
		return Packet{}, errors.New("router: ipv4 header truncated")
	}
	ihl := int(buf[0]&0x0f) * 4
	if ihl < 20 || len(buf) < ihl {
		return Packet{}, errors.New("router: ipv4 header truncated")
	}
	proto := buf[9]
	pkt := Packet{Version: 4, Protocol: proto, Buf: buf}
	if proto == ProtoUDP && len(buf) >= ihl+4 {
		pkt.UDPPort = binary.BigEndian.Uint16(buf[ihl+2 : ihl+4])
		pkt.hasUDPPort = true
	}
	return pkt, nil
}

func parseIPv6(buf []byte) (Packet, error) {
	if len(buf) < 40 {
		return Packet{}, errors.New("router: ipv6 header truncated")
	}
	proto := buf[6]
	pkt := Packet{Version: 6, Protocol: proto, Buf: buf}
	if proto == ProtoUDP && len(buf) >= 40+4 {
		pkt.UDPPort = binary.BigEndian.Uint16(buf[40+2 : 40+4])
		pkt.hasUDPPort = true
	}
	return pkt, nil
}

// HandleIPPacket dispatches one packet to the most specific registered
// handler: if the
// protocol is UDP and the destination port has a registered handler,
// invoke it; else if the protocol has a registered handler, invoke it;
// else invoke the default handler.
func (r *Router) HandleIPPacket(pkt Packet) error {
	if pkt.Protocol == ProtoUDP && pkt.hasUDPPort {
		if h, ok := r.byUDPPort[pkt.UDPPort]; ok {
			h(pkt)
			return nil
		}
	}
	if h, ok := r.byProto[pkt.Protocol]; ok {
		h(pkt)
		return nil
	}
	if r.defaultHandler != nil {
		r.defaultHandler(pkt)
		return nil
	}
	return ErrNoHandler
}
