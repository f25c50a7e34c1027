package policy

import (
	"net/netip"
	"testing"
	"testing/quick"

	"github.com/stretchr/testify/require"
)

const (
	protoTCP = 6
	protoUDP = 17
)

// TestEmptyPolicyAllowsAll verifies that an empty-ranges,
// empty-protocols policy allows every well-formed packet.
func TestEmptyPolicyAllowsAll(t *testing.T) {
	f := func(a, b, c, d byte, proto uint8, port uint16) bool {
		pkt := Packet{
			Dst:      netip.AddrFrom4([4]byte{a, b, c, d}),
			Protocol: proto,
			Port:     port,
		}
		return TrafficPolicy{}.Allow(pkt)
	}
	require.NoError(t, quick.Check(f, nil))
}

// TestExitDenialScenario checks that policy {10.0.0.0/8,
// {UDP,53}} allows UDP/53 to 10.1.2.3, denies TCP/80 to 10.1.2.3, and
// denies UDP/53 to 8.8.8.8.
func TestExitDenialScenario(t *testing.T) {
	r, err := NewIPRange("10.0.0.0/8")
	require.NoError(t, err)
	p := TrafficPolicy{
		Ranges:    []IPRange{r},
		Protocols: []ProtocolInfo{{Protocol: protoUDP, Port: 53, HasPort: true}},
	}

	allowed := p.Allow(Packet{Dst: netip.MustParseAddr("10.1.2.3"), Protocol: protoUDP, Port: 53})
	require.True(t, allowed)

	deniedProto := p.Allow(Packet{Dst: netip.MustParseAddr("10.1.2.3"), Protocol: protoTCP, Port: 80})
	require.False(t, deniedProto)

	deniedRange := p.Allow(Packet{Dst: netip.MustParseAddr("8.8.8.8"), Protocol: protoUDP, Port: 53})
	require.False(t, deniedRange)
}

func TestIPRangeContainsBoundaries(t *testing.T) {
	r, err := NewIPRange("192.168.0.0/16")
	require.NoError(t, err)
	require.True(t, r.Contains(netip.MustParseAddr("192.168.255.255")))
	require.False(t, r.Contains(netip.MustParseAddr("192.169.0.0")))
}

func TestProtocolInfoWithoutPortMatchesAnyPort(t *testing.T) {
	p := TrafficPolicy{Protocols: []ProtocolInfo{{Protocol: protoTCP}}}
	require.True(t, p.Allow(Packet{Dst: netip.MustParseAddr("1.2.3.4"), Protocol: protoTCP, Port: 1}))
	require.True(t, p.Allow(Packet{Dst: netip.MustParseAddr("1.2.3.4"), Protocol: protoTCP, Port: 65000}))
	require.False(t, p.Allow(Packet{Dst: netip.MustParseAddr("1.2.3.4"), Protocol: protoUDP, Port: 1}))
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	r, err := NewIPRange("172.16.0.0/12")
	require.NoError(t, err)
	p := TrafficPolicy{
		Ranges:    []IPRange{r},
		Protocols: []ProtocolInfo{{Protocol: protoUDP, Port: 53, HasPort: true}, {Protocol: protoTCP}},
	}

	enc, err := Encode(p)
	require.NoError(t, err)
	got, err := Decode(enc)
	require.NoError(t, err)

	require.Equal(t, p.Ranges[0].Base, got.Ranges[0].Base)
	require.Equal(t, p.Ranges[0].Prefix, got.Ranges[0].Prefix)
	require.Equal(t, p.Protocols, got.Protocols)
}
