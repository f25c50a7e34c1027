// Package rc implements the RouterContact (RC): the signed, gossiped
// descriptor of a relay, and its canonical bencode wire encoding.
package rc

import (
	"bytes"
	"errors"
	"fmt"
	"net"

	"github.com/zeebo/bencode"

	"github.com/oxen-io/lokinet-go/crypto"
)

// ErrMalformed is returned when decoding an RC that is structurally
// invalid (not a bencode dict of the RC's shape, a zero identity or
// encryption key, or a nickname over MaxNicknameLen), and when
// encoding an RC whose nickname is over MaxNicknameLen.
var ErrMalformed = errors.New("rc: malformed router contact")

// MaxNicknameLen is the maximum length in bytes of an RC's nickname field.
const MaxNicknameLen = 32

// AddressInfo is one reachable address advertised by a router contact.
type AddressInfo struct {
	IP      net.IP `bencode:"ip"`
	Port    uint16 `bencode:"port"`
	Version uint8  `bencode:"version"`
	Dialect string `bencode:"dialect,omitempty"`
}

// ExitInfo describes one exit capability (Internet or named service)
// advertised by a router contact.
type ExitInfo struct {
	Name   string `bencode:"name"`
	Policy []byte `bencode:"policy,omitempty"` // canonical-encoded policy.TrafficPolicy
}

// wireRC is the exact bencode-on-the-wire shape: short, sorted keys,
// signature last so it can be zeroed for signing.
type wireRC struct {
	IdentityKey    [32]byte       `bencode:"k"`
	EncryptionKey  [32]byte       `bencode:"e"`
	Addresses      []AddressInfo  `bencode:"a"`
	Exits          []ExitInfo     `bencode:"x"`
	LastUpdatedMS  int64          `bencode:"u"`
	Nickname       string         `bencode:"n,omitempty"`
	Signature      [64]byte       `bencode:"z"`
}

// RC is an in-memory RouterContact: an immutable-per-version, signed
// record advertising a relay's identity, encryption key, reachability,
// and exit capabilities.
type RC struct {
	IdentityKey   [32]byte
	EncryptionKey [32]byte
	Addresses     []AddressInfo
	Exits         []ExitInfo
	LastUpdatedMS int64
	Nickname      string
	Signature     [64]byte
}

// ID returns the router's identity (32-byte Ed25519 public key / DHT key).
func (r *RC) ID() [32]byte { return r.IdentityKey }

// IsPublic reports whether the RC advertises at least one address: an
// RC is public iff its address list is non-empty.
func (r *RC) IsPublic() bool { return len(r.Addresses) > 0 }

func (r *RC) toWire() wireRC {
	return wireRC{
		IdentityKey:   r.IdentityKey,
		EncryptionKey: r.EncryptionKey,
		Addresses:     r.Addresses,
		Exits:         r.Exits,
		LastUpdatedMS: r.LastUpdatedMS,
		Nickname:      r.Nickname,
		Signature:     r.Signature,
	}
}

func (w wireRC) toRC() *RC {
	return &RC{
		IdentityKey:   w.IdentityKey,
		EncryptionKey: w.EncryptionKey,
		Addresses:     w.Addresses,
		Exits:         w.Exits,
		LastUpdatedMS: w.LastUpdatedMS,
		Nickname:      w.Nickname,
		Signature:     w.Signature,
	}
}

// signingPayload returns the canonical bytes signed over: the wire
// encoding with the signature field zeroed.
func signingPayload(w wireRC) ([]byte, error) {
	w.Signature = [64]byte{}
	return bencode.EncodeBytes(w)
}

// Encode returns the canonical bencode encoding of r, keys sorted
// lexically with no extra whitespace. Two calls on equivalent RCs are
// byte-identical.
func Encode(r *RC) ([]byte, error) {
	if len(r.Nickname) > MaxNicknameLen {
		return nil, fmt.Errorf("%w: nickname exceeds %d bytes", ErrMalformed, MaxNicknameLen)
	}
	return bencode.EncodeBytes(r.toWire())
}

// Decode parses a bencode-encoded RC. It does not verify the signature;
// callers must call Verify separately (decode and verification are
// deliberately split so malformed-but-unsigned test fixtures are usable).
func Decode(data []byte) (*RC, error) {
	var w wireRC
	if err := bencode.DecodeBytes(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if w.IdentityKey == ([32]byte{}) || w.EncryptionKey == ([32]byte{}) {
		return nil, fmt.Errorf("%w: zero key", ErrMalformed)
	}
	if len(w.Nickname) > MaxNicknameLen {
		return nil, fmt.Errorf("%w: nickname exceeds %d bytes", ErrMalformed, MaxNicknameLen)
	}
	return w.toRC(), nil
}

// Sign computes and installs r.Signature: an Ed25519 signature by sk
// over the canonical encoding of every other field.
func Sign(sk *crypto.SignKeypair, r *RC) error {
	r.IdentityKey = sk.Public
	payload, err := signingPayload(r.toWire())
	if err != nil {
		return err
	}
	sig := crypto.Sign(sk, payload)
	if len(sig) != 64 {
		return fmt.Errorf("rc: unexpected signature length %d", len(sig))
	}
	copy(r.Signature[:], sig)
	return nil
}

// Verify reports whether r.Signature is a valid Ed25519 signature by
// r.IdentityKey over the canonical encoding of every other field.
func Verify(r *RC) bool {
	payload, err := signingPayload(r.toWire())
	if err != nil {
		return false
	}
	return crypto.Verify(r.IdentityKey[:], payload, r.Signature[:])
}

// Equal reports whether a and b share the same identity key. RC equality
// is by identity, not by content.
func Equal(a, b *RC) bool {
	return bytes.Equal(a.IdentityKey[:], b.IdentityKey[:])
}
