// Package wireframe implements the layered, nonce-mutating onion
// envelope used for every frame traveling a path: the 24-byte-nonce /
// 16-byte-hop-id / ciphertext wire shape, the per-hop onion wrap/peel
// steps built on package crypto's involutive ChaCha20 transform, and
// the bencoded inner control/data/status dicts those ciphertexts
// decrypt to.
//
// One wire envelope, N layered transforms, one per-hop peel — but with
// much simpler per-hop state than a Sphinx header (a single symmetric
// key and a nonce-XOR constant) in place of per-hop asymmetric header
// re-randomization.
package wireframe

import (
	"errors"
	"fmt"

	"github.com/zeebo/bencode"

	"github.com/oxen-io/lokinet-go/crypto"
)

const (
	// NonceSize, HopIDSize are the Envelope header field widths.
	NonceSize = crypto.NonceSize
	HopIDSize = 16

	// PadSize is the minimum control-payload length after padding,
	// so ciphertext length leaks no information below it.
	PadSize = 256

	// MaxPathMTU bounds an ordinary KindOnion Envelope (control, data,
	// or status) — comfortably under the classic Ethernet MTU these
	// frames always fit inside.
	MaxPathMTU = 1500
)

var (
	ErrMalformedEnvelope = errors.New("wireframe: malformed envelope")
	ErrTooLarge          = errors.New("wireframe: envelope exceeds path MTU")
)

// HopKey is the per-hop symmetric material needed to onion-step a
// buffer: the DH shared secret and its derived nonce-XOR constant.
type HopKey struct {
	Shared   [crypto.SharedSecretSize]byte
	NonceXOR [crypto.NonceXORSize]byte
}

// EnvelopeKind distinguishes an ordinary onion-routed frame (dispatched
// by looking up an already-installed transit splice) from a path-build
// frame (dispatched by attempting to decrypt one of its LR slots, since
// no splice exists yet to look up).
type EnvelopeKind byte

const (
	KindOnion EnvelopeKind = 0
	KindBuild EnvelopeKind = 1
)

// envelopeHeaderSize is the fixed non-ciphertext prefix: kind ‖ nonce ‖
// hop_id.
const envelopeHeaderSize = 1 + NonceSize + HopIDSize

// Envelope is a single path-borne wire frame: kind ‖ nonce ‖ hop_id ‖
// ciphertext.
type Envelope struct {
	Kind       EnvelopeKind
	Nonce      [NonceSize]byte
	HopID      [HopIDSize]byte
	Ciphertext []byte
}

// maxSizeFor returns the wire-size ceiling for kind: a KindBuild
// envelope carries a fully packed LR_init frame, which is larger than
// any ordinary onion-carried payload ever gets.
func maxSizeFor(kind EnvelopeKind) int {
	if kind == KindBuild {
		return MaxBuildFrameSize
	}
	return MaxPathMTU
}

// Marshal serializes e to its wire form.
func (e *Envelope) Marshal() ([]byte, error) {
	out := make([]byte, 0, envelopeHeaderSize+len(e.Ciphertext))
	out = append(out, byte(e.Kind))
	out = append(out, e.Nonce[:]...)
	out = append(out, e.HopID[:]...)
	out = append(out, e.Ciphertext...)
	if len(out) > maxSizeFor(e.Kind) {
		return nil, ErrTooLarge
	}
	return out, nil
}

// Unmarshal parses a wire Envelope from b.
func Unmarshal(b []byte) (*Envelope, error) {
	if len(b) < envelopeHeaderSize {
		return nil, ErrMalformedEnvelope
	}
	kind := EnvelopeKind(b[0])
	if len(b) > maxSizeFor(kind) {
		return nil, ErrTooLarge
	}
	e := &Envelope{Kind: kind}
	rest := b[1:]
	copy(e.Nonce[:], rest[:NonceSize])
	copy(e.HopID[:], rest[NonceSize:NonceSize+HopIDSize])
	e.Ciphertext = append([]byte(nil), rest[NonceSize+HopIDSize:]...)
	return e, nil
}

// WrapOutbound builds the ciphertext and starting nonce for a
// plaintext traveling outward through hops (client to exit), per spec
// §4.D's build procedure.
//
// Each hop's per-layer nonce is the one that forward peeling (hop0
// first) will present to it: hop0 sees the returned starting nonce
// directly, and hop i+1 sees hop i's forwarded nonce (nonce XOR
// hop_i.NonceXOR), exactly mirroring transit.Table.OnPacket's chain.
// Layers are then encrypted innermost first (last hop's layer applied
// first) so hop0's layer ends up outermost on the wire, while each
// hop's ChaCha20 keystream is still keyed by the nonce that hop will
// actually see when it peels — the two orderings are independent
// since the per-hop nonces are precomputed up front rather than
// threaded through the encryption loop itself.
func WrapOutbound(hops []HopKey, plaintext []byte) (nonce [NonceSize]byte, ciphertext []byte, err error) {
	buf := append([]byte(nil), plaintext...)
	copy(nonce[:], crypto.RandBytes(NonceSize))

	perHopNonce := make([][NonceSize]byte, len(hops))
	cur := nonce
	for i := range hops {
		perHopNonce[i] = cur
		for j := 0; j < NonceSize; j++ {
			cur[j] ^= hops[i].NonceXOR[j]
		}
	}

	for i := len(hops) - 1; i >= 0; i-- {
		if _, err = crypto.Onion(buf, hops[i].Shared, perHopNonce[i], hops[i].NonceXOR); err != nil {
			return nonce, nil, err
		}
	}
	return nonce, buf, nil
}

// PeelOneLayer removes exactly one hop's onion layer from buf in
// place (a transit hop's on_packet step), returning the nonce the next
// splice partner must use.
func PeelOneLayer(hop HopKey, nonce [NonceSize]byte, buf []byte) ([NonceSize]byte, error) {
	return crypto.Onion(buf, hop.Shared, nonce, hop.NonceXOR)
}

// UnwrapInbound decrypts a frame traveling back toward the client
// (exit to client).
//
// A reply is built by the opposite physical process from an outbound
// wrap: the exit picks its own starting nonce and onion-steps once,
// then each relay forwards toward the client using the nonce it was
// given as its own layer's nonce (exactly transit.Table.OnPacket's
// Downstream handling), so the nonce the client receives is hop0's
// *forwarded* output, not hop0's own layer nonce. Recovering hop0's
// actual nonce takes one XOR against hop0's own NonceXOR; from there
// each following hop's actual nonce is obtained by XORing against
// *that* hop's own NonceXOR (the mirror image of the outbound chain,
// which advances using the hop just processed rather than the next
// one).
func UnwrapInbound(hops []HopKey, nonce [NonceSize]byte, ciphertext []byte) ([]byte, error) {
	buf := append([]byte(nil), ciphertext...)
	if len(hops) == 0 {
		return buf, nil
	}

	s := nonce
	for j := range s {
		s[j] ^= hops[0].NonceXOR[j]
	}

	for i := 0; i < len(hops); i++ {
		if _, err := crypto.Onion(buf, hops[i].Shared, s, hops[i].NonceXOR); err != nil {
			return nil, err
		}
		if i+1 < len(hops) {
			for j := range s {
				s[j] ^= hops[i+1].NonceXOR[j]
			}
		}
	}
	return buf, nil
}

// padToSize right-pads buf with random bytes until it is at least size
// bytes long. Callers rely on bencode's dicts being self-terminating
// (they end at their closing 'e'), so trailing random padding bytes
// never confuse the decoder.
func padToSize(buf []byte, size int) []byte {
	if len(buf) >= size {
		return buf
	}
	padding := crypto.RandBytes(size - len(buf))
	return append(buf, padding...)
}

// controlFrame is the bencoded inner dict for a control message.
type controlFrame struct {
	Method string `bencode:"METHOD"`
	Body   []byte `bencode:"BODY"`
}

// dataFrame is the bencoded inner dict for a data message.
type dataFrame struct {
	Data []byte `bencode:"DATA"`
}

// statusFrame is the bencoded inner dict for a build-status message.
type statusFrame struct {
	Status int    `bencode:"STATUS"`
	PathID [16]byte `bencode:"PATHID"`
}

// EncodeControl bencodes a {METHOD, BODY} dict and pads it to PadSize.
func EncodeControl(method string, body []byte) ([]byte, error) {
	raw, err := bencode.EncodeBytes(controlFrame{Method: method, Body: body})
	if err != nil {
		return nil, err
	}
	return padToSize(raw, PadSize), nil
}

// DecodeControl parses a control inner frame. Trailing padding bytes
// are ignored.
func DecodeControl(b []byte) (method string, body []byte, err error) {
	var f controlFrame
	if err := bencode.DecodeBytes(b, &f); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return f.Method, f.Body, nil
}

// EncodeData bencodes a {DATA} dict. Data frames are not padded — only
// control payloads carry the padding guarantee.
func EncodeData(payload []byte) ([]byte, error) {
	return bencode.EncodeBytes(dataFrame{Data: payload})
}

// DecodeData parses a data inner frame.
func DecodeData(b []byte) ([]byte, error) {
	var f dataFrame
	if err := bencode.DecodeBytes(b, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return f.Data, nil
}

// EncodeStatus bencodes a {STATUS, PATHID} dict and pads it to
// PadSize, matching control-frame indistinguishability.
func EncodeStatus(status int, pathID [16]byte) ([]byte, error) {
	raw, err := bencode.EncodeBytes(statusFrame{Status: status, PathID: pathID})
	if err != nil {
		return nil, err
	}
	return padToSize(raw, PadSize), nil
}

// DecodeStatus parses a build-status inner frame.
func DecodeStatus(b []byte) (status int, pathID [16]byte, err error) {
	var f statusFrame
	if err := bencode.DecodeBytes(b, &f); err != nil {
		return 0, pathID, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return f.Status, f.PathID, nil
}

// LRSlotCount is the fixed number of slots in every LR_init frame: one
// real slot per hop plus a slot of random bytes for every unused
// position. Slots are
// concatenated rather than nested in a bencode list so a dummy slot's
// random bytes cannot be told apart from a real slot's ciphertext by
// length or by structure — every slot is the same number of bytes on
// the wire.
const LRSlotCount = 8
const lrSlotSize = 512

// LRFrameSize is the wire size of a fully packed LR_init frame.
const LRFrameSize = LRSlotCount * lrSlotSize

// MaxBuildFrameSize bounds a KindBuild Envelope. All LRSlotCount slots
// travel independently keyed and none may be dropped or compressed, so
// a full LR_init frame alone already exceeds MaxPathMTU.
const MaxBuildFrameSize = envelopeHeaderSize + LRFrameSize

// lrSlotHeaderSize is the cleartext prefix of a slot: the client's
// per-hop ephemeral DH public key and the nonce it used to encrypt the
// rest of the slot. Neither needs confidentiality on its own — an
// ephemeral public key and a nonce are not secrets — and the hop it
// addresses has no other way to learn the shared secret it needs to
// read the rest of its slot before reading the rest of its slot.
const lrSlotHeaderSize = 32 + NonceSize

// LRRecord is one hop's build-time key-exchange record.
type LRRecord struct {
	RxID         [16]byte
	TxID         [16]byte
	NextRouterID [32]byte // zero + ExitFlag=true means "I am the exit"
	ExitFlag     bool
	EphemeralPub [32]byte
	Nonce        [NonceSize]byte
	LifetimeSecs uint32
}

// wireLRRecord is the part of an LR record that is only meaningful to
// the hop it addresses; it travels encrypted under that hop's shared
// secret. EphemeralPub and Nonce live outside it, in the slot's
// cleartext header.
type wireLRRecord struct {
	RxID       [16]byte `bencode:"r"`
	TxID       [16]byte `bencode:"t"`
	NextRouter [32]byte `bencode:"n"`
	ExitFlag   bool     `bencode:"x"`
	Lifetime   uint32   `bencode:"l"`
}

// EncodeLRSlot encrypts r's routing fields under shared (the client's
// precomputed DH shared secret with the addressed hop) and assembles
// the fixed-size slot: EphemeralPub ‖ Nonce ‖ ciphertext, padded to
// lrSlotSize.
func EncodeLRSlot(r LRRecord, shared [crypto.SharedSecretSize]byte) ([]byte, error) {
	w := wireLRRecord{RxID: r.RxID, TxID: r.TxID, NextRouter: r.NextRouterID, ExitFlag: r.ExitFlag, Lifetime: r.LifetimeSecs}
	raw, err := bencode.EncodeBytes(w)
	if err != nil {
		return nil, err
	}
	if lrSlotHeaderSize+len(raw) > lrSlotSize {
		return nil, fmt.Errorf("wireframe: LR slot encoding %d exceeds fixed size %d", lrSlotHeaderSize+len(raw), lrSlotSize)
	}
	nonceXOR := crypto.HashShared(shared)
	if _, err := crypto.Onion(raw, shared, r.Nonce, nonceXOR); err != nil {
		return nil, err
	}

	out := make([]byte, 0, lrSlotSize)
	out = append(out, r.EphemeralPub[:]...)
	out = append(out, r.Nonce[:]...)
	out = append(out, raw...)
	return padToSize(out, lrSlotSize), nil
}

// LRSlotEphemeral reads a slot's cleartext ephemeral public key without
// needing any shared secret — the first step a hop takes when probing
// an LR frame's slots for the one addressed to it.
func LRSlotEphemeral(slot []byte) ([32]byte, error) {
	var pub [32]byte
	if len(slot) < lrSlotHeaderSize {
		return pub, ErrMalformedEnvelope
	}
	copy(pub[:], slot[:32])
	return pub, nil
}

// DecodeLRSlot decrypts and parses a slot using shared, the DH secret
// the caller derived from the slot's own cleartext ephemeral public key
// (via LRSlotEphemeral) and the caller's static private key. A slot not
// addressed to the caller, or a dummy slot, fails here with
// ErrMalformedEnvelope — the caller's signal to try the next slot.
func DecodeLRSlot(slot []byte, shared [crypto.SharedSecretSize]byte) (LRRecord, error) {
	if len(slot) < lrSlotHeaderSize {
		return LRRecord{}, ErrMalformedEnvelope
	}
	var pub [32]byte
	copy(pub[:], slot[:32])
	var nonce [NonceSize]byte
	copy(nonce[:], slot[32:lrSlotHeaderSize])

	body := append([]byte(nil), slot[lrSlotHeaderSize:]...)
	nonceXOR := crypto.HashShared(shared)
	if _, err := crypto.Onion(body, shared, nonce, nonceXOR); err != nil {
		return LRRecord{}, err
	}

	var w wireLRRecord
	if err := bencode.DecodeBytes(body, &w); err != nil {
		return LRRecord{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return LRRecord{
		RxID: w.RxID, TxID: w.TxID, NextRouterID: w.NextRouter,
		ExitFlag: w.ExitFlag, EphemeralPub: pub, Nonce: nonce, LifetimeSecs: w.Lifetime,
	}, nil
}

// EncodeLRFrame packs exactly LRSlotCount slots, using dummy
// (encrypted-random) slots to fill unused positions. shareds[i] is the
// DH shared secret for records[i], computed by the builder from that
// hop's own ephemeral commkey and the hop's published encryption key.
func EncodeLRFrame(records []LRRecord, shareds [][crypto.SharedSecretSize]byte) ([]byte, error) {
	if len(records) > LRSlotCount {
		return nil, fmt.Errorf("wireframe: %d hop records exceed LRSlotCount", len(records))
	}
	if len(records) != len(shareds) {
		return nil, fmt.Errorf("wireframe: %d records but %d shared secrets", len(records), len(shareds))
	}
	out := make([]byte, 0, LRFrameSize)
	for i, r := range records {
		slot, err := EncodeLRSlot(r, shareds[i])
		if err != nil {
			return nil, err
		}
		out = append(out, slot...)
	}
	for i := len(records); i < LRSlotCount; i++ {
		out = append(out, dummySlot()...)
	}
	return out, nil
}

// dummySlot produces a filler slot of lrSlotSize random bytes, exactly
// the length of a genuine slot. Dummy-slot indistinguishability is
// load-bearing: a passive observer
// must not be able to tell a dummy slot from a real one by its byte
// distribution.
func dummySlot() []byte {
	return crypto.RandBytes(lrSlotSize)
}

// SplitLRFrame slices a packed LR frame back into its LRSlotCount
// fixed-size slots.
func SplitLRFrame(frame []byte) ([][]byte, error) {
	if len(frame) != LRSlotCount*lrSlotSize {
		return nil, fmt.Errorf("wireframe: LR frame has unexpected length %d", len(frame))
	}
	slots := make([][]byte, LRSlotCount)
	for i := 0; i < LRSlotCount; i++ {
		slots[i] = frame[i*lrSlotSize : (i+1)*lrSlotSize]
	}
	return slots, nil
}
