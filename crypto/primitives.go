// Package crypto provides the cryptographic primitives shared by every
// path-plane component: Ed25519 signing, X25519 key agreement, the
// nonce-mutating ChaCha20 onion step, and CSPRNG-backed random helpers.
package crypto

import (
	cryptorand "crypto/rand"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"io"
	"math/rand"
	"sync"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/curve25519"
	stded25519 "crypto/ed25519"
)

const (
	// PublicKeySize is the size in bytes of an Ed25519 or X25519 public key.
	PublicKeySize = 32

	// PrivateKeySize is the size in bytes of an X25519 private scalar.
	PrivateKeySize = 32

	// SignatureSize is the size in bytes of an Ed25519 signature.
	SignatureSize = stded25519.SignatureSize

	// SharedSecretSize is the size in bytes of an X25519 shared secret.
	SharedSecretSize = 32

	// NonceXORSize is the size in bytes of the per-hop nonce-mutation
	// constant derived from a shared secret.
	NonceXORSize = 32

	// NonceSize is the size in bytes of the onion envelope nonce
	// (XChaCha20's extended nonce).
	NonceSize = 24
)

var ErrInvalidKeySize = errors.New("crypto: invalid key size")

// SignKeypair is a long-term Ed25519 identity keypair.
type SignKeypair struct {
	Public  [PublicKeySize]byte
	Private [64]byte // stdlib ed25519 private key seed+public encoding
}

// NewSignKeypair generates a fresh Ed25519 identity keypair.
func NewSignKeypair() (*SignKeypair, error) {
	pub, priv, err := stded25519.GenerateKey(cryptorand.Reader)
	if err != nil {
		return nil, err
	}
	kp := &SignKeypair{}
	copy(kp.Public[:], pub)
	copy(kp.Private[:], priv)
	return kp, nil
}

// Sign signs msg under sk, returning the Ed25519 signature.
func Sign(sk *SignKeypair, msg []byte) []byte {
	return stded25519.Sign(stded25519.PrivateKey(sk.Private[:]), msg)
}

// Verify reports whether sig is a valid Ed25519 signature over msg under pk.
func Verify(pk []byte, msg, sig []byte) bool {
	if len(pk) != PublicKeySize || len(sig) != SignatureSize {
		return false
	}
	return stded25519.Verify(stded25519.PublicKey(pk), msg, sig)
}

// DHKeypair is an ephemeral or long-term X25519 encryption keypair.
type DHKeypair struct {
	Public  [PublicKeySize]byte
	Private [PrivateKeySize]byte
}

// NewDHKeypair generates a fresh X25519 keypair.
func NewDHKeypair() (*DHKeypair, error) {
	kp := &DHKeypair{}
	if _, err := io.ReadFull(cryptorand.Reader, kp.Private[:]); err != nil {
		return nil, err
	}
	pub, err := dhPublicFromPrivate(kp.Private)
	if err != nil {
		return nil, err
	}
	kp.Public = pub
	return kp, nil
}

// dhPublicFromPrivate derives the X25519 public key for a private
// scalar, shared by NewDHKeypair and the on-disk key loaders.
func dhPublicFromPrivate(priv [PrivateKeySize]byte) ([PublicKeySize]byte, error) {
	var pub [PublicKeySize]byte
	p, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return pub, err
	}
	copy(pub[:], p)
	return pub, nil
}

// DH performs an X25519 Diffie-Hellman exchange, returning the raw shared
// secret. The raw secret is itself the per-hop onion key; HashShared
// derives the hop's nonce-XOR constant from it.
func DH(ourSK *DHKeypair, theirPK [PublicKeySize]byte) ([SharedSecretSize]byte, error) {
	var out [SharedSecretSize]byte
	shared, err := curve25519.X25519(ourSK.Private[:], theirPK[:])
	if err != nil {
		return out, err
	}
	copy(out[:], shared)
	return out, nil
}

// HashShared derives the 32-byte nonce-XOR constant from a DH shared
// secret: SHA-512 truncated to 32 bytes.
func HashShared(shared [SharedSecretSize]byte) [NonceXORSize]byte {
	sum := sha512.Sum512(shared[:])
	var out [NonceXORSize]byte
	copy(out[:], sum[:NonceXORSize])
	return out
}

// Onion applies one hop's layer of the nonce-mutating ChaCha20 onion
// transform to buf in place, using key shared and the current nonce. It
// returns the mutated nonce (nonce XOR nonceXOR) that the next layer (or
// the peer at the other end of the path) must use. The operation is
// involutive: calling it a second time with the same shared, nonce and
// nonceXOR recovers the original buf and returns the same mutated nonce.
func Onion(buf []byte, shared [SharedSecretSize]byte, nonce [NonceSize]byte, nonceXOR [NonceXORSize]byte) ([NonceSize]byte, error) {
	c, err := chacha20.NewUnauthenticatedCipher(shared[:], nonce[:])
	if err != nil {
		return nonce, err
	}
	c.XORKeyStream(buf, buf)

	var next [NonceSize]byte
	for i := 0; i < NonceSize; i++ {
		next[i] = nonce[i] ^ nonceXOR[i%NonceXORSize]
	}
	return next, nil
}

// ConstantTimeEqual reports whether a and b are equal, in constant time.
func ConstantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// RandBytes returns n cryptographically random bytes.
func RandBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := io.ReadFull(cryptorand.Reader, b); err != nil {
		panic("crypto: system entropy source failed: " + err.Error())
	}
	return b
}

// csprngSource feeds math/rand from the system CSPRNG: rather than
// reading crypto/rand for every call, a block of keystream is drawn
// from the system entropy source and consumed as a math/rand.Source64.
type csprngSource struct {
	mu  sync.Mutex
	buf [4096]byte
	off int
}

func (s *csprngSource) refill() {
	if _, err := io.ReadFull(cryptorand.Reader, s.buf[:]); err != nil {
		panic("crypto: system entropy source failed: " + err.Error())
	}
	s.off = 0
}

func (s *csprngSource) Uint64() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.off+8 > len(s.buf) {
		s.refill()
	}
	v := binary.LittleEndian.Uint64(s.buf[s.off:])
	s.off += 8
	return v
}

func (s *csprngSource) Int63() int64 {
	return int64(s.Uint64() >> 1)
}

func (s *csprngSource) Seed(int64) {}

// Rand is the process-wide CSPRNG-backed math.Rand instance used for
// non-secret randomized choices (hop selection, build jitter). It must
// never be used to derive key material; use RandBytes for that.
var Rand = rand.New(&csprngSource{})

// RandInt returns a non-negative pseudo-random int in [0, n).
func RandInt(n int) int {
	if n <= 0 {
		panic("crypto: RandInt requires n > 0")
	}
	return Rand.Intn(n)
}
