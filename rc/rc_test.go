package rc

import (
	"testing"
	"testing/quick"

	"github.com/stretchr/testify/require"

	"github.com/oxen-io/lokinet-go/crypto"
)

func newSignedRC(t *testing.T, nickname string, public bool) (*RC, *crypto.SignKeypair) {
	t.Helper()
	idKey, err := crypto.NewSignKeypair()
	require.NoError(t, err)
	encKey, err := crypto.NewDHKeypair()
	require.NoError(t, err)

	r := &RC{
		EncryptionKey: encKey.Public,
		LastUpdatedMS: 1000,
		Nickname:      nickname,
	}
	if public {
		r.Addresses = []AddressInfo{{IP: []byte{127, 0, 0, 1}, Port: 1090, Version: 4}}
	}
	require.NoError(t, Sign(idKey, r))
	return r, idKey
}

func TestSignVerifyRoundTrip(t *testing.T) {
	r, _ := newSignedRC(t, "relay0", true)
	require.True(t, Verify(r))
	require.True(t, r.IsPublic())
}

func TestTamperBreaksSignature(t *testing.T) {
	r, _ := newSignedRC(t, "relay0", true)
	r.Nickname = "evil"
	require.False(t, Verify(r))
}

func TestIsPublicRequiresAddress(t *testing.T) {
	r, _ := newSignedRC(t, "hidden", false)
	require.True(t, Verify(r))
	require.False(t, r.IsPublic())
}

// P2: for any RC r, verify(decode(encode(r))) == true, and the encoding
// is byte-identical across repeated calls.
func TestEncodeDecodeVerifyProperty(t *testing.T) {
	f := func(seed uint8) bool {
		r, _ := newSignedRC(t, "node", seed%2 == 0)
		b1, err := Encode(r)
		if err != nil {
			return false
		}
		b2, err := Encode(r)
		if err != nil || string(b1) != string(b2) {
			return false
		}
		decoded, err := Decode(b1)
		if err != nil {
			return false
		}
		return Verify(decoded)
	}
	require.NoError(t, quick.Check(f, nil))
}

func TestDecodeRejectsMalformed(t *testing.T) {
	_, err := Decode([]byte("not bencode"))
	require.Error(t, err)

	_, err = Decode([]byte("de")) // empty bencode dict, missing keys
	require.Error(t, err)
}

func TestEqualityIsByIdentity(t *testing.T) {
	a, idKey := newSignedRC(t, "a", true)
	b := &RC{IdentityKey: idKey.Public, EncryptionKey: a.EncryptionKey, LastUpdatedMS: 999}
	require.True(t, Equal(a, b))

	c, _ := newSignedRC(t, "c", true)
	require.False(t, Equal(a, c))
}
