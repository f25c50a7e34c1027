package nodedb

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oxen-io/lokinet-go/crypto"
	"github.com/oxen-io/lokinet-go/rc"
)

func corruptRCFile(root string, identity [32]byte) error {
	return os.WriteFile(rcPath(root, identity), []byte("not bencode"), 0o600)
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	root := t.TempDir()

	sk, err := crypto.NewSignKeypair()
	require.NoError(t, err)
	r := &rc.RC{EncryptionKey: [32]byte{9}, LastUpdatedMS: 42}
	require.NoError(t, rc.Sign(sk, r))

	require.NoError(t, SaveRCToDisk(root, r))

	db := New(true)
	loaded, skipped, err := LoadFromDisk(db, root)
	require.NoError(t, err)
	require.Equal(t, 1, loaded)
	require.Equal(t, 0, skipped)
	require.True(t, db.HasRC(r.ID()))
}

func TestLoadFromDiskSkipsCorruptFiles(t *testing.T) {
	root := t.TempDir()

	sk, err := crypto.NewSignKeypair()
	require.NoError(t, err)
	good := &rc.RC{EncryptionKey: [32]byte{1}, LastUpdatedMS: 1}
	require.NoError(t, rc.Sign(sk, good))
	require.NoError(t, SaveRCToDisk(root, good))

	// Corrupt a second RC's on-disk file after signing it correctly.
	sk2, err := crypto.NewSignKeypair()
	require.NoError(t, err)
	bad := &rc.RC{EncryptionKey: [32]byte{2}, LastUpdatedMS: 1}
	require.NoError(t, rc.Sign(sk2, bad))
	require.NoError(t, SaveRCToDisk(root, bad))
	require.NoError(t, corruptRCFile(root, bad.ID()))

	db := New(true)
	loaded, skipped, err := LoadFromDisk(db, root)
	require.NoError(t, err)
	require.Equal(t, 1, loaded)
	require.Equal(t, 1, skipped)
}

func TestLoadFromDiskEmptyRootIsNotAnError(t *testing.T) {
	db := New(true)
	loaded, skipped, err := LoadFromDisk(db, t.TempDir())
	require.NoError(t, err)
	require.Zero(t, loaded)
	require.Zero(t, skipped)
}

func TestUnlinkRCRemovesFile(t *testing.T) {
	root := t.TempDir()
	sk, err := crypto.NewSignKeypair()
	require.NoError(t, err)
	r := &rc.RC{EncryptionKey: [32]byte{3}, LastUpdatedMS: 1}
	require.NoError(t, rc.Sign(sk, r))
	require.NoError(t, SaveRCToDisk(root, r))

	require.NoError(t, UnlinkRC(root, r.ID()))
	db := New(true)
	loaded, _, err := LoadFromDisk(db, root)
	require.NoError(t, err)
	require.Zero(t, loaded)

	// Unlinking an already-absent RC is a harmless no-op.
	require.NoError(t, UnlinkRC(root, r.ID()))
}
