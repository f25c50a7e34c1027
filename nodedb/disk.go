package nodedb

import (
	"encoding/hex"
	"os"
	"path/filepath"

	"github.com/oxen-io/lokinet-go/rc"
)

// rcPath returns the on-disk path of identity's RC:
// <root>/nodedb/<hex(identity)[:2]>/<hex(identity)>.signed.
func rcPath(root string, identity [32]byte) string {
	h := hex.EncodeToString(identity[:])
	return filepath.Join(root, "nodedb", h[:2], h+".signed")
}

// LoadFromDisk synchronously populates d from every *.signed file under
// root/nodedb. Malformed files are skipped and counted, never fatal —
// a corrupt single RC must not prevent start-up.
func LoadFromDisk(d *DB, root string) (loaded, skipped int, err error) {
	base := filepath.Join(root, "nodedb")
	entries, err := os.ReadDir(base)
	if os.IsNotExist(err) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, err
	}

	for _, shard := range entries {
		if !shard.IsDir() {
			continue
		}
		shardDir := filepath.Join(base, shard.Name())
		files, err := os.ReadDir(shardDir)
		if err != nil {
			return loaded, skipped, err
		}
		for _, f := range files {
			if f.IsDir() {
				continue
			}
			raw, err := os.ReadFile(filepath.Join(shardDir, f.Name()))
			if err != nil {
				skipped++
				continue
			}
			parsed, err := rc.Decode(raw)
			if err != nil || !rc.Verify(parsed) {
				skipped++
				continue
			}
			id := parsed.ID()
			d.mu.Lock()
			d.known[id] = &entry{rc: parsed}
			d.mu.Unlock()
			loaded++
		}
	}
	return loaded, skipped, nil
}

// SaveRCToDisk atomically persists a single RC: write to a temp file in
// the same shard directory, then rename over the final path, so a
// crash mid-write never leaves a truncated .signed file.
func SaveRCToDisk(root string, r *rc.RC) error {
	id := r.ID()
	path := rcPath(root, id)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	encoded, err := rc.Encode(r)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, encoded, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// SaveAllToDisk writes every RC currently in d, per save_to_disk.
func SaveAllToDisk(d *DB, root string) error {
	for _, r := range d.Snapshot() {
		if err := SaveRCToDisk(root, r); err != nil {
			return err
		}
	}
	return nil
}

// UnlinkRC removes id's on-disk RC file, if present. It is the file-side
// counterpart of RemoveStaleRCs/RemoveRouter, which evict an identity
// from memory only; neither of them calls it.
func UnlinkRC(root string, identity [32]byte) error {
	err := os.Remove(rcPath(root, identity))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
