package nodedb

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	indexBucket = "rc_index"
	metaBucket  = "meta"
)

// IndexCache is an additive bbolt-backed index over the canonical
// on-disk RC catalog: identity -> last_updated_ms, letting start-up
// decide which RCs are worth re-parsing from their .signed files
// without a full directory walk when the catalog is large. The
// authoritative store remains the per-RC files LoadFromDisk/
// SaveRCToDisk manage; IndexCache is consulted opportunistically and
// rebuilt wholesale if it disagrees with disk.
//
// Uses a single-file-per-concern bbolt database with a metadata
// bucket for versioning and a content bucket for the cached data,
// including the create-buckets-if-absent bootstrap and the
// defer-Sync-then-Close shutdown sequence.
type IndexCache struct {
	db *bolt.DB
}

// OpenIndexCache opens (or creates) the index database at
// <root>/nodedb/index.bolt.
func OpenIndexCache(root string) (*IndexCache, error) {
	dir := filepath.Join(root, "nodedb")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, "index.bolt")
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(indexBucket)); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists([]byte(metaBucket))
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &IndexCache{db: db}, nil
}

// Put records identity's last_updated_ms.
func (c *IndexCache) Put(identity [32]byte, lastUpdatedMS int64) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(indexBucket))
		var v [8]byte
		binary.BigEndian.PutUint64(v[:], uint64(lastUpdatedMS))
		return bkt.Put(identity[:], v[:])
	})
}

// Get returns identity's last known last_updated_ms, if indexed.
func (c *IndexCache) Get(identity [32]byte) (int64, bool) {
	var ms int64
	var found bool
	c.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(indexBucket))
		v := bkt.Get(identity[:])
		if v == nil || len(v) != 8 {
			return nil
		}
		ms = int64(binary.BigEndian.Uint64(v))
		found = true
		return nil
	})
	return ms, found
}

// Delete removes identity from the index, mirroring a disk unlink.
func (c *IndexCache) Delete(identity [32]byte) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(indexBucket)).Delete(identity[:])
	})
}

// Rebuild replaces the index wholesale from the current in-memory
// catalog, used after a full LoadFromDisk so the cache matches the
// canonical files it is meant to accelerate lookups for.
func (c *IndexCache) Rebuild(d *DB) error {
	snapshot := d.Snapshot()
	return c.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket([]byte(indexBucket)); err != nil {
			return err
		}
		bkt, err := tx.CreateBucket([]byte(indexBucket))
		if err != nil {
			return err
		}
		for _, r := range snapshot {
			id := r.ID()
			var v [8]byte
			binary.BigEndian.PutUint64(v[:], uint64(r.LastUpdatedMS))
			if err := bkt.Put(id[:], v[:]); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close flushes and closes the underlying database.
func (c *IndexCache) Close() error {
	c.db.Sync()
	return c.db.Close()
}
