// Package storage persists the durable, rarely-changing catalogs (runtime
// manifests, volumes, networks) in a single bbolt file, and the frequently
// written per-job/per-workflow state as the plain JSON files the rest of
// the engine's persisted-state layout expects under <state-dir>.
package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/joblet/pkg/domain"
)

var (
	bucketRuntimes = []byte("runtimes")
	bucketVolumes  = []byte("volumes")
	bucketNetworks = []byte("networks")
)

// Catalog is a bbolt-backed store for the engine's three name->metadata
// catalogs. It gives the Runtime Registry and the Network Manager
// durability across restarts without touching the literal
// jobs/<id>.json + logs/<id>.log layout the spec's job and log state use.
// Its volume methods are not called by pkg/volume, whose Manager keeps
// volumes in memory only.
type Catalog struct {
	db *bolt.DB
}

// OpenCatalog opens (creating if absent) the catalog database under dataDir.
func OpenCatalog(dataDir string) (*Catalog, error) {
	dbPath := filepath.Join(dataDir, "catalog.db")

	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: open catalog: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketRuntimes, bucketVolumes, bucketNetworks} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Catalog{db: db}, nil
}

// Close closes the underlying database.
func (c *Catalog) Close() error { return c.db.Close() }

// PutRuntime persists a runtime manifest keyed by name.
func (c *Catalog) PutRuntime(m *domain.RuntimeManifest) error {
	return put(c.db, bucketRuntimes, m.Name, m)
}

// DeleteRuntime removes a persisted runtime manifest.
func (c *Catalog) DeleteRuntime(name string) error {
	return del(c.db, bucketRuntimes, name)
}

// ListRuntimes returns every persisted runtime manifest.
func (c *Catalog) ListRuntimes() ([]*domain.RuntimeManifest, error) {
	var out []*domain.RuntimeManifest
	err := c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRuntimes).ForEach(func(_, v []byte) error {
			var m domain.RuntimeManifest
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			out = append(out, &m)
			return nil
		})
	})
	return out, err
}

// PutVolume persists a volume's metadata keyed by name.
func (c *Catalog) PutVolume(v *domain.Volume) error {
	return put(c.db, bucketVolumes, v.Name, v)
}

// DeleteVolume removes a persisted volume.
func (c *Catalog) DeleteVolume(name string) error {
	return del(c.db, bucketVolumes, name)
}

// ListVolumes returns every persisted volume.
func (c *Catalog) ListVolumes() ([]*domain.Volume, error) {
	var out []*domain.Volume
	err := c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketVolumes).ForEach(func(_, v []byte) error {
			var vol domain.Volume
			if err := json.Unmarshal(v, &vol); err != nil {
				return err
			}
			out = append(out, &vol)
			return nil
		})
	})
	return out, err
}

// PutNetwork persists a network's metadata keyed by name.
func (c *Catalog) PutNetwork(n *domain.Network) error {
	return put(c.db, bucketNetworks, n.Name, n)
}

// DeleteNetwork removes a persisted network.
func (c *Catalog) DeleteNetwork(name string) error {
	return del(c.db, bucketNetworks, name)
}

// ListNetworks returns every persisted network.
func (c *Catalog) ListNetworks() ([]*domain.Network, error) {
	var out []*domain.Network
	err := c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNetworks).ForEach(func(_, v []byte) error {
			var n domain.Network
			if err := json.Unmarshal(v, &n); err != nil {
				return err
			}
			out = append(out, &n)
			return nil
		})
	})
	return out, err
}

func put(db *bolt.DB, bucket []byte, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(key), data)
	})
}

func del(db *bolt.DB, bucket []byte, key string) error {
	return db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(key))
	})
}
