// Package cache is the client-side offline cache: a local durable store
// holding the latest known full-state blob per workspace. It is loaded
// before first server contact and merged, not replaced, once the server
// delivers authoritative history.
package cache

import (
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketWorkspaces = []byte("workspaces")

// Cache wraps a bbolt file.
type Cache struct {
	db *bolt.DB
}

// Open opens or creates the cache file.
func Open(path string) (*Cache, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open cache %q: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketWorkspaces)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to init cache: %w", err)
	}
	return &Cache{db: db}, nil
}

// Save stores the latest full-state blob for the workspace, replacing any
// previous one.
func (c *Cache) Save(workspaceID string, state []byte) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWorkspaces).Put([]byte(workspaceID), state)
	})
}

// Load returns the cached blob for the workspace, or nil when there is
// none.
func (c *Cache) Load(workspaceID string) ([]byte, error) {
	var out []byte
	err := c.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketWorkspaces).Get([]byte(workspaceID)); v != nil {
			out = make([]byte, len(v))
			copy(out, v)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read cache: %w", err)
	}
	return out, nil
}

// Delete drops the cached blob for the workspace. Used when a cached blob
// fails to parse.
func (c *Cache) Delete(workspaceID string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWorkspaces).Delete([]byte(workspaceID))
	})
}

func (c *Cache) Close() error {
	return c.db.Close()
}
