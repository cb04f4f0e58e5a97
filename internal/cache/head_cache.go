package cache

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const headsBucket = "repository_heads"

// HeadCache remembers the last ingested HEAD of every repository clone,
// so unchanged repositories can skip the history scan.
type HeadCache struct {
	db *bolt.DB
}

// OpenHeadCache opens (or creates) the bbolt file at path
func OpenHeadCache(path string) (*HeadCache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open head cache %s: %w", path, err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(headsBucket))
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("init head cache: %w", err)
	}

	return &HeadCache{db: db}, nil
}

// Get returns the cached HEAD for repoPath, or "" when none is stored
func (c *HeadCache) Get(repoPath string) (string, error) {
	var head string
	err := c.db.View(func(tx *bolt.Tx) error {
		if data := tx.Bucket([]byte(headsBucket)).Get([]byte(repoPath)); data != nil {
			head = string(data)
		}
		return nil
	})
	return head, err
}

// Set records head as the last ingested HEAD of repoPath
func (c *HeadCache) Set(repoPath, head string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(headsBucket)).Put([]byte(repoPath), []byte(head))
	})
}

// Forget drops every entry under prefix, e.g. an assignment's clone tree
func (c *HeadCache) Forget(prefix string) (int, error) {
	removed := 0
	err := c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(headsBucket))
		cur := b.Cursor()
		p := []byte(prefix)

		// deleting under a live cursor skips keys, so collect first
		var keys [][]byte
		for k, _ := cur.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = cur.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

// Close closes the underlying bbolt file
func (c *HeadCache) Close() error {
	return c.db.Close()
}
