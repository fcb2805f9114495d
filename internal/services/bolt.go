package services

import (
	"context"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// BoltDB implements the session store using a BoltDB backend. Values live in a single bucket; writes
// of several keys happen in one transaction, so a snapshot is never half-written.
type BoltDB struct {
	db *bolt.DB
}

var sessionBucket = []byte("session")

// NewBoltDB creates a new BoltDB instance with the specified file path. It initializes the database
// with the required bucket and returns an error if the database cannot be opened or initialized. The
// database file is created with 0600 permissions if it doesn't exist.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(sessionBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return BoltDB{}, fmt.Errorf("failed to create bucket: %w", err)
	}

	return BoltDB{db: db}, nil
}

// Get returns the value stored under key. The boolean is false if the key has never been set.
func (b BoltDB) Get(_ context.Context, key string) (string, bool, error) {
	var value string
	var found bool
	err := b.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket(sessionBucket)
		if bk == nil {
			return nil
		}
		v := bk.Get([]byte(key))
		if v == nil {
			return nil
		}
		// v is only valid inside the transaction.
		value = string(v)
		found = true
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return value, found, nil
}

// Set stores value under key.
func (b BoltDB) Set(ctx context.Context, key, value string) error {
	return b.SetAll(ctx, map[string]string{key: value})
}

// SetAll stores every key-value pair of kv in one transaction.
func (b BoltDB) SetAll(_ context.Context, kv map[string]string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bk, err := tx.CreateBucketIfNotExists(sessionBucket)
		if err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
		for k, v := range kv {
			if err := bk.Put([]byte(k), []byte(v)); err != nil {
				return fmt.Errorf("failed to put %s: %w", k, err)
			}
		}
		return nil
	})
}

// Close releases the database file.
func (b BoltDB) Close() error {
	return b.db.Close()
}
