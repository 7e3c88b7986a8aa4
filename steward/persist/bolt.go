// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package persist

import (
	"fmt"
	"os"
	"path/filepath"

	hclog "github.com/hashicorp/go-hclog"
	bolt "go.etcd.io/bbolt"
)

// BoltBackend stores each namespace in its own bucket of a single bbolt
// file. bbolt gives us crash safety (single-writer, fsync on commit) and
// per-key linearizability for free.
type BoltBackend struct {
	logger hclog.Logger
	db     *bolt.DB
}

// NewBoltBackend opens (or creates) the database file and ensures all core
// namespace buckets exist.
func NewBoltBackend(logger hclog.Logger, dataDir string) (*BoltBackend, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %v", err)
	}

	path := filepath.Join(dataDir, "state.db")
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open state file %q: %v", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, ns := range Namespaces() {
			if _, err := tx.CreateBucketIfNotExists([]byte(ns)); err != nil {
				return fmt.Errorf("failed to create bucket %q: %v", ns, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltBackend{
		logger: logger.Named("bolt"),
		db:     db,
	}, nil
}

func (b *BoltBackend) Put(namespace, id string, data []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(namespace))
		if bkt == nil {
			return fmt.Errorf("unknown namespace %q", namespace)
		}
		return bkt.Put([]byte(id), data)
	})
}

func (b *BoltBackend) Get(namespace, id string) ([]byte, error) {
	var out []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(namespace))
		if bkt == nil {
			return fmt.Errorf("unknown namespace %q", namespace)
		}
		val := bkt.Get([]byte(id))
		if val == nil {
			return ErrKeyNotFound
		}
		// The slice is only valid inside the txn.
		out = append([]byte(nil), val...)
		return nil
	})
	return out, err
}

func (b *BoltBackend) List(namespace string) ([]string, error) {
	var keys []string
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(namespace))
		if bkt == nil {
			return fmt.Errorf("unknown namespace %q", namespace)
		}
		return bkt.ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}

func (b *BoltBackend) Delete(namespace, id string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(namespace))
		if bkt == nil {
			return fmt.Errorf("unknown namespace %q", namespace)
		}
		return bkt.Delete([]byte(id))
	})
}

func (b *BoltBackend) Close() error {
	return b.db.Close()
}
