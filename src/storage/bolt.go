// Package storage provides the durable collaborators of a replica: the
// log-entry store and the term/vote record, both backed by a single bolt
// database. Bolt commits an fsynced transaction before Update returns,
// which is what lets the core respond to peers only after a write is
// durable.
package storage

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/boltdb/bolt"
	logs "github.com/danmuck/smplog"
)

var (
	bucketLog   = []byte("log")
	bucketState = []byte("state")

	keyTerm     = []byte("term")
	keyVotedFor = []byte("voted_for")
)

// Store owns the bolt database shared by the log and state records.
type Store struct {
	db *bolt.DB
}

// Open creates or opens the replica database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketLog); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketState); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: init %s: %w", path, err)
	}
	logs.Debugf("storage: opened %s", path)
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Log returns the durable log-entry store backed by this database.
func (s *Store) Log() *BoltLog {
	return &BoltLog{db: s.db}
}

// State returns the durable term/vote record backed by this database.
func (s *Store) State() *BoltState {
	return &BoltState{db: s.db}
}

// indexKey encodes a log index as an 8-byte big-endian key, so bucket order
// is log order.
func indexKey(index uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, index)
	return k
}
