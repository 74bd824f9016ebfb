package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/boltdb/bolt"
)

// BoltState implements raft.StateStore. Save returns only after the bolt
// transaction has committed, satisfying the durable-before-respond rule.
type BoltState struct {
	db *bolt.DB
}

func (s *BoltState) Save(term uint64, votedFor string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketState)
		t := make([]byte, 8)
		binary.BigEndian.PutUint64(t, term)
		if err := b.Put(keyTerm, t); err != nil {
			return err
		}
		return b.Put(keyVotedFor, []byte(votedFor))
	})
	if err != nil {
		return fmt.Errorf("storage: save term/vote: %w", err)
	}
	return nil
}

func (s *BoltState) Load() (uint64, string, error) {
	var term uint64
	var votedFor string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketState)
		if v := b.Get(keyTerm); len(v) == 8 {
			term = binary.BigEndian.Uint64(v)
		}
		if v := b.Get(keyVotedFor); v != nil {
			votedFor = string(v)
		}
		return nil
	})
	if err != nil {
		return 0, "", fmt.Errorf("storage: load term/vote: %w", err)
	}
	return term, votedFor, nil
}
