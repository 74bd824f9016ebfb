package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/boltdb/bolt"

	"github.com/danmuck/dps_raft/src/raft"
)

// BoltLog implements raft.LogStore on a bolt bucket keyed by big-endian
// index. Entries are stored in their protobuf wire form.
type BoltLog struct {
	db *bolt.DB
}

func (l *BoltLog) AppendOrOverwrite(entries []raft.Entry) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLog)
		for _, e := range entries {
			if e.ID.Index == 0 {
				return fmt.Errorf("storage: entry with index 0")
			}
			k := indexKey(e.ID.Index)
			if existing := b.Get(k); existing != nil {
				old, err := raft.UnmarshalEntry(existing)
				if err != nil {
					return fmt.Errorf("storage: decode entry %d: %w", e.ID.Index, err)
				}
				if old.ID == e.ID {
					continue // already present
				}
				// conflicting suffix, drop everything from here up
				last := lastIndexTx(b)
				for i := e.ID.Index; i <= last; i++ {
					if err := b.Delete(indexKey(i)); err != nil {
						return err
					}
				}
			} else if e.ID.Index > 1 && b.Get(indexKey(e.ID.Index-1)) == nil {
				return fmt.Errorf("storage: gap before index %d", e.ID.Index)
			}
			if err := b.Put(k, e.Marshal()); err != nil {
				return err
			}
		}
		return nil
	})
}

func (l *BoltLog) Entry(index uint64) (raft.Entry, error) {
	var e raft.Entry
	err := l.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketLog).Get(indexKey(index))
		if v == nil {
			return fmt.Errorf("storage: index %d: %w", index, raft.ErrNotFound)
		}
		var err error
		e, err = raft.UnmarshalEntry(v)
		return err
	})
	return e, err
}

func (l *BoltLog) LastID() raft.EntryID {
	var id raft.EntryID
	l.db.View(func(tx *bolt.Tx) error {
		k, v := tx.Bucket(bucketLog).Cursor().Last()
		if k == nil {
			return nil
		}
		e, err := raft.UnmarshalEntry(v)
		if err != nil {
			return err
		}
		id = e.ID
		return nil
	})
	return id
}

// Cursor returns a forward iteration from the given index. The entries are
// snapshot-copied inside one read transaction, so the cursor stays stable
// under concurrent writes and can be restarted by asking for a fresh one.
func (l *BoltLog) Cursor(from uint64) raft.Cursor {
	if from == 0 {
		from = 1
	}
	return &snapshotCursor{entries: l.snapshot(from, false)}
}

func (l *BoltLog) ReverseCursor() raft.Cursor {
	return &snapshotCursor{entries: l.snapshot(1, true)}
}

func (l *BoltLog) snapshot(from uint64, reverse bool) []raft.Entry {
	var out []raft.Entry
	l.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketLog).Cursor()
		for k, v := c.Seek(indexKey(from)); k != nil; k, v = c.Next() {
			e, err := raft.UnmarshalEntry(v)
			if err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	if reverse {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out
}

func lastIndexTx(b *bolt.Bucket) uint64 {
	k, _ := b.Cursor().Last()
	if k == nil {
		return 0
	}
	return binary.BigEndian.Uint64(k)
}

type snapshotCursor struct {
	entries []raft.Entry
	pos     int
}

func (c *snapshotCursor) Next() (raft.Entry, bool) {
	if c.pos >= len(c.entries) {
		return raft.Entry{}, false
	}
	e := c.entries[c.pos]
	c.pos++
	return e, true
}
