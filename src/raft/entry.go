package raft

import (
	"fmt"
	"sync"

	"google.golang.org/protobuf/encoding/protowire"
)

// EntryKind tags the payload carried by a log entry.
type EntryKind uint8

const (
	EntryNone         EntryKind = iota // placeholder, nothing to apply
	EntryOperation                     // opaque command for the state machine
	EntryConfigChange                  // cluster membership change (replicated, never applied)
)

// EntryID identifies a log entry by the term it was created in and its
// position in the log. The index space starts at 1; the zero value means
// "no entry".
type EntryID struct {
	Term  uint64
	Index uint64
}

// IsZero reports whether the id refers to no entry at all.
func (id EntryID) IsZero() bool {
	return id.Term == 0 && id.Index == 0
}

func (id EntryID) String() string {
	return fmt.Sprintf("(t%d,i%d)", id.Term, id.Index)
}

// Entry is a single record in the replicated log. Entries are immutable once
// appended unless a later leader overwrites a conflicting suffix.
type Entry struct {
	ID   EntryID
	Kind EntryKind
	Op   []byte // payload, meaningful when Kind == EntryOperation
}

// protowire field numbers for Entry, shared by the peer codec and the
// durable log store.
const (
	entryFieldTerm  = 1
	entryFieldIndex = 2
	entryFieldKind  = 3
	entryFieldOp    = 4
)

// Marshal encodes the entry as a protobuf wire message.
func (e Entry) Marshal() []byte {
	b := make([]byte, 0, 16+len(e.Op))
	b = protowire.AppendTag(b, entryFieldTerm, protowire.VarintType)
	b = protowire.AppendVarint(b, e.ID.Term)
	b = protowire.AppendTag(b, entryFieldIndex, protowire.VarintType)
	b = protowire.AppendVarint(b, e.ID.Index)
	b = protowire.AppendTag(b, entryFieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Kind))
	if len(e.Op) > 0 {
		b = protowire.AppendTag(b, entryFieldOp, protowire.BytesType)
		b = protowire.AppendBytes(b, e.Op)
	}
	return b
}

// UnmarshalEntry decodes an entry from its protobuf wire form.
func UnmarshalEntry(b []byte) (Entry, error) {
	var e Entry
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Entry{}, fmt.Errorf("entry: bad tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case entryFieldTerm:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Entry{}, fmt.Errorf("entry: bad term: %w", protowire.ParseError(n))
			}
			e.ID.Term = v
			b = b[n:]
		case entryFieldIndex:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Entry{}, fmt.Errorf("entry: bad index: %w", protowire.ParseError(n))
			}
			e.ID.Index = v
			b = b[n:]
		case entryFieldKind:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Entry{}, fmt.Errorf("entry: bad kind: %w", protowire.ParseError(n))
			}
			e.Kind = EntryKind(v)
			b = b[n:]
		case entryFieldOp:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Entry{}, fmt.Errorf("entry: bad op: %w", protowire.ParseError(n))
			}
			e.Op = append([]byte(nil), v...)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Entry{}, fmt.Errorf("entry: bad field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return e, nil
}

// Cursor is a finite, restartable iteration over log entries.
type Cursor interface {
	Next() (Entry, bool) // next entry, false when exhausted
}

// LogStore is the log-entry-sequence contract consumed by the core.
// Durable implementations must have committed a mutation before returning
// from AppendOrOverwrite.
type LogStore interface {
	AppendOrOverwrite(entries []Entry) error // append, replacing any conflicting suffix
	Entry(index uint64) (Entry, error)       // point lookup, ErrNotFound when absent
	LastID() EntryID                         // id of the newest entry, zero when empty
	Cursor(from uint64) Cursor               // forward iteration starting at index from
	ReverseCursor() Cursor                   // backward iteration starting at the newest entry
}

// MemoryLog is the in-memory reference LogStore. It is the default store for
// tests and for replicas that accept losing their log on restart.
type MemoryLog struct {
	mu      sync.RWMutex
	entries []Entry // entries[i] holds index i+1
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

func (l *MemoryLog) AppendOrOverwrite(entries []Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, e := range entries {
		if e.ID.Index == 0 {
			return fmt.Errorf("log: entry %d has index 0", i)
		}
		pos := int(e.ID.Index) - 1
		if pos > len(l.entries) {
			return fmt.Errorf("log: gap before index %d (last is %d)", e.ID.Index, len(l.entries))
		}
		if pos < len(l.entries) {
			if l.entries[pos].ID == e.ID {
				continue // already present, nothing to do
			}
			// conflicting suffix, drop it
			l.entries = l.entries[:pos]
		}
		l.entries = append(l.entries, e)
	}
	return nil
}

func (l *MemoryLog) Entry(index uint64) (Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if index == 0 || int(index) > len(l.entries) {
		return Entry{}, fmt.Errorf("log: index %d: %w", index, ErrNotFound)
	}
	return l.entries[index-1], nil
}

func (l *MemoryLog) LastID() EntryID {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if len(l.entries) == 0 {
		return EntryID{}
	}
	return l.entries[len(l.entries)-1].ID
}

func (l *MemoryLog) Cursor(from uint64) Cursor {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if from == 0 {
		from = 1
	}
	if int(from) > len(l.entries) {
		return &sliceCursor{}
	}
	snap := append([]Entry(nil), l.entries[from-1:]...)
	return &sliceCursor{entries: snap}
}

func (l *MemoryLog) ReverseCursor() Cursor {
	l.mu.RLock()
	defer l.mu.RUnlock()

	snap := make([]Entry, len(l.entries))
	for i, e := range l.entries {
		snap[len(l.entries)-1-i] = e
	}
	return &sliceCursor{entries: snap}
}

// sliceCursor walks a snapshot copy, so iteration is stable under
// concurrent log mutation.
type sliceCursor struct {
	entries []Entry
	pos     int
}

func (c *sliceCursor) Next() (Entry, bool) {
	if c.pos >= len(c.entries) {
		return Entry{}, false
	}
	e := c.entries[c.pos]
	c.pos++
	return e, true
}
