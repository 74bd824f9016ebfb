package raft

import "sync"

// StateStore persists the replica's term and vote. Save must not return
// until the record is durable; the voting and step-down paths respond to
// peers only after Save succeeds.
type StateStore interface {
	Save(term uint64, votedFor string) error // durable before return
	Load() (term uint64, votedFor string, err error)
}

// MemoryState is the in-memory reference StateStore. A replica backed by it
// forgets its term and vote on restart, so it is only suitable for tests and
// throwaway clusters.
type MemoryState struct {
	mu       sync.Mutex
	term     uint64
	votedFor string
}

func NewMemoryState() *MemoryState {
	return &MemoryState{}
}

func (s *MemoryState) Save(term uint64, votedFor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.term = term
	s.votedFor = votedFor
	return nil
}

func (s *MemoryState) Load() (uint64, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.term, s.votedFor, nil
}
