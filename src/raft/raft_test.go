package raft

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakePeer scripts peer behavior for role tests. The default peer grants
// every vote and accepts every append.
type fakePeer struct {
	mu       sync.Mutex
	voteFn   func(req *VoteRequest) (*VoteResponse, error)
	appendFn func(req *AppendRequest) (*AppendResponse, error)
	votes    []*VoteRequest
	appends  []*AppendRequest
}

func (p *fakePeer) RequestVote(ctx context.Context, req *VoteRequest) (*VoteResponse, error) {
	p.mu.Lock()
	p.votes = append(p.votes, req)
	fn := p.voteFn
	p.mu.Unlock()
	if fn != nil {
		return fn(req)
	}
	return &VoteResponse{Term: req.Term, Granted: true}, nil
}

func (p *fakePeer) Append(ctx context.Context, req *AppendRequest) (*AppendResponse, error) {
	p.mu.Lock()
	p.appends = append(p.appends, req)
	fn := p.appendFn
	p.mu.Unlock()
	if fn != nil {
		return fn(req)
	}
	last := req.PrevID
	if n := len(req.Entries); n > 0 {
		last = req.Entries[n-1].ID
	}
	return &AppendResponse{Term: req.Term, Success: true, LastID: last}, nil
}

func (p *fakePeer) appendCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.appends)
}

func (p *fakePeer) appendAt(i int) *AppendRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i >= len(p.appends) {
		return nil
	}
	return p.appends[i]
}

// recorderMachine captures applied entries and resets.
type recorderMachine struct {
	mu      sync.Mutex
	applied []Entry
	resets  int
}

func (m *recorderMachine) Apply(ctx context.Context, entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applied = append(m.applied, entry)
	return nil
}

func (m *recorderMachine) Reset(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applied = nil
	m.resets++
	return nil
}

func (m *recorderMachine) appliedIndexes() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]uint64, len(m.applied))
	for i, e := range m.applied {
		out[i] = e.ID.Index
	}
	return out
}

type testCluster struct {
	replica *Replica
	machine *recorderMachine
	state   *MemoryState
	log     *MemoryLog
	peers   map[string]*fakePeer
}

// newTestReplica builds a started replica with fake peers and timers too
// slow to fire during a test, so transitions happen only when a test
// drives them.
func newTestReplica(t *testing.T, peerIDs ...string) *testCluster {
	t.Helper()

	opts := DefaultOptions()
	opts.SelfID = "self"
	opts.Replicas = []ReplicaInfo{{ID: "self"}}
	opts.ElectionTimeoutMinMS = 60_000
	opts.ElectionTimeoutMaxMS = 120_000
	opts.HeartbeatTimeoutMS = 30_000

	peers := make(map[string]Peer)
	fakes := make(map[string]*fakePeer)
	for _, id := range peerIDs {
		opts.Replicas = append(opts.Replicas, ReplicaInfo{ID: id})
		fp := &fakePeer{}
		peers[id] = fp
		fakes[id] = fp
	}

	log := NewMemoryLog()
	state := NewMemoryState()
	machine := &recorderMachine{}

	replica, err := NewReplica(opts, log, state, machine, peers)
	if err != nil {
		t.Fatalf("NewReplica failed: %v", err)
	}
	if err := replica.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(replica.Stop)

	return &testCluster{replica: replica, machine: machine, state: state, log: log, peers: fakes}
}

// promote installs the replica as leader for a fresh term, the way a won
// election would.
func (tc *testCluster) promote(t *testing.T) {
	t.Helper()
	r := tc.replica
	r.mu.Lock()
	r.currentTerm++
	r.votedFor = r.opts.SelfID
	if err := r.persistLocked(); err != nil {
		r.mu.Unlock()
		t.Fatalf("persist failed: %v", err)
	}
	r.becomeLocked(newLeader(r))
	r.mu.Unlock()
}

// campaign kicks off an election without waiting for the timer.
func (tc *testCluster) campaign() {
	r := tc.replica
	r.mu.Lock()
	r.becomeLocked(newCandidate(r))
	r.mu.Unlock()
}

func (tc *testCluster) seedLog(t *testing.T, term uint64, n int) {
	t.Helper()
	last := tc.log.LastID()
	entries := make([]Entry, n)
	for i := range entries {
		entries[i] = Entry{
			ID:   EntryID{Term: term, Index: last.Index + 1 + uint64(i)},
			Kind: EntryOperation,
			Op:   []byte{byte(i)},
		}
	}
	if err := tc.log.AppendOrOverwrite(entries); err != nil {
		t.Fatalf("seed log failed: %v", err)
	}
}

func waitFor(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
