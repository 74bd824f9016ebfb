package raft

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	logs "github.com/danmuck/smplog"
)

// Replica is the role coordinator: the single entry point for inbound RPCs
// and for Replicate calls from the consuming service. It owns the current
// role, serializes role transitions, and implements the cross-cutting
// step-down rule shared by all roles.
type Replica struct {
	opts    ReplicaSetOptions
	log     LogStore
	state   StateStore
	machine StateMachine
	peers   map[string]Peer

	ctx    context.Context
	cancel context.CancelFunc

	applyCh   chan struct{}
	applyDone chan struct{}

	mu      sync.Mutex
	started bool
	stopped bool
	current role

	// persistent record, mirrored from the state store
	currentTerm uint64
	votedFor    string

	// volatile record
	commitIndex  uint64
	lastApplied  uint64
	leaderID     string
	resetPending bool // leader accession queued a state machine rebuild
}

// NewReplica wires a replica from its collaborators. peers maps every id in
// opts.PeerIDs() to its RPC client. The persistent term and vote are loaded
// from the state store; Start must be called before the replica handles RPCs.
func NewReplica(opts ReplicaSetOptions, log LogStore, state StateStore, machine StateMachine, peers map[string]Peer) (*Replica, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	for _, id := range opts.PeerIDs() {
		if _, ok := peers[id]; !ok {
			return nil, fmt.Errorf("replica: no peer client for %q", id)
		}
	}

	term, votedFor, err := state.Load()
	if err != nil {
		return nil, fmt.Errorf("replica: load persistent state: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Replica{
		opts:        opts,
		log:         log,
		state:       state,
		machine:     machine,
		peers:       peers,
		ctx:         ctx,
		cancel:      cancel,
		applyCh:     make(chan struct{}, 1),
		applyDone:   make(chan struct{}),
		currentTerm: term,
		votedFor:    votedFor,
	}
	return r, nil
}

// Start enters the initial Follower role and starts the applier.
func (r *Replica) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return fmt.Errorf("replica: already started")
	}
	r.started = true
	go r.applier()
	logs.Infof("replica %s: starting at term %d", r.opts.SelfID, r.currentTerm)
	r.becomeLocked(newFollower(r))
	return nil
}

// Stop exits the active role, cancels all spawned work and waits for the
// applier to drain.
func (r *Replica) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	if r.current != nil {
		r.current.exit()
		r.current = nil
	}
	r.mu.Unlock()

	r.cancel()
	<-r.applyDone
	logs.Infof("replica %s: stopped", r.opts.SelfID)
}

// RequestVote handles an inbound vote request, stepping down first if the
// candidate's term is newer.
func (r *Replica) RequestVote(req *VoteRequest) *VoteResponse {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return &VoteResponse{Term: r.currentTerm}
	}
	if _, err := r.stepDownIfGreaterTermLocked(req.Term); err != nil {
		return &VoteResponse{Term: r.currentTerm}
	}
	return r.current.requestVote(req)
}

// Append handles an inbound append/heartbeat request, stepping down first if
// the leader's term is newer. After a step-down the request is re-dispatched
// to the fresh Follower role.
func (r *Replica) Append(req *AppendRequest) *AppendResponse {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return &AppendResponse{Term: r.currentTerm, LastID: r.log.LastID()}
	}
	if _, err := r.stepDownIfGreaterTermLocked(req.Term); err != nil {
		return &AppendResponse{Term: r.currentTerm, LastID: r.log.LastID()}
	}
	return r.current.append(req)
}

// Replicate appends one entry per operation under the current term and runs
// a replication round. A nil batch triggers a no-op heartbeat round. On a
// non-leader it fails with a NotLeaderError naming the known leader.
func (r *Replica) Replicate(ctx context.Context, operations [][]byte) ([]Entry, error) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil, ErrStopped
	}
	ldr, ok := r.current.(*leader)
	if !ok {
		hint := r.leaderID
		r.mu.Unlock()
		return nil, &NotLeaderError{LeaderID: hint}
	}

	entries, err := ldr.appendLocalLocked(operations)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	r.mu.Unlock()

	ldr.round(ctx)
	return entries, nil
}

// Status reports a snapshot of the replica's observable state.
type Status struct {
	ID          string
	Role        RoleName
	Term        uint64
	CommitIndex uint64
	LastApplied uint64
	LastLogID   EntryID
	LeaderID    string
}

func (r *Replica) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := Status{
		ID:          r.opts.SelfID,
		Term:        r.currentTerm,
		CommitIndex: r.commitIndex,
		LastApplied: r.lastApplied,
		LastLogID:   r.log.LastID(),
		LeaderID:    r.leaderID,
	}
	if r.current != nil {
		st.Role = r.current.name()
	}
	return st
}

// LeaderHint returns the id of the replica currently believed to be leader.
func (r *Replica) LeaderHint() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaderID
}

func (r *Replica) IsLeader() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.current.(*leader)
	return ok
}

// internal

// stepDownIfGreaterTerm is the uniform handling of any message bearing a
// term above currentTerm: persist the new term with a cleared vote, then
// transition to Follower. Reports whether a greater term was observed. If
// the persist fails the old term and role are kept, the error is returned,
// and the triggering request must be rejected; an unpersisted term must
// never back a response.
func (r *Replica) stepDownIfGreaterTermLocked(term uint64) (bool, error) {
	if term <= r.currentTerm {
		return false, nil
	}
	logs.Debugf("replica %s: term %d observed above %d, stepping down", r.opts.SelfID, term, r.currentTerm)
	prevTerm, prevVote := r.currentTerm, r.votedFor
	r.currentTerm = term
	r.votedFor = ""
	if err := r.persistLocked(); err != nil {
		logs.Errorf(err, "replica %s: persist on step-down", r.opts.SelfID)
		r.currentTerm, r.votedFor = prevTerm, prevVote
		return true, err
	}
	r.becomeLocked(newFollower(r))
	return true, nil
}

// becomeLocked swaps the active role: the exiting role cancels its timers
// and in-flight work before the entering role's enter runs. enter may
// transition again recursively; the chain settles before any new RPC is
// dispatched because the mutex is held throughout.
func (r *Replica) becomeLocked(next role) {
	if r.stopped {
		return
	}
	if r.current != nil {
		r.current.exit()
	}
	r.current = next
	logs.Debugf("replica %s: entering %s at term %d", r.opts.SelfID, next.name(), r.currentTerm)
	next.enter()
}

// isCurrentLocked reports whether ro is still the active role. Goroutines
// spawned by a role re-check this after every suspension point before
// mutating shared state.
func (r *Replica) isCurrentLocked(ro role) bool {
	return !r.stopped && r.current == ro
}

func (r *Replica) persistLocked() error {
	return r.state.Save(r.currentTerm, r.votedFor)
}

// electionTimeout rolls a fresh randomized timeout from the configured range.
func (r *Replica) electionTimeout() time.Duration {
	min := r.opts.ElectionTimeoutMin()
	max := r.opts.ElectionTimeoutMax()
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}

// signalApply nudges the applier; coalesced, never blocks.
func (r *Replica) signalApply() {
	select {
	case r.applyCh <- struct{}{}:
	default:
	}
}

// applier is the single goroutine that touches the state machine. It owns
// lastApplied advancement and the rebuild requested by a leader accession.
func (r *Replica) applier() {
	defer close(r.applyDone)
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-r.applyCh:
			r.applyCommitted()
		}
	}
}

func (r *Replica) applyCommitted() {
	for {
		r.mu.Lock()
		if r.resetPending {
			r.resetPending = false
			r.lastApplied = 0
			r.mu.Unlock()
			if err := r.machine.Reset(r.ctx); err != nil {
				logs.Errorf(err, "replica %s: state machine reset", r.opts.SelfID)
				return
			}
			continue
		}
		if r.lastApplied >= r.commitIndex {
			r.mu.Unlock()
			return
		}
		index := r.lastApplied + 1
		r.mu.Unlock()

		entry, err := r.log.Entry(index)
		if err != nil {
			logs.Errorf(err, "replica %s: committed entry %d missing", r.opts.SelfID, index)
			return
		}

		// configuration changes are replicated but never applied; membership
		// change semantics live outside this core
		if entry.Kind == EntryOperation {
			if err := r.machine.Apply(r.ctx, entry); err != nil {
				logs.Errorf(err, "replica %s: apply entry %s", r.opts.SelfID, entry.ID)
				return
			}
		}

		r.mu.Lock()
		if r.lastApplied == index-1 {
			r.lastApplied = index
		}
		r.mu.Unlock()
	}
}
