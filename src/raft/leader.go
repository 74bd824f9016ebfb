package raft

import (
	"context"
	"sync"
	"time"

	logs "github.com/danmuck/smplog"
)

// progress tracks one follower from the leader's point of view: the next
// entry to send and the highest entry confirmed present. Each per-follower
// catch-up task mutates only its own entry.
type progress struct {
	next  uint64
	match uint64
}

// leader owns the replication pipeline for as long as this replica believes
// itself leader for the current term: per-follower progress, the heartbeat
// timer, batched catch-up with log repair, and quorum-based commit
// advancement.
type leader struct {
	r      *Replica
	ctx    context.Context
	cancel context.CancelFunc
	ticker *time.Ticker

	progress map[string]*progress
	lastSent time.Time // last outbound replication round, guarded by r.mu
}

func newLeader(r *Replica) *leader {
	ctx, cancel := context.WithCancel(r.ctx)
	return &leader{r: r, ctx: ctx, cancel: cancel}
}

func (l *leader) name() RoleName { return Leader }

func (l *leader) enter() {
	r := l.r

	last := r.log.LastID()
	l.progress = make(map[string]*progress, len(r.peers))
	for id := range r.peers {
		l.progress[id] = &progress{next: last.Index + 1}
	}
	r.leaderID = r.opts.SelfID

	// rebuild the consuming state machine from the committed log
	r.resetPending = true
	r.signalApply()

	logs.Infof("replica %s: leading term %d (last log %s)", r.opts.SelfID, r.currentTerm, last)

	l.ticker = time.NewTicker(r.opts.HeartbeatTimeout())
	go l.heartbeatLoop()
	// announce leadership without waiting for the first tick
	go l.round(l.ctx)
}

func (l *leader) exit() {
	l.cancel()
	if l.ticker != nil {
		l.ticker.Stop()
	}
}

func (l *leader) heartbeatLoop() {
	for {
		select {
		case <-l.ctx.Done():
			return
		case <-l.ticker.C:
			l.sendHeartBeats()
		}
	}
}

// sendHeartBeats triggers an idle replication round, unless something was
// already sent within the last heartbeat interval.
func (l *leader) sendHeartBeats() {
	r := l.r
	r.mu.Lock()
	if !r.isCurrentLocked(l) {
		r.mu.Unlock()
		return
	}
	if time.Since(l.lastSent) < r.opts.HeartbeatTimeout() {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	l.round(l.ctx)
}

// appendLocalLocked assigns the next contiguous ids under the current term
// and appends the batch to the local log. A nil batch appends nothing; the
// caller still runs a round, which is the no-op heartbeat.
func (l *leader) appendLocalLocked(operations [][]byte) ([]Entry, error) {
	if len(operations) == 0 {
		return nil, nil
	}
	r := l.r
	last := r.log.LastID()
	entries := make([]Entry, len(operations))
	for i, op := range operations {
		entries[i] = Entry{
			ID:   EntryID{Term: r.currentTerm, Index: last.Index + 1 + uint64(i)},
			Kind: EntryOperation,
			Op:   op,
		}
	}
	if err := r.log.AppendOrOverwrite(entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// round fans out one catch-up task per follower, joins on all of them, and
// recomputes the commit index once if any match index advanced. The join
// is what makes the commit recomputation read settled progress.
func (l *leader) round(ctx context.Context) {
	r := l.r
	r.mu.Lock()
	if !r.isCurrentLocked(l) {
		r.mu.Unlock()
		return
	}
	l.lastSent = time.Now()
	r.mu.Unlock()

	var wg sync.WaitGroup
	var advmu sync.Mutex
	advanced := false
	for id, peer := range r.peers {
		wg.Add(1)
		go func(id string, peer Peer) {
			defer wg.Done()
			if l.appendOnPeer(ctx, id, peer) {
				advmu.Lock()
				advanced = true
				advmu.Unlock()
			}
		}(id, peer)
	}
	wg.Wait()

	if advanced || len(l.progress) == 0 {
		r.mu.Lock()
		if r.isCurrentLocked(l) {
			l.updateCommittedIndexLocked()
		}
		r.mu.Unlock()
	}
}

// fairness budget per follower per round, so one lagging follower cannot
// starve heartbeats to the rest and cost us leadership
func (l *leader) budget() time.Duration {
	n := len(l.progress)
	if n == 0 {
		n = 1
	}
	return l.r.opts.HeartbeatTimeout() / time.Duration(n)
}

// appendOnPeer is the per-follower catch-up loop. It sends batches starting
// at nextIndex, repairing divergence via the reported-last-id jump or a
// one-step decrement, and returns after the first accepted batch. Reports
// whether this follower's match index advanced.
func (l *leader) appendOnPeer(ctx context.Context, id string, peer Peer) bool {
	r := l.r
	deadline := time.Now().Add(l.budget())

	for {
		if ctx.Err() != nil {
			return false
		}

		r.mu.Lock()
		if !r.isCurrentLocked(l) {
			r.mu.Unlock()
			return false
		}
		term := r.currentTerm
		commit := r.commitIndex
		p := l.progress[id]
		next := p.next

		var prev EntryID
		if next > 1 {
			e, err := r.log.Entry(next - 1)
			if err != nil {
				logs.Errorf(err, "replica %s: missing entry %d for %s", r.opts.SelfID, next-1, id)
				r.mu.Unlock()
				return false
			}
			prev = e.ID
		}
		var batch []Entry
		cur := r.log.Cursor(next)
		for len(batch) < r.opts.MaxEntriesPerAppend {
			e, ok := cur.Next()
			if !ok {
				break
			}
			batch = append(batch, e)
		}
		r.mu.Unlock()

		req := &AppendRequest{
			Term:         term,
			LeaderID:     r.opts.SelfID,
			LeaderCommit: commit,
			PrevID:       prev,
			Entries:      batch,
		}
		resp, err := peer.Append(ctx, req)

		r.mu.Lock()
		if !r.isCurrentLocked(l) || r.currentTerm != term {
			r.mu.Unlock()
			return false
		}

		if err != nil {
			r.mu.Unlock()
			logs.Debugf("replica %s: append to %s failed: %v", r.opts.SelfID, id, err)
			if time.Now().After(deadline) {
				return false
			}
			time.Sleep(10 * time.Millisecond)
			continue
		}

		if resp.Term > term {
			// nothing to answer here, so a failed persist only means we
			// stay leader until the next observation of the term
			_, _ = r.stepDownIfGreaterTermLocked(resp.Term)
			r.mu.Unlock()
			return false
		}

		if resp.Success {
			sent := prev.Index + uint64(len(batch))
			made := false
			if sent > p.match {
				p.match = sent
				made = true
			}
			p.next = p.match + 1
			r.mu.Unlock()
			// one accepted batch is enough for this round
			return made
		}

		// log repair: jump straight to a badly lagging follower's end of
		// log, otherwise probe one index back
		if resp.LastID.Index < p.next {
			p.next = resp.LastID.Index
			if p.next < 1 {
				p.next = 1
			}
		} else if p.next > 1 {
			p.next--
		}
		r.mu.Unlock()

		if time.Now().After(deadline) {
			logs.Debugf("replica %s: catch-up for %s ran out of budget, deferring", r.opts.SelfID, id)
			return false
		}
	}
}

// updateCommittedIndexLocked scans the log newest to oldest and advances the
// commit index to the newest current-term entry present on a quorum. Entries
// from prior terms are never committed by counting replicas; they commit
// implicitly once a current-term entry above them does.
func (l *leader) updateCommittedIndexLocked() {
	r := l.r
	cur := r.log.ReverseCursor()
	for {
		e, ok := cur.Next()
		if !ok {
			return
		}
		if e.ID.Index <= r.commitIndex {
			return
		}
		if e.ID.Term != r.currentTerm {
			continue
		}
		count := 1 // self
		for _, p := range l.progress {
			if p.match >= e.ID.Index {
				count++
			}
		}
		if count >= r.opts.Quorum() {
			logs.Debugf("replica %s: commit index %d -> %d", r.opts.SelfID, r.commitIndex, e.ID.Index)
			r.commitIndex = e.ID.Index
			r.signalApply()
			return
		}
	}
}

// append: a second leader in our own term would break election safety, so a
// same-term append can only be stale traffic. Reject it.
func (l *leader) append(req *AppendRequest) *AppendResponse {
	return &AppendResponse{Term: l.r.currentTerm, LastID: l.r.log.LastID()}
}

// requestVote: the self-vote for this term is spent.
func (l *leader) requestVote(req *VoteRequest) *VoteResponse {
	return &VoteResponse{Term: l.r.currentTerm}
}
