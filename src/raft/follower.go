package raft

import (
	"time"

	logs "github.com/danmuck/smplog"
)

// follower passively accepts appends and vote requests. Valid leader contact
// re-arms its election timer; silence for a full randomized timeout fires
// the transition to candidate.
type follower struct {
	r     *Replica
	timer *time.Timer
}

func newFollower(r *Replica) *follower {
	return &follower{r: r}
}

func (f *follower) name() RoleName { return Follower }

func (f *follower) enter() {
	f.arm()
}

func (f *follower) exit() {
	if f.timer != nil {
		f.timer.Stop()
	}
}

// arm re-rolls the randomized election timeout. Called with the replica
// mutex held.
func (f *follower) arm() {
	if f.timer != nil {
		f.timer.Stop()
	}
	f.timer = time.AfterFunc(f.r.electionTimeout(), f.onTimeout)
}

// onTimeout fires on the timer goroutine; a stale fire after exit is
// discarded by the isCurrent check.
func (f *follower) onTimeout() {
	r := f.r
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.isCurrentLocked(f) {
		return
	}
	logs.Debugf("replica %s: election timeout, becoming candidate", r.opts.SelfID)
	r.becomeLocked(newCandidate(r))
}

func (f *follower) append(req *AppendRequest) *AppendResponse {
	r := f.r

	if req.Term < r.currentTerm {
		return &AppendResponse{Term: r.currentTerm, LastID: r.log.LastID()}
	}

	// valid leader contact for this term
	f.arm()
	r.leaderID = req.LeaderID

	// log-matching check: the entry preceding the batch must be present
	// with the exact same id
	if req.PrevID.Index > 0 {
		prev, err := r.log.Entry(req.PrevID.Index)
		if err != nil || prev.ID != req.PrevID {
			logs.Debugf("replica %s: append rejected, no entry %s", r.opts.SelfID, req.PrevID)
			return &AppendResponse{Term: r.currentTerm, LastID: r.log.LastID()}
		}
	}

	if len(req.Entries) > 0 {
		if err := r.log.AppendOrOverwrite(req.Entries); err != nil {
			logs.Errorf(err, "replica %s: append to log", r.opts.SelfID)
			return &AppendResponse{Term: r.currentTerm, LastID: r.log.LastID()}
		}
	}

	lastNew := req.PrevID.Index + uint64(len(req.Entries))
	if req.LeaderCommit > r.commitIndex {
		next := req.LeaderCommit
		if lastNew < next {
			next = lastNew
		}
		if next > r.commitIndex {
			r.commitIndex = next
			r.signalApply()
		}
	}

	return &AppendResponse{Term: r.currentTerm, Success: true, LastID: r.log.LastID()}
}

func (f *follower) requestVote(req *VoteRequest) *VoteResponse {
	r := f.r

	if req.Term < r.currentTerm {
		return &VoteResponse{Term: r.currentTerm}
	}
	if r.votedFor != "" && r.votedFor != req.CandidateID {
		return &VoteResponse{Term: r.currentTerm}
	}
	if !f.candidateUpToDate(req.LastID) {
		logs.Debugf("replica %s: vote denied to %s, log behind", r.opts.SelfID, req.CandidateID)
		return &VoteResponse{Term: r.currentTerm}
	}

	// the grant must be durable before the response leaves
	r.votedFor = req.CandidateID
	if err := r.persistLocked(); err != nil {
		logs.Errorf(err, "replica %s: persist vote for %s", r.opts.SelfID, req.CandidateID)
		r.votedFor = ""
		return &VoteResponse{Term: r.currentTerm}
	}

	f.arm()
	logs.Debugf("replica %s: vote granted to %s for term %d", r.opts.SelfID, req.CandidateID, r.currentTerm)
	return &VoteResponse{Term: r.currentTerm, Granted: true}
}

// candidateUpToDate compares the candidate's last entry against ours, by
// term then index.
func (f *follower) candidateUpToDate(candidateLast EntryID) bool {
	last := f.r.log.LastID()
	if candidateLast.Term != last.Term {
		return candidateLast.Term > last.Term
	}
	return candidateLast.Index >= last.Index
}
