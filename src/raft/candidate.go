package raft

import (
	"context"
	"time"

	logs "github.com/danmuck/smplog"
)

// candidate drives one election: term bump, self-vote, parallel vote
// requests. It leaves for Leader the instant a quorum is granted, for
// Follower when a higher term shows up, and restarts itself when the
// election timer fires first (split vote, lost requests).
type candidate struct {
	r      *Replica
	ctx    context.Context
	cancel context.CancelFunc
	timer  *time.Timer
	votes  int
}

func newCandidate(r *Replica) *candidate {
	ctx, cancel := context.WithCancel(r.ctx)
	return &candidate{r: r, ctx: ctx, cancel: cancel}
}

func (c *candidate) name() RoleName { return Candidate }

func (c *candidate) enter() {
	r := c.r

	r.currentTerm++
	r.votedFor = r.opts.SelfID
	r.leaderID = ""
	if err := r.persistLocked(); err != nil {
		// an unpersisted self-vote must not leave this process; sit out the
		// round, the election timer will retry
		logs.Errorf(err, "replica %s: persist candidacy for term %d", r.opts.SelfID, r.currentTerm)
		c.arm()
		return
	}

	logs.Infof("replica %s: campaigning for term %d", r.opts.SelfID, r.currentTerm)
	c.votes = 1 // self-vote counts immediately
	c.arm()

	if c.votes >= r.opts.Quorum() {
		// single-replica set: quorum is already met
		r.becomeLocked(newLeader(r))
		return
	}

	req := &VoteRequest{
		Term:        r.currentTerm,
		CandidateID: r.opts.SelfID,
		LastID:      r.log.LastID(),
	}
	for id, peer := range r.peers {
		go c.solicit(id, peer, req)
	}
}

func (c *candidate) exit() {
	c.cancel()
	if c.timer != nil {
		c.timer.Stop()
	}
}

func (c *candidate) arm() {
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.r.electionTimeout(), c.onTimeout)
}

// onTimeout restarts the election with a fresh randomized timeout and an
// incremented term; the randomization bounds split-vote probability.
func (c *candidate) onTimeout() {
	r := c.r
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.isCurrentLocked(c) {
		return
	}
	logs.Debugf("replica %s: election timed out at term %d, retrying", r.opts.SelfID, r.currentTerm)
	r.becomeLocked(newCandidate(r))
}

// solicit requests one peer's vote and feeds the tally.
func (c *candidate) solicit(id string, peer Peer, req *VoteRequest) {
	resp, err := peer.RequestVote(c.ctx, req)
	if err != nil {
		logs.Debugf("replica %s: vote request to %s failed: %v", c.r.opts.SelfID, id, err)
		return
	}

	r := c.r
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.isCurrentLocked(c) {
		return
	}
	// a greater term in the response ends the candidacy whether or not the
	// step-down could persist; the vote is unusable either way
	if greater, _ := r.stepDownIfGreaterTermLocked(resp.Term); greater {
		return
	}
	if !resp.Granted || resp.Term != r.currentTerm {
		return
	}

	c.votes++
	logs.Debugf("replica %s: vote from %s (%d/%d)", r.opts.SelfID, id, c.votes, r.opts.Quorum())
	if c.votes >= r.opts.Quorum() {
		// quorum reached; remaining responses are irrelevant
		r.becomeLocked(newLeader(r))
	}
}

// append: an AppendEntries at our own term means a leader won this election;
// yield and let the fresh follower handle the request. Terms above ours were
// already handled by the coordinator's step-down.
func (c *candidate) append(req *AppendRequest) *AppendResponse {
	r := c.r
	if req.Term < r.currentTerm {
		return &AppendResponse{Term: r.currentTerm, LastID: r.log.LastID()}
	}
	r.becomeLocked(newFollower(r))
	return r.current.append(req)
}

// requestVote: the self-vote for this term is already spent.
func (c *candidate) requestVote(req *VoteRequest) *VoteResponse {
	return &VoteResponse{Term: c.r.currentTerm}
}
