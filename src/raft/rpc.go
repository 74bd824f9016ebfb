package raft

import "context"

// VoteRequest asks a peer for its vote in the candidate's term.
type VoteRequest struct {
	Term        uint64
	CandidateID string
	LastID      EntryID // id of the candidate's newest log entry
}

// VoteResponse reports whether the vote was granted and the responder's term.
type VoteResponse struct {
	Term    uint64
	Granted bool
}

// AppendRequest replicates log entries. An empty Entries slice is a valid
// heartbeat. PrevID is the id the follower's log must contain immediately
// before the new entries; the zero id means the entries start the log.
type AppendRequest struct {
	Term         uint64
	LeaderID     string
	LeaderCommit uint64
	PrevID       EntryID
	Entries      []Entry
}

// AppendResponse reports the outcome of an append. LastID carries the
// responder's newest entry id so a leader can jump its cursor for a badly
// lagging follower instead of probing one index at a time.
type AppendResponse struct {
	Term    uint64
	Success bool
	LastID  EntryID
}

// Peer is the request/response RPC surface of a remote replica. Calls may
// suspend for arbitrary network latency; the context bounds them.
type Peer interface {
	RequestVote(ctx context.Context, req *VoteRequest) (*VoteResponse, error)
	Append(ctx context.Context, req *AppendRequest) (*AppendResponse, error)
}
