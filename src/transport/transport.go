package transport

import "github.com/danmuck/dps_raft/src/raft"

// Handler is the inbound RPC surface a replica exposes to its peers. The
// raft.Replica satisfies it directly.
type Handler interface {
	RequestVote(req *raft.VoteRequest) *raft.VoteResponse
	Append(req *raft.AppendRequest) *raft.AppendResponse
}

// Server accepts peer connections and dispatches decoded requests to a
// Handler.
type Server interface {
	ListenAndServe() error // bind and accept in the background
	Addr() string          // bound address, valid after ListenAndServe
	Close() error          // stop accepting and release the listener
}
