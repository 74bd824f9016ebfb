package raft

// RoleName tags the replica's current role.
type RoleName string

const (
	Follower  RoleName = "Follower"
	Candidate RoleName = "Candidate"
	Leader    RoleName = "Leader"
)

// role is the capability interface every role implements. All methods run
// with the replica mutex held; the coordinator owns transitions, so exactly
// one role is ever active and roles never mutate shared state concurrently.
//
// enter runs after the role is installed and may itself trigger a further
// transition (a candidate in a single-replica set wins immediately). exit
// cancels the role's timers and in-flight work; spawned goroutines observe
// the cancellation before touching shared state again.
type role interface {
	name() RoleName
	enter()
	exit()
	requestVote(req *VoteRequest) *VoteResponse
	append(req *AppendRequest) *AppendResponse
}
