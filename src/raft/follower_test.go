package raft

import (
	"testing"
	"time"
)

func TestFollowerAcceptsAppendAndAdoptsLeader(t *testing.T) {
	tc := newTestReplica(t, "a", "b")

	resp := tc.replica.Append(&AppendRequest{
		Term:     1,
		LeaderID: "a",
		Entries: []Entry{
			{ID: EntryID{Term: 1, Index: 1}, Kind: EntryOperation, Op: []byte("x")},
		},
	})
	if !resp.Success {
		t.Fatalf("append rejected: %+v", resp)
	}
	if resp.Term != 1 {
		t.Fatalf("response term = %d, want 1", resp.Term)
	}

	st := tc.replica.Status()
	if st.Role != Follower || st.Term != 1 || st.LeaderID != "a" {
		t.Fatalf("status = %+v", st)
	}
	if st.LastLogID != (EntryID{Term: 1, Index: 1}) {
		t.Fatalf("last log = %s", st.LastLogID)
	}
}

func TestFollowerRejectsStaleTermAppend(t *testing.T) {
	tc := newTestReplica(t, "a", "b")

	// move to term 2 first
	tc.replica.Append(&AppendRequest{Term: 2, LeaderID: "a"})

	resp := tc.replica.Append(&AppendRequest{Term: 1, LeaderID: "b"})
	if resp.Success {
		t.Fatal("stale-term append accepted")
	}
	if resp.Term != 2 {
		t.Fatalf("response term = %d, want 2", resp.Term)
	}
	if tc.replica.LeaderHint() != "a" {
		t.Fatalf("leader hint changed to %q", tc.replica.LeaderHint())
	}
}

func TestFollowerRejectsAppendWithMissingPrev(t *testing.T) {
	tc := newTestReplica(t, "a", "b")
	tc.seedLog(t, 1, 3)

	resp := tc.replica.Append(&AppendRequest{
		Term:     1,
		LeaderID: "a",
		PrevID:   EntryID{Term: 1, Index: 5},
		Entries:  []Entry{{ID: EntryID{Term: 1, Index: 6}, Kind: EntryOperation}},
	})
	if resp.Success {
		t.Fatal("append past a hole accepted")
	}
	// the response carries our end of log so the leader can jump its probe
	if resp.LastID != (EntryID{Term: 1, Index: 3}) {
		t.Fatalf("reported last id = %s, want (t1,i3)", resp.LastID)
	}
}

func TestFollowerRejectsAppendWithMismatchedPrevTerm(t *testing.T) {
	tc := newTestReplica(t, "a", "b")
	tc.seedLog(t, 1, 3)

	resp := tc.replica.Append(&AppendRequest{
		Term:     2,
		LeaderID: "a",
		PrevID:   EntryID{Term: 2, Index: 3}, // index present, term differs
		Entries:  []Entry{{ID: EntryID{Term: 2, Index: 4}, Kind: EntryOperation}},
	})
	if resp.Success {
		t.Fatal("append with mismatched prev term accepted")
	}
}

func TestFollowerOverwritesConflictingSuffix(t *testing.T) {
	tc := newTestReplica(t, "a", "b")
	tc.seedLog(t, 1, 3)

	resp := tc.replica.Append(&AppendRequest{
		Term:     2,
		LeaderID: "a",
		PrevID:   EntryID{Term: 1, Index: 1},
		Entries: []Entry{
			{ID: EntryID{Term: 2, Index: 2}, Kind: EntryOperation, Op: []byte("x")},
			{ID: EntryID{Term: 2, Index: 3}, Kind: EntryOperation, Op: []byte("y")},
		},
	})
	if !resp.Success {
		t.Fatalf("append rejected: %+v", resp)
	}
	if resp.LastID != (EntryID{Term: 2, Index: 3}) {
		t.Fatalf("last id = %s, want (t2,i3)", resp.LastID)
	}
	e, err := tc.log.Entry(2)
	if err != nil || e.ID.Term != 2 {
		t.Fatalf("entry 2 = %+v, %v; want term 2", e, err)
	}
}

func TestFollowerAdvancesCommitAndApplies(t *testing.T) {
	tc := newTestReplica(t, "a", "b")

	tc.replica.Append(&AppendRequest{
		Term:     1,
		LeaderID: "a",
		Entries: []Entry{
			{ID: EntryID{Term: 1, Index: 1}, Kind: EntryOperation, Op: []byte("x")},
			{ID: EntryID{Term: 1, Index: 2}, Kind: EntryOperation, Op: []byte("y")},
		},
	})

	// commit clamps to the end of what this append made current
	resp := tc.replica.Append(&AppendRequest{
		Term:         1,
		LeaderID:     "a",
		LeaderCommit: 5,
		PrevID:       EntryID{Term: 1, Index: 2},
	})
	if !resp.Success {
		t.Fatalf("heartbeat rejected: %+v", resp)
	}

	waitFor(t, time.Second, "entries applied", func() bool {
		return len(tc.machine.appliedIndexes()) == 2
	})
	if got := tc.machine.appliedIndexes(); got[0] != 1 || got[1] != 2 {
		t.Fatalf("applied order = %v", got)
	}
	if st := tc.replica.Status(); st.CommitIndex != 2 {
		t.Fatalf("commit index = %d, want 2", st.CommitIndex)
	}

	// a lower leader commit never regresses ours
	tc.replica.Append(&AppendRequest{
		Term:         1,
		LeaderID:     "a",
		LeaderCommit: 1,
		PrevID:       EntryID{Term: 1, Index: 2},
	})
	if st := tc.replica.Status(); st.CommitIndex != 2 {
		t.Fatalf("commit index regressed to %d", st.CommitIndex)
	}
}

func TestFollowerGrantsOneVotePerTerm(t *testing.T) {
	tc := newTestReplica(t, "a", "b")

	resp := tc.replica.RequestVote(&VoteRequest{Term: 1, CandidateID: "a"})
	if !resp.Granted {
		t.Fatalf("first vote denied: %+v", resp)
	}

	// same term, different candidate
	resp = tc.replica.RequestVote(&VoteRequest{Term: 1, CandidateID: "b"})
	if resp.Granted {
		t.Fatal("second vote granted in the same term")
	}

	// repeat from the same candidate is fine
	resp = tc.replica.RequestVote(&VoteRequest{Term: 1, CandidateID: "a"})
	if !resp.Granted {
		t.Fatal("repeat vote to the original candidate denied")
	}

	term, votedFor, err := tc.state.Load()
	if err != nil || term != 1 || votedFor != "a" {
		t.Fatalf("persisted state = (%d, %q, %v)", term, votedFor, err)
	}
}

func TestFollowerDeniesVoteToStaleLog(t *testing.T) {
	tc := newTestReplica(t, "a", "b")
	tc.seedLog(t, 2, 1) // our last entry is (t2,i1)

	// candidate's log ends at an older term
	resp := tc.replica.RequestVote(&VoteRequest{
		Term:        3,
		CandidateID: "a",
		LastID:      EntryID{Term: 1, Index: 5},
	})
	if resp.Granted {
		t.Fatal("vote granted to candidate with stale log")
	}
	if resp.Term != 3 {
		t.Fatalf("response term = %d, want 3", resp.Term)
	}

	// same term, shorter log at our term
	tc.seedLog(t, 2, 1) // now (t2,i2)
	resp = tc.replica.RequestVote(&VoteRequest{
		Term:        3,
		CandidateID: "b",
		LastID:      EntryID{Term: 2, Index: 1},
	})
	if resp.Granted {
		t.Fatal("vote granted to candidate with shorter log")
	}

	// equal-or-better log wins the vote
	resp = tc.replica.RequestVote(&VoteRequest{
		Term:        3,
		CandidateID: "c",
		LastID:      EntryID{Term: 2, Index: 2},
	})
	if !resp.Granted {
		t.Fatalf("vote denied to up-to-date candidate: %+v", resp)
	}
}

func TestFollowerRejectsStaleTermVote(t *testing.T) {
	tc := newTestReplica(t, "a", "b")
	tc.replica.Append(&AppendRequest{Term: 3, LeaderID: "a"})

	resp := tc.replica.RequestVote(&VoteRequest{Term: 2, CandidateID: "b"})
	if resp.Granted {
		t.Fatal("stale-term vote granted")
	}
	if resp.Term != 3 {
		t.Fatalf("response term = %d, want 3", resp.Term)
	}
}

func TestStepDownPersistsBeforeHandling(t *testing.T) {
	tc := newTestReplica(t, "a", "b")
	tc.replica.Append(&AppendRequest{Term: 3, LeaderID: "a"})

	// a higher-term append steps the replica down and is then handled by
	// the fresh follower in one dispatch
	resp := tc.replica.Append(&AppendRequest{Term: 5, LeaderID: "b"})
	if !resp.Success || resp.Term != 5 {
		t.Fatalf("higher-term append = %+v", resp)
	}

	term, votedFor, err := tc.state.Load()
	if err != nil || term != 5 || votedFor != "" {
		t.Fatalf("persisted state = (%d, %q, %v), want (5, \"\")", term, votedFor, err)
	}
	if st := tc.replica.Status(); st.Role != Follower || st.LeaderID != "b" {
		t.Fatalf("status = %+v", st)
	}
}
