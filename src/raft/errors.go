package raft

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by log stores for a point lookup past the log.
var ErrNotFound = errors.New("entry not found")

// ErrNotLeader signals that an operation needs the leader. Use errors.As
// with NotLeaderError to recover the redirect hint.
var ErrNotLeader = errors.New("not leader")

// ErrStopped is returned once the replica has shut down.
var ErrStopped = errors.New("replica stopped")

// NotLeaderError names the leader this replica currently believes in, so
// callers can redirect. LeaderID is empty when no leader is known.
type NotLeaderError struct {
	LeaderID string
}

func (e *NotLeaderError) Error() string {
	if e.LeaderID == "" {
		return "not leader (no leader known)"
	}
	return fmt.Sprintf("not leader (try %s)", e.LeaderID)
}

func (e *NotLeaderError) Unwrap() error { return ErrNotLeader }
