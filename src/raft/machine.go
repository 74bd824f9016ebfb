package raft

import "context"

// StateMachine is the consumer's deterministic state machine. Apply is
// invoked exactly once per committed operation entry, in index order, from
// a single goroutine. Reset discards all applied state; the replica replays
// the committed log into the fresh machine afterwards.
type StateMachine interface {
	Apply(ctx context.Context, entry Entry) error
	Reset(ctx context.Context) error
}
