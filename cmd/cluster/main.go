// A local three-replica demo: elect a leader over the in-process substrate,
// replicate a handful of commands, and print the applied state.
package main

import (
	"context"
	"fmt"
	"time"

	logs "github.com/danmuck/smplog"

	"github.com/danmuck/dps_raft/cmd/internal/logcfg"
	"github.com/danmuck/dps_raft/src/kvsm"
	"github.com/danmuck/dps_raft/src/raft"
	"github.com/danmuck/dps_raft/src/transport"
)

func main() {
	logs.Configure(logcfg.Load())

	ids := []string{"n1", "n2", "n3"}
	lb := transport.NewLoopback()

	replicas := make(map[string]*raft.Replica, len(ids))
	machines := make(map[string]*kvsm.Machine, len(ids))

	for _, id := range ids {
		opts := raft.DefaultOptions()
		opts.SelfID = id
		for _, rid := range ids {
			opts.Replicas = append(opts.Replicas, raft.ReplicaInfo{ID: rid})
		}

		peers := make(map[string]raft.Peer)
		for _, rid := range ids {
			if rid != id {
				peers[rid] = lb.Peer(id, rid)
			}
		}

		machine := kvsm.NewMachine()
		replica, err := raft.NewReplica(opts, raft.NewMemoryLog(), raft.NewMemoryState(), machine, peers)
		if err != nil {
			logs.Fatalf(err, "failed to create replica %s", id)
		}
		lb.Register(id, replica)
		replicas[id] = replica
		machines[id] = machine
	}

	for _, id := range ids {
		if err := replicas[id].Start(); err != nil {
			logs.Fatalf(err, "failed to start replica %s", id)
		}
	}
	defer func() {
		for _, id := range ids {
			replicas[id].Stop()
		}
	}()

	leader := waitForLeader(replicas)
	if leader == nil {
		logs.Fatalf(fmt.Errorf("no leader within deadline"), "election failed")
	}
	logs.Infof("leader elected: %s", leader.Status().ID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := 0; i < 5; i++ {
		cmd := kvsm.Command{Op: kvsm.OpSet, Key: fmt.Sprintf("key-%d", i), Value: fmt.Sprintf("value-%d", i)}
		payload, err := kvsm.Encode(cmd)
		if err != nil {
			logs.Fatalf(err, "encode command")
		}
		entries, err := leader.Replicate(ctx, [][]byte{payload})
		if err != nil {
			logs.Fatalf(err, "replicate command %d", i)
		}
		logs.Infof("replicated %s=%s at %s", cmd.Key, cmd.Value, entries[0].ID)
	}

	// let appliers drain
	time.Sleep(500 * time.Millisecond)

	for _, id := range ids {
		st := replicas[id].Status()
		logs.Infof("%s: role=%s term=%d commit=%d applied=%d keys=%d",
			id, st.Role, st.Term, st.CommitIndex, st.LastApplied, machines[id].Len())
	}
}

func waitForLeader(replicas map[string]*raft.Replica) *raft.Replica {
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		for _, r := range replicas {
			if r.IsLeader() {
				return r
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	return nil
}
