package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/dps_raft/src/kvsm"
	"github.com/danmuck/dps_raft/src/raft"
)

// deadPeer fails every call, standing in for unreachable replicas.
type deadPeer struct{}

func (deadPeer) RequestVote(ctx context.Context, req *raft.VoteRequest) (*raft.VoteResponse, error) {
	return nil, errors.New("unreachable")
}

func (deadPeer) Append(ctx context.Context, req *raft.AppendRequest) (*raft.AppendResponse, error) {
	return nil, errors.New("unreachable")
}

// startSingle runs a one-replica set: it elects itself on the first timeout
// and every write commits locally.
func startSingle(t *testing.T) (*raft.Replica, *kvsm.Machine) {
	t.Helper()

	opts := raft.DefaultOptions()
	opts.SelfID = "n1"
	opts.Replicas = []raft.ReplicaInfo{{ID: "n1"}}
	opts.HeartbeatTimeoutMS = 20
	opts.ElectionTimeoutMinMS = 30
	opts.ElectionTimeoutMaxMS = 60

	machine := kvsm.NewMachine()
	replica, err := raft.NewReplica(opts, raft.NewMemoryLog(), raft.NewMemoryState(), machine, nil)
	if err != nil {
		t.Fatalf("NewReplica failed: %v", err)
	}
	if err := replica.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(replica.Stop)

	deadline := time.Now().Add(5 * time.Second)
	for !replica.IsLeader() {
		if time.Now().After(deadline) {
			t.Fatal("replica never became leader")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return replica, machine
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return body
}

func TestKVWriteReadDelete(t *testing.T) {
	replica, machine := startSingle(t)
	srv := httptest.NewServer(New(replica, machine).Handler())
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodPut, srv.URL+"/v1/kv/color", strings.NewReader("green"))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("put failed: %v", err)
	}
	body := decodeBody(t, resp)
	if resp.StatusCode != http.StatusOK || body["ok"] != true {
		t.Fatalf("put = %d %v", resp.StatusCode, body)
	}

	// reads go against applied state, which trails the commit slightly
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, ok := machine.Get("color"); ok || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	resp, err = http.Get(srv.URL + "/v1/kv/color")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	body = decodeBody(t, resp)
	if resp.StatusCode != http.StatusOK || body["value"] != "green" {
		t.Fatalf("get = %d %v", resp.StatusCode, body)
	}

	req, _ = http.NewRequest(http.MethodDelete, srv.URL+"/v1/kv/color", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete = %d", resp.StatusCode)
	}

	deadline = time.Now().Add(5 * time.Second)
	for {
		if _, ok := machine.Get("color"); !ok || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	resp, err = http.Get(srv.URL + "/v1/kv/color")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	body = decodeBody(t, resp)
	if resp.StatusCode != http.StatusNotFound || body["error"] != "not_found" {
		t.Fatalf("get after delete = %d %v", resp.StatusCode, body)
	}
}

func TestStatusAndHealth(t *testing.T) {
	replica, machine := startSingle(t)
	srv := httptest.NewServer(New(replica, machine).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/healthz")
	if err != nil {
		t.Fatalf("healthz failed: %v", err)
	}
	body := decodeBody(t, resp)
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("healthz = %d %v", resp.StatusCode, body)
	}

	resp, err = http.Get(srv.URL + "/v1/status")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	body = decodeBody(t, resp)
	if body["id"] != "n1" || body["role"] != string(raft.Leader) {
		t.Fatalf("status = %v", body)
	}
}

func TestWriteOnNonLeaderReturns503(t *testing.T) {
	opts := raft.DefaultOptions()
	opts.SelfID = "n1"
	opts.Replicas = []raft.ReplicaInfo{{ID: "n1"}, {ID: "n2"}, {ID: "n3"}}
	opts.ElectionTimeoutMinMS = 60_000
	opts.ElectionTimeoutMaxMS = 120_000

	machine := kvsm.NewMachine()
	peers := map[string]raft.Peer{"n2": deadPeer{}, "n3": deadPeer{}}
	replica, err := raft.NewReplica(opts, raft.NewMemoryLog(), raft.NewMemoryState(), machine, peers)
	if err != nil {
		t.Fatalf("NewReplica failed: %v", err)
	}
	if err := replica.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(replica.Stop)

	// teach the follower who leads before trying to write through it
	replica.Append(&raft.AppendRequest{Term: 1, LeaderID: "n2"})

	srv := httptest.NewServer(New(replica, machine).Handler())
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodPut, srv.URL+"/v1/kv/x", strings.NewReader("1"))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("put failed: %v", err)
	}
	body := decodeBody(t, resp)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("put on follower = %d %v", resp.StatusCode, body)
	}
	if body["error"] != "not_leader" || body["leader"] != "n2" {
		t.Fatalf("body = %v", body)
	}
}
