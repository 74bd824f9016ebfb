package main

import (
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	logs "github.com/danmuck/smplog"

	"github.com/danmuck/dps_raft/cmd/internal/logcfg"
	"github.com/danmuck/dps_raft/src/api/httpapi"
	"github.com/danmuck/dps_raft/src/kvsm"
	"github.com/danmuck/dps_raft/src/raft"
	"github.com/danmuck/dps_raft/src/storage"
	"github.com/danmuck/dps_raft/src/transport"
)

func main() {
	logs.Configure(logcfg.Load())

	configPath := flag.String("config", "cluster.toml", "cluster TOML config")
	dataDir := flag.String("data", "local/raftd", "data directory")
	apiAddr := flag.String("api", ":8080", "client HTTP API address")
	flag.Parse()

	opts, err := raft.LoadOptions(*configPath)
	if err != nil {
		logs.Fatalf(err, "failed to load cluster config")
	}

	if err := os.MkdirAll(*dataDir, 0755); err != nil {
		logs.Fatalf(err, "failed to create data directory")
	}
	store, err := storage.Open(filepath.Join(*dataDir, opts.SelfID+".db"))
	if err != nil {
		logs.Fatalf(err, "failed to open replica database")
	}
	defer store.Close()

	peers := make(map[string]raft.Peer)
	for _, ri := range opts.Replicas {
		if ri.ID == opts.SelfID {
			continue
		}
		peers[ri.ID] = transport.NewTCPPeer(ri.Address, 2*time.Second)
	}

	machine := kvsm.NewMachine()
	replica, err := raft.NewReplica(opts, store.Log(), store.State(), machine, peers)
	if err != nil {
		logs.Fatalf(err, "failed to create replica")
	}

	server := transport.NewTCPServer(opts.SelfAddress(), replica)
	if err := server.ListenAndServe(); err != nil {
		logs.Fatalf(err, "failed to start peer transport")
	}

	if err := replica.Start(); err != nil {
		logs.Fatalf(err, "failed to start replica")
	}

	api := httpapi.New(replica, machine)
	go func() {
		logs.Infof("client API listening on %s", *apiAddr)
		if err := http.ListenAndServe(*apiAddr, api.Handler()); err != nil {
			logs.Errorf(err, "client API server stopped")
		}
	}()

	logs.Infof("replica %s up (%d replicas, quorum %d)", opts.SelfID, len(opts.Replicas), opts.Quorum())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logs.Infof("shutting down")
	replica.Stop()
	if err := server.Close(); err != nil {
		logs.Errorf(err, "peer transport close")
	}
}
