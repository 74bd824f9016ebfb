package raft

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// ReplicaInfo names one member of the static replica set.
type ReplicaInfo struct {
	ID      string `toml:"id"`
	Address string `toml:"address"`
}

// ReplicaSetOptions is the recognized configuration surface of a replica.
// Timing options are plain milliseconds so the struct decodes directly from
// a cluster TOML file.
type ReplicaSetOptions struct {
	SelfID   string        `toml:"self_id"`
	Replicas []ReplicaInfo `toml:"replica"` // full set, including self

	HeartbeatTimeoutMS   int64 `toml:"heartbeat_timeout_ms"`    // idle-replication interval, fairness budget denominator
	ElectionTimeoutMinMS int64 `toml:"election_timeout_min_ms"` // randomized election timeout lower bound
	ElectionTimeoutMaxMS int64 `toml:"election_timeout_max_ms"` // randomized election timeout upper bound
	MaxEntriesPerAppend  int   `toml:"max_entries_per_append"`  // batch cap per AppendEntries request
}

// DefaultOptions returns options with production timing defaults and an
// empty replica set.
func DefaultOptions() ReplicaSetOptions {
	return ReplicaSetOptions{
		HeartbeatTimeoutMS:   150,
		ElectionTimeoutMinMS: 300,
		ElectionTimeoutMaxMS: 600,
		MaxEntriesPerAppend:  64,
	}
}

// LoadOptions reads a cluster TOML file, filling unset timing fields with
// the defaults.
func LoadOptions(path string) (ReplicaSetOptions, error) {
	opts := DefaultOptions()
	if _, err := toml.DecodeFile(path, &opts); err != nil {
		return ReplicaSetOptions{}, fmt.Errorf("options: decode %s: %w", path, err)
	}
	if err := opts.Validate(); err != nil {
		return ReplicaSetOptions{}, err
	}
	return opts, nil
}

// Validate checks that the options describe a usable replica set.
func (o ReplicaSetOptions) Validate() error {
	if o.SelfID == "" {
		return fmt.Errorf("options: self_id is required")
	}
	self := false
	seen := map[string]bool{}
	for _, ri := range o.Replicas {
		if ri.ID == "" {
			return fmt.Errorf("options: replica with empty id")
		}
		if seen[ri.ID] {
			return fmt.Errorf("options: duplicate replica id %q", ri.ID)
		}
		seen[ri.ID] = true
		if ri.ID == o.SelfID {
			self = true
		}
	}
	if !self {
		return fmt.Errorf("options: self_id %q not in replica set", o.SelfID)
	}
	if o.HeartbeatTimeoutMS <= 0 {
		return fmt.Errorf("options: heartbeat_timeout_ms must be positive")
	}
	if o.ElectionTimeoutMinMS <= 0 || o.ElectionTimeoutMaxMS < o.ElectionTimeoutMinMS {
		return fmt.Errorf("options: bad election timeout range [%d, %d]",
			o.ElectionTimeoutMinMS, o.ElectionTimeoutMaxMS)
	}
	if o.MaxEntriesPerAppend <= 0 {
		return fmt.Errorf("options: max_entries_per_append must be positive")
	}
	return nil
}

// PeerIDs returns the replica ids excluding self.
func (o ReplicaSetOptions) PeerIDs() []string {
	ids := make([]string, 0, len(o.Replicas))
	for _, ri := range o.Replicas {
		if ri.ID != o.SelfID {
			ids = append(ids, ri.ID)
		}
	}
	return ids
}

// SelfAddress returns the configured address of this replica, empty when
// addresses are not in use (in-process clusters).
func (o ReplicaSetOptions) SelfAddress() string {
	for _, ri := range o.Replicas {
		if ri.ID == o.SelfID {
			return ri.Address
		}
	}
	return ""
}

// Quorum is the strict majority of the full replica set, self included.
func (o ReplicaSetOptions) Quorum() int {
	return len(o.Replicas)/2 + 1
}

func (o ReplicaSetOptions) HeartbeatTimeout() time.Duration {
	return time.Duration(o.HeartbeatTimeoutMS) * time.Millisecond
}

func (o ReplicaSetOptions) ElectionTimeoutMin() time.Duration {
	return time.Duration(o.ElectionTimeoutMinMS) * time.Millisecond
}

func (o ReplicaSetOptions) ElectionTimeoutMax() time.Duration {
	return time.Duration(o.ElectionTimeoutMaxMS) * time.Millisecond
}
