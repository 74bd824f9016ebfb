// Package kvsm is a small deterministic key-value state machine used to
// exercise a replica. Commands are gob-encoded so any replica applying the
// same log arrives at the same map.
package kvsm

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"sync"

	"github.com/danmuck/dps_raft/src/raft"
)

const (
	OpSet    = "set"
	OpDelete = "delete"
)

// Command is one operation against the machine.
type Command struct {
	Op    string
	Key   string
	Value string
}

// Encode serializes a command into a log-entry payload.
func Encode(cmd Command) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(cmd); err != nil {
		return nil, fmt.Errorf("kvsm: encode command: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode deserializes a log-entry payload back into a command.
func Decode(payload []byte) (Command, error) {
	var cmd Command
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&cmd); err != nil {
		return Command{}, fmt.Errorf("kvsm: decode command: %w", err)
	}
	return cmd, nil
}

// Machine implements raft.StateMachine over a string map.
type Machine struct {
	mu   sync.RWMutex
	data map[string]string
}

func NewMachine() *Machine {
	return &Machine{data: make(map[string]string)}
}

func (m *Machine) Apply(ctx context.Context, entry raft.Entry) error {
	cmd, err := Decode(entry.Op)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	switch cmd.Op {
	case OpSet:
		m.data[cmd.Key] = cmd.Value
	case OpDelete:
		delete(m.data, cmd.Key)
	default:
		return fmt.Errorf("kvsm: unknown op %q at %s", cmd.Op, entry.ID)
	}
	return nil
}

func (m *Machine) Reset(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = make(map[string]string)
	return nil
}

// Get reads a key from the applied state.
func (m *Machine) Get(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok
}

// Len reports the number of applied keys.
func (m *Machine) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}
