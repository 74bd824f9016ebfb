package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/danmuck/dps_raft/src/raft"
)

// Loopback is an in-process substrate for tests and local demo clusters.
// Every replica registers its handler under its id; Peer hands out client
// stubs that invoke the target handler directly. Links can be cut per
// replica to simulate crashes and partitions.
type Loopback struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	down     map[string]bool
}

func NewLoopback() *Loopback {
	return &Loopback{
		handlers: make(map[string]Handler),
		down:     make(map[string]bool),
	}
}

func (lb *Loopback) Register(id string, h Handler) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.handlers[id] = h
}

// SetDown cuts (or restores) every link to and from the given replica.
func (lb *Loopback) SetDown(id string, down bool) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.down[id] = down
}

// Peer returns a raft.Peer that delivers calls from one replica to another.
// The link is dead while either end is down.
func (lb *Loopback) Peer(from, to string) raft.Peer {
	return &loopbackPeer{lb: lb, from: from, to: to}
}

type loopbackPeer struct {
	lb       *Loopback
	from, to string
}

func (p *loopbackPeer) target() (Handler, error) {
	p.lb.mu.RLock()
	defer p.lb.mu.RUnlock()
	if p.lb.down[p.from] || p.lb.down[p.to] {
		return nil, fmt.Errorf("loopback: link %s -> %s is down", p.from, p.to)
	}
	h, ok := p.lb.handlers[p.to]
	if !ok {
		return nil, fmt.Errorf("loopback: no handler for %s", p.to)
	}
	return h, nil
}

func (p *loopbackPeer) RequestVote(ctx context.Context, req *raft.VoteRequest) (*raft.VoteResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h, err := p.target()
	if err != nil {
		return nil, err
	}
	return h.RequestVote(req), nil
}

func (p *loopbackPeer) Append(ctx context.Context, req *raft.AppendRequest) (*raft.AppendResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h, err := p.target()
	if err != nil {
		return nil, err
	}
	return h.Append(req), nil
}
