package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"time"

	logs "github.com/danmuck/smplog"

	"github.com/danmuck/dps_raft/src/raft"
)

// TCPServer accepts peer connections and serves framed request/response
// exchanges over each of them.
type TCPServer struct {
	address  string
	handler  Handler
	listener net.Listener
	exit     chan any
}

func NewTCPServer(address string, handler Handler) *TCPServer {
	logs.Debugf("NewTCPServer(%s)", address)
	return &TCPServer{
		address: address,
		handler: handler,
		exit:    make(chan any),
	}
}

// ListenAndServe binds the listener and accepts in the background.
func (s *TCPServer) ListenAndServe() error {
	var err error
	s.listener, err = net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("transport: listen %s: %w", s.address, err)
	}
	logs.Infof("peer transport listening on %s", s.listener.Addr())

	go s.acceptConnections()
	return nil
}

func (s *TCPServer) Addr() string {
	if s.listener == nil {
		return s.address
	}
	return s.listener.Addr().String()
}

// Close stops the accept loop and releases the listener.
func (s *TCPServer) Close() error {
	close(s.exit)
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

// listener accept loop
func (s *TCPServer) acceptConnections() {
	for {
		select {
		case <-s.exit:
			logs.Debugf("acceptConnections(): exit")
			return
		default:
			s.listener.(*net.TCPListener).SetDeadline(time.Now().Add(500 * time.Millisecond)) // Non-blocking
			conn, err := s.listener.Accept()
			if err != nil {
				if opErr, ok := err.(*net.OpError); ok && opErr.Timeout() {
					// Timeout, continue to check exit
					continue
				}
				select {
				case <-s.exit:
				default:
					logs.Warnf("acceptConnections error: %s", err)
				}
				return
			}
			go s.handleConnection(conn)
		}
	}
}

// connection handler: frames in, frames out, until the peer hangs up
func (s *TCPServer) handleConnection(conn net.Conn) {
	defer conn.Close()
	peerAddr := conn.RemoteAddr().String()
	logs.Debugf("handleConnection(%s): start", peerAddr)

	reader := bufio.NewReader(conn)
	for {
		select {
		case <-s.exit:
			logs.Debugf("handleConnection(): exit")
			return
		default:
			conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond)) // Non-blocking
			if _, err := reader.Peek(4); err != nil {
				if opErr, ok := err.(*net.OpError); ok && opErr.Timeout() {
					// Timeout, continue to check exit
					continue
				}
				if err == io.EOF {
					logs.Debugf("handleConnection(%s): closed by peer", peerAddr)
					return
				}
				logs.Warnf("handleConnection(%s): %v", peerAddr, err)
				return
			}

			// header is here, the rest of the frame is in flight
			conn.SetReadDeadline(time.Now().Add(5 * time.Second))
			frame, err := readFrame(reader)
			if err != nil {
				logs.Warnf("handleConnection(%s): %v", peerAddr, err)
				return
			}

			reply, err := s.dispatch(frame)
			if err != nil {
				logs.Warnf("handleConnection(%s): %v", peerAddr, err)
				return
			}
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := writeFrame(conn, reply); err != nil {
				logs.Warnf("handleConnection(%s): %v", peerAddr, err)
				return
			}
		}
	}
}

func (s *TCPServer) dispatch(frame []byte) ([]byte, error) {
	m, body, err := decodeEnvelope(frame)
	if err != nil {
		return nil, err
	}
	switch m {
	case methodRequestVote:
		req, err := decodeVoteRequest(body)
		if err != nil {
			return nil, err
		}
		resp := s.handler.RequestVote(req)
		return encodeEnvelope(m, encodeVoteResponse(resp)), nil
	case methodAppend:
		req, err := decodeAppendRequest(body)
		if err != nil {
			return nil, err
		}
		resp := s.handler.Append(req)
		return encodeEnvelope(m, encodeAppendResponse(resp)), nil
	default:
		return nil, fmt.Errorf("unknown method %d", m)
	}
}

// TCPPeer is the client side: one dial per call, framed exchange, decode.
// It implements raft.Peer.
type TCPPeer struct {
	address string
	timeout time.Duration
}

func NewTCPPeer(address string, timeout time.Duration) *TCPPeer {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &TCPPeer{address: address, timeout: timeout}
}

func (p *TCPPeer) RequestVote(ctx context.Context, req *raft.VoteRequest) (*raft.VoteResponse, error) {
	body, err := p.call(ctx, methodRequestVote, encodeVoteRequest(req))
	if err != nil {
		return nil, err
	}
	return decodeVoteResponse(body)
}

func (p *TCPPeer) Append(ctx context.Context, req *raft.AppendRequest) (*raft.AppendResponse, error) {
	body, err := p.call(ctx, methodAppend, encodeAppendRequest(req))
	if err != nil {
		return nil, err
	}
	return decodeAppendResponse(body)
}

func (p *TCPPeer) call(ctx context.Context, m method, body []byte) ([]byte, error) {
	deadline := time.Now().Add(p.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	conn, err := net.DialTimeout("tcp", p.address, time.Until(deadline))
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", p.address, err)
	}
	defer conn.Close()
	conn.SetDeadline(deadline)

	if err := writeFrame(conn, encodeEnvelope(m, body)); err != nil {
		return nil, fmt.Errorf("transport: %s: %w", p.address, err)
	}
	frame, err := readFrame(bufio.NewReader(conn))
	if err != nil {
		return nil, fmt.Errorf("transport: %s: %w", p.address, err)
	}
	respMethod, respBody, err := decodeEnvelope(frame)
	if err != nil {
		return nil, fmt.Errorf("transport: %s: %w", p.address, err)
	}
	if respMethod != m {
		return nil, fmt.Errorf("transport: %s: method mismatch in response", p.address)
	}
	return respBody, nil
}
