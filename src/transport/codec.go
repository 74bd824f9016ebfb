package transport

import (
	"encoding/binary"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/danmuck/dps_raft/src/raft"
)

// Peer messages travel as protobuf wire data framed by a 4-byte big-endian
// length header. Each frame holds one envelope: a method tag plus the
// encoded request or response body.
//
//	envelope: 1=method varint, 2=body bytes
//	vote request: 1=term, 2=candidate_id, 3=last_term, 4=last_index
//	vote response: 1=term, 2=granted
//	append request: 1=term, 2=leader_id, 3=leader_commit, 4=prev_term,
//	                5=prev_index, 6=entries (repeated)
//	append response: 1=term, 2=success, 3=last_term, 4=last_index

type method uint64

const (
	methodRequestVote method = 1
	methodAppend      method = 2
)

const maxFrameSize = 16 << 20 // refuse absurd frames instead of allocating them

// writeFrame frames and writes one encoded message.
func writeFrame(w io.Writer, payload []byte) error {
	hdr := make([]byte, 4)
	binary.BigEndian.PutUint32(hdr, uint32(len(payload)))
	if _, err := w.Write(hdr); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return nil
}

// readFrame reads one framed message.
func readFrame(r io.Reader) ([]byte, error) {
	hdr := make([]byte, 4)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(hdr)
	if size > maxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit", size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	return body, nil
}

func encodeEnvelope(m method, body []byte) []byte {
	b := make([]byte, 0, len(body)+8)
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m))
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, body)
	return b
}

func decodeEnvelope(b []byte) (method, []byte, error) {
	var m method
	var body []byte
	err := eachField(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case 1:
			u, err := asVarint(v, typ)
			if err != nil {
				return err
			}
			m = method(u)
		case 2:
			body = v
		}
		return nil
	})
	if err != nil {
		return 0, nil, fmt.Errorf("envelope: %w", err)
	}
	if m == 0 {
		return 0, nil, fmt.Errorf("envelope: missing method")
	}
	return m, body, nil
}

// eachField walks a wire message, handing each field's raw value to fn.
// Varint fields arrive re-encoded as their varint bytes; length-delimited
// fields arrive as their contents.
func eachField(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch typ {
		case protowire.VarintType:
			_, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			if err := fn(num, typ, b[:n]); err != nil {
				return err
			}
			b = b[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			if err := fn(num, typ, v); err != nil {
				return err
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return nil
}

func asVarint(v []byte, typ protowire.Type) (uint64, error) {
	if typ != protowire.VarintType {
		return 0, fmt.Errorf("field is not a varint")
	}
	u, n := protowire.ConsumeVarint(v)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	return u, nil
}

func encodeVoteRequest(req *raft.VoteRequest) []byte {
	b := make([]byte, 0, 32)
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, req.Term)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendString(b, req.CandidateID)
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, req.LastID.Term)
	b = protowire.AppendTag(b, 4, protowire.VarintType)
	b = protowire.AppendVarint(b, req.LastID.Index)
	return b
}

func decodeVoteRequest(b []byte) (*raft.VoteRequest, error) {
	req := &raft.VoteRequest{}
	err := eachField(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case 1:
			u, err := asVarint(v, typ)
			if err != nil {
				return err
			}
			req.Term = u
		case 2:
			req.CandidateID = string(v)
		case 3:
			u, err := asVarint(v, typ)
			if err != nil {
				return err
			}
			req.LastID.Term = u
		case 4:
			u, err := asVarint(v, typ)
			if err != nil {
				return err
			}
			req.LastID.Index = u
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("vote request: %w", err)
	}
	return req, nil
}

func encodeVoteResponse(resp *raft.VoteResponse) []byte {
	b := make([]byte, 0, 8)
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, resp.Term)
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, boolVarint(resp.Granted))
	return b
}

func decodeVoteResponse(b []byte) (*raft.VoteResponse, error) {
	resp := &raft.VoteResponse{}
	err := eachField(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		u, err := asVarint(v, typ)
		if err != nil {
			return err
		}
		switch num {
		case 1:
			resp.Term = u
		case 2:
			resp.Granted = u != 0
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("vote response: %w", err)
	}
	return resp, nil
}

func encodeAppendRequest(req *raft.AppendRequest) []byte {
	b := make([]byte, 0, 64)
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, req.Term)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendString(b, req.LeaderID)
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, req.LeaderCommit)
	b = protowire.AppendTag(b, 4, protowire.VarintType)
	b = protowire.AppendVarint(b, req.PrevID.Term)
	b = protowire.AppendTag(b, 5, protowire.VarintType)
	b = protowire.AppendVarint(b, req.PrevID.Index)
	for _, e := range req.Entries {
		b = protowire.AppendTag(b, 6, protowire.BytesType)
		b = protowire.AppendBytes(b, e.Marshal())
	}
	return b
}

func decodeAppendRequest(b []byte) (*raft.AppendRequest, error) {
	req := &raft.AppendRequest{}
	err := eachField(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case 1, 3, 4, 5:
			u, err := asVarint(v, typ)
			if err != nil {
				return err
			}
			switch num {
			case 1:
				req.Term = u
			case 3:
				req.LeaderCommit = u
			case 4:
				req.PrevID.Term = u
			case 5:
				req.PrevID.Index = u
			}
		case 2:
			req.LeaderID = string(v)
		case 6:
			e, err := raft.UnmarshalEntry(v)
			if err != nil {
				return err
			}
			req.Entries = append(req.Entries, e)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("append request: %w", err)
	}
	return req, nil
}

func encodeAppendResponse(resp *raft.AppendResponse) []byte {
	b := make([]byte, 0, 16)
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, resp.Term)
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, boolVarint(resp.Success))
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, resp.LastID.Term)
	b = protowire.AppendTag(b, 4, protowire.VarintType)
	b = protowire.AppendVarint(b, resp.LastID.Index)
	return b
}

func decodeAppendResponse(b []byte) (*raft.AppendResponse, error) {
	resp := &raft.AppendResponse{}
	err := eachField(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		u, err := asVarint(v, typ)
		if err != nil {
			return err
		}
		switch num {
		case 1:
			resp.Term = u
		case 2:
			resp.Success = u != 0
		case 3:
			resp.LastID.Term = u
		case 4:
			resp.LastID.Index = u
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("append response: %w", err)
	}
	return resp, nil
}

func boolVarint(v bool) uint64 {
	if v {
		return 1
	}
	return 0
}
