package rpc

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"google.golang.org/grpc/encoding"

	"raftcore/internal/raft"
)

// Name is the content-subtype the gob codec registers under.
const Name = "gob"

// Envelope is the single wire message of the transport service. Message
// holds one of the six rpc/result message structs; gob encodes the concrete
// type alongside the payload, so no per-message method is needed.
// FromId/FromAddress identify the sender's listen endpoint; receivers feed
// them into the resolver registry so the reply path can dial back.
type Envelope struct {
	FromId      raft.NodeId
	FromAddress raft.NodeAddress
	Message     any
}

type gobCodec struct{}

func (gobCodec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("gob marshal: %w", err)
	}
	return buf.Bytes(), nil
}

func (gobCodec) Unmarshal(data []byte, v any) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return fmt.Errorf("gob unmarshal: %w", err)
	}
	return nil
}

func (gobCodec) Name() string { return Name }

func init() {
	encoding.RegisterCodec(gobCodec{})

	gob.Register(raft.RequestVoteRpcMessage{})
	gob.Register(raft.RequestVoteResultMessage{})
	gob.Register(raft.AppendEntriesRpcMessage{})
	gob.Register(raft.AppendEntriesResultMessage{})
	gob.Register(raft.InstallSnapshotRpcMessage{})
	gob.Register(raft.InstallSnapshotResultMessage{})
}
