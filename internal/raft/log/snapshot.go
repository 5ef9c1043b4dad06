package log

import (
	"fmt"

	"raftcore/internal/raft"
)

// snapshot is the compacted log prefix: the meta of the last entry it
// covers, the membership in force at that entry, and the opaque state
// machine data.
type snapshot struct {
	lastIncludedIndex uint64
	lastIncludedTerm  uint64
	lastConfig        []raft.NodeEndpoint
	data              []byte
}

func emptySnapshot() *snapshot {
	return &snapshot{}
}

// chunk returns the data slice starting at offset, of at most length bytes,
// and whether it reaches the end of the snapshot.
func (s *snapshot) chunk(offset uint64, length int) ([]byte, bool) {
	if offset >= uint64(len(s.data)) {
		return nil, true
	}
	end := offset + uint64(length)
	if length <= 0 || end > uint64(len(s.data)) {
		end = uint64(len(s.data))
	}
	return s.data[offset:end], end == uint64(len(s.data))
}

// snapshotBuilder accumulates the chunks of a snapshot being installed.
// Chunks must arrive in order; a chunk at offset 0 restarts the build.
type snapshotBuilder struct {
	lastIncludedIndex uint64
	lastIncludedTerm  uint64
	lastConfig        []raft.NodeEndpoint
	data              []byte
	nextOffset        uint64
}

func newSnapshotBuilder(firstRpc *raft.InstallSnapshotRpc) *snapshotBuilder {
	return &snapshotBuilder{
		lastIncludedIndex: firstRpc.LastIndex,
		lastIncludedTerm:  firstRpc.LastTerm,
		lastConfig:        firstRpc.LastConfig,
		data:              append([]byte(nil), firstRpc.Data...),
		nextOffset:        uint64(len(firstRpc.Data)),
	}
}

func (b *snapshotBuilder) appendChunk(rpc *raft.InstallSnapshotRpc) error {
	if rpc.LastIndex != b.lastIncludedIndex || rpc.LastTerm != b.lastIncludedTerm {
		return fmt.Errorf("snapshot meta changed mid-transfer, expected index %d term %d, got index %d term %d",
			b.lastIncludedIndex, b.lastIncludedTerm, rpc.LastIndex, rpc.LastTerm)
	}
	if rpc.Offset != b.nextOffset {
		return fmt.Errorf("unexpected snapshot chunk offset %d, expected %d", rpc.Offset, b.nextOffset)
	}
	b.data = append(b.data, rpc.Data...)
	b.nextOffset += uint64(len(rpc.Data))
	return nil
}

func (b *snapshotBuilder) build() *snapshot {
	return &snapshot{
		lastIncludedIndex: b.lastIncludedIndex,
		lastIncludedTerm:  b.lastIncludedTerm,
		lastConfig:        b.lastConfig,
		data:              b.data,
	}
}
