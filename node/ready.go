package node

import (
	"go.etcd.io/raft/v3/raftpb"

	"github.com/blockberries/raftberry/types"
)

// Ready is one batch of work produced by the node. It must be handled in
// order (persist, send, apply) and then acknowledged with Advance.
type Ready struct {
	// HardState is empty when unchanged.
	HardState raftpb.HardState

	// Entries must be persisted before Messages are sent.
	Entries []raftpb.Entry

	// Snapshot is empty when there is none.
	Snapshot raftpb.Snapshot

	Messages []raftpb.Message

	// CommittedEntries are ready to apply, in index order.
	CommittedEntries []raftpb.Entry

	// MustSync is set when HardState or Entries must reach stable storage.
	MustSync bool

	// LeaderChange is set when the local role or the known leader changed.
	LeaderChange *LeaderChange
}

// LeaderChange describes the node's view after a role or leader change.
type LeaderChange struct {
	Role   types.Role
	Leader types.NodeID
	Term   uint64
}
