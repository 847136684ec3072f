package storage

import (
	"errors"

	"go.etcd.io/raft/v3"
	"go.etcd.io/raft/v3/raftpb"

	"github.com/blockberries/raftberry/types"
)

// Errors
var (
	ErrStoreClosed    = errors.New("log store is closed")
	ErrCorruptedState = errors.New("corrupted raft state")
	ErrCompactBounds  = errors.New("compaction index out of bounds")
)

// LogStore is the durable Raft log.
type LogStore interface {
	raft.Storage

	// Save persists one Ready's worth of state in order: snapshot, entries,
	// hard state. Empty values are skipped. Durable on return.
	Save(hs raftpb.HardState, entries []raftpb.Entry, snap raftpb.Snapshot) error

	// Append appends entries, replacing any conflicting suffix.
	Append(entries []raftpb.Entry) error

	// SetHardState records term, vote and commit.
	SetHardState(hs raftpb.HardState) error

	// ApplySnapshot replaces the log with a snapshot received from a leader.
	ApplySnapshot(snap raftpb.Snapshot) error

	// Compact discards entries up to and including index, keeping a
	// snapshot at index that carries the current conf state.
	Compact(index uint64) error

	// SetConfState records the voter set after a committed membership change.
	SetConfState(cs raftpb.ConfState) error

	// SetApplied records the highest index whose effects reached the validator.
	SetApplied(index uint64) error

	// Applied returns the highest recorded applied index.
	Applied() uint64

	// SetMembership records the cluster configuration.
	SetMembership(cc *types.ClusterConfig) error

	// Membership returns the last recorded cluster configuration, if any.
	Membership() (*types.ClusterConfig, bool)

	// IsEmpty reports whether the store has never held raft state, in which
	// case the node bootstraps instead of restarting.
	IsEmpty() bool

	// Close releases resources. Further mutations fail.
	Close() error
}
