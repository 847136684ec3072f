package node

import "errors"

var (
	// ErrNotLeader is returned when proposing on a node that is not the leader.
	ErrNotLeader = errors.New("node is not the leader")

	// ErrStaleTerm is returned by Step for a message from an older term.
	ErrStaleTerm = errors.New("message from stale term")

	// ErrReadyPending is returned by mutating calls between Ready and Advance.
	ErrReadyPending = errors.New("ready not yet advanced")

	// ErrCommitRegressed is returned by Advance when raft reported a commit
	// index below one it reported earlier.
	ErrCommitRegressed = errors.New("commit index went backwards")

	// ErrRaftFatal carries a fatal report from the raft library. The raft
	// logger panics with it; the engine loop turns it into a fatal error.
	ErrRaftFatal = errors.New("raft fatal error")

	// ErrInvalidConfig is returned by New for an unusable configuration.
	ErrInvalidConfig = errors.New("invalid node config")
)
