// Package node wraps one etcd raft RawNode behind the call discipline the
// engine relies on.
//
// The engine drives a Node from a single goroutine:
//
//	n.Tick() / n.Propose(data) / n.Step(msg)
//	for {
//	    rd, ok := n.Ready()
//	    if !ok {
//	        break
//	    }
//	    persist rd.Snapshot, rd.Entries, rd.HardState
//	    send rd.Messages
//	    apply rd.CommittedEntries (ApplyConfChange for membership entries)
//	    n.Advance()
//	}
//
// Between a Ready that returned true and the matching Advance, every
// mutating call fails with ErrReadyPending. ApplyConfChange is the one
// exception: committed membership changes are applied while draining.
//
// Proposals are refused with ErrNotLeader unless the node believes it is
// the leader, and messages from an older term are refused with
// ErrStaleTerm so the caller can log and drop them.
package node
