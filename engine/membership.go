package engine

import (
	"context"
	"fmt"

	"go.etcd.io/raft/v3/raftpb"

	"github.com/blockberries/raftberry/types"
)

// confRequest carries a membership change from another goroutine to the
// loop. result receives the outcome of the proposal (not of the commit).
type confRequest struct {
	change raftpb.ConfChange
	result chan error
}

// AddMember proposes adding a voter. It returns once the change is in the
// leader's log; the change takes effect when it commits.
func (e *Engine) AddMember(ctx context.Context, id types.NodeID, peer types.PeerID) error {
	if id == types.NoNode {
		return types.ErrInvalidNodeID
	}
	if peer == "" {
		return types.ErrEmptyPeerID
	}
	return e.proposeConfChange(ctx, raftpb.ConfChange{
		Type:    raftpb.ConfChangeAddNode,
		NodeID:  uint64(id),
		Context: peer.Bytes(),
	})
}

// RemoveMember proposes removing a voter.
func (e *Engine) RemoveMember(ctx context.Context, id types.NodeID) error {
	return e.proposeConfChange(ctx, raftpb.ConfChange{
		Type:   raftpb.ConfChangeRemoveNode,
		NodeID: uint64(id),
	})
}

func (e *Engine) proposeConfChange(ctx context.Context, cc raftpb.ConfChange) error {
	req := &confRequest{change: cc, result: make(chan error, 1)}
	if err := e.enqueue(ctx, req); err != nil {
		return err
	}
	select {
	case err := <-req.result:
		return err
	case <-e.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) onConfRequest(req *confRequest) {
	req.result <- e.checkAndProposeConfChange(req.change)
}

func (e *Engine) checkAndProposeConfChange(cc raftpb.ConfChange) error {
	id := types.NodeID(cc.NodeID)
	switch cc.Type {
	case raftpb.ConfChangeAddNode:
		peer := types.NewPeerID(cc.Context)
		if e.cluster.Contains(id) {
			return fmt.Errorf("%w: %d", types.ErrDuplicateMember, id)
		}
		if owner, ok := e.cluster.NodeOf(peer); ok {
			return fmt.Errorf("%w: %s is node %d", types.ErrDuplicatePeer, peer, owner)
		}
		if e.cluster.Size() >= types.MaxMembers {
			return types.ErrTooManyMembers
		}
	case raftpb.ConfChangeRemoveNode:
		if !e.cluster.Contains(id) {
			return fmt.Errorf("%w: %d", types.ErrMemberNotFound, id)
		}
		if e.cluster.Size() == 1 {
			return types.ErrRemoveLastMember
		}
	default:
		return fmt.Errorf("unsupported conf change type %s", cc.Type)
	}

	// Raft turns a conf change proposed before the previous one applied
	// into an empty entry without reporting it.
	if e.role.IsLeader() && e.confIndex > e.applied {
		return fmt.Errorf("%w: index %d not yet applied (applied %d)", ErrConfChangePending, e.confIndex, e.applied)
	}
	if err := e.node.ProposeConfChange(cc); err != nil {
		return err
	}
	last, err := e.store.LastIndex()
	if err != nil {
		return err
	}
	e.confIndex = last + 1
	e.logger.Info("proposed membership change", "change", cc.Type, "node", id, "index", e.confIndex)
	return nil
}
