package engine

import (
	"errors"
	"fmt"

	"go.etcd.io/raft/v3"
	"go.etcd.io/raft/v3/raftpb"

	"github.com/blockberries/raftberry/node"
	"github.com/blockberries/raftberry/storage"
	"github.com/blockberries/raftberry/types"
)

// drainReady handles every Ready the node has, strictly in the order
// persist, send, apply, leadership, then acknowledges it.
func (e *Engine) drainReady() error {
	for {
		rd, ok := e.node.Ready()
		if !ok {
			break
		}

		if err := e.store.Save(rd.HardState, rd.Entries, rd.Snapshot); err != nil {
			return fmt.Errorf("%w: %v", ErrPersist, err)
		}
		if !raft.IsEmptySnap(rd.Snapshot) {
			e.onSnapshot(rd.Snapshot)
		}

		e.send(rd.Messages)

		if err := e.apply(rd.CommittedEntries); err != nil {
			return err
		}

		if lc := rd.LeaderChange; lc != nil {
			e.onLeaderChange(lc.Role, lc.Leader, lc.Term)
		}

		if err := e.node.Advance(); err != nil {
			return err
		}

		for _, id := range e.unreachable {
			if err := e.node.ReportUnreachable(id); err != nil {
				e.logger.Warn("failed to report unreachable peer", "node", id, "error", err)
			}
		}
		e.unreachable = e.unreachable[:0]
	}

	if err := e.persistApplied(); err != nil {
		return err
	}
	return e.maybeCompact()
}

func (e *Engine) send(msgs []raftpb.Message) {
	for _, m := range msgs {
		to := types.NodeID(m.To)
		peer, ok := e.cluster.PeerOf(to)
		if !ok {
			e.logger.Warn("no peer id for raft message destination", "to", to, "type", m.Type)
			continue
		}
		data, err := m.Marshal()
		if err != nil {
			e.logger.Warn("cannot encode raft message", "to", to, "type", m.Type, "error", err)
			continue
		}

		ps := e.peers.GetPeer(peer)
		if err := e.svc.SendTo(peer, RaftMessageType, data); err != nil {
			e.logger.Debug("send failed", "to", to, "type", m.Type, "error", err)
			if ps != nil {
				ps.MarkSent(false)
			}
			e.unreachable = append(e.unreachable, to)
			continue
		}
		if ps != nil {
			ps.MarkSent(true)
		}
	}
}

// apply handles committed entries in index order. Entries at or below the
// applied index were already handled and are skipped.
func (e *Engine) apply(entries []raftpb.Entry) error {
	for _, ent := range entries {
		if ent.Index <= e.applied {
			continue
		}
		switch ent.Type {
		case raftpb.EntryNormal:
			e.applyNormal(ent)
		case raftpb.EntryConfChange:
			var cc raftpb.ConfChange
			if err := cc.Unmarshal(ent.Data); err != nil {
				return fmt.Errorf("decode conf change at %d: %w", ent.Index, err)
			}
			if err := e.applyConfChange(ent.Index, cc); err != nil {
				return err
			}
		case raftpb.EntryConfChangeV2:
			var cc raftpb.ConfChangeV2
			if err := cc.Unmarshal(ent.Data); err != nil {
				return fmt.Errorf("decode conf change at %d: %w", ent.Index, err)
			}
			cs := e.node.ApplyConfChange(cc)
			if err := e.store.SetConfState(*cs); err != nil {
				return fmt.Errorf("%w: %v", ErrPersist, err)
			}
			e.logger.Warn("applied joint conf change without peer mapping", "index", ent.Index)
		}
		e.applied = ent.Index
	}
	e.processCommitQueue()
	return nil
}

func (e *Engine) applyNormal(ent raftpb.Entry) {
	if len(ent.Data) == 0 {
		// Leader no-op appended on election.
		return
	}
	ref, err := types.DecodeBlockRef(ent.Data)
	if err != nil {
		e.logger.Error("skipping undecodable log entry", "index", ent.Index, "term", ent.Term, "error", err)
		return
	}
	e.enqueueCommit(ref, ent.Index)
}

// applyConfChange applies a committed membership change to raft and to the
// cluster configuration, and records both.
func (e *Engine) applyConfChange(index uint64, cc raftpb.ConfChange) error {
	id := types.NodeID(cc.NodeID)
	next := e.cluster

	switch cc.Type {
	case raftpb.ConfChangeAddNode:
		peer := types.NewPeerID(cc.Context)
		if existing, ok := e.cluster.PeerOf(id); ok && (existing == peer || peer == "") {
			break
		}
		if peer == "" {
			e.logger.Warn("added member has no peer id", "node", id, "index", index)
			break
		}
		updated, err := e.cluster.WithMember(id, peer)
		if err != nil {
			e.logger.Warn("cannot add member to cluster configuration", "node", id, "error", err)
			break
		}
		next = updated
	case raftpb.ConfChangeRemoveNode:
		if !e.cluster.Contains(id) {
			break
		}
		updated, err := e.cluster.WithoutMember(id)
		if err != nil {
			e.logger.Warn("cannot remove member from cluster configuration", "node", id, "error", err)
			break
		}
		next = updated
	default:
		e.logger.Warn("unsupported conf change type", "type", cc.Type, "node", id, "index", index)
	}

	cs := e.node.ApplyConfChange(cc)
	if err := e.store.SetConfState(*cs); err != nil {
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	if next == e.cluster {
		return nil
	}

	if err := e.store.SetMembership(next); err != nil {
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	e.cluster = next
	e.peers.UpdateCluster(next)
	e.logger.Info("cluster configuration changed",
		"index", index, "change", cc.Type, "node", id, "version", next.Version, "members", next.Size())

	if !next.IsLocalMember() {
		e.logger.Warn("local node removed from cluster, stopping", "node", e.config.NodeID)
		e.stopping.Store(true)
	}
	return nil
}

// onSnapshot handles a snapshot installed from the leader. The blocks it
// covers are not replayed; the validator catches up on its own.
func (e *Engine) onSnapshot(snap raftpb.Snapshot) {
	idx := snap.Metadata.Index
	e.logger.Warn("installed raft snapshot", "index", idx, "term", snap.Metadata.Term,
		"voters", len(snap.Metadata.ConfState.Voters))
	if idx > e.applied {
		e.applied = idx
	}
	if idx > e.durable {
		e.durable = idx
	}
	if idx > e.lastCompact {
		e.lastCompact = idx
	}
	e.blocks.queue = e.blocks.queue[:0]
}

// persistApplied records the highest index whose effects reached the
// validator: everything applied, up to the oldest block still waiting in
// the commit queue.
func (e *Engine) persistApplied() error {
	durable := e.applied
	if len(e.blocks.queue) > 0 {
		durable = e.blocks.queue[0].index - 1
	}
	if durable <= e.durable {
		return nil
	}
	if err := e.store.SetApplied(durable); err != nil {
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	e.durable = durable
	return nil
}

func (e *Engine) maybeCompact() error {
	threshold := e.config.CompactThreshold
	if threshold == 0 || e.durable-e.lastCompact <= threshold {
		return nil
	}
	err := e.store.Compact(e.durable)
	if errors.Is(err, storage.ErrCompactBounds) || errors.Is(err, raft.ErrCompacted) {
		e.logger.Debug("skipping compaction", "index", e.durable, "error", err)
		e.lastCompact = e.durable
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: compact at %d: %v", ErrPersist, e.durable, err)
	}
	e.logger.Info("compacted log", "index", e.durable, "previous", e.lastCompact)
	e.lastCompact = e.durable
	return nil
}

func (e *Engine) onPeerMessage(u UpdatePeerMessage) {
	if u.Type != "" && u.Type != RaftMessageType {
		e.logger.Debug("ignoring non-raft peer message", "type", u.Type, "sender", u.Sender)
		return
	}

	var m raftpb.Message
	if err := m.Unmarshal(u.Payload); err != nil {
		e.logger.Warn("dropping peer message", "sender", u.Sender,
			"error", fmt.Errorf("%w: %v", ErrInvalidMessage, err))
		return
	}
	from, ok := e.cluster.NodeOf(u.Sender)
	if !ok {
		e.logger.Warn("dropping peer message", "sender", u.Sender, "error", ErrUnknownPeer)
		return
	}
	if uint64(from) != m.From || m.To != uint64(e.config.NodeID) {
		e.logger.Warn("dropping peer message", "sender", u.Sender,
			"error", fmt.Errorf("%w: from %d to %d, sender is node %d", ErrInvalidMessage, m.From, m.To, from))
		return
	}
	if ps := e.peers.GetPeer(u.Sender); ps != nil {
		ps.MarkReceived()
	}

	if err := e.node.Step(m); err != nil {
		switch {
		case errors.Is(err, node.ErrStaleTerm), errors.Is(err, raft.ErrStepPeerNotFound):
			e.logger.Debug("dropping peer message", "from", from, "type", m.Type, "error", err)
		default:
			e.logger.Warn("step failed", "from", from, "type", m.Type, "error", err)
		}
	}
}
