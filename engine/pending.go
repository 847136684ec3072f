package engine

import (
	"sort"

	"github.com/google/uuid"

	"github.com/blockberries/raftberry/types"
)

// PendingProposal is a block the leader proposed that has not committed.
type PendingProposal struct {
	ID         uuid.UUID
	Block      *types.Block
	Term       uint64
	ProposedAt uint64 // tick
}

// pendingSet tracks proposals by correlation id. Owned by the engine loop.
type pendingSet struct {
	byID map[uuid.UUID]*PendingProposal
}

func newPendingSet() *pendingSet {
	return &pendingSet{byID: make(map[uuid.UUID]*PendingProposal)}
}

func (ps *pendingSet) add(p *PendingProposal) {
	ps.byID[p.ID] = p
}

// complete removes a proposal whose entry committed.
func (ps *pendingSet) complete(id uuid.UUID) (*PendingProposal, bool) {
	p, ok := ps.byID[id]
	if ok {
		delete(ps.byID, id)
	}
	return p, ok
}

// hasBlock reports whether a proposal for block id is outstanding.
func (ps *pendingSet) hasBlock(id types.BlockID) bool {
	for _, p := range ps.byID {
		if p.Block.ID == id {
			return true
		}
	}
	return false
}

// sweep removes and returns every outstanding proposal, oldest first.
func (ps *pendingSet) sweep() []*PendingProposal {
	if len(ps.byID) == 0 {
		return nil
	}
	out := make([]*PendingProposal, 0, len(ps.byID))
	for id, p := range ps.byID {
		out = append(out, p)
		delete(ps.byID, id)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ProposedAt < out[j].ProposedAt
	})
	return out
}

func (ps *pendingSet) len() int {
	return len(ps.byID)
}
