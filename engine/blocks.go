package engine

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/blockberries/raftberry/types"
)

type blockEntry struct {
	block *types.Block
	valid bool
	own   bool
}

// commitItem is a block reference raft committed at index.
type commitItem struct {
	ref     types.BlockRef
	index   uint64
	checked bool // CheckBlocks issued for a block we had no descriptor for
}

// blockTable holds the blocks the validator told us about and the queue of
// committed references waiting to be committed by the validator, in log
// order. Owned by the engine loop.
type blockTable struct {
	blocks   map[types.BlockID]*blockEntry
	queue    []commitItem
	inflight types.BlockID // CommitBlock issued, waiting for BlockCommit
}

func newBlockTable() *blockTable {
	return &blockTable{blocks: make(map[types.BlockID]*blockEntry)}
}

func (bt *blockTable) add(b *types.Block, own bool) *blockEntry {
	if be, ok := bt.blocks[b.ID]; ok {
		be.block = b
		return be
	}
	be := &blockEntry{block: b, own: own, valid: own}
	bt.blocks[b.ID] = be
	return be
}

func (bt *blockTable) get(id types.BlockID) *blockEntry {
	return bt.blocks[id]
}

func (bt *blockTable) queued(id types.BlockID) (commitItem, bool) {
	for _, item := range bt.queue {
		if item.ref.ID == id {
			return item, true
		}
	}
	return commitItem{}, false
}

// busy reports whether committed blocks are still waiting on the validator.
func (bt *blockTable) busy() bool {
	return len(bt.queue) > 0 || bt.inflight != ""
}

// prune forgets blocks at or below num, and queue items that can no
// longer be committed.
func (bt *blockTable) prune(num uint64) {
	for id, be := range bt.blocks {
		if be.block.Num <= num {
			delete(bt.blocks, id)
		}
	}
	q := bt.queue[:0]
	for _, item := range bt.queue {
		if item.ref.Num > num {
			q = append(q, item)
		}
	}
	bt.queue = q
}

func (e *Engine) onBlockNew(b *types.Block) {
	if b == nil || b.ID.IsEmpty() {
		e.logger.Warn("ignoring block without id")
		return
	}
	own := e.localPeer != "" && b.SignerID == e.localPeer
	e.blocks.add(b, own)

	if e.head != nil && b.Num <= e.head.Num {
		e.logger.Debug("ignoring block at or below chain head", "block", b, "head", e.head.Num)
		e.ignoreBlock(b.ID)
		return
	}

	// Raft already committed it; the descriptor was all that was missing.
	if item, ok := e.blocks.queued(b.ID); ok {
		if !own && !item.checked {
			e.checkBlock(b)
		}
		e.processCommitQueue()
		return
	}

	if !own {
		e.checkBlock(b)
		e.processCommitQueue()
		return
	}

	if !e.role.IsLeader() {
		e.logger.Info("not leader, rejecting own block", "block", b, "leader", e.leader)
		e.ignoreBlock(b.ID)
		if e.pub.state != publishIdle {
			e.cancelBlock()
		}
		return
	}

	if e.pending.hasBlock(b.ID) {
		e.logger.Debug("block already proposed", "block", b)
		return
	}
	e.propose(b)
}

func (e *Engine) checkBlock(b *types.Block) {
	e.logger.Debug("checking block from peer", "block", b, "signer", b.SignerID)
	if err := e.svc.CheckBlocks([]types.BlockID{b.ID}); err != nil {
		e.logger.Warn("check blocks failed", "block", b.ID.Short(), "error", err)
	}
}

// propose places a reference to b in the raft log.
func (e *Engine) propose(b *types.Block) {
	ref := b.Ref(uuid.New())
	data, err := types.EncodeBlockRef(ref)
	if err != nil {
		e.logger.Warn("cannot encode block reference", "block", b, "error", err)
		e.ignoreBlock(b.ID)
		e.pub.reset()
		return
	}
	if err := e.node.Propose(data); err != nil {
		e.logger.Warn("proposal rejected", "block", b, "error", err)
		e.ignoreBlock(b.ID)
		e.pub.reset()
		return
	}

	e.pending.add(&PendingProposal{
		ID:         ref.Proposal,
		Block:      b,
		Term:       e.node.Term(),
		ProposedAt: e.ticks,
	})
	e.pub.proposed(b.ID)
	e.logger.Info("proposed block", "block", b, "proposal", ref.Proposal, "term", e.node.Term())
}

func (e *Engine) onBlockValid(id types.BlockID) {
	be := e.blocks.get(id)
	if be == nil {
		item, ok := e.blocks.queued(id)
		if !ok {
			e.logger.Debug("validity for unknown block", "block", id.Short())
			return
		}
		be = e.blocks.add(&types.Block{ID: id, PreviousID: item.ref.PreviousID, Num: item.ref.Num}, false)
	}
	be.valid = true
	e.processCommitQueue()
}

func (e *Engine) onBlockInvalid(id types.BlockID) error {
	if item, ok := e.blocks.queued(id); ok {
		return fmt.Errorf("%w: block %s committed at index %d", ErrCommittedInvalid, id, item.index)
	}
	e.logger.Info("block invalid", "block", id.Short())
	delete(e.blocks.blocks, id)
	if err := e.svc.FailBlock(id); err != nil {
		e.logger.Warn("fail block failed", "block", id.Short(), "error", err)
	}
	return nil
}

func (e *Engine) onBlockCommit(id types.BlockID) {
	var head *types.Block
	if be := e.blocks.get(id); be != nil {
		head = be.block
	} else if item, ok := e.blocks.queued(id); ok {
		head = &types.Block{ID: id, PreviousID: item.ref.PreviousID, Num: item.ref.Num}
	} else {
		e.logger.Warn("validator committed a block the engine did not commit", "block", id.Short())
		num := uint64(0)
		if e.head != nil {
			num = e.head.Num + 1
		}
		head = &types.Block{ID: id, Num: num}
	}

	if e.blocks.inflight == id {
		e.blocks.inflight = ""
	}
	e.head = head
	e.blocks.prune(head.Num)
	e.logger.Info("block committed", "block", head)

	e.processCommitQueue()
	if e.role.IsLeader() {
		e.pub.reset()
		e.startPublishing()
	}
}

// enqueueCommit handles a committed block reference from the log.
func (e *Engine) enqueueCommit(ref types.BlockRef, index uint64) {
	if p, ok := e.pending.complete(ref.Proposal); ok {
		e.logger.Debug("proposal committed", "block", p.Block, "index", index,
			"ticks", e.ticks-p.ProposedAt)
	}
	if e.head != nil && ref.Num <= e.head.Num {
		e.logger.Debug("skipping committed block at or below chain head",
			"block", ref.ID.Short(), "num", ref.Num, "head", e.head.Num)
		return
	}
	if _, ok := e.blocks.queued(ref.ID); ok {
		e.logger.Debug("skipping duplicate committed block", "block", ref.ID.Short(), "index", index)
		return
	}
	e.blocks.queue = append(e.blocks.queue, commitItem{ref: ref, index: index})

	// A block being built on the old head can no longer be committed.
	if e.pub.state == publishBuilding || e.pub.state == publishFinalizing {
		if e.pub.block != ref.ID {
			e.logger.Debug("chain advanced under the block being built", "block", ref.ID.Short())
			e.cancelBlock()
		}
	}
}

// processCommitQueue issues CommitBlock for the oldest committed block
// once it is known and valid. One commit is in flight at a time.
func (e *Engine) processCommitQueue() {
	for e.blocks.inflight == "" && len(e.blocks.queue) > 0 {
		item := e.blocks.queue[0]
		if e.head != nil && item.ref.Num <= e.head.Num {
			e.blocks.queue = e.blocks.queue[1:]
			continue
		}
		if e.head != nil && item.ref.PreviousID != e.head.ID {
			e.logger.Warn("committed block does not extend chain head",
				"block", item.ref.ID.Short(), "previous", item.ref.PreviousID.Short(), "head", e.head.ID.Short())
			e.blocks.queue = e.blocks.queue[1:]
			e.ignoreBlock(item.ref.ID)
			continue
		}

		be := e.blocks.get(item.ref.ID)
		if be == nil && !item.checked {
			// After a restart the validator may never announce the block
			// again; ask it directly.
			if err := e.svc.CheckBlocks([]types.BlockID{item.ref.ID}); err != nil {
				e.logger.Warn("check blocks failed", "block", item.ref.ID.Short(), "error", err)
				return
			}
			e.blocks.queue[0].checked = true
			return
		}
		if be == nil || !be.valid {
			return
		}
		if err := e.svc.CommitBlock(item.ref.ID); err != nil {
			e.logger.Warn("commit block failed, will retry", "block", be.block, "error", err)
			return
		}
		e.blocks.inflight = item.ref.ID
		e.logger.Debug("committing block", "block", be.block, "index", item.index)
	}
}

func (e *Engine) ignoreBlock(id types.BlockID) {
	if err := e.svc.IgnoreBlock(id); err != nil {
		e.logger.Debug("ignore block failed", "block", id.Short(), "error", err)
	}
}
