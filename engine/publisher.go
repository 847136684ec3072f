package engine

import (
	"errors"

	"github.com/blockberries/raftberry/types"
)

type publishState uint8

const (
	publishIdle       publishState = iota
	publishBuilding                // InitializeBlock issued
	publishFinalizing              // FinalizeBlock issued, waiting for BlockNew
	publishProposed                // proposed, waiting for commit
)

func (s publishState) String() string {
	switch s {
	case publishIdle:
		return "idle"
	case publishBuilding:
		return "building"
	case publishFinalizing:
		return "finalizing"
	case publishProposed:
		return "proposed"
	default:
		return "unknown"
	}
}

// publisher is the leader's block publishing cycle: initialize a block on
// the chain head, finalize it after the publishing period, propose it, and
// start again once the validator commits it.
type publisher struct {
	state publishState
	since uint64 // tick the current block was initialized
	block types.BlockID
}

func (p *publisher) reset() {
	p.state = publishIdle
	p.block = ""
}

func (p *publisher) proposed(id types.BlockID) {
	p.state = publishProposed
	p.block = id
}

// startPublishing initializes a block on the chain head if the leader is
// idle and every committed block has reached the validator.
func (e *Engine) startPublishing() {
	if !e.role.IsLeader() || e.pub.state != publishIdle || e.blocks.busy() || e.head == nil {
		return
	}
	if err := e.svc.InitializeBlock(e.head.ID); err != nil {
		e.logger.Warn("initialize block failed", "previous", e.head.ID.Short(), "error", err)
		return
	}
	e.pub.state = publishBuilding
	e.pub.since = e.ticks
	e.pub.block = ""
	e.logger.Debug("initialized block", "previous", e.head.ID.Short(), "num", e.head.Num+1)
}

// publishTick advances the cycle by one tick.
func (e *Engine) publishTick() {
	switch e.pub.state {
	case publishIdle:
		e.startPublishing()
	case publishBuilding:
		if e.ticks-e.pub.since >= e.config.PeriodTicks() {
			e.finalizeBlock()
		}
	}
}

func (e *Engine) finalizeBlock() {
	id, err := e.svc.FinalizeBlock()
	if errors.Is(err, ErrBlockNotReady) {
		e.logger.Trace("block not ready to finalize")
		return
	}
	if err != nil {
		e.logger.Warn("finalize block failed", "error", err)
		e.cancelBlock()
		return
	}
	e.pub.state = publishFinalizing
	e.pub.block = id
	e.logger.Debug("finalized block", "block", id.Short())
}

// cancelBlock abandons the block in progress, if any.
func (e *Engine) cancelBlock() {
	if e.pub.state == publishBuilding {
		if err := e.svc.CancelBlock(); err != nil {
			e.logger.Debug("cancel block failed", "error", err)
		}
	} else if e.pub.state == publishFinalizing && e.pub.block != "" {
		e.ignoreBlock(e.pub.block)
	}
	e.pub.reset()
}

// onLeaderChange sweeps outstanding proposals and restarts publishing
// when the node became leader.
func (e *Engine) onLeaderChange(role types.Role, leader types.NodeID, term uint64) {
	was := e.role
	e.role = role
	e.leader = leader
	e.logger.Info("leadership changed", "role", role, "leader", leader, "term", term, "previous_role", was)

	for _, p := range e.pending.sweep() {
		e.logger.Info("cancelling pending proposal", "block", p.Block, "proposal", p.ID, "term", p.Term)
		e.ignoreBlock(p.Block.ID)
	}
	e.cancelBlock()

	if role.IsLeader() {
		// A new leader may hold unapplied conf changes from earlier terms.
		if last, err := e.store.LastIndex(); err == nil {
			e.confIndex = last
		}
		e.startPublishing()
	}
}
