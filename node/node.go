package node

import (
	"fmt"

	"github.com/hashicorp/go-hclog"
	"go.etcd.io/raft/v3"
	"go.etcd.io/raft/v3/raftpb"
	"go.etcd.io/raft/v3/tracker"

	"github.com/blockberries/raftberry/storage"
	"github.com/blockberries/raftberry/types"
)

// Config holds the raft parameters for one node.
type Config struct {
	ID types.NodeID

	// Peers are the voters, used only to bootstrap an empty store. Each
	// peer's PeerID is carried in the bootstrap conf change context.
	Peers []types.Member

	// Join starts an empty store without bootstrapping. The node learns the
	// membership from the leader once it has been added to the cluster.
	Join bool

	ElectionTick    int
	HeartbeatTick   int
	MaxSizePerMsg   uint64
	MaxInflightMsgs int
	CheckQuorum     bool
	PreVote         bool

	Logger hclog.Logger
}

// DefaultConfig returns defaults for id: an election timeout of 20 ticks
// and a heartbeat every 2.
func DefaultConfig(id types.NodeID) Config {
	return Config{
		ID:              id,
		ElectionTick:    20,
		HeartbeatTick:   2,
		MaxSizePerMsg:   1024 * 1024,
		MaxInflightMsgs: 256,
	}
}

// Node owns one raft.RawNode. It is not safe for concurrent use.
type Node struct {
	id     types.NodeID
	raw    *raft.RawNode
	store  storage.LogStore
	logger hclog.Logger

	readyPending bool
	pending      Ready
	rawReady     raft.Ready
	commit       uint64
	err          error

	role   types.Role
	leader types.NodeID
}

// New creates a node over store. An empty store is bootstrapped with
// cfg.Peers; otherwise the node restarts from the stored state.
func New(cfg Config, store storage.LogStore) (*Node, error) {
	if cfg.ID == types.NoNode {
		return nil, fmt.Errorf("%w: node id must be non-zero", ErrInvalidConfig)
	}
	if cfg.HeartbeatTick <= 0 || cfg.ElectionTick <= cfg.HeartbeatTick {
		return nil, fmt.Errorf("%w: election tick %d must exceed heartbeat tick %d",
			ErrInvalidConfig, cfg.ElectionTick, cfg.HeartbeatTick)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	bootstrap := store.IsEmpty() && !cfg.Join
	if bootstrap && len(cfg.Peers) == 0 {
		return nil, fmt.Errorf("%w: empty store and no peers to bootstrap", ErrInvalidConfig)
	}

	rc := &raft.Config{
		ID:              uint64(cfg.ID),
		ElectionTick:    cfg.ElectionTick,
		HeartbeatTick:   cfg.HeartbeatTick,
		Storage:         store,
		Applied:         store.Applied(),
		MaxSizePerMsg:   cfg.MaxSizePerMsg,
		MaxInflightMsgs: cfg.MaxInflightMsgs,
		CheckQuorum:     cfg.CheckQuorum,
		PreVote:         cfg.PreVote,
		Logger:          NewRaftLogger(logger.Named("raft")),
	}
	if rc.MaxInflightMsgs <= 0 {
		rc.MaxInflightMsgs = 256
	}

	raw, err := raft.NewRawNode(rc)
	if err != nil {
		return nil, fmt.Errorf("create raw node: %w", err)
	}

	if bootstrap {
		peers := make([]raft.Peer, 0, len(cfg.Peers))
		for _, m := range cfg.Peers {
			peers = append(peers, raft.Peer{ID: uint64(m.ID), Context: m.Peer.Bytes()})
		}
		if err := raw.Bootstrap(peers); err != nil {
			return nil, fmt.Errorf("bootstrap: %w", err)
		}
		logger.Info("bootstrapped raft node", "id", cfg.ID, "voters", len(peers))
	} else if store.IsEmpty() {
		logger.Info("joining cluster with an empty log", "id", cfg.ID)
	} else {
		hs, _, _ := store.InitialState()
		logger.Info("restarted raft node", "id", cfg.ID, "term", hs.Term, "commit", hs.Commit,
			"applied", rc.Applied)
	}

	n := &Node{
		id:     cfg.ID,
		raw:    raw,
		store:  store,
		logger: logger,
		role:   types.RoleFollower,
		commit: raw.BasicStatus().Commit,
	}
	return n, nil
}

// ID returns the local node id.
func (n *Node) ID() types.NodeID { return n.id }

// Role returns the role reported by the last Ready.
func (n *Node) Role() types.Role { return n.role }

// Leader returns the leader reported by the last Ready, or NoNode.
func (n *Node) Leader() types.NodeID { return n.leader }

// Term returns the current raft term.
func (n *Node) Term() uint64 { return n.raw.BasicStatus().Term }

// Commit returns the highest commit index reported so far.
func (n *Node) Commit() uint64 { return n.commit }

// Status returns the raft library's view of the node.
func (n *Node) Status() raft.BasicStatus { return n.raw.BasicStatus() }

// Progress returns the leader's replication progress for id. Only a leader
// tracks progress.
func (n *Node) Progress(id types.NodeID) (tracker.Progress, bool) {
	pr, ok := n.raw.Status().Progress[uint64(id)]
	return pr, ok
}

// Tick advances the logical clock by one unit.
func (n *Node) Tick() error {
	if n.readyPending {
		return ErrReadyPending
	}
	n.raw.Tick()
	return nil
}

// Propose appends data to the log. Only the leader may propose.
func (n *Node) Propose(data []byte) error {
	if n.readyPending {
		return ErrReadyPending
	}
	if !n.isLeader() {
		return ErrNotLeader
	}
	return n.raw.Propose(data)
}

// ProposeConfChange proposes a membership change. Only the leader may propose.
func (n *Node) ProposeConfChange(cc raftpb.ConfChangeI) error {
	if n.readyPending {
		return ErrReadyPending
	}
	if !n.isLeader() {
		return ErrNotLeader
	}
	return n.raw.ProposeConfChange(cc)
}

// Step delivers a message from a peer.
func (n *Node) Step(m raftpb.Message) error {
	if n.readyPending {
		return ErrReadyPending
	}
	if raft.IsLocalMsg(m.Type) {
		return raft.ErrStepLocalMsg
	}
	if term := n.raw.BasicStatus().Term; m.Term != 0 && m.Term < term {
		return fmt.Errorf("%w: %s from %d at term %d, current %d", ErrStaleTerm, m.Type, m.From, m.Term, term)
	}
	return n.raw.Step(m)
}

// ReportUnreachable tells raft that the last message to id failed.
func (n *Node) ReportUnreachable(id types.NodeID) error {
	if n.readyPending {
		return ErrReadyPending
	}
	n.raw.ReportUnreachable(uint64(id))
	return nil
}

// ApplyConfChange applies a committed membership change and returns the
// resulting voter set.
func (n *Node) ApplyConfChange(cc raftpb.ConfChangeI) *raftpb.ConfState {
	return n.raw.ApplyConfChange(cc)
}

// Ready returns the next batch of work, or false when there is none.
// A returned batch stays pending (and is returned again) until Advance.
func (n *Node) Ready() (Ready, bool) {
	if n.readyPending {
		return n.pending, true
	}
	if !n.raw.HasReady() {
		return Ready{}, false
	}

	rd := n.raw.Ready()
	out := Ready{
		HardState:        rd.HardState,
		Entries:          rd.Entries,
		Snapshot:         rd.Snapshot,
		Messages:         rd.Messages,
		CommittedEntries: rd.CommittedEntries,
		MustSync:         rd.MustSync,
	}

	if !raft.IsEmptyHardState(rd.HardState) {
		if rd.HardState.Commit < n.commit {
			n.err = fmt.Errorf("%w: %d after %d", ErrCommitRegressed, rd.HardState.Commit, n.commit)
			n.logger.Error("commit index regressed", "commit", rd.HardState.Commit, "previous", n.commit)
		} else {
			n.commit = rd.HardState.Commit
		}
	}

	if rd.SoftState != nil {
		role := roleOf(rd.SoftState.RaftState)
		leader := types.NodeID(rd.SoftState.Lead)
		if role != n.role || leader != n.leader {
			n.role = role
			n.leader = leader
			out.LeaderChange = &LeaderChange{Role: role, Leader: leader, Term: n.raw.BasicStatus().Term}
			n.logger.Debug("role changed", "role", role, "leader", leader, "term", out.LeaderChange.Term)
		}
	}

	n.readyPending = true
	n.pending = out
	n.rawReady = rd
	return out, true
}

// Advance acknowledges the pending Ready.
func (n *Node) Advance() error {
	if !n.readyPending {
		return nil
	}
	n.raw.Advance(n.rawReady)
	n.readyPending = false
	n.pending = Ready{}
	n.rawReady = raft.Ready{}
	return n.err
}

func (n *Node) isLeader() bool {
	return n.raw.BasicStatus().RaftState == raft.StateLeader
}

func roleOf(s raft.StateType) types.Role {
	switch s {
	case raft.StateLeader:
		return types.RoleLeader
	case raft.StateCandidate, raft.StatePreCandidate:
		return types.RoleCandidate
	default:
		return types.RoleFollower
	}
}
