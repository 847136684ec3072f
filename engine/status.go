package engine

import "github.com/blockberries/raftberry/types"

// Status is a point-in-time view of the engine, published by the loop
// after every event.
type Status struct {
	ID            types.NodeID   `json:"id"`
	Running       bool           `json:"running"`
	Role          types.Role     `json:"role"`
	Term          uint64         `json:"term"`
	Leader        types.NodeID   `json:"leader"`
	Commit        uint64         `json:"commit"`
	Applied       uint64         `json:"applied"`
	Pending       int            `json:"pending"`
	CommitQueue   int            `json:"commit_queue"`
	ChainHead     types.BlockID  `json:"chain_head"`
	ChainHeight   uint64         `json:"chain_height"`
	ConfigVersion uint64         `json:"config_version"`
	Members       []types.Member `json:"members"`
	Peers         []PeerInfo     `json:"peers"`
	Ticks         uint64         `json:"ticks"`
	DroppedTicks  uint64         `json:"dropped_ticks"`
}

// IsLeader reports whether the node led at the time of the snapshot.
func (s Status) IsLeader() bool {
	return s.Role.IsLeader()
}

func (e *Engine) publishStatus() {
	st := Status{
		ID:            e.config.NodeID,
		Running:       !e.stopping.Load(),
		Role:          e.role,
		Term:          e.node.Term(),
		Leader:        e.leader,
		Commit:        e.node.Commit(),
		Applied:       e.applied,
		Pending:       e.pending.len(),
		CommitQueue:   len(e.blocks.queue),
		ConfigVersion: e.cluster.Version,
		Members:       e.cluster.Members(),
		Peers:         e.peers.Infos(),
		Ticks:         e.ticks,
		DroppedTicks:  e.ticker.Dropped(),
	}
	if e.head != nil {
		st.ChainHead = e.head.ID
		st.ChainHeight = e.head.Num
	}

	e.statusMu.Lock()
	e.status = st
	e.publishedCluster = e.cluster
	e.statusMu.Unlock()
}

// Status returns the last published status
func (e *Engine) Status() Status {
	e.statusMu.RLock()
	defer e.statusMu.RUnlock()
	return e.status
}

// Cluster returns the installed cluster configuration
func (e *Engine) Cluster() *types.ClusterConfig {
	e.statusMu.RLock()
	defer e.statusMu.RUnlock()
	return e.publishedCluster
}
