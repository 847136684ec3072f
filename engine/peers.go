package engine

import (
	"sort"
	"sync"
	"time"

	"github.com/blockberries/raftberry/types"
)

// PeerInfo is a snapshot of one peer's connectivity.
type PeerInfo struct {
	Peer         types.PeerID `json:"peer"`
	Node         types.NodeID `json:"node"`
	Connected    bool         `json:"connected"`
	LastSeen     time.Time    `json:"last_seen"`
	Sent         uint64       `json:"sent"`
	Received     uint64       `json:"received"`
	SendFailures uint64       `json:"send_failures"`
}

// PeerState tracks connectivity and traffic for a single peer
type PeerState struct {
	mu sync.RWMutex

	info PeerInfo
}

// NewPeerState creates a new PeerState for tracking a peer
func NewPeerState(peer types.PeerID, id types.NodeID) *PeerState {
	return &PeerState{info: PeerInfo{Peer: peer, Node: id}}
}

// Info returns a copy of the peer's state
func (ps *PeerState) Info() PeerInfo {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.info
}

// SetConnected records a connect or disconnect
func (ps *PeerState) SetConnected(connected bool) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.info.Connected = connected
	if connected {
		ps.info.LastSeen = time.Now()
	}
}

// IsConnected reports the last known connectivity
func (ps *PeerState) IsConnected() bool {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.info.Connected
}

// MarkReceived records a message from the peer
func (ps *PeerState) MarkReceived() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.info.Received++
	ps.info.LastSeen = time.Now()
}

// MarkSent records a send attempt and its outcome
func (ps *PeerState) MarkSent(ok bool) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ok {
		ps.info.Sent++
	} else {
		ps.info.SendFailures++
	}
}

// PeerSet manages the peers of the current cluster configuration
type PeerSet struct {
	mu    sync.RWMutex
	peers map[types.PeerID]*PeerState
}

// NewPeerSet creates a PeerSet with every member of cc except the local one
func NewPeerSet(cc *types.ClusterConfig) *PeerSet {
	ps := &PeerSet{peers: make(map[types.PeerID]*PeerState)}
	ps.UpdateCluster(cc)
	return ps
}

// GetPeer returns a peer's state, or nil
func (ps *PeerSet) GetPeer(peer types.PeerID) *PeerState {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.peers[peer]
}

// Size returns the number of peers
func (ps *PeerSet) Size() int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return len(ps.peers)
}

// Connected returns how many peers are connected
func (ps *PeerSet) Connected() int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	n := 0
	for _, p := range ps.peers {
		if p.IsConnected() {
			n++
		}
	}
	return n
}

// Infos returns a snapshot of every peer, ordered by node id
func (ps *PeerSet) Infos() []PeerInfo {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	out := make([]PeerInfo, 0, len(ps.peers))
	for _, p := range ps.peers {
		out = append(out, p.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Node < out[j].Node })
	return out
}

// UpdateCluster adds new members and drops removed ones. Connectivity of
// members that stay is kept.
func (ps *PeerSet) UpdateCluster(cc *types.ClusterConfig) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	keep := make(map[types.PeerID]bool, cc.Size())
	for _, m := range cc.Members() {
		if m.ID == cc.Local {
			continue
		}
		keep[m.Peer] = true
		if existing, ok := ps.peers[m.Peer]; ok {
			existing.mu.Lock()
			existing.info.Node = m.ID
			existing.mu.Unlock()
			continue
		}
		ps.peers[m.Peer] = NewPeerState(m.Peer, m.ID)
	}
	for peer := range ps.peers {
		if !keep[peer] {
			delete(ps.peers, peer)
		}
	}
}
