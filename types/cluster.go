package types

import (
	"errors"
	"fmt"
	"sort"
)

// MaxMembers caps the voter set. Raft quorum work is linear in the voter
// count, and a consensus cluster of this size is already impractical.
const MaxMembers = 1024

// clusterConfigVersion is the binary layout version of ClusterConfig.
const clusterConfigVersion byte = 1

// Errors
var (
	ErrMemberNotFound    = errors.New("member not found")
	ErrDuplicateMember   = errors.New("duplicate member")
	ErrDuplicatePeer     = errors.New("peer id already assigned to another member")
	ErrEmptyCluster      = errors.New("empty cluster configuration")
	ErrTooManyMembers    = errors.New("too many members")
	ErrLocalNotMember    = errors.New("local node is not a cluster member")
	ErrRemoveLastMember  = errors.New("cannot remove the last member")
	ErrInvalidConfigData = errors.New("invalid cluster configuration data")
)

// Member is one voter.
type Member struct {
	ID   NodeID `json:"id"`
	Peer PeerID `json:"peer"`
}

// ClusterConfig is an immutable, versioned voter set with the local member
// designated. Changes return a new ClusterConfig with Version+1; the
// receiver is never modified.
type ClusterConfig struct {
	Version uint64
	Local   NodeID

	members []Member // sorted by ID
	byID    map[NodeID]PeerID
	byPeer  map[PeerID]NodeID
}

// NewClusterConfig builds version 0 of a cluster configuration.
func NewClusterConfig(local NodeID, members []Member) (*ClusterConfig, error) {
	return newClusterConfig(0, local, members)
}

func newClusterConfig(version uint64, local NodeID, members []Member) (*ClusterConfig, error) {
	if len(members) == 0 {
		return nil, ErrEmptyCluster
	}
	if len(members) > MaxMembers {
		return nil, fmt.Errorf("%w: %d (max %d)", ErrTooManyMembers, len(members), MaxMembers)
	}

	cc := &ClusterConfig{
		Version: version,
		Local:   local,
		members: make([]Member, 0, len(members)),
		byID:    make(map[NodeID]PeerID, len(members)),
		byPeer:  make(map[PeerID]NodeID, len(members)),
	}

	for _, m := range members {
		if m.ID == NoNode {
			return nil, ErrInvalidNodeID
		}
		if len(m.Peer) == 0 {
			return nil, fmt.Errorf("%w: member %d", ErrEmptyPeerID, m.ID)
		}
		if _, exists := cc.byID[m.ID]; exists {
			return nil, fmt.Errorf("%w: %d", ErrDuplicateMember, m.ID)
		}
		if _, exists := cc.byPeer[m.Peer]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicatePeer, m.Peer)
		}
		cc.members = append(cc.members, m)
		cc.byID[m.ID] = m.Peer
		cc.byPeer[m.Peer] = m.ID
	}

	sort.Slice(cc.members, func(i, j int) bool {
		return cc.members[i].ID < cc.members[j].ID
	})

	if _, ok := cc.byID[local]; !ok {
		return nil, fmt.Errorf("%w: %d", ErrLocalNotMember, local)
	}
	return cc, nil
}

// Size returns the number of voters.
func (cc *ClusterConfig) Size() int {
	return len(cc.members)
}

// Quorum returns the strict majority of voters.
func (cc *ClusterConfig) Quorum() int {
	return len(cc.members)/2 + 1
}

// IDs returns voter ids in ascending order.
func (cc *ClusterConfig) IDs() []NodeID {
	ids := make([]NodeID, len(cc.members))
	for i, m := range cc.members {
		ids[i] = m.ID
	}
	return ids
}

// Members returns a copy of the voter list, ordered by id.
func (cc *ClusterConfig) Members() []Member {
	out := make([]Member, len(cc.members))
	copy(out, cc.members)
	return out
}

// Contains reports whether id is a voter.
func (cc *ClusterConfig) Contains(id NodeID) bool {
	_, ok := cc.byID[id]
	return ok
}

// PeerOf returns the validator identity of a member.
func (cc *ClusterConfig) PeerOf(id NodeID) (PeerID, bool) {
	p, ok := cc.byID[id]
	return p, ok
}

// NodeOf returns the member id behind a validator identity.
func (cc *ClusterConfig) NodeOf(peer PeerID) (NodeID, bool) {
	id, ok := cc.byPeer[peer]
	return id, ok
}

// LocalPeer returns the validator identity of the local member.
func (cc *ClusterConfig) LocalPeer() PeerID {
	return cc.byID[cc.Local]
}

// WithMember returns the next version with a member added, or with the
// member's peer id replaced when it already exists.
func (cc *ClusterConfig) WithMember(id NodeID, peer PeerID) (*ClusterConfig, error) {
	members := make([]Member, 0, len(cc.members)+1)
	for _, m := range cc.members {
		if m.ID != id {
			members = append(members, m)
		}
	}
	members = append(members, Member{ID: id, Peer: peer})
	return newClusterConfig(cc.Version+1, cc.Local, members)
}

// WithoutMember returns the next version with a member removed. Removing
// the local member is allowed; the result then has Local set to NoNode
// and the local node is expected to stop participating.
func (cc *ClusterConfig) WithoutMember(id NodeID) (*ClusterConfig, error) {
	if !cc.Contains(id) {
		return nil, fmt.Errorf("%w: %d", ErrMemberNotFound, id)
	}
	if len(cc.members) == 1 {
		return nil, ErrRemoveLastMember
	}
	members := make([]Member, 0, len(cc.members)-1)
	for _, m := range cc.members {
		if m.ID != id {
			members = append(members, m)
		}
	}
	if id == cc.Local {
		return removedLocal(cc.Version+1, members), nil
	}
	return newClusterConfig(cc.Version+1, cc.Local, members)
}

// removedLocal builds a config that no longer includes the local node.
func removedLocal(version uint64, members []Member) *ClusterConfig {
	cc := &ClusterConfig{
		Version: version,
		Local:   NoNode,
		members: members,
		byID:    make(map[NodeID]PeerID, len(members)),
		byPeer:  make(map[PeerID]NodeID, len(members)),
	}
	for _, m := range members {
		cc.byID[m.ID] = m.Peer
		cc.byPeer[m.Peer] = m.ID
	}
	return cc
}

// IsLocalMember reports whether the local node is still a voter.
func (cc *ClusterConfig) IsLocalMember() bool {
	return cc.Local != NoNode && cc.Contains(cc.Local)
}

// MarshalBinary encodes the configuration for persistence:
//
//	version(1) config-version(8) local(8) count(4) {id(8) peer(u32+n)}*
func (cc *ClusterConfig) MarshalBinary() ([]byte, error) {
	enc := NewEncoder(21 + len(cc.members)*48)
	enc.Byte(clusterConfigVersion)
	enc.Uint64(cc.Version)
	enc.Uint64(uint64(cc.Local))
	enc.Uint32(uint32(len(cc.members)))
	for _, m := range cc.members {
		enc.Uint64(uint64(m.ID))
		enc.Bytes(m.Peer.Bytes())
	}
	return enc.Data(), nil
}

// UnmarshalClusterConfig decodes data produced by MarshalBinary.
func UnmarshalClusterConfig(data []byte) (*ClusterConfig, error) {
	dec := NewDecoder(data)
	if v := dec.Byte(); v != clusterConfigVersion {
		if dec.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfigData, dec.Err())
		}
		return nil, fmt.Errorf("%w: layout version %d", ErrInvalidConfigData, v)
	}
	version := dec.Uint64()
	local := NodeID(dec.Uint64())
	count := dec.Uint32()
	if count > MaxMembers {
		return nil, fmt.Errorf("%w: %d members", ErrInvalidConfigData, count)
	}
	members := make([]Member, 0, count)
	for i := uint32(0); i < count; i++ {
		id := NodeID(dec.Uint64())
		peer := NewPeerID(dec.Bytes())
		members = append(members, Member{ID: id, Peer: peer})
	}
	if err := dec.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfigData, err)
	}
	if local == NoNode {
		return removedLocal(version, members), nil
	}
	return newClusterConfig(version, local, members)
}

func (cc *ClusterConfig) String() string {
	return fmt.Sprintf("ClusterConfig{v%d local=%d voters=%v}", cc.Version, cc.Local, cc.IDs())
}
