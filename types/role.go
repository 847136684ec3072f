package types

// Role is the local node's position in the Raft protocol.
type Role uint8

const (
	RoleFollower Role = iota
	RoleCandidate
	RoleLeader
)

func (r Role) String() string {
	switch r {
	case RoleFollower:
		return "Follower"
	case RoleCandidate:
		return "Candidate"
	case RoleLeader:
		return "Leader"
	default:
		return "Unknown"
	}
}

// MarshalText encodes the role name.
func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// IsLeader reports whether the role may propose new entries.
func (r Role) IsLeader() bool {
	return r == RoleLeader
}
