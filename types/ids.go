package types

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
)

// NodeID identifies a Raft member. Zero is reserved by raft for "none".
type NodeID uint64

// NoNode is the zero NodeID, used where no member is known (no leader yet).
const NoNode NodeID = 0

func (id NodeID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// ParseNodeID parses a decimal node id, rejecting zero.
func ParseNodeID(s string) (NodeID, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return NoNode, fmt.Errorf("invalid node id %q: %w", s, err)
	}
	if v == 0 {
		return NoNode, ErrInvalidNodeID
	}
	return NodeID(v), nil
}

// PeerID is the validator's identity for a peer. The bytes are opaque
// (typically a public key); the string form is hex.
type PeerID string

// NewPeerID copies raw identity bytes into a PeerID.
func NewPeerID(b []byte) PeerID {
	return PeerID(b)
}

// ParsePeerID decodes a hex encoded peer identity.
func ParsePeerID(s string) (PeerID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("invalid peer id %q: %w", s, err)
	}
	if len(b) == 0 {
		return "", ErrEmptyPeerID
	}
	return PeerID(b), nil
}

// Bytes returns a copy of the raw identity.
func (p PeerID) Bytes() []byte {
	return []byte(p)
}

func (p PeerID) String() string {
	return hex.EncodeToString([]byte(p))
}

// MarshalText encodes the peer id as hex.
func (p PeerID) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText decodes a hex peer id.
func (p *PeerID) UnmarshalText(text []byte) error {
	id, err := ParsePeerID(string(text))
	if err != nil {
		return err
	}
	*p = id
	return nil
}

// BlockID identifies a block. The bytes are opaque; the string form is hex.
type BlockID string

// NewBlockID copies raw id bytes into a BlockID.
func NewBlockID(b []byte) BlockID {
	return BlockID(b)
}

// ParseBlockID decodes a hex encoded block id.
func ParseBlockID(s string) (BlockID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("invalid block id %q: %w", s, err)
	}
	return BlockID(b), nil
}

// Bytes returns a copy of the raw id.
func (b BlockID) Bytes() []byte {
	return []byte(b)
}

// IsEmpty returns true for the zero-length id (no parent, genesis).
func (b BlockID) IsEmpty() bool {
	return len(b) == 0
}

func (b BlockID) String() string {
	return hex.EncodeToString([]byte(b))
}

// MarshalText encodes the block id as hex.
func (b BlockID) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

// Short returns the first 8 hex characters, for log lines.
func (b BlockID) Short() string {
	s := b.String()
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

// Errors
var (
	ErrInvalidNodeID = errors.New("node id must be non-zero")
	ErrEmptyPeerID   = errors.New("peer id must not be empty")
)
