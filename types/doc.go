// Package types defines the core data structures shared by the raftberry
// consensus engine.
//
// # Core Types
//
// NodeID: Raft member identifier. Stable for the lifetime of the cluster;
// membership changes allocate new ids, they never reuse old ones.
//
// PeerID: The validator's network identity for a member. The engine
// translates between NodeID (Raft) and PeerID (validator) through the
// cluster configuration.
//
// Block and BlockID: Block descriptors as reported by the validator. The
// engine never looks inside a block; it only orders references to them.
//
// BlockRef: The payload of a normal Raft log entry. It carries the block
// id, number and parent together with the correlation id of the proposal
// that produced it.
//
// ClusterConfig: Versioned voter set with the local member designated.
// A new version is only installed when a configuration-change entry
// commits.
//
// Role: Follower, Candidate or Leader, mirrored from the Raft node.
//
// # Encoding
//
// BlockRef and ClusterConfig have fixed binary layouts built with the
// Encoder and Decoder helpers in this package: big-endian integers and
// u32 length-prefixed byte strings. The same helpers frame driver
// messages and WAL records.
package types
