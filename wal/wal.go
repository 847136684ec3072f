package wal

import (
	"errors"
	"fmt"

	"github.com/blockberries/raftberry/types"
)

// Errors
var (
	ErrWALClosed    = errors.New("WAL is closed")
	ErrWALCorrupted = errors.New("WAL is corrupted")
	ErrWALNotFound  = errors.New("WAL file not found")
)

// RecordType identifies what a WAL record carries.
type RecordType uint8

const (
	recordInvalid RecordType = iota
	// EntriesRecord holds a batch of raft entries; Index is the last index.
	EntriesRecord
	// HardStateRecord holds a raft hard state; Index is its commit index.
	HardStateRecord
	// SnapshotRecord holds a snapshot received from the leader.
	SnapshotRecord
	// CompactRecord marks a local compaction at Index, with its ConfState.
	CompactRecord
	// ConfStateRecord holds the conf state after a membership change.
	ConfStateRecord
	// AppliedRecord records the highest applied index.
	AppliedRecord
	// MembershipRecord holds an encoded cluster configuration.
	MembershipRecord

	recordTypeEnd
)

var recordTypeNames = [...]string{
	EntriesRecord:    "entries",
	HardStateRecord:  "hard-state",
	SnapshotRecord:   "snapshot",
	CompactRecord:    "compact",
	ConfStateRecord:  "conf-state",
	AppliedRecord:    "applied",
	MembershipRecord: "membership",
}

func (t RecordType) String() string {
	if t > recordInvalid && t < recordTypeEnd {
		return recordTypeNames[t]
	}
	return fmt.Sprintf("record(%d)", uint8(t))
}

// Record is one WAL entry. Index and Term locate it in the raft log; their
// meaning per type is listed with the types.
type Record struct {
	Type  RecordType
	Index uint64
	Term  uint64
	Data  []byte
}

const recordHeaderSize = 1 + 8 + 8

// MarshalBinary encodes the record body:
//
//	type(1) index(8) term(8) data(rest)
func (r *Record) MarshalBinary() ([]byte, error) {
	enc := types.NewEncoder(recordHeaderSize + len(r.Data))
	enc.Byte(byte(r.Type))
	enc.Uint64(r.Index)
	enc.Uint64(r.Term)
	enc.Raw(r.Data)
	return enc.Data(), nil
}

// UnmarshalBinary decodes a record body. Data aliases the input.
func (r *Record) UnmarshalBinary(data []byte) error {
	dec := types.NewDecoder(data)
	r.Type = RecordType(dec.Byte())
	r.Index = dec.Uint64()
	r.Term = dec.Uint64()
	r.Data = dec.Rest()
	if err := dec.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrWALCorrupted, err)
	}
	if r.Type <= recordInvalid || r.Type >= recordTypeEnd {
		return fmt.Errorf("%w: unknown record type %d", ErrWALCorrupted, uint8(r.Type))
	}
	return nil
}
