package storage

import (
	"fmt"

	"go.etcd.io/raft/v3/raftpb"

	"github.com/blockberries/raftberry/types"
	"github.com/blockberries/raftberry/wal"
)

func entriesRecord(entries []raftpb.Entry) (*wal.Record, error) {
	enc := types.NewEncoder(64 * len(entries))
	enc.Uint32(uint32(len(entries)))
	for i := range entries {
		data, err := entries[i].Marshal()
		if err != nil {
			return nil, fmt.Errorf("marshal entry %d: %w", entries[i].Index, err)
		}
		enc.Bytes(data)
	}
	last := entries[len(entries)-1]
	return &wal.Record{
		Type:  wal.EntriesRecord,
		Index: last.Index,
		Term:  last.Term,
		Data:  enc.Data(),
	}, nil
}

func decodeEntries(data []byte) ([]raftpb.Entry, error) {
	dec := types.NewDecoder(data)
	n := dec.Uint32()
	if dec.Err() != nil {
		return nil, dec.Err()
	}
	entries := make([]raftpb.Entry, 0, n)
	for i := uint32(0); i < n; i++ {
		raw := dec.Bytes()
		if dec.Err() != nil {
			return nil, dec.Err()
		}
		var ent raftpb.Entry
		if err := ent.Unmarshal(raw); err != nil {
			return nil, err
		}
		entries = append(entries, ent)
	}
	return entries, nil
}

func hardStateRecord(hs raftpb.HardState) (*wal.Record, error) {
	data, err := hs.Marshal()
	if err != nil {
		return nil, err
	}
	return &wal.Record{Type: wal.HardStateRecord, Index: hs.Commit, Term: hs.Term, Data: data}, nil
}

func snapshotRecord(snap raftpb.Snapshot) (*wal.Record, error) {
	data, err := snap.Marshal()
	if err != nil {
		return nil, err
	}
	return &wal.Record{
		Type:  wal.SnapshotRecord,
		Index: snap.Metadata.Index,
		Term:  snap.Metadata.Term,
		Data:  data,
	}, nil
}

func confStateRecord(t wal.RecordType, index, term uint64, cs raftpb.ConfState) (*wal.Record, error) {
	data, err := cs.Marshal()
	if err != nil {
		return nil, err
	}
	return &wal.Record{Type: t, Index: index, Term: term, Data: data}, nil
}

func appliedRecord(index uint64) *wal.Record {
	return &wal.Record{Type: wal.AppliedRecord, Index: index}
}

func membershipRecord(cc *types.ClusterConfig) (*wal.Record, error) {
	data, err := cc.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return &wal.Record{Type: wal.MembershipRecord, Index: cc.Version, Data: data}, nil
}
