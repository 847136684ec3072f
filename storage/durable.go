package storage

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/go-hclog"
	"go.etcd.io/raft/v3"
	"go.etcd.io/raft/v3/raftpb"

	"github.com/blockberries/raftberry/types"
	"github.com/blockberries/raftberry/wal"
)

// DurableStore is a LogStore backed by a write-ahead log. Every mutation is
// written and fsynced before it becomes visible through the raft.Storage
// methods.
type DurableStore struct {
	*MemoryStore

	mu     sync.Mutex // serializes WAL writes
	wal    *wal.FileWAL
	dir    string
	logger hclog.Logger
}

// Open opens or creates the store in dir and replays its WAL.
func Open(dir string, logger hclog.Logger) (*DurableStore, error) {
	return OpenWithOptions(dir, 0, logger)
}

// OpenWithOptions is Open with a custom WAL segment size.
func OpenWithOptions(dir string, maxSegSize int64, logger hclog.Logger) (*DurableStore, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	w, err := wal.NewFileWAL(dir, maxSegSize, logger.Named("wal"))
	if err != nil {
		return nil, err
	}
	if err := w.Start(); err != nil {
		return nil, fmt.Errorf("start WAL: %w", err)
	}

	s := &DurableStore{
		MemoryStore: NewMemoryStore(),
		wal:         w,
		dir:         dir,
		logger:      logger,
	}

	n, err := s.replay()
	if err != nil {
		w.Stop()
		return nil, err
	}
	if err := s.checkRecovered(); err != nil {
		w.Stop()
		return nil, err
	}

	first, _ := s.FirstIndex()
	last, _ := s.LastIndex()
	hs, _, _ := s.MemoryStorage.InitialState()
	logger.Info("opened log store",
		"dir", dir,
		"records", n,
		"first", first,
		"last", last,
		"term", hs.Term,
		"commit", hs.Commit,
		"applied", s.Applied())
	return s, nil
}

// replay rebuilds the in-memory state from every WAL record.
func (s *DurableStore) replay() (int, error) {
	r, err := wal.OpenReader(s.dir)
	if errors.Is(err, wal.ErrWALNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer r.Close()

	n := 0
	for {
		msg, err := r.Read()
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("read WAL record %d: %w", n, err)
		}
		if err := s.replayRecord(msg); err != nil {
			return n, fmt.Errorf("replay %s record %d: %w", msg.Type, n, err)
		}
		n++
	}
}

func (s *DurableStore) replayRecord(msg *wal.Record) error {
	mem := s.MemoryStore
	switch msg.Type {
	case wal.EntriesRecord:
		entries, err := decodeEntries(msg.Data)
		if err != nil {
			return fmt.Errorf("%w: %v", wal.ErrWALCorrupted, err)
		}
		if len(entries) == 0 {
			return nil
		}
		snap, _ := mem.Snapshot()
		last, _ := mem.LastIndex()
		if entries[0].Index > last+1 {
			return fmt.Errorf("%w: entry %d follows last index %d", ErrCorruptedState, entries[0].Index, last)
		}
		// Entries at or below the snapshot were compacted by a later record.
		for len(entries) > 0 && entries[0].Index <= snap.Metadata.Index {
			entries = entries[1:]
		}
		if len(entries) == 0 {
			return nil
		}
		return mem.MemoryStorage.Append(entries)

	case wal.HardStateRecord:
		var hs raftpb.HardState
		if err := hs.Unmarshal(msg.Data); err != nil {
			return fmt.Errorf("%w: %v", wal.ErrWALCorrupted, err)
		}
		return mem.MemoryStorage.SetHardState(hs)

	case wal.SnapshotRecord:
		var snap raftpb.Snapshot
		if err := snap.Unmarshal(msg.Data); err != nil {
			return fmt.Errorf("%w: %v", wal.ErrWALCorrupted, err)
		}
		err := mem.ApplySnapshot(snap)
		if errors.Is(err, raft.ErrSnapOutOfDate) {
			return nil
		}
		return err

	case wal.CompactRecord:
		var cs raftpb.ConfState
		if err := cs.Unmarshal(msg.Data); err != nil {
			return fmt.Errorf("%w: %v", wal.ErrWALCorrupted, err)
		}
		return s.replayCompact(msg.Index, msg.Term, cs)

	case wal.ConfStateRecord:
		var cs raftpb.ConfState
		if err := cs.Unmarshal(msg.Data); err != nil {
			return fmt.Errorf("%w: %v", wal.ErrWALCorrupted, err)
		}
		return mem.SetConfState(cs)

	case wal.AppliedRecord:
		return mem.SetApplied(msg.Index)

	case wal.MembershipRecord:
		cc, err := types.UnmarshalClusterConfig(msg.Data)
		if err != nil {
			return fmt.Errorf("%w: %v", wal.ErrWALCorrupted, err)
		}
		return mem.SetMembership(cc)
	}
	return fmt.Errorf("%w: unexpected record type %d", wal.ErrWALCorrupted, msg.Type)
}

// replayCompact handles a compaction marker. When the compacted prefix is
// still in memory (the crash happened before older segments were deleted)
// it is compacted in place; otherwise the marker becomes the base snapshot.
func (s *DurableStore) replayCompact(index, term uint64, cs raftpb.ConfState) error {
	mem := s.MemoryStore
	if err := mem.SetConfState(cs); err != nil {
		return err
	}
	snap, _ := mem.Snapshot()
	if index <= snap.Metadata.Index {
		return nil
	}
	first, _ := mem.FirstIndex()
	last, _ := mem.LastIndex()
	if index >= first && index <= last {
		_, err := mem.compact(index)
		return err
	}
	return mem.ApplySnapshot(raftpb.Snapshot{
		Metadata: raftpb.SnapshotMetadata{Index: index, Term: term, ConfState: cs},
	})
}

// checkRecovered rejects a recovered state that raft would panic on.
func (s *DurableStore) checkRecovered() error {
	hs, _, err := s.MemoryStorage.InitialState()
	if err != nil {
		return err
	}
	last, _ := s.LastIndex()
	if hs.Commit > last {
		return fmt.Errorf("%w: commit %d beyond last index %d", ErrCorruptedState, hs.Commit, last)
	}
	if s.Applied() > hs.Commit && !raft.IsEmptyHardState(hs) {
		return fmt.Errorf("%w: applied %d beyond commit %d", ErrCorruptedState, s.Applied(), hs.Commit)
	}
	return nil
}

func (s *DurableStore) Save(hs raftpb.HardState, entries []raftpb.Entry, snap raftpb.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	var records []*wal.Record
	if !raft.IsEmptySnap(snap) {
		rec, err := snapshotRecord(snap)
		if err != nil {
			return err
		}
		records = append(records, rec)
	}
	if len(entries) > 0 {
		rec, err := entriesRecord(entries)
		if err != nil {
			return err
		}
		records = append(records, rec)
	}
	if !raft.IsEmptyHardState(hs) {
		rec, err := hardStateRecord(hs)
		if err != nil {
			return err
		}
		records = append(records, rec)
	}
	if len(records) == 0 {
		return nil
	}
	if err := s.writeSync(records...); err != nil {
		return err
	}
	return s.MemoryStore.Save(hs, entries, snap)
}

func (s *DurableStore) Append(entries []raftpb.Entry) error {
	return s.Save(raftpb.HardState{}, entries, raftpb.Snapshot{})
}

func (s *DurableStore) SetHardState(hs raftpb.HardState) error {
	return s.Save(hs, nil, raftpb.Snapshot{})
}

func (s *DurableStore) ApplySnapshot(snap raftpb.Snapshot) error {
	return s.Save(raftpb.HardState{}, nil, snap)
}

func (s *DurableStore) SetConfState(cs raftpb.ConfState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := confStateRecord(wal.ConfStateRecord, 0, 0, cs)
	if err != nil {
		return err
	}
	if err := s.writeSync(rec); err != nil {
		return err
	}
	return s.MemoryStore.SetConfState(cs)
}

func (s *DurableStore) SetApplied(index uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeSync(appliedRecord(index)); err != nil {
		return err
	}
	return s.MemoryStore.SetApplied(index)
}

func (s *DurableStore) SetMembership(cc *types.ClusterConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := membershipRecord(cc)
	if err != nil {
		return err
	}
	if err := s.writeSync(rec); err != nil {
		return err
	}
	return s.MemoryStore.SetMembership(cc)
}

// Compact discards the log up to and including index. The live state is
// rewritten into a fresh WAL segment and older segments are deleted.
func (s *DurableStore) Compact(index uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	term, err := s.MemoryStore.compact(index)
	if err != nil {
		return err
	}

	hs, cs, _ := s.MemoryStore.InitialState()
	records := make([]*wal.Record, 0, 6)

	rec, err := confStateRecord(wal.CompactRecord, index, term, cs)
	if err != nil {
		return err
	}
	records = append(records, rec)

	if !raft.IsEmptyHardState(hs) {
		if rec, err = hardStateRecord(hs); err != nil {
			return err
		}
		records = append(records, rec)
	}
	records = append(records, appliedRecord(s.MemoryStore.Applied()))
	if cc, ok := s.MemoryStore.Membership(); ok {
		if rec, err = membershipRecord(cc); err != nil {
			return err
		}
		records = append(records, rec)
	}

	last, _ := s.LastIndex()
	if last > index {
		entries, err := s.Entries(index+1, last+1, noLimit)
		if err != nil {
			return err
		}
		if rec, err = entriesRecord(entries); err != nil {
			return err
		}
		records = append(records, rec)
	}

	if err := s.wal.Cut(); err != nil {
		return fmt.Errorf("cut WAL: %w", err)
	}
	if err := s.writeSync(records...); err != nil {
		return err
	}
	if err := s.wal.Checkpoint(); err != nil {
		return fmt.Errorf("checkpoint WAL: %w", err)
	}

	s.logger.Debug("compacted log", "index", index, "term", term, "retained", last-index)
	return nil
}

// Close stops the WAL.
func (s *DurableStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.MemoryStore.Close()
	return s.wal.Stop()
}

// SegmentCount returns the number of WAL segments on disk.
func (s *DurableStore) SegmentCount() int {
	return s.wal.SegmentCount()
}

func (s *DurableStore) writeSync(records ...*wal.Record) error {
	for _, rec := range records {
		if err := s.wal.Write(rec); err != nil {
			return fmt.Errorf("write %s record: %w", rec.Type, err)
		}
	}
	if err := s.wal.FlushAndSync(); err != nil {
		return fmt.Errorf("sync WAL: %w", err)
	}
	return nil
}

const noLimit = ^uint64(0)

var _ LogStore = (*DurableStore)(nil)
