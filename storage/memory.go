package storage

import (
	"fmt"
	"sync"

	"go.etcd.io/raft/v3"
	"go.etcd.io/raft/v3/raftpb"

	"github.com/blockberries/raftberry/types"
)

// MemoryStore is a LogStore held entirely in memory.
type MemoryStore struct {
	*raft.MemoryStorage

	mu         sync.Mutex
	confState  raftpb.ConfState
	applied    uint64
	membership *types.ClusterConfig
	closed     bool
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{MemoryStorage: raft.NewMemoryStorage()}
}

// InitialState returns the stored hard state and the latest conf state,
// which may be newer than the one in the last snapshot.
func (s *MemoryStore) InitialState() (raftpb.HardState, raftpb.ConfState, error) {
	hs, _, err := s.MemoryStorage.InitialState()
	if err != nil {
		return hs, raftpb.ConfState{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return hs, s.confState, nil
}

func (s *MemoryStore) Save(hs raftpb.HardState, entries []raftpb.Entry, snap raftpb.Snapshot) error {
	if !raft.IsEmptySnap(snap) {
		if err := s.ApplySnapshot(snap); err != nil {
			return err
		}
	}
	if len(entries) > 0 {
		if err := s.Append(entries); err != nil {
			return err
		}
	}
	if !raft.IsEmptyHardState(hs) {
		if err := s.SetHardState(hs); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) Append(entries []raftpb.Entry) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.MemoryStorage.Append(entries)
}

func (s *MemoryStore) SetHardState(hs raftpb.HardState) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.MemoryStorage.SetHardState(hs)
}

func (s *MemoryStore) ApplySnapshot(snap raftpb.Snapshot) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.MemoryStorage.ApplySnapshot(snap); err != nil {
		return err
	}
	s.mu.Lock()
	s.confState = snap.Metadata.ConfState
	if snap.Metadata.Index > s.applied {
		s.applied = snap.Metadata.Index
	}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Compact(index uint64) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.compact(index)
	return err
}

// compact snapshots and truncates at index, returning the term of index.
func (s *MemoryStore) compact(index uint64) (uint64, error) {
	first, err := s.FirstIndex()
	if err != nil {
		return 0, err
	}
	last, err := s.LastIndex()
	if err != nil {
		return 0, err
	}
	if index < first || index > last {
		return 0, fmt.Errorf("%w: %d not in [%d, %d]", ErrCompactBounds, index, first, last)
	}
	term, err := s.Term(index)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	cs := s.confState
	s.mu.Unlock()

	if _, err := s.CreateSnapshot(index, &cs, nil); err != nil {
		return 0, err
	}
	if err := s.MemoryStorage.Compact(index); err != nil {
		return 0, err
	}
	return term, nil
}

func (s *MemoryStore) SetConfState(cs raftpb.ConfState) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.mu.Lock()
	s.confState = cs
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) SetApplied(index uint64) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.mu.Lock()
	if index > s.applied {
		s.applied = index
	}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Applied() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applied
}

func (s *MemoryStore) SetMembership(cc *types.ClusterConfig) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.mu.Lock()
	s.membership = cc
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Membership() (*types.ClusterConfig, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.membership, s.membership != nil
}

func (s *MemoryStore) IsEmpty() bool {
	last, _ := s.LastIndex()
	hs, _, _ := s.MemoryStorage.InitialState()
	snap, _ := s.Snapshot()
	return last == 0 && raft.IsEmptyHardState(hs) && raft.IsEmptySnap(snap)
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

var _ LogStore = (*MemoryStore)(nil)
