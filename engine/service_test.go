package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/blockberries/raftberry/storage"
	"github.com/blockberries/raftberry/types"
)

type sentMessage struct {
	to      types.PeerID
	msgType string
	payload []byte
}

// fakeService records every directive the engine issues.
type fakeService struct {
	mu sync.Mutex

	calls map[string][]types.BlockID
	sent  []sentMessage

	finalizeID  types.BlockID
	finalizeErr error
	commitErr   error
	sendErr     error
}

func newFakeService() *fakeService {
	return &fakeService{
		calls:       make(map[string][]types.BlockID),
		finalizeErr: ErrBlockNotReady,
	}
}

func (s *fakeService) record(op string, id types.BlockID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[op] = append(s.calls[op], id)
}

func (s *fakeService) InitializeBlock(previous types.BlockID) error {
	s.record("initialize", previous)
	return nil
}

func (s *fakeService) FinalizeBlock() (types.BlockID, error) {
	s.mu.Lock()
	id, err := s.finalizeID, s.finalizeErr
	s.mu.Unlock()
	if err != nil {
		return "", err
	}
	s.record("finalize", id)
	return id, nil
}

func (s *fakeService) CancelBlock() error {
	s.record("cancel", "")
	return nil
}

func (s *fakeService) CheckBlocks(ids []types.BlockID) error {
	for _, id := range ids {
		s.record("check", id)
	}
	return nil
}

func (s *fakeService) CommitBlock(id types.BlockID) error {
	s.mu.Lock()
	err := s.commitErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.record("commit", id)
	return nil
}

func (s *fakeService) IgnoreBlock(id types.BlockID) error {
	s.record("ignore", id)
	return nil
}

func (s *fakeService) FailBlock(id types.BlockID) error {
	s.record("fail", id)
	return nil
}

func (s *fakeService) SendTo(peer types.PeerID, msgType string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, sentMessage{to: peer, msgType: msgType, payload: payload})
	return nil
}

func (s *fakeService) count(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls[op])
}

func (s *fakeService) countFor(op string, id types.BlockID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, got := range s.calls[op] {
		if got == id {
			n++
		}
	}
	return n
}

func (s *fakeService) takeSent() []sentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.sent
	s.sent = nil
	return out
}

func (s *fakeService) setFinalize(id types.BlockID, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalizeID, s.finalizeErr = id, err
}

var genesis = &types.Block{ID: types.NewBlockID([]byte{0x00}), Num: 0}

func peerOf(id types.NodeID) types.PeerID {
	return types.NewPeerID([]byte{0xA0, byte(id)})
}

func testMembers(n int) []types.Member {
	members := make([]types.Member, 0, n)
	for i := 1; i <= n; i++ {
		members = append(members, types.Member{ID: types.NodeID(i), Peer: peerOf(types.NodeID(i))})
	}
	return members
}

func testConfig(id types.NodeID, members []types.Member) *Config {
	cfg := DefaultConfig()
	cfg.NodeID = id
	cfg.Peers = members
	cfg.TickInterval = 10 * time.Millisecond
	cfg.ElectionTick = 10
	cfg.HeartbeatTick = 1
	cfg.Period = 30 * time.Millisecond
	cfg.StoragePath = ""
	return cfg
}

func makeBlock(num uint64, prev types.BlockID, signer types.PeerID) *types.Block {
	return &types.Block{
		ID:         types.NewBlockID([]byte{0xB0, byte(num), byte(len(signer))}),
		PreviousID: prev,
		SignerID:   signer,
		Num:        num,
		Payload:    []byte("payload"),
	}
}

// newTestEngine builds an engine over a memory store and runs setup, but
// does not start the loop: tests drive it through handle.
func newTestEngine(t *testing.T, id types.NodeID, members []types.Member, store storage.LogStore, svc *fakeService, head *types.Block) *Engine {
	t.Helper()
	if store == nil {
		store = storage.NewMemoryStore()
	}
	e, err := NewEngine(testConfig(id, members), store, nil)
	if err != nil {
		t.Fatalf("NewEngine(%d) failed: %v", id, err)
	}
	if err := e.setup(svc, StartupState{LocalPeer: peerOf(id), ChainHead: head}); err != nil {
		t.Fatalf("setup(%d) failed: %v", id, err)
	}
	return e
}

func mustHandle(t *testing.T, e *Engine, ev any) {
	t.Helper()
	if err := e.handle(ev); err != nil {
		t.Fatalf("node %d: handle %T failed: %v", e.ID(), ev, err)
	}
}

func tickUntilLeader(t *testing.T, e *Engine) {
	t.Helper()
	for i := 0; i < 100; i++ {
		if e.role.IsLeader() {
			return
		}
		mustHandle(t, e, Tick{})
	}
	t.Fatalf("node %d did not become leader", e.ID())
}
