package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"go.etcd.io/raft/v3/raftpb"

	"github.com/blockberries/raftberry/node"
	"github.com/blockberries/raftberry/storage"
	"github.com/blockberries/raftberry/types"
)

func TestConfigValidateBasic(t *testing.T) {
	cfg := testConfig(1, testMembers(3))
	if err := cfg.ValidateBasic(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	bad := []func(c *Config){
		func(c *Config) { c.NodeID = 0 },
		func(c *Config) { c.TickInterval = 0 },
		func(c *Config) { c.HeartbeatTick = c.ElectionTick },
		func(c *Config) { c.Period = 0 },
		func(c *Config) { c.QueueSize = 0 },
		func(c *Config) { c.NodeID = 9 },
		func(c *Config) { c.Join = true; c.Peers = nil },
	}
	for i, mutate := range bad {
		c := testConfig(1, testMembers(3))
		mutate(c)
		if err := c.ValidateBasic(); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("case %d: expected ErrInvalidConfig, got %v", i, err)
		}
	}
}

func TestConfigPeriodTicks(t *testing.T) {
	cfg := DefaultConfig()
	if got := cfg.PeriodTicks(); got != 30 {
		t.Errorf("expected 30 ticks for 3s at 100ms, got %d", got)
	}
	cfg.Period = time.Millisecond
	if got := cfg.PeriodTicks(); got != 1 {
		t.Errorf("expected at least one tick, got %d", got)
	}
}

func TestEngineSingleNodePublishCycle(t *testing.T) {
	svc := newFakeService()
	e := newTestEngine(t, 1, testMembers(1), nil, svc, genesis)

	tickUntilLeader(t, e)
	if svc.countFor("initialize", genesis.ID) != 1 {
		t.Fatalf("leader should initialize a block on the chain head")
	}

	b1 := makeBlock(1, genesis.ID, peerOf(1))
	svc.setFinalize(b1.ID, nil)
	for i := uint64(0); i < e.config.PeriodTicks(); i++ {
		mustHandle(t, e, Tick{})
	}
	if svc.countFor("finalize", b1.ID) != 1 {
		t.Fatalf("expected one FinalizeBlock after the period, got %d", svc.count("finalize"))
	}
	svc.setFinalize("", ErrBlockNotReady)

	mustHandle(t, e, UpdateBlockNew{Block: b1})
	if svc.countFor("commit", b1.ID) != 1 {
		t.Fatalf("expected CommitBlock for the proposed block")
	}
	if e.pending.len() != 0 {
		t.Errorf("pending proposal should complete on commit, %d left", e.pending.len())
	}

	mustHandle(t, e, UpdateBlockCommit{ID: b1.ID})
	if svc.countFor("initialize", b1.ID) != 1 {
		t.Errorf("leader should initialize the next block on the new head")
	}
	st := e.Status()
	if st.ChainHeight != 1 || st.ChainHead != b1.ID {
		t.Errorf("unexpected chain head in status: %+v", st)
	}
	if !st.IsLeader() {
		t.Error("status should report leader")
	}

	// A repeated BlockNew for a committed block is ignored.
	mustHandle(t, e, UpdateBlockNew{Block: b1})
	if svc.countFor("commit", b1.ID) != 1 {
		t.Errorf("block committed %d times", svc.countFor("commit", b1.ID))
	}
}

func TestEngineApplyOnce(t *testing.T) {
	svc := newFakeService()
	store := storage.NewMemoryStore()
	e := newTestEngine(t, 1, testMembers(1), store, svc, genesis)
	tickUntilLeader(t, e)

	b1 := makeBlock(1, genesis.ID, peerOf(1))
	mustHandle(t, e, UpdateBlockNew{Block: b1})
	if svc.countFor("commit", b1.ID) != 1 {
		t.Fatalf("expected one CommitBlock")
	}

	// Redeliver the whole committed log.
	first, _ := store.FirstIndex()
	last, _ := store.LastIndex()
	ents, err := store.Entries(first, last+1, ^uint64(0))
	if err != nil {
		t.Fatalf("Entries failed: %v", err)
	}
	if err := e.apply(ents); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	mustHandle(t, e, UpdateBlockCommit{ID: b1.ID})
	if err := e.apply(ents); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if n := svc.countFor("commit", b1.ID); n != 1 {
		t.Errorf("block committed %d times", n)
	}
}

func TestEngineRestartResumesUnconfirmedCommit(t *testing.T) {
	svc := newFakeService()
	store := storage.NewMemoryStore()
	e := newTestEngine(t, 1, testMembers(1), store, svc, genesis)
	tickUntilLeader(t, e)

	b1 := makeBlock(1, genesis.ID, peerOf(1))
	b2 := makeBlock(2, b1.ID, peerOf(1))
	mustHandle(t, e, UpdateBlockNew{Block: b1})
	mustHandle(t, e, UpdateBlockCommit{ID: b1.ID})
	mustHandle(t, e, UpdateBlockNew{Block: b2})
	if svc.countFor("commit", b2.ID) != 1 {
		t.Fatalf("expected CommitBlock for b2")
	}
	// The validator never confirms b2.

	svc2 := newFakeService()
	restarted := newTestEngine(t, 1, nil, store, svc2, b1)
	restarted.onBlockNew(b2)
	if svc2.countFor("commit", b1.ID) != 0 {
		t.Error("confirmed block committed again after restart")
	}
	if svc2.countFor("commit", b2.ID) != 1 {
		t.Errorf("unconfirmed block should be committed again after restart, got %d", svc2.countFor("commit", b2.ID))
	}
}

func TestEngineRestartChecksUnannouncedCommittedBlock(t *testing.T) {
	svc := newFakeService()
	store := storage.NewMemoryStore()
	e := newTestEngine(t, 1, testMembers(1), store, svc, genesis)
	tickUntilLeader(t, e)

	b1 := makeBlock(1, genesis.ID, peerOf(1))
	mustHandle(t, e, UpdateBlockNew{Block: b1})
	if svc.countFor("commit", b1.ID) != 1 {
		t.Fatalf("expected CommitBlock for b1")
	}

	// Restart without the validator announcing b1 again.
	svc2 := newFakeService()
	restarted := newTestEngine(t, 1, nil, store, svc2, genesis)
	if svc2.countFor("check", b1.ID) != 1 {
		t.Fatalf("expected the restarted engine to ask about b1, got %d checks", svc2.countFor("check", b1.ID))
	}
	if svc2.countFor("commit", b1.ID) != 0 {
		t.Fatal("committed a block the validator has not vouched for")
	}

	mustHandle(t, restarted, UpdateBlockValid{ID: b1.ID})
	if svc2.countFor("commit", b1.ID) != 1 {
		t.Errorf("expected CommitBlock once b1 is valid, got %d", svc2.countFor("commit", b1.ID))
	}
	mustHandle(t, restarted, UpdateBlockCommit{ID: b1.ID})
	if st := restarted.Status(); st.ChainHead != b1.ID {
		t.Errorf("expected head b1, got %s", st.ChainHead)
	}
}

func TestEngineRejectsOwnBlockWhenNotLeader(t *testing.T) {
	svc := newFakeService()
	e := newTestEngine(t, 1, testMembers(3), nil, svc, genesis)

	b1 := makeBlock(1, genesis.ID, peerOf(1))
	mustHandle(t, e, UpdateBlockNew{Block: b1})

	if svc.countFor("ignore", b1.ID) != 1 {
		t.Error("follower should tell the validator to ignore its own block")
	}
	if e.pending.len() != 0 {
		t.Error("follower recorded a pending proposal")
	}
	last, _ := e.store.LastIndex()
	if last != 3 {
		t.Errorf("follower appended to the log: last index %d", last)
	}
}

func TestEngineChecksPeerBlocks(t *testing.T) {
	svc := newFakeService()
	e := newTestEngine(t, 1, testMembers(3), nil, svc, genesis)

	b1 := makeBlock(1, genesis.ID, peerOf(2))
	mustHandle(t, e, UpdateBlockNew{Block: b1})
	if svc.countFor("check", b1.ID) != 1 {
		t.Error("peer block should be sent for validation")
	}

	mustHandle(t, e, UpdateBlockInvalid{ID: b1.ID})
	if svc.countFor("fail", b1.ID) != 1 {
		t.Error("invalid uncommitted block should be failed")
	}
}

func TestEngineCommittedBlockInvalidIsFatal(t *testing.T) {
	svc := newFakeService()
	e := newTestEngine(t, 1, testMembers(1), nil, svc, genesis)
	tickUntilLeader(t, e)

	b1 := makeBlock(1, genesis.ID, peerOf(1))
	mustHandle(t, e, UpdateBlockNew{Block: b1})

	if err := e.handle(UpdateBlockInvalid{ID: b1.ID}); !errors.Is(err, ErrCommittedInvalid) {
		t.Fatalf("expected ErrCommittedInvalid, got %v", err)
	}
}

func TestEngineDropsMalformedPeerMessages(t *testing.T) {
	svc := newFakeService()
	e := newTestEngine(t, 1, testMembers(3), nil, svc, genesis)
	term := e.node.Term()

	good := raftpb.Message{Type: raftpb.MsgHeartbeat, From: 2, To: 1, Term: term}
	data, _ := good.Marshal()

	cases := []UpdatePeerMessage{
		{Sender: peerOf(2), Type: RaftMessageType, Payload: []byte{0xFF, 0xFF, 0xFF}},
		{Sender: types.NewPeerID([]byte("stranger")), Type: RaftMessageType, Payload: data},
		{Sender: peerOf(3), Type: RaftMessageType, Payload: data},
		{Sender: peerOf(2), Type: "other", Payload: data},
	}
	for i, u := range cases {
		if err := e.handle(u); err != nil {
			t.Errorf("case %d: malformed message was fatal: %v", i, err)
		}
	}
	if e.leader != types.NoNode || e.node.Term() != term {
		t.Error("malformed messages changed raft state")
	}

	// The well formed one is accepted.
	mustHandle(t, e, UpdatePeerMessage{Sender: peerOf(2), Type: RaftMessageType, Payload: data})
	if e.leader != 2 {
		t.Errorf("expected leader 2 after heartbeat, got %d", e.leader)
	}
}

func TestEngineThousandTicksSingleNode(t *testing.T) {
	svc := newFakeService()
	store := storage.NewMemoryStore()
	e := newTestEngine(t, 1, testMembers(1), store, svc, genesis)

	for i := 0; i < 1000; i++ {
		mustHandle(t, e, Tick{})
	}

	if svc.count("commit") != 0 {
		t.Errorf("expected no CommitBlock, got %d", svc.count("commit"))
	}
	if e.pending.len() != 0 {
		t.Errorf("expected no proposals, got %d", e.pending.len())
	}
	// Bootstrap conf change plus the leader's empty entry.
	last, _ := store.LastIndex()
	if last != 2 {
		t.Errorf("expected only the bootstrap and leader entries, last index %d", last)
	}
	if len(svc.takeSent()) != 0 {
		t.Error("single node sent messages")
	}
}

type failingStore struct {
	*storage.MemoryStore
	fail  bool
	fatal bool
}

func (s *failingStore) Save(hs raftpb.HardState, ents []raftpb.Entry, snap raftpb.Snapshot) error {
	if s.fatal {
		node.NewRaftLogger(hclog.NewNullLogger()).Fatalf("cannot save %d entries", len(ents))
	}
	if s.fail {
		return errors.New("disk full")
	}
	return s.MemoryStore.Save(hs, ents, snap)
}

func TestEnginePersistFailureIsFatal(t *testing.T) {
	svc := newFakeService()
	store := &failingStore{MemoryStore: storage.NewMemoryStore()}
	e := newTestEngine(t, 1, testMembers(1), store, svc, genesis)
	tickUntilLeader(t, e)

	store.fail = true
	b1 := makeBlock(1, genesis.ID, peerOf(1))
	err := e.handle(UpdateBlockNew{Block: b1})
	if !errors.Is(err, ErrPersist) {
		t.Fatalf("expected ErrPersist, got %v", err)
	}
	if svc.countFor("commit", b1.ID) != 0 {
		t.Error("block committed without being persisted")
	}
}

func TestEngineRaftFatalStopsThroughErrorPath(t *testing.T) {
	svc := newFakeService()
	store := &failingStore{MemoryStore: storage.NewMemoryStore()}
	e := newTestEngine(t, 1, testMembers(1), store, svc, genesis)
	tickUntilLeader(t, e)

	store.fatal = true
	err := e.handle(UpdateBlockNew{Block: makeBlock(1, genesis.ID, peerOf(1))})
	if !errors.Is(err, node.ErrRaftFatal) {
		t.Fatalf("expected ErrRaftFatal, got %v", err)
	}
}

func TestEngineMembershipChanges(t *testing.T) {
	svc := newFakeService()
	store := storage.NewMemoryStore()
	e := newTestEngine(t, 1, testMembers(1), store, svc, genesis)

	propose := func(cc raftpb.ConfChange) error {
		req := &confRequest{change: cc, result: make(chan error, 1)}
		mustHandle(t, e, req)
		return <-req.result
	}
	add := raftpb.ConfChange{Type: raftpb.ConfChangeAddNode, NodeID: 2, Context: peerOf(2).Bytes()}

	if err := propose(add); !errors.Is(err, node.ErrNotLeader) {
		t.Errorf("expected ErrNotLeader before election, got %v", err)
	}

	tickUntilLeader(t, e)
	if err := propose(raftpb.ConfChange{Type: raftpb.ConfChangeRemoveNode, NodeID: 1}); !errors.Is(err, types.ErrRemoveLastMember) {
		t.Errorf("expected ErrRemoveLastMember, got %v", err)
	}
	if err := propose(add); err != nil {
		t.Fatalf("add member failed: %v", err)
	}

	cc := e.Cluster()
	if cc.Size() != 2 || cc.Version != 1 {
		t.Fatalf("expected 2 members at version 1, got %s", cc)
	}
	if peer, _ := cc.PeerOf(2); peer != peerOf(2) {
		t.Errorf("new member has peer %s", peer)
	}
	if stored, ok := store.Membership(); !ok || stored.Version != 1 {
		t.Error("membership change not persisted")
	}
	_, cs, _ := store.InitialState()
	if len(cs.Voters) != 2 {
		t.Errorf("conf state not persisted: %v", cs.Voters)
	}
	if e.peers.GetPeer(peerOf(2)) == nil {
		t.Error("peer set not updated")
	}

	if err := propose(add); !errors.Is(err, types.ErrDuplicateMember) {
		t.Errorf("expected ErrDuplicateMember, got %v", err)
	}
}

func TestEngineRestartUsesStoredMembership(t *testing.T) {
	store := storage.NewMemoryStore()
	e := newTestEngine(t, 1, testMembers(3), store, newFakeService(), genesis)
	if e.Cluster().Size() != 3 {
		t.Fatalf("expected 3 members")
	}

	// No peers needed once the store holds the membership.
	restarted, err := NewEngine(testConfig(1, nil), store, nil)
	if err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	if restarted.Cluster().Size() != 3 {
		t.Errorf("restarted with %d members", restarted.Cluster().Size())
	}

	if _, err := NewEngine(testConfig(2, nil), store, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig for another node's store, got %v", err)
	}
}

func TestEngineStartStop(t *testing.T) {
	e, err := NewEngine(testConfig(1, testMembers(1)), storage.NewMemoryStore(), nil)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	svc := newFakeService()
	if err := e.Start(svc, StartupState{LocalPeer: peerOf(1), ChainHead: genesis}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := e.Start(svc, StartupState{}); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("expected ErrAlreadyStarted, got %v", err)
	}

	// The ticker alone elects a single node.
	deadline := time.Now().Add(5 * time.Second)
	for !e.Status().IsLeader() {
		if time.Now().After(deadline) {
			t.Fatal("single node did not become leader")
		}
		time.Sleep(5 * time.Millisecond)
	}

	e.Stop()
	e.Stop()
	select {
	case <-e.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}
	if err := e.Err(); err != nil {
		t.Errorf("unexpected error after Stop: %v", err)
	}
	if err := e.Deliver(context.Background(), UpdatePeerConnected{Peer: peerOf(2)}); !errors.Is(err, ErrStopped) {
		t.Errorf("expected ErrStopped, got %v", err)
	}
}

func TestEngineShutdownUpdate(t *testing.T) {
	e, err := NewEngine(testConfig(1, testMembers(1)), storage.NewMemoryStore(), nil)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	if err := e.Start(newFakeService(), StartupState{LocalPeer: peerOf(1), ChainHead: genesis}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := e.Deliver(context.Background(), UpdateShutdown{}); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}
	select {
	case <-e.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop on Shutdown")
	}
	e.Stop()
}
