package integration

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/blockberries/raftberry/engine"
	"github.com/blockberries/raftberry/storage"
	"github.com/blockberries/raftberry/types"
)

var genesis = &types.Block{ID: types.NewBlockID([]byte("genesis")), Num: 0}

// mailbox delivers updates to one engine in order without blocking the
// sender.
type mailbox struct {
	mu      sync.Mutex
	queue   []engine.Update
	notify  chan struct{}
	blocked bool
}

func newMailbox() *mailbox {
	return &mailbox{notify: make(chan struct{}, 1)}
}

func (m *mailbox) push(u engine.Update) {
	m.mu.Lock()
	if m.blocked {
		m.mu.Unlock()
		return
	}
	m.queue = append(m.queue, u)
	m.mu.Unlock()
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *mailbox) setBlocked(blocked bool) {
	m.mu.Lock()
	m.blocked = blocked
	if blocked {
		m.queue = nil
	}
	m.mu.Unlock()
}

func (m *mailbox) pump(ctx context.Context, eng *engine.Engine) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.notify:
		}
		m.mu.Lock()
		batch := m.queue
		m.queue = nil
		m.mu.Unlock()
		for _, u := range batch {
			if err := eng.Deliver(ctx, u); err != nil {
				return
			}
		}
	}
}

// network connects the validators of every node.
type network struct {
	mu     sync.Mutex
	nodes  map[types.PeerID]*TestNode
	blocks map[types.BlockID]*types.Block
}

func (n *network) node(peer types.PeerID) *TestNode {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.nodes[peer]
}

func (n *network) block(id types.BlockID) *types.Block {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.blocks[id]
}

// broadcast hands a new block to every validator.
func (n *network) broadcast(b *types.Block) {
	n.mu.Lock()
	n.blocks[b.ID] = b
	nodes := make([]*TestNode, 0, len(n.nodes))
	for _, node := range n.nodes {
		nodes = append(nodes, node)
	}
	n.mu.Unlock()
	for _, node := range nodes {
		node.inbox.push(engine.UpdateBlockNew{Block: b})
	}
}

// TestNode is one engine with a simulated validator in front of it.
type TestNode struct {
	ID     types.NodeID
	Peer   types.PeerID
	Engine *engine.Engine
	Store  *storage.DurableStore

	net   *network
	inbox *mailbox

	mu       sync.Mutex
	building bool
	previous types.BlockID
	built    int
	chain    []*types.Block
	ignored  []types.BlockID
}

func (n *TestNode) InitializeBlock(previous types.BlockID) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.building = true
	n.previous = previous
	return nil
}

func (n *TestNode) FinalizeBlock() (types.BlockID, error) {
	n.mu.Lock()
	if !n.building {
		n.mu.Unlock()
		return "", engine.ErrBlockNotReady
	}
	prev := n.net.block(n.previous)
	if prev == nil {
		n.mu.Unlock()
		return "", fmt.Errorf("unknown previous block %s", n.previous)
	}
	n.built++
	b := &types.Block{
		ID:         types.NewBlockID([]byte(fmt.Sprintf("node%d-height%d-%d", n.ID, prev.Num+1, n.built))),
		PreviousID: prev.ID,
		SignerID:   n.Peer,
		Num:        prev.Num + 1,
		Payload:    []byte("batch"),
	}
	n.building = false
	n.mu.Unlock()

	n.net.broadcast(b)
	return b.ID, nil
}

func (n *TestNode) CancelBlock() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.building = false
	return nil
}

func (n *TestNode) CheckBlocks(ids []types.BlockID) error {
	for _, id := range ids {
		n.inbox.push(engine.UpdateBlockValid{ID: id})
	}
	return nil
}

func (n *TestNode) CommitBlock(id types.BlockID) error {
	b := n.net.block(id)
	if b == nil {
		return fmt.Errorf("unknown block %s", id)
	}
	n.mu.Lock()
	n.chain = append(n.chain, b)
	n.mu.Unlock()
	n.inbox.push(engine.UpdateBlockCommit{ID: id})
	return nil
}

func (n *TestNode) IgnoreBlock(id types.BlockID) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ignored = append(n.ignored, id)
	return nil
}

func (n *TestNode) FailBlock(id types.BlockID) error {
	return nil
}

func (n *TestNode) SendTo(peer types.PeerID, msgType string, payload []byte) error {
	dst := n.net.node(peer)
	if dst == nil {
		return fmt.Errorf("unknown peer %s", peer)
	}
	dst.inbox.push(engine.UpdatePeerMessage{Sender: n.Peer, Type: msgType, Payload: payload})
	return nil
}

func (n *TestNode) Chain() []*types.Block {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*types.Block(nil), n.chain...)
}

func setupTestNode(t *testing.T, net *network, id types.NodeID, members []types.Member, dir string) *TestNode {
	t.Helper()

	store, err := storage.Open(filepath.Join(dir, fmt.Sprintf("node%d", id)), nil)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}

	cfg := engine.DefaultConfig()
	cfg.NodeID = id
	cfg.Peers = members
	cfg.TickInterval = 10 * time.Millisecond
	cfg.ElectionTick = 10
	cfg.HeartbeatTick = 1
	cfg.Period = 30 * time.Millisecond

	eng, err := engine.NewEngine(cfg, store, nil)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	node := &TestNode{
		ID:     id,
		Peer:   members[id-1].Peer,
		Engine: eng,
		Store:  store,
		net:    net,
		inbox:  newMailbox(),
	}
	net.mu.Lock()
	net.nodes[node.Peer] = node
	net.mu.Unlock()
	return node
}

func startCluster(t *testing.T, n int) []*TestNode {
	t.Helper()
	members := make([]types.Member, n)
	for i := range members {
		members[i] = types.Member{ID: types.NodeID(i + 1), Peer: types.NewPeerID([]byte{0xA0, byte(i + 1)})}
	}
	net := &network{
		nodes:  make(map[types.PeerID]*TestNode),
		blocks: map[types.BlockID]*types.Block{genesis.ID: genesis},
	}

	dir := t.TempDir()
	nodes := make([]*TestNode, n)
	for i := range nodes {
		nodes[i] = setupTestNode(t, net, members[i].ID, members, dir)
	}

	ctx, cancel := context.WithCancel(context.Background())
	for _, node := range nodes {
		var others []types.PeerID
		for _, m := range members {
			if m.ID != node.ID {
				others = append(others, m.Peer)
			}
		}
		go node.inbox.pump(ctx, node.Engine)
		err := node.Engine.Start(node, engine.StartupState{LocalPeer: node.Peer, ChainHead: genesis, Peers: others})
		if err != nil {
			t.Fatalf("failed to start node %d: %v", node.ID, err)
		}
	}

	t.Cleanup(func() {
		for _, node := range nodes {
			node.Engine.Stop()
		}
		cancel()
		for _, node := range nodes {
			node.Store.Close()
		}
	})
	return nodes
}

// leaderWatch records the leader of every term it observes.
type leaderWatch struct {
	mu       sync.Mutex
	leaders  map[uint64]types.NodeID
	conflict string
	stop     chan struct{}
	done     chan struct{}
}

func watchLeaders(nodes []*TestNode) *leaderWatch {
	w := &leaderWatch{
		leaders: make(map[uint64]types.NodeID),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go func() {
		defer close(w.done)
		ticker := time.NewTicker(2 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-w.stop:
				return
			case <-ticker.C:
			}
			for _, node := range nodes {
				st := node.Engine.Status()
				if !st.Running || !st.IsLeader() {
					continue
				}
				w.mu.Lock()
				if prev, ok := w.leaders[st.Term]; ok && prev != st.ID && w.conflict == "" {
					w.conflict = fmt.Sprintf("nodes %d and %d both lead term %d", prev, st.ID, st.Term)
				}
				w.leaders[st.Term] = st.ID
				w.mu.Unlock()
			}
		}
	}()
	return w
}

func (w *leaderWatch) finish(t *testing.T) {
	t.Helper()
	close(w.stop)
	<-w.done
	if w.conflict != "" {
		t.Error(w.conflict)
	}
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func currentLeader(nodes []*TestNode) *TestNode {
	for _, node := range nodes {
		if st := node.Engine.Status(); st.Running && st.IsLeader() {
			return node
		}
	}
	return nil
}

// checkChains verifies every chain links back to genesis, holds no block
// twice, and agrees with every other chain on their common prefix.
func checkChains(t *testing.T, nodes []*TestNode) {
	t.Helper()
	var longest []*types.Block
	for _, node := range nodes {
		chain := node.Chain()
		prev := genesis
		seen := make(map[types.BlockID]bool)
		for i, b := range chain {
			if b.PreviousID != prev.ID || b.Num != prev.Num+1 {
				t.Fatalf("node %d: block %d (%s) does not extend %s", node.ID, i, b, prev)
			}
			if seen[b.ID] {
				t.Fatalf("node %d: block %s committed twice", node.ID, b.ID.Short())
			}
			seen[b.ID] = true
			prev = b
		}
		if len(chain) > len(longest) {
			longest = chain
		}
	}
	for _, node := range nodes {
		for i, b := range node.Chain() {
			if b.ID != longest[i].ID {
				t.Fatalf("node %d: block %d is %s, expected %s", node.ID, i, b.ID.Short(), longest[i].ID.Short())
			}
		}
	}
}

// checkLogs verifies that the committed entries every pair of stores
// still holds are byte for byte identical.
func checkLogs(t *testing.T, nodes []*TestNode) {
	t.Helper()
	type committed struct {
		first uint64
		ents  map[uint64][]byte
	}
	logs := make([]committed, len(nodes))
	for i, node := range nodes {
		first, err := node.Store.FirstIndex()
		if err != nil {
			t.Fatalf("node %d: FirstIndex failed: %v", node.ID, err)
		}
		hs, _, err := node.Store.InitialState()
		if err != nil {
			t.Fatalf("node %d: InitialState failed: %v", node.ID, err)
		}
		logs[i] = committed{first: first, ents: make(map[uint64][]byte)}
		if hs.Commit < first {
			continue
		}
		ents, err := node.Store.Entries(first, hs.Commit+1, ^uint64(0))
		if err != nil {
			t.Fatalf("node %d: Entries(%d, %d) failed: %v", node.ID, first, hs.Commit+1, err)
		}
		for _, ent := range ents {
			data, err := ent.Marshal()
			if err != nil {
				t.Fatalf("node %d: marshal entry %d: %v", node.ID, ent.Index, err)
			}
			logs[i].ents[ent.Index] = data
		}
	}

	compared := 0
	for i := range nodes {
		for j := i + 1; j < len(nodes); j++ {
			for index, a := range logs[i].ents {
				b, ok := logs[j].ents[index]
				if !ok {
					continue
				}
				compared++
				if !bytes.Equal(a, b) {
					t.Fatalf("nodes %d and %d disagree on committed entry %d", nodes[i].ID, nodes[j].ID, index)
				}
			}
		}
	}
	if compared == 0 {
		t.Error("no committed entries in common to compare")
	}
}

func TestClusterCommitsChain(t *testing.T) {
	nodes := startCluster(t, 3)
	watch := watchLeaders(nodes)

	waitFor(t, 10*time.Second, "five blocks on every node", func() bool {
		for _, node := range nodes {
			if len(node.Chain()) < 5 {
				return false
			}
		}
		return true
	})
	watch.finish(t)
	checkChains(t, nodes)
	checkLogs(t, nodes)

	for _, node := range nodes {
		if err := node.Engine.Err(); err != nil {
			t.Errorf("node %d failed: %v", node.ID, err)
		}
	}
}

func TestClusterSurvivesLeaderLoss(t *testing.T) {
	nodes := startCluster(t, 3)
	watch := watchLeaders(nodes)

	waitFor(t, 10*time.Second, "two blocks on every node", func() bool {
		for _, node := range nodes {
			if len(node.Chain()) < 2 {
				return false
			}
		}
		return true
	})

	old := currentLeader(nodes)
	if old == nil {
		t.Fatal("no leader")
	}
	old.inbox.setBlocked(true)
	old.Engine.Stop()

	var rest []*TestNode
	for _, node := range nodes {
		if node != old {
			rest = append(rest, node)
		}
	}
	base := len(rest[0].Chain())
	waitFor(t, 10*time.Second, "a new leader to extend the chain", func() bool {
		leader := currentLeader(rest)
		if leader == nil || leader == old {
			return false
		}
		for _, node := range rest {
			if len(node.Chain()) < base+3 {
				return false
			}
		}
		return true
	})
	watch.finish(t)
	checkChains(t, nodes)
	checkLogs(t, nodes)
}

func TestClusterRestartKeepsCommittedChain(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.Open(dir, nil)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}

	member := types.Member{ID: 1, Peer: types.NewPeerID([]byte{0xA0, 1})}
	net := &network{
		nodes:  make(map[types.PeerID]*TestNode),
		blocks: map[types.BlockID]*types.Block{genesis.ID: genesis},
	}
	cfg := engine.DefaultConfig()
	cfg.NodeID = 1
	cfg.Peers = []types.Member{member}
	cfg.TickInterval = 10 * time.Millisecond
	cfg.ElectionTick = 10
	cfg.HeartbeatTick = 1
	cfg.Period = 20 * time.Millisecond

	start := func(head *types.Block) *TestNode {
		eng, err := engine.NewEngine(cfg, store, nil)
		if err != nil {
			t.Fatalf("failed to create engine: %v", err)
		}
		node := &TestNode{ID: 1, Peer: member.Peer, Engine: eng, Store: store, net: net, inbox: newMailbox()}
		net.mu.Lock()
		net.nodes[node.Peer] = node
		net.mu.Unlock()
		ctx, cancel := context.WithCancel(context.Background())
		t.Cleanup(cancel)
		go node.inbox.pump(ctx, eng)
		if err := eng.Start(node, engine.StartupState{LocalPeer: node.Peer, ChainHead: head}); err != nil {
			t.Fatalf("failed to start engine: %v", err)
		}
		return node
	}

	first := start(genesis)
	waitFor(t, 5*time.Second, "three blocks", func() bool { return len(first.Chain()) >= 3 })
	first.inbox.setBlocked(true)
	first.Engine.Stop()
	chain := first.Chain()
	head := chain[len(chain)-1]

	second := start(head)
	waitFor(t, 5*time.Second, "the restarted node to extend the chain", func() bool {
		c := second.Chain()
		return len(c) >= 2 && c[0].PreviousID == head.ID
	})
	for _, b := range second.Chain() {
		if b.Num <= head.Num {
			t.Errorf("restarted node recommitted block %s at height %d", b.ID.Short(), b.Num)
		}
	}
	second.Engine.Stop()
	store.Close()
}
