package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"

	"github.com/blockberries/raftberry/node"
	"github.com/blockberries/raftberry/storage"
	"github.com/blockberries/raftberry/types"
)

// Engine drives one raft node on behalf of a block validator. Validator
// updates, ticks and membership requests are merged into one queue and
// handled one at a time by the loop goroutine, which exclusively owns the
// node and the log store.
type Engine struct {
	mu sync.Mutex

	// Configuration
	config *Config
	logger hclog.Logger

	// Components
	store  storage.LogStore
	node   *node.Node
	ticker *Ticker
	queue  chan any

	// Lifecycle
	started  bool
	stopping atomic.Bool
	stopOnce sync.Once
	quit     chan struct{}
	done     chan struct{}
	err      error

	// Published view
	statusMu         sync.RWMutex
	status           Status
	publishedCluster *types.ClusterConfig

	// Owned by the loop
	svc         Service
	localPeer   types.PeerID
	cluster     *types.ClusterConfig
	peers       *PeerSet
	pending     *pendingSet
	blocks      *blockTable
	head        *types.Block
	pub         publisher
	role        types.Role
	leader      types.NodeID
	ticks       uint64
	applied     uint64
	durable     uint64 // applied index recorded in the store
	lastCompact uint64
	confIndex   uint64 // raft refuses a new conf change until this index applies
	unreachable []types.NodeID
}

// NewEngine creates an engine over store. A store holding raft state is
// restarted from it; an empty store is bootstrapped with cfg.Peers.
func NewEngine(cfg *Config, store storage.LogStore, logger hclog.Logger) (*Engine, error) {
	if err := cfg.ValidateBasic(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	cluster, err := initialCluster(cfg, store)
	if err != nil {
		return nil, err
	}
	if _, ok := store.Membership(); !ok {
		if err := store.SetMembership(cluster); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPersist, err)
		}
	}

	nc := cfg.nodeConfig()
	nc.Logger = logger.Named("node")
	n, err := node.New(nc, store)
	if err != nil {
		return nil, err
	}

	snap, _ := store.Snapshot()
	queue := make(chan any, cfg.QueueSize)
	e := &Engine{
		config:      cfg,
		logger:      logger,
		store:       store,
		node:        n,
		queue:       queue,
		ticker:      NewTicker(cfg.TickInterval, queue, logger.Named("ticker")),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
		cluster:     cluster,
		peers:       NewPeerSet(cluster),
		pending:     newPendingSet(),
		blocks:      newBlockTable(),
		role:        types.RoleFollower,
		applied:     store.Applied(),
		durable:     store.Applied(),
		lastCompact: snap.Metadata.Index,
	}
	e.publishStatus()
	return e, nil
}

// initialCluster prefers the membership recorded in the store.
func initialCluster(cfg *Config, store storage.LogStore) (*types.ClusterConfig, error) {
	if cc, ok := store.Membership(); ok {
		if cc.Local != cfg.NodeID {
			return nil, fmt.Errorf("%w: store belongs to node %d, not %d", ErrInvalidConfig, cc.Local, cfg.NodeID)
		}
		return cc, nil
	}
	if len(cfg.Peers) == 0 {
		return nil, fmt.Errorf("%w: no stored membership and no peers configured", ErrInvalidConfig)
	}
	return types.NewClusterConfig(cfg.NodeID, cfg.Peers)
}

// Start registers the validator service and starts the loop and ticker
func (e *Engine) Start(svc Service, startup StartupState) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return ErrAlreadyStarted
	}
	if e.stopping.Load() {
		return ErrStopped
	}

	if err := e.setup(svc, startup); err != nil {
		return err
	}
	e.started = true

	e.ticker.Start()
	go e.run()
	return nil
}

// setup installs the service and the validator's view, then handles the
// node's first Ready (the bootstrap entries on a fresh store).
func (e *Engine) setup(svc Service, startup StartupState) error {
	e.svc = svc
	e.localPeer = startup.LocalPeer
	e.head = startup.ChainHead

	if local := e.cluster.LocalPeer(); local != "" && startup.LocalPeer != "" && local != startup.LocalPeer {
		e.logger.Warn("validator peer id differs from cluster configuration",
			"validator", startup.LocalPeer, "configured", local)
	}
	for _, peer := range startup.Peers {
		if ps := e.peers.GetPeer(peer); ps != nil {
			ps.SetConnected(true)
		}
	}

	head := "none"
	if e.head != nil {
		head = e.head.String()
	}
	e.logger.Info("engine starting",
		"node", e.config.NodeID,
		"peer", startup.LocalPeer,
		"head", head,
		"members", e.cluster.Size(),
		"applied", e.applied)

	if err := e.drainReady(); err != nil {
		return err
	}
	e.publishStatus()
	return nil
}

// Stop stops the engine and waits for the loop to exit. It is safe to call
// more than once and from any goroutine.
func (e *Engine) Stop() {
	e.stopping.Store(true)
	e.stopOnce.Do(func() { close(e.quit) })

	e.mu.Lock()
	started := e.started
	e.mu.Unlock()

	if started {
		<-e.done
	}
	e.ticker.Stop()
}

// Done is closed when the loop exits, after Stop, a Shutdown update or a
// fatal error.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// Err returns the fatal error that ended the loop, if any.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// ID returns the local node id
func (e *Engine) ID() types.NodeID {
	return e.config.NodeID
}

// Deliver enqueues an update from the validator. It blocks while the
// queue is full.
func (e *Engine) Deliver(ctx context.Context, u Update) error {
	return e.enqueue(ctx, u)
}

func (e *Engine) enqueue(ctx context.Context, ev any) error {
	if e.stopping.Load() {
		return ErrStopped
	}
	select {
	case e.queue <- ev:
		return nil
	case <-e.quit:
		return ErrStopped
	case <-e.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) run() {
	defer close(e.done)
	defer e.ticker.Stop()

	for {
		if e.stopping.Load() {
			e.logger.Info("engine stopped", "node", e.config.NodeID)
			e.publishStatus()
			return
		}

		select {
		case <-e.quit:
			continue
		case ev := <-e.queue:
			if err := e.handle(ev); err != nil {
				e.fail(err)
				return
			}
		}
	}
}

// handle processes one queued event and drains the node. A fatal report
// from the raft library comes back as an error.
func (e *Engine) handle(ev any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			rerr, ok := r.(error)
			if !ok || !errors.Is(rerr, node.ErrRaftFatal) {
				panic(r)
			}
			err = rerr
			e.publishStatus()
		}
	}()

	switch ev := ev.(type) {
	case Tick:
		err = e.onTick()
	case UpdatePeerConnected:
		e.onPeerConnected(ev.Peer)
	case UpdatePeerDisconnected:
		e.onPeerDisconnected(ev.Peer)
	case UpdateBlockNew:
		e.onBlockNew(ev.Block)
	case UpdateBlockValid:
		e.onBlockValid(ev.ID)
	case UpdateBlockInvalid:
		err = e.onBlockInvalid(ev.ID)
	case UpdateBlockCommit:
		e.onBlockCommit(ev.ID)
	case UpdatePeerMessage:
		e.onPeerMessage(ev)
	case UpdateShutdown:
		e.logger.Info("validator requested shutdown")
		e.stopping.Store(true)
	case *confRequest:
		e.onConfRequest(ev)
	default:
		e.logger.Warn("ignoring unknown event", "type", fmt.Sprintf("%T", ev))
	}
	if err == nil {
		err = e.drainReady()
	}
	e.publishStatus()
	return err
}

func (e *Engine) fail(err error) {
	e.logger.Error("engine halted", "node", e.config.NodeID, "error", err)
	e.mu.Lock()
	e.err = err
	e.mu.Unlock()
	e.stopping.Store(true)
	e.publishStatus()
}

func (e *Engine) onTick() error {
	e.ticks++
	if err := e.node.Tick(); err != nil {
		return err
	}
	if e.role.IsLeader() {
		e.publishTick()
	}
	e.processCommitQueue()
	return nil
}

func (e *Engine) onPeerConnected(peer types.PeerID) {
	ps := e.peers.GetPeer(peer)
	if ps == nil {
		e.logger.Debug("connected peer is not a cluster member", "peer", peer)
		return
	}
	ps.SetConnected(true)
	e.logger.Debug("peer connected", "peer", peer, "node", ps.Info().Node)
}

func (e *Engine) onPeerDisconnected(peer types.PeerID) {
	ps := e.peers.GetPeer(peer)
	if ps == nil {
		return
	}
	ps.SetConnected(false)
	id := ps.Info().Node
	e.logger.Debug("peer disconnected", "peer", peer, "node", id)
	if err := e.node.ReportUnreachable(id); err != nil && !errors.Is(err, node.ErrReadyPending) {
		e.logger.Warn("failed to report unreachable peer", "node", id, "error", err)
	}
}
