package driver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/blockberries/raftberry/engine"
	"github.com/blockberries/raftberry/types"
)

// Errors
var (
	ErrDriverClosed   = errors.New("driver is closed")
	ErrHandshake      = errors.New("handshake failed")
	ErrRequestTimeout = errors.New("validator did not answer in time")
	ErrRequestFailed  = errors.New("validator rejected request")
	ErrUnknownBlock   = errors.New("validator does not know the block")
	ErrBadEndpoint    = errors.New("invalid endpoint")
)

// Config holds the driver settings
type Config struct {
	// Endpoint is the validator address, tcp://host:port
	Endpoint string

	DialTimeout    time.Duration
	RequestTimeout time.Duration

	// Name and Version are sent on registration
	Name    string
	Version string

	// QueueSize is how many updates are buffered between the connection
	// and the engine
	QueueSize int
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Endpoint:       "tcp://localhost:5050",
		DialTimeout:    5 * time.Second,
		RequestTimeout: 5 * time.Second,
		Name:           "raftberry",
		Version:        "0.1",
		QueueSize:      256,
	}
}

// Sink receives the validator's updates. *engine.Engine implements it.
type Sink interface {
	Deliver(ctx context.Context, u engine.Update) error
}

// Driver is the engine's connection to the validator. It implements
// engine.Service by writing directive frames and waiting for their
// results, and turns update frames into engine updates.
type Driver struct {
	config *Config
	logger hclog.Logger
	conn   net.Conn

	writeMu sync.Mutex
	seq     atomic.Uint64

	mu      sync.Mutex
	waiting map[uint64]chan Result
	closed  bool

	quit      chan struct{}
	closeOnce sync.Once
}

// ParseEndpoint splits tcp://host:port into a network and an address.
func ParseEndpoint(endpoint string) (string, string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrBadEndpoint, err)
	}
	switch u.Scheme {
	case "tcp", "tcp4", "tcp6":
	default:
		return "", "", fmt.Errorf("%w: unsupported scheme %q", ErrBadEndpoint, u.Scheme)
	}
	if u.Host == "" {
		return "", "", fmt.Errorf("%w: missing host in %q", ErrBadEndpoint, endpoint)
	}
	return u.Scheme, u.Host, nil
}

// Dial connects to the validator endpoint.
func Dial(ctx context.Context, cfg *Config, logger hclog.Logger) (*Driver, error) {
	network, addr, err := ParseEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, err
	}
	dialer := net.Dialer{Timeout: cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("connect to validator at %s: %w", cfg.Endpoint, err)
	}
	return New(conn, cfg, logger), nil
}

// New wraps an established connection.
func New(conn net.Conn, cfg *Config, logger hclog.Logger) *Driver {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Driver{
		config:  cfg,
		logger:  logger,
		conn:    conn,
		waiting: make(map[uint64]chan Result),
		quit:    make(chan struct{}),
	}
}

// Handshake registers with the validator and returns its startup state.
// It must be called before Run.
func (d *Driver) Handshake(ctx context.Context) (engine.StartupState, error) {
	if deadline, ok := ctx.Deadline(); ok {
		d.conn.SetDeadline(deadline)
		defer d.conn.SetDeadline(time.Time{})
	}

	reg := Register{Name: d.config.Name, Version: d.config.Version}
	if err := d.write(EncodeRegister(reg)); err != nil {
		return engine.StartupState{}, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	f, err := ReadFrame(d.conn)
	if err != nil {
		return engine.StartupState{}, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	startup, err := DecodeStartup(f)
	if err != nil {
		return engine.StartupState{}, fmt.Errorf("%w: %v", ErrHandshake, err)
	}

	head := "none"
	if startup.ChainHead != nil {
		head = startup.ChainHead.String()
	}
	d.logger.Info("registered with validator",
		"endpoint", d.conn.RemoteAddr(), "peer", startup.LocalPeer, "head", head, "peers", len(startup.Peers))
	return startup, nil
}

// Run reads frames until the connection fails or the driver is closed,
// passing updates to sink. It returns nil after Close.
func (d *Driver) Run(ctx context.Context, sink Sink) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	updates := make(chan engine.Update, d.config.QueueSize)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.forward(ctx, sink, updates)
	}()

	err := d.readLoop(ctx, updates)
	close(updates)
	cancel()
	wg.Wait()

	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	d.Close()

	if closed {
		return nil
	}
	return err
}

func (d *Driver) readLoop(ctx context.Context, updates chan<- engine.Update) error {
	for {
		f, err := ReadFrame(d.conn)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("validator closed the connection: %w", err)
			}
			return err
		}

		if f.Type == FrameResult {
			d.dispatch(f)
			continue
		}

		u, err := DecodeUpdate(f)
		if err != nil {
			d.logger.Warn("dropping frame from validator", "type", f.Type, "error", err)
			continue
		}
		select {
		case updates <- u:
		case <-d.quit:
			return ErrDriverClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (d *Driver) forward(ctx context.Context, sink Sink, updates <-chan engine.Update) {
	for u := range updates {
		if err := sink.Deliver(ctx, u); err != nil {
			d.logger.Debug("update not delivered", "update", engine.UpdateName(u), "error", err)
			if errors.Is(err, engine.ErrStopped) {
				d.Close()
			}
		}
	}
}

func (d *Driver) dispatch(f *Frame) {
	res, err := DecodeResult(f)
	if err != nil {
		d.logger.Warn("dropping malformed result", "seq", f.Seq, "error", err)
		return
	}
	d.mu.Lock()
	ch, ok := d.waiting[f.Seq]
	delete(d.waiting, f.Seq)
	d.mu.Unlock()
	if !ok {
		d.logger.Debug("result for unknown request", "seq", f.Seq, "status", res.Status)
		return
	}
	ch <- res
}

// Close closes the connection and fails outstanding requests.
func (d *Driver) Close() error {
	var err error
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		d.mu.Unlock()
		close(d.quit)
		err = d.conn.Close()
	})
	return err
}

func (d *Driver) write(f *Frame) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	return WriteFrame(d.conn, f)
}

// request sends a directive and waits for its result.
func (d *Driver) request(dir Directive) (Result, error) {
	seq := d.seq.Add(1)
	f, err := EncodeDirective(seq, dir)
	if err != nil {
		return Result{}, err
	}

	ch := make(chan Result, 1)
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return Result{}, ErrDriverClosed
	}
	d.waiting[seq] = ch
	d.mu.Unlock()

	if err := d.write(f); err != nil {
		d.forget(seq)
		return Result{}, fmt.Errorf("write %s: %w", dir.Type, err)
	}

	timer := time.NewTimer(d.config.RequestTimeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		return res, resultErr(res)
	case <-timer.C:
		d.forget(seq)
		return Result{}, fmt.Errorf("%w: %s", ErrRequestTimeout, dir.Type)
	case <-d.quit:
		return Result{}, ErrDriverClosed
	}
}

func (d *Driver) forget(seq uint64) {
	d.mu.Lock()
	delete(d.waiting, seq)
	d.mu.Unlock()
}

func resultErr(res Result) error {
	switch res.Status {
	case StatusOK:
		return nil
	case StatusNotReady:
		return engine.ErrBlockNotReady
	case StatusUnknownBlock:
		return fmt.Errorf("%w: %s", ErrUnknownBlock, res.Message)
	default:
		return fmt.Errorf("%w: %s", ErrRequestFailed, res.Message)
	}
}

// InitializeBlock implements engine.Service
func (d *Driver) InitializeBlock(previous types.BlockID) error {
	_, err := d.request(Directive{Type: FrameInitializeBlock, Block: previous})
	return err
}

// FinalizeBlock implements engine.Service
func (d *Driver) FinalizeBlock() (types.BlockID, error) {
	res, err := d.request(Directive{Type: FrameFinalizeBlock})
	if err != nil {
		return "", err
	}
	return res.Block, nil
}

// CancelBlock implements engine.Service
func (d *Driver) CancelBlock() error {
	_, err := d.request(Directive{Type: FrameCancelBlock})
	return err
}

// CheckBlocks implements engine.Service
func (d *Driver) CheckBlocks(ids []types.BlockID) error {
	_, err := d.request(Directive{Type: FrameCheckBlocks, Blocks: ids})
	return err
}

// CommitBlock implements engine.Service
func (d *Driver) CommitBlock(id types.BlockID) error {
	_, err := d.request(Directive{Type: FrameCommitBlock, Block: id})
	return err
}

// IgnoreBlock implements engine.Service
func (d *Driver) IgnoreBlock(id types.BlockID) error {
	_, err := d.request(Directive{Type: FrameIgnoreBlock, Block: id})
	return err
}

// FailBlock implements engine.Service
func (d *Driver) FailBlock(id types.BlockID) error {
	_, err := d.request(Directive{Type: FrameFailBlock, Block: id})
	return err
}

// SendTo implements engine.Service. Peer messages are not answered: the
// frame goes out with Seq zero and SendTo returns once it is written.
func (d *Driver) SendTo(peer types.PeerID, msgType string, payload []byte) error {
	f, err := EncodeDirective(0, Directive{Type: FrameSendTo, Peer: peer, MsgType: msgType, Payload: payload})
	if err != nil {
		return err
	}
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return ErrDriverClosed
	}
	return d.write(f)
}

var _ engine.Service = (*Driver)(nil)
