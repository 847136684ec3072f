// Package main provides the raftberry consensus engine CLI.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/blockberries/raftberry/driver"
	"github.com/blockberries/raftberry/engine"
	"github.com/blockberries/raftberry/status"
	"github.com/blockberries/raftberry/storage"
	"github.com/blockberries/raftberry/types"
)

const version = "0.1.0"

func main() {
	exitCode := run(os.Args)
	os.Exit(exitCode)
}

// options is the parsed command line.
type options struct {
	nodeID     types.NodeID
	connect    string
	verbosity  int
	peers      []types.Member
	dataDir    string
	statusAddr string
	tick       time.Duration
	period     time.Duration
	join       bool
}

// verbosity counts repeated -v flags.
type verbosity int

func (v *verbosity) String() string   { return strconv.Itoa(int(*v)) }
func (v *verbosity) IsBoolFlag() bool { return true }

func (v *verbosity) Set(s string) error {
	on, err := strconv.ParseBool(s)
	if err != nil {
		return err
	}
	if on {
		*v++
	}
	return nil
}

// parsePeers parses id=peerhex pairs separated by commas.
func parsePeers(s string) ([]types.Member, error) {
	if s == "" {
		return nil, nil
	}
	var members []types.Member
	for _, pair := range strings.Split(s, ",") {
		idText, peerText, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			return nil, fmt.Errorf("invalid peer %q: expected id=peerhex", pair)
		}
		id, err := types.ParseNodeID(idText)
		if err != nil {
			return nil, err
		}
		peer, err := types.ParsePeerID(peerText)
		if err != nil {
			return nil, err
		}
		members = append(members, types.Member{ID: id, Peer: peer})
	}
	return members, nil
}

func parseArgs(args []string, out io.Writer) (*options, error) {
	defaults := engine.DefaultConfig()
	opts := &options{}
	var v verbosity
	var peers string

	fs := flag.NewFlagSet("raftberry", flag.ContinueOnError)
	fs.SetOutput(out)
	fs.StringVar(&opts.connect, "C", driver.DefaultConfig().Endpoint, "validator endpoint")
	fs.StringVar(&opts.connect, "connect", driver.DefaultConfig().Endpoint, "validator endpoint")
	fs.Var(&v, "v", "increase verbosity (repeatable)")
	fs.StringVar(&peers, "peers", "", "cluster members as id=peerhex,...")
	fs.StringVar(&opts.dataDir, "data-dir", defaults.StoragePath, "log store directory (empty keeps the log in memory)")
	fs.StringVar(&opts.statusAddr, "status-addr", "", "status HTTP address (empty disables)")
	fs.DurationVar(&opts.tick, "tick", defaults.TickInterval, "raft tick interval")
	fs.DurationVar(&opts.period, "period", defaults.Period, "block publishing period")
	fs.BoolVar(&opts.join, "join", false, "join an existing cluster instead of bootstrapping")
	fs.Usage = func() {
		fmt.Fprintf(out, "Usage: raftberry [flags] <node-id>\n\n")
		fs.PrintDefaults()
	}

	// Accept the node id before or after the flags.
	var positional string
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		positional, args = args[0], args[1:]
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if positional == "" {
		positional = fs.Arg(0)
	}
	if positional == "" {
		fs.Usage()
		return nil, errors.New("node id is required")
	}

	id, err := types.ParseNodeID(positional)
	if err != nil {
		return nil, err
	}
	members, err := parsePeers(peers)
	if err != nil {
		return nil, err
	}
	opts.nodeID = id
	opts.peers = members
	opts.verbosity = int(v)
	return opts, nil
}

func logLevel(v int) hclog.Level {
	switch {
	case v <= 0:
		return hclog.Info
	case v == 1:
		return hclog.Debug
	default:
		return hclog.Trace
	}
}

// run executes the CLI and returns an exit code.
func run(args []string) int {
	opts, err := parseArgs(args[1:], os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := hclog.New(&hclog.LoggerOptions{
		Name:   "raftberry",
		Level:  logLevel(opts.verbosity),
		Output: os.Stderr,
	})
	return serve(ctx, opts, logger)
}

func openStore(dir string, logger hclog.Logger) (storage.LogStore, error) {
	if dir == "" {
		logger.Warn("no data directory, raft log kept in memory")
		return storage.NewMemoryStore(), nil
	}
	return storage.Open(dir, logger)
}

// serve runs the engine until ctx ends, the validator asks it to stop or
// something fails.
func serve(ctx context.Context, opts *options, logger hclog.Logger) int {
	cfg := engine.DefaultConfig()
	cfg.NodeID = opts.nodeID
	cfg.Peers = opts.peers
	cfg.Join = opts.join
	cfg.TickInterval = opts.tick
	cfg.Period = opts.period
	cfg.StoragePath = opts.dataDir

	store, err := openStore(cfg.StoragePath, logger.Named("storage"))
	if err != nil {
		logger.Error("failed to open log store", "dir", cfg.StoragePath, "error", err)
		return 1
	}
	defer store.Close()

	eng, err := engine.NewEngine(cfg, store, logger.Named("engine"))
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		return 1
	}

	dcfg := driver.DefaultConfig()
	dcfg.Endpoint = opts.connect
	dcfg.Version = version
	drv, err := driver.Dial(ctx, dcfg, logger.Named("driver"))
	if err != nil {
		logger.Error("failed to connect to validator", "endpoint", opts.connect, "error", err)
		return 1
	}
	defer drv.Close()

	hctx, cancel := context.WithTimeout(ctx, dcfg.DialTimeout)
	startup, err := drv.Handshake(hctx)
	cancel()
	if err != nil {
		logger.Error("failed to register with validator", "error", err)
		return 1
	}

	// The driver must be reading before the engine issues directives.
	driverErr := make(chan error, 1)
	go func() { driverErr <- drv.Run(ctx, eng) }()

	if err := eng.Start(drv, startup); err != nil {
		logger.Error("failed to start engine", "error", err)
		return 1
	}
	defer eng.Stop()

	if opts.statusAddr != "" {
		srv := status.NewServer(opts.statusAddr, eng, logger.Named("status"))
		if err := srv.Start(); err != nil {
			logger.Error("failed to start status server", "addr", opts.statusAddr, "error", err)
			return 1
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(sctx)
		}()
	}

	code := 0
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case <-eng.Done():
	case err := <-driverErr:
		if err != nil {
			logger.Error("validator connection lost", "error", err)
			code = 1
		}
	}

	// The engine logs its own fatal error.
	eng.Stop()
	if eng.Err() != nil {
		code = 1
	}
	return code
}
