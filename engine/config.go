package engine

import (
	"fmt"
	"time"

	"github.com/blockberries/raftberry/node"
	"github.com/blockberries/raftberry/types"
)

// Config holds configuration for the consensus engine
type Config struct {
	// NodeID is the local raft id
	NodeID types.NodeID

	// Peers is the static membership used to bootstrap an empty log store.
	// A restarted node uses the membership recorded in the store instead.
	Peers []types.Member

	// Join starts with an empty log store and waits to be added by the
	// leader instead of bootstrapping Peers. Peers still maps node ids to
	// validator peer ids.
	Join bool

	// Timers
	TickInterval  time.Duration
	ElectionTick  int
	HeartbeatTick int

	// Period is how long the leader builds a block before finalizing it
	Period time.Duration

	// Raft flow control
	MaxSizePerMsg   uint64
	MaxInflightMsgs int
	CheckQuorum     bool
	PreVote         bool

	// StoragePath is the log store directory. Empty keeps the log in memory.
	StoragePath string

	// CompactThreshold is how many applied entries accumulate before the
	// log prefix is compacted. Zero disables compaction.
	CompactThreshold uint64

	// QueueSize is the capacity of the merged event queue
	QueueSize int
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		TickInterval:     100 * time.Millisecond,
		ElectionTick:     20,
		HeartbeatTick:    2,
		Period:           3 * time.Second,
		MaxSizePerMsg:    1024 * 1024,
		MaxInflightMsgs:  256,
		StoragePath:      "data/raft",
		CompactThreshold: 10000,
		QueueSize:        1024,
	}
}

// ValidateBasic performs basic validation of the config
func (cfg *Config) ValidateBasic() error {
	if cfg.NodeID == types.NoNode {
		return fmt.Errorf("%w: node id must be non-zero", ErrInvalidConfig)
	}
	if cfg.TickInterval <= 0 {
		return fmt.Errorf("%w: tick interval must be positive", ErrInvalidConfig)
	}
	if cfg.HeartbeatTick <= 0 || cfg.ElectionTick <= cfg.HeartbeatTick {
		return fmt.Errorf("%w: election tick %d must exceed heartbeat tick %d",
			ErrInvalidConfig, cfg.ElectionTick, cfg.HeartbeatTick)
	}
	if cfg.Period <= 0 {
		return fmt.Errorf("%w: publishing period must be positive", ErrInvalidConfig)
	}
	if cfg.QueueSize <= 0 {
		return fmt.Errorf("%w: queue size must be positive", ErrInvalidConfig)
	}
	if cfg.Join && len(cfg.Peers) == 0 {
		return fmt.Errorf("%w: joining requires the peer list", ErrInvalidConfig)
	}
	if len(cfg.Peers) > 0 {
		if _, err := types.NewClusterConfig(cfg.NodeID, cfg.Peers); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}
	return nil
}

// PeriodTicks is Period expressed in ticks, at least one.
func (cfg *Config) PeriodTicks() uint64 {
	n := uint64((cfg.Period + cfg.TickInterval - 1) / cfg.TickInterval)
	if n == 0 {
		n = 1
	}
	return n
}

func (cfg *Config) nodeConfig() node.Config {
	nc := node.DefaultConfig(cfg.NodeID)
	nc.Peers = cfg.Peers
	nc.Join = cfg.Join
	nc.ElectionTick = cfg.ElectionTick
	nc.HeartbeatTick = cfg.HeartbeatTick
	if cfg.MaxSizePerMsg > 0 {
		nc.MaxSizePerMsg = cfg.MaxSizePerMsg
	}
	if cfg.MaxInflightMsgs > 0 {
		nc.MaxInflightMsgs = cfg.MaxInflightMsgs
	}
	nc.CheckQuorum = cfg.CheckQuorum
	nc.PreVote = cfg.PreVote
	return nc
}
