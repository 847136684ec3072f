package engine

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
)

// Tick is the event the Ticker places on the engine queue.
type Tick struct {
	Seq uint64
}

// Ticker enqueues one Tick per interval. It never blocks on a full queue:
// the tick is dropped and counted.
type Ticker struct {
	mu       sync.Mutex
	interval time.Duration
	out      chan<- any
	logger   hclog.Logger

	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool

	seq     uint64
	dropped uint64
}

// NewTicker creates a Ticker that sends on out every interval.
func NewTicker(interval time.Duration, out chan<- any, logger hclog.Logger) *Ticker {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Ticker{
		interval: interval,
		out:      out,
		logger:   logger,
	}
}

// Start starts the ticker
func (t *Ticker) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		return
	}
	t.running = true
	t.stopCh = make(chan struct{})
	t.doneCh = make(chan struct{})

	go t.run(t.stopCh, t.doneCh)
}

// Stop stops the ticker and waits for its goroutine, so no tick is sent
// after Stop returns.
func (t *Ticker) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	close(t.stopCh)
	done := t.doneCh
	t.mu.Unlock()

	<-done
}

// Dropped returns the number of ticks dropped due to a full queue
func (t *Ticker) Dropped() uint64 {
	return atomic.LoadUint64(&t.dropped)
}

func (t *Ticker) run(stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	timer := time.NewTicker(t.interval)
	defer timer.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-timer.C:
			t.seq++
			select {
			case t.out <- Tick{Seq: t.seq}:
			case <-stopCh:
				return
			default:
				count := atomic.AddUint64(&t.dropped, 1)
				t.logger.Warn("dropped tick, event queue full", "seq", t.seq, "total_dropped", count)
			}
		}
	}
}
