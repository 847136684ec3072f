// Package engine implements a Raft consensus engine for a block validator.
//
// The validator builds, validates and stores blocks; the engine decides
// which blocks are committed and in what order by replicating block
// references through a Raft log.
//
// # Core Components
//
// Engine: the orchestrator. Validator updates, ticks and membership
// requests are merged into one queue consumed by a single loop goroutine,
// which exclusively owns the raft Node and the log store.
//
// Ticker: enqueues one Tick per TickInterval. Ticks drive Raft's election
// and heartbeat timers and the leader's publishing period.
//
// Publisher: the leader's block cycle.
//
//	InitializeBlock(head) -> (Period) -> FinalizeBlock -> BlockNew -> propose
//	-> commit -> CommitBlock -> BlockCommit -> InitializeBlock(new head)
//
// PeerSet: connectivity and traffic of the other cluster members.
//
// # Ready Handling
//
// After every event the engine drains the node. Within one Ready the order
// is strict: persist snapshot, entries and hard state; send messages;
// apply committed entries (block references become CommitBlock
// directives, conf changes update the cluster configuration); react to a
// leadership change by sweeping pending proposals. Entries at or below the
// applied index are never applied again.
//
// # Failure Semantics
//
// A log store write failure, a conf change that cannot be decoded, or a
// committed block the validator reports invalid ends the loop. Done is
// closed and Err returns the cause. Malformed peer messages, stale terms,
// failed sends and proposals made while not leader are logged and dropped.
//
// # Usage Example
//
//	store, _ := storage.Open(cfg.StoragePath, logger)
//	eng, _ := engine.NewEngine(cfg, store, logger)
//	eng.Start(service, startup)
//	go func() {
//	    for u := range updates {
//	        eng.Deliver(ctx, u)
//	    }
//	}()
//	<-eng.Done()
//	if err := eng.Err(); err != nil {
//	    // fatal
//	}
package engine
