// Package storage implements the Raft log store used by the engine.
//
// A LogStore is a raft.Storage (the read side the Raft library consults)
// plus the write side the engine drives while draining a Ready: append
// entries, set hard state, apply snapshots, compact the log prefix, and
// record the conf state, applied index and cluster membership.
//
// Every mutating call is durable when it returns. Callers treat any error
// as fatal: the node cannot continue without durable state.
//
// Two implementations are provided:
//
//   - MemoryStore keeps everything in a raft.MemoryStorage. Durability is
//     trivially satisfied for tests and single-process simulations.
//   - DurableStore layers a FileWAL under a MemoryStore. Open replays the
//     WAL to rebuild the in-memory log; Compact writes the live state into
//     a fresh segment and deletes the older ones.
package storage
