// Package wal implements the write-ahead log behind the durable Raft log store.
//
// Every mutation of the Raft log (entry batches, hard state, snapshots,
// compactions, conf state, applied index, cluster membership) is written as
// a Record and synced before the store reports success. After a restart the
// records are read back in order with a Reader to rebuild the log.
//
// # File Format
//
// Each record is framed as
//
//	[4 bytes: length][N bytes: body][4 bytes: CRC32 of body]
//
// and the body as
//
//	[1 byte: type][8 bytes: index][8 bytes: term][data]
//
// Data is the protobuf encoding of the raft structure the record carries.
//
// # Segments
//
// Records go to segment files wal-00000, wal-00001, ... in one directory.
// A new segment is opened once the current one passes the size limit, or
// on Cut. Checkpoint removes every segment older than the last Cut. The
// directory is synced after segments are created or removed.
//
// # Recovery
//
// Start scans existing segments. A record cut short at the end of the
// newest segment (crash mid-write) is truncated away. A checksum mismatch
// or a torn record anywhere else is ErrWALCorrupted: the log cannot be
// trusted and the node must not continue.
package wal
