/*
Package driver connects the consensus engine to its validator over TCP.

# Wire format

Every message is a frame:

	length(4) body crc32(4)

with big-endian integers and a CRC32 (IEEE) of the body. The body is a
type byte, an 8-byte sequence number and the type's fields. Byte strings
are a u32 length followed by the bytes.

# Protocol

The engine registers with a Register frame and the validator answers with
Startup (local peer, chain head, connected peers). After that the validator
sends update frames (BlockNew, BlockCommit, PeerMessage, ...) at any time.
The engine sends directive frames; each carries a non-zero sequence number
and is answered by a Result frame with the same number. SendTo is the
exception: it is sent with sequence zero and never answered.

# Usage

	d, err := driver.Dial(ctx, cfg, logger)
	startup, err := d.Handshake(ctx)
	eng.Start(d, startup)
	err = d.Run(ctx, eng) // until the connection drops or d.Close
*/
package driver
