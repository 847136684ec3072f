package types

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Block is the validator's descriptor of a block. Payload and Summary are
// carried through unmodified.
type Block struct {
	ID         BlockID
	PreviousID BlockID
	SignerID   PeerID
	Num        uint64
	Payload    []byte
	Summary    []byte
}

// Ref returns the log reference for the block under the given proposal id.
func (b *Block) Ref(proposal uuid.UUID) BlockRef {
	return BlockRef{
		Proposal:   proposal,
		ID:         b.ID,
		PreviousID: b.PreviousID,
		Num:        b.Num,
	}
}

func (b *Block) String() string {
	if b == nil {
		return "Block{nil}"
	}
	return fmt.Sprintf("Block{#%d %s prev=%s signer=%s}", b.Num, b.ID.Short(), b.PreviousID.Short(), b.SignerID)
}

// EncodeBlock writes a full block descriptor.
func EncodeBlock(enc *Encoder, b *Block) {
	enc.Bytes(b.ID.Bytes())
	enc.Bytes(b.PreviousID.Bytes())
	enc.Bytes(b.SignerID.Bytes())
	enc.Uint64(b.Num)
	enc.Bytes(b.Payload)
	enc.Bytes(b.Summary)
}

// DecodeBlock reads a block descriptor written by EncodeBlock.
func DecodeBlock(dec *Decoder) *Block {
	return &Block{
		ID:         NewBlockID(dec.Bytes()),
		PreviousID: NewBlockID(dec.Bytes()),
		SignerID:   NewPeerID(dec.Bytes()),
		Num:        dec.Uint64(),
		Payload:    dec.Bytes(),
		Summary:    dec.Bytes(),
	}
}

const (
	// blockRefVersion is the current BlockRef payload layout.
	blockRefVersion byte = 1

	// payloadKindBlock marks a BlockRef payload.
	payloadKindBlock byte = 1
)

// Payload errors
var (
	ErrEmptyPayload       = errors.New("empty entry payload")
	ErrUnknownPayload     = errors.New("unknown entry payload")
	ErrUnsupportedVersion = errors.New("unsupported payload version")
	ErrEmptyBlockID       = errors.New("block reference has empty block id")
)

// BlockRef is what the Raft log stores for a block: enough to tell the
// validator which block to commit, never the block itself.
type BlockRef struct {
	Proposal   uuid.UUID
	ID         BlockID
	PreviousID BlockID
	Num        uint64
}

// EncodeBlockRef encodes a BlockRef as a log entry payload:
//
//	version(1) kind(1) proposal(16) num(8) id(u32+n) previous(u32+n)
func EncodeBlockRef(ref BlockRef) ([]byte, error) {
	if ref.ID.IsEmpty() {
		return nil, ErrEmptyBlockID
	}
	enc := NewEncoder(2 + 16 + 8 + 8 + len(ref.ID) + len(ref.PreviousID))
	enc.Byte(blockRefVersion)
	enc.Byte(payloadKindBlock)
	enc.Raw(ref.Proposal[:])
	enc.Uint64(ref.Num)
	enc.Bytes(ref.ID.Bytes())
	enc.Bytes(ref.PreviousID.Bytes())
	return enc.Data(), nil
}

// DecodeBlockRef decodes a payload produced by EncodeBlockRef.
func DecodeBlockRef(data []byte) (BlockRef, error) {
	if len(data) == 0 {
		return BlockRef{}, ErrEmptyPayload
	}
	dec := NewDecoder(data)
	if v := dec.Byte(); v != blockRefVersion {
		return BlockRef{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, v)
	}
	if k := dec.Byte(); k != payloadKindBlock {
		return BlockRef{}, fmt.Errorf("%w: kind %d", ErrUnknownPayload, k)
	}

	var ref BlockRef
	copy(ref.Proposal[:], dec.Raw(16))
	ref.Num = dec.Uint64()
	ref.ID = NewBlockID(dec.Bytes())
	ref.PreviousID = NewBlockID(dec.Bytes())
	if err := dec.Err(); err != nil {
		return BlockRef{}, fmt.Errorf("decode block reference: %w", err)
	}
	if dec.Remaining() != 0 {
		return BlockRef{}, fmt.Errorf("decode block reference: %d trailing bytes", dec.Remaining())
	}
	if ref.ID.IsEmpty() {
		return BlockRef{}, ErrEmptyBlockID
	}
	return ref, nil
}
