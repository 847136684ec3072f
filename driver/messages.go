package driver

import (
	"errors"
	"fmt"

	"github.com/blockberries/raftberry/engine"
	"github.com/blockberries/raftberry/types"
)

// maxListLen bounds decoded id lists.
const maxListLen = 1 << 16

// ResultStatus is the validator's answer to a directive
type ResultStatus uint8

const (
	StatusOK ResultStatus = iota
	StatusNotReady
	StatusUnknownBlock
	StatusFailed
)

func (s ResultStatus) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNotReady:
		return "not ready"
	case StatusUnknownBlock:
		return "unknown block"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Result answers the directive with the same Seq. Block is set by
// FinalizeBlock.
type Result struct {
	Status  ResultStatus
	Block   types.BlockID
	Message string
}

// Register is the engine's half of the handshake.
type Register struct {
	Name    string
	Version string
}

// Directive is a decoded engine-to-validator request. Which fields are set
// depends on Type.
type Directive struct {
	Type    FrameType
	Block   types.BlockID   // InitializeBlock (previous), CommitBlock, IgnoreBlock, FailBlock
	Blocks  []types.BlockID // CheckBlocks
	Peer    types.PeerID    // SendTo
	MsgType string          // SendTo
	Payload []byte          // SendTo
}

var errTrailingBytes = errors.New("trailing bytes")

func finish(dec *types.Decoder, t FrameType) error {
	if err := dec.Err(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrFrameCorrupted, t, err)
	}
	if dec.Remaining() != 0 {
		return fmt.Errorf("%w: %s: %v", ErrFrameCorrupted, t, errTrailingBytes)
	}
	return nil
}

func expect(f *Frame, t FrameType) error {
	if f.Type != t {
		return fmt.Errorf("%w: expected %s, got %s", ErrUnknownFrame, t, f.Type)
	}
	return nil
}

func encodeIDs(enc *types.Encoder, ids []types.BlockID) {
	enc.Uint32(uint32(len(ids)))
	for _, id := range ids {
		enc.Bytes(id.Bytes())
	}
}

func decodeIDs(dec *types.Decoder) []types.BlockID {
	n := dec.Uint32()
	if n > maxListLen {
		dec.Raw(-1) // poison the decoder
		return nil
	}
	ids := make([]types.BlockID, 0, n)
	for i := uint32(0); i < n && dec.Err() == nil; i++ {
		ids = append(ids, types.NewBlockID(dec.Bytes()))
	}
	return ids
}

// EncodeRegister builds the engine's registration frame.
func EncodeRegister(r Register) *Frame {
	enc := types.NewEncoder(16 + len(r.Name) + len(r.Version))
	enc.Text(r.Name)
	enc.Text(r.Version)
	return &Frame{Type: FrameRegister, Body: enc.Data()}
}

// DecodeRegister parses a registration frame.
func DecodeRegister(f *Frame) (Register, error) {
	if err := expect(f, FrameRegister); err != nil {
		return Register{}, err
	}
	dec := types.NewDecoder(f.Body)
	r := Register{Name: dec.Text(), Version: dec.Text()}
	return r, finish(dec, f.Type)
}

// EncodeStartup builds the validator's handshake reply.
func EncodeStartup(s engine.StartupState) *Frame {
	enc := types.NewEncoder(128)
	enc.Bytes(s.LocalPeer.Bytes())
	if s.ChainHead != nil {
		enc.Byte(1)
		types.EncodeBlock(enc, s.ChainHead)
	} else {
		enc.Byte(0)
	}
	enc.Uint32(uint32(len(s.Peers)))
	for _, p := range s.Peers {
		enc.Bytes(p.Bytes())
	}
	return &Frame{Type: FrameStartup, Body: enc.Data()}
}

// DecodeStartup parses the validator's handshake reply.
func DecodeStartup(f *Frame) (engine.StartupState, error) {
	if err := expect(f, FrameStartup); err != nil {
		return engine.StartupState{}, err
	}
	dec := types.NewDecoder(f.Body)
	var s engine.StartupState
	s.LocalPeer = types.NewPeerID(dec.Bytes())
	if dec.Byte() == 1 {
		s.ChainHead = types.DecodeBlock(dec)
	}
	n := dec.Uint32()
	if n > maxListLen {
		return engine.StartupState{}, fmt.Errorf("%w: %d peers", ErrFrameCorrupted, n)
	}
	for i := uint32(0); i < n && dec.Err() == nil; i++ {
		s.Peers = append(s.Peers, types.NewPeerID(dec.Bytes()))
	}
	if err := finish(dec, f.Type); err != nil {
		return engine.StartupState{}, err
	}
	return s, nil
}

// EncodeUpdate builds the frame for a validator update.
func EncodeUpdate(u engine.Update) (*Frame, error) {
	enc := types.NewEncoder(64)
	var t FrameType
	switch u := u.(type) {
	case engine.UpdatePeerConnected:
		t = FramePeerConnected
		enc.Bytes(u.Peer.Bytes())
	case engine.UpdatePeerDisconnected:
		t = FramePeerDisconnected
		enc.Bytes(u.Peer.Bytes())
	case engine.UpdateBlockNew:
		if u.Block == nil {
			return nil, fmt.Errorf("%w: BlockNew without block", ErrFrameCorrupted)
		}
		t = FrameBlockNew
		types.EncodeBlock(enc, u.Block)
	case engine.UpdateBlockValid:
		t = FrameBlockValid
		enc.Bytes(u.ID.Bytes())
	case engine.UpdateBlockInvalid:
		t = FrameBlockInvalid
		enc.Bytes(u.ID.Bytes())
	case engine.UpdateBlockCommit:
		t = FrameBlockCommit
		enc.Bytes(u.ID.Bytes())
	case engine.UpdatePeerMessage:
		t = FramePeerMessage
		enc.Bytes(u.Sender.Bytes())
		enc.Text(u.Type)
		enc.Bytes(u.Payload)
	case engine.UpdateShutdown:
		t = FrameShutdown
	default:
		return nil, fmt.Errorf("%w: update %T", ErrUnknownFrame, u)
	}
	return &Frame{Type: t, Body: enc.Data()}, nil
}

// DecodeUpdate parses a validator update frame.
func DecodeUpdate(f *Frame) (engine.Update, error) {
	dec := types.NewDecoder(f.Body)
	var u engine.Update
	switch f.Type {
	case FramePeerConnected:
		u = engine.UpdatePeerConnected{Peer: types.NewPeerID(dec.Bytes())}
	case FramePeerDisconnected:
		u = engine.UpdatePeerDisconnected{Peer: types.NewPeerID(dec.Bytes())}
	case FrameBlockNew:
		u = engine.UpdateBlockNew{Block: types.DecodeBlock(dec)}
	case FrameBlockValid:
		u = engine.UpdateBlockValid{ID: types.NewBlockID(dec.Bytes())}
	case FrameBlockInvalid:
		u = engine.UpdateBlockInvalid{ID: types.NewBlockID(dec.Bytes())}
	case FrameBlockCommit:
		u = engine.UpdateBlockCommit{ID: types.NewBlockID(dec.Bytes())}
	case FramePeerMessage:
		u = engine.UpdatePeerMessage{
			Sender:  types.NewPeerID(dec.Bytes()),
			Type:    dec.Text(),
			Payload: dec.Bytes(),
		}
	case FrameShutdown:
		u = engine.UpdateShutdown{}
	default:
		return nil, fmt.Errorf("%w: %s is not an update", ErrUnknownFrame, f.Type)
	}
	if err := finish(dec, f.Type); err != nil {
		return nil, err
	}
	return u, nil
}

// EncodeDirective builds the frame for an engine directive.
func EncodeDirective(seq uint64, d Directive) (*Frame, error) {
	enc := types.NewEncoder(64 + len(d.Payload))
	switch d.Type {
	case FrameInitializeBlock, FrameCommitBlock, FrameIgnoreBlock, FrameFailBlock:
		enc.Bytes(d.Block.Bytes())
	case FrameFinalizeBlock, FrameCancelBlock:
	case FrameCheckBlocks:
		encodeIDs(enc, d.Blocks)
	case FrameSendTo:
		enc.Bytes(d.Peer.Bytes())
		enc.Text(d.MsgType)
		enc.Bytes(d.Payload)
	default:
		return nil, fmt.Errorf("%w: %s is not a directive", ErrUnknownFrame, d.Type)
	}
	return &Frame{Type: d.Type, Seq: seq, Body: enc.Data()}, nil
}

// DecodeDirective parses an engine directive frame.
func DecodeDirective(f *Frame) (Directive, error) {
	dec := types.NewDecoder(f.Body)
	d := Directive{Type: f.Type}
	switch f.Type {
	case FrameInitializeBlock, FrameCommitBlock, FrameIgnoreBlock, FrameFailBlock:
		d.Block = types.NewBlockID(dec.Bytes())
	case FrameFinalizeBlock, FrameCancelBlock:
	case FrameCheckBlocks:
		d.Blocks = decodeIDs(dec)
	case FrameSendTo:
		d.Peer = types.NewPeerID(dec.Bytes())
		d.MsgType = dec.Text()
		d.Payload = dec.Bytes()
	default:
		return Directive{}, fmt.Errorf("%w: %s is not a directive", ErrUnknownFrame, f.Type)
	}
	if err := finish(dec, f.Type); err != nil {
		return Directive{}, err
	}
	return d, nil
}

// EncodeResult builds the answer to directive seq.
func EncodeResult(seq uint64, r Result) *Frame {
	enc := types.NewEncoder(16 + len(r.Block) + len(r.Message))
	enc.Byte(byte(r.Status))
	enc.Bytes(r.Block.Bytes())
	enc.Text(r.Message)
	return &Frame{Type: FrameResult, Seq: seq, Body: enc.Data()}
}

// DecodeResult parses a result frame.
func DecodeResult(f *Frame) (Result, error) {
	if err := expect(f, FrameResult); err != nil {
		return Result{}, err
	}
	dec := types.NewDecoder(f.Body)
	r := Result{
		Status:  ResultStatus(dec.Byte()),
		Block:   types.NewBlockID(dec.Bytes()),
		Message: dec.Text(),
	}
	return r, finish(dec, f.Type)
}
