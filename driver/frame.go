package driver

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/blockberries/raftberry/types"
)

// maxFrameSize bounds a frame body on both encode and decode.
const maxFrameSize = 16 * 1024 * 1024

// Errors
var (
	ErrFrameCorrupted = errors.New("frame is corrupted")
	ErrFrameTooLarge  = errors.New("frame exceeds size limit")
	ErrUnknownFrame   = errors.New("unknown frame type")
)

// FrameType identifies the body of a frame
type FrameType uint8

const (
	FrameUnknown FrameType = iota

	// Engine to validator
	FrameRegister
	FrameInitializeBlock
	FrameFinalizeBlock
	FrameCancelBlock
	FrameCheckBlocks
	FrameCommitBlock
	FrameIgnoreBlock
	FrameFailBlock
	FrameSendTo

	// Validator to engine
	FrameStartup
	FrameResult
	FramePeerConnected
	FramePeerDisconnected
	FrameBlockNew
	FrameBlockValid
	FrameBlockInvalid
	FrameBlockCommit
	FramePeerMessage
	FrameShutdown

	frameTypeEnd
)

var frameNames = map[FrameType]string{
	FrameRegister:         "Register",
	FrameInitializeBlock:  "InitializeBlock",
	FrameFinalizeBlock:    "FinalizeBlock",
	FrameCancelBlock:      "CancelBlock",
	FrameCheckBlocks:      "CheckBlocks",
	FrameCommitBlock:      "CommitBlock",
	FrameIgnoreBlock:      "IgnoreBlock",
	FrameFailBlock:        "FailBlock",
	FrameSendTo:           "SendTo",
	FrameStartup:          "Startup",
	FrameResult:           "Result",
	FramePeerConnected:    "PeerConnected",
	FramePeerDisconnected: "PeerDisconnected",
	FrameBlockNew:         "BlockNew",
	FrameBlockValid:       "BlockValid",
	FrameBlockInvalid:     "BlockInvalid",
	FrameBlockCommit:      "BlockCommit",
	FramePeerMessage:      "PeerMessage",
	FrameShutdown:         "Shutdown",
}

func (t FrameType) String() string {
	if name, ok := frameNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", uint8(t))
}

// Frame is one message on the validator connection. Seq correlates a
// directive with its Result; updates carry zero.
type Frame struct {
	Type FrameType
	Seq  uint64
	Body []byte
}

// MarshalBinary serializes the frame body
//
//	type(1) seq(8) body(rest)
func (f *Frame) MarshalBinary() ([]byte, error) {
	enc := types.NewEncoder(9 + len(f.Body))
	enc.Byte(byte(f.Type))
	enc.Uint64(f.Seq)
	enc.Raw(f.Body)
	return enc.Data(), nil
}

// UnmarshalBinary deserializes the frame body
func (f *Frame) UnmarshalBinary(data []byte) error {
	dec := types.NewDecoder(data)
	f.Type = FrameType(dec.Byte())
	f.Seq = dec.Uint64()
	f.Body = dec.Rest()
	if err := dec.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrFrameCorrupted, err)
	}
	if f.Type == FrameUnknown || f.Type >= frameTypeEnd {
		return fmt.Errorf("%w: %d", ErrUnknownFrame, uint8(f.Type))
	}
	return nil
}

// WriteFrame writes f as length(4) body crc32(4), big endian.
func WriteFrame(w io.Writer, f *Frame) error {
	data, err := f.MarshalBinary()
	if err != nil {
		return err
	}
	if len(data) > maxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(data))
	}

	buf := make([]byte, 0, len(data)+8)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(data)))
	buf = append(buf, data...)
	buf = binary.BigEndian.AppendUint32(buf, crc32.ChecksumIEEE(data))
	_, err = w.Write(buf)
	return err
}

// ReadFrame reads one frame written by WriteFrame. It returns io.EOF only
// when the stream ends cleanly between frames.
func ReadFrame(r io.Reader) (*Frame, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(hdr[:])
	if length > maxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}

	data := make([]byte, length+4)
	if _, err := io.ReadFull(r, data); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	body, sum := data[:length], binary.BigEndian.Uint32(data[length:])
	if crc32.ChecksumIEEE(body) != sum {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrFrameCorrupted)
	}

	f := &Frame{}
	if err := f.UnmarshalBinary(body); err != nil {
		return nil, err
	}
	return f, nil
}
